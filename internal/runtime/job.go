// Package runtime implements the job ledger: the persistent record of every
// long-running operation (sync passes, migrations, transfers) with its
// progress, outcome and cancellation state. The ledger is the sole error
// surface of the sync core.
package runtime

import "time"

// Job templates.
const (
	TemplateFullSync  = "full-sync"
	TemplateSync      = "sync"
	TemplateMigration = "migration"
	TemplateClean     = "clean"
)

// Job owners.
const (
	OwnerWorker    = "worker"
	OwnerUser      = "user"
	OwnerMigration = "migration"
)

// Job status values. Done, error, cancelled and timeout are terminal: a job
// reaching one of them is immutable thereafter except for deletion.
const (
	StatusNew        = "new"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
	StatusTimeout    = "timeout"
)

// Job is one persisted unit of long-running work.
type Job struct {
	ID       int64  `json:"id"`
	ParentID int64  `json:"parent_id"`
	Owner    string `json:"owner"`
	Template string `json:"template"`
	Label    string `json:"label"`

	Status      string `json:"status"`
	Message     string `json:"message"`
	Progress    int64  `json:"progress"`
	ProgressMsg string `json:"progress_msg"`
	Total       int64  `json:"total"`

	CreationTs int64 `json:"creation_ts"`
	StartTs    int64 `json:"start_ts"`
	UpdateTs   int64 `json:"update_ts"`
	DoneTs     int64 `json:"done_ts"`
}

// IsTerminal reports whether the job has reached a final status.
func (j *Job) IsTerminal() bool { return terminalStatus(j.Status) }

func terminalStatus(s string) bool {
	switch s {
	case StatusDone, StatusError, StatusCancelled, StatusTimeout:
		return true
	}

	return false
}

// IsFail reports whether the job terminated without completing its work.
func (j *Job) IsFail() bool {
	switch j.Status {
	case StatusError, StatusCancelled, StatusTimeout:
		return true
	}

	return false
}

// Cancellation is a request-to-cancel marker. Its mere presence is polled
// cooperatively by the running job loop; the ledger never force-stops work.
type Cancellation struct {
	JobID       int64  `json:"job_id"`
	Owner       string `json:"owner"`
	RequestedTs int64  `json:"requested_ts"`
}

func now() int64 { return time.Now().Unix() }
