package runtime

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	ledgerDirPerm  = fs.FileMode(0o700)
	ledgerFilePerm = fs.FileMode(0o600)

	// ledgerOpenTimeout is the maximum time to wait for the bolt lock.
	ledgerOpenTimeout = 5 * time.Second
)

var (
	jobsBucket          = []byte("jobs")
	cancellationsBucket = []byte("job_cancellations")
	appBucket           = []byte("app")

	installedVersionKey = []byte("installed_version")
)

// Ledger wraps a bbolt database holding the job table and the cancellation
// side-table. All mutations go through its methods; writes to a given job
// row are serialized by the underlying update transactions.
type Ledger struct {
	db *bolt.DB
}

// OpenLedger opens (creating if needed) the runtime database at
// <dir>/runtime.db.
func OpenLedger(dir string) (*Ledger, error) {
	return OpenLedgerAt(filepath.Join(dir, "runtime.db"))
}

// OpenLedgerAt opens a ledger database at the given path. Useful for tests
// that need an isolated database.
func OpenLedgerAt(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), ledgerDirPerm); err != nil {
		return nil, fmt.Errorf("creating runtime directory: %w", err)
	}

	db, err := bolt.Open(path, ledgerFilePerm, &bolt.Options{Timeout: ledgerOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening runtime db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{jobsBucket, cancellationsBucket, appBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing runtime db: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Create inserts a new job in status "new" and returns its id. parentID is
// 0 for root jobs; maxSteps may be -1 when the step count is not yet known.
func (l *Ledger) Create(owner, template, label string, parentID, maxSteps int64) (int64, error) {
	var id int64

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)

		ts := now()
		job := Job{
			ID:         id,
			ParentID:   parentID,
			Owner:      owner,
			Template:   template,
			Label:      label,
			Status:     StatusNew,
			Total:      maxSteps,
			CreationTs: ts,
			UpdateTs:   ts,
			StartTs:    -1,
			DoneTs:     -1,
		}

		return putJob(b, &job)
	})
	if err != nil {
		return 0, fmt.Errorf("creating job: %w", err)
	}

	return id, nil
}

// CreateAndLaunch inserts a new job directly in status "processing".
func (l *Ledger) CreateAndLaunch(owner, template, label string, parentID, maxSteps int64) (int64, error) {
	id, err := l.Create(owner, template, label, parentID, maxSteps)
	if err != nil {
		return 0, err
	}

	if err := l.Launched(id); err != nil {
		return 0, err
	}

	return id, nil
}

// Launched transitions a job to "processing" and stamps its start time.
func (l *Ledger) Launched(jobID int64) error {
	return l.mutate(jobID, func(job *Job) error {
		job.Status = StatusProcessing
		job.StartTs = now()

		return nil
	})
}

// UpdateProgress records an absolute progress step. Progress is monotonic
// per job: a step lower than or equal to the stored value is a no-op, so
// out-of-order updates from racing reporters cannot move the bar backwards.
func (l *Ledger) UpdateProgress(jobID, step int64, message string) error {
	return l.mutate(jobID, func(job *Job) error {
		if step <= job.Progress {
			return nil
		}

		job.Progress = step
		if message != "" {
			job.ProgressMsg = message
		}

		return nil
	})
}

// UpdateTotal replaces the step count, optionally also updating status and
// progress message. Used when the real step count is only known mid-job.
func (l *Ledger) UpdateTotal(jobID, total int64, status, message string) error {
	return l.mutate(jobID, func(job *Job) error {
		job.Total = total
		if status != "" {
			job.Status = status
		}
		if message != "" {
			job.ProgressMsg = message
		}

		return nil
	})
}

// Done terminates a job successfully. Progress snaps to the step total.
func (l *Ledger) Done(jobID int64, message, lastProgressMsg string) error {
	return l.mutate(jobID, func(job *Job) error {
		job.Status = StatusDone
		job.Message = message
		if lastProgressMsg != "" {
			job.ProgressMsg = lastProgressMsg
		}
		if job.Total > 0 {
			job.Progress = job.Total
		}
		job.DoneTs = now()

		return nil
	})
}

// Fail terminates a job with an error message. Every job loop must route
// its uncaught errors here before returning; a job left "processing" after
// a restart is an anomaly, not a resumable state.
func (l *Ledger) Fail(jobID int64, errMessage string) error {
	return l.mutate(jobID, func(job *Job) error {
		job.Status = StatusError
		job.Message = errMessage
		job.DoneTs = now()

		return nil
	})
}

// Cancelled marks a job as cancelled by its own loop after it observed a
// cancellation request at a safe point.
func (l *Ledger) Cancelled(jobID int64, message string) error {
	return l.mutate(jobID, func(job *Job) error {
		job.Status = StatusCancelled
		job.Message = message
		job.DoneTs = now()

		return nil
	})
}

// RequestCancellation inserts the cancellation marker for a job and for all
// its direct children, so per-file sub-jobs stop at their next safe point.
func (l *Ledger) RequestCancellation(jobID int64, owner string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(cancellationsBucket)
		ts := now()

		ids := []int64{jobID}

		// Propagate to children.
		jb := tx.Bucket(jobsBucket)
		c := jb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.ParentID == jobID {
				ids = append(ids, job.ID)
			}
		}

		for _, id := range ids {
			data, err := json.Marshal(Cancellation{JobID: id, Owner: owner, RequestedTs: ts})
			if err != nil {
				return err
			}
			if err := cb.Put(itob(id), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// IsCancelled reports whether a cancellation has been requested for the
// job. Running loops poll this between units of work.
func (l *Ledger) IsCancelled(jobID int64) bool {
	var found bool

	_ = l.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(cancellationsBucket).Get(itob(jobID)) != nil
		return nil
	})

	return found
}

// Get returns a job by id, or nil when unknown.
func (l *Ledger) Get(jobID int64) (*Job, error) {
	var job *Job

	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(jobsBucket).Get(itob(jobID))
		if v == nil {
			return nil
		}

		job = &Job{}

		return json.Unmarshal(v, job)
	})
	if err != nil {
		return nil, fmt.Errorf("reading job %d: %w", jobID, err)
	}

	return job, nil
}

// ListActive returns all jobs in status "new" or "processing".
func (l *Ledger) ListActive() ([]Job, error) {
	return l.list(func(j *Job) bool { return !j.IsTerminal() })
}

// ListRoot returns all jobs that have no parent, oldest first.
func (l *Ledger) ListRoot() ([]Job, error) {
	return l.list(func(j *Job) bool { return j.ParentID == 0 })
}

// RunningForTemplate returns the "processing" jobs for a template. Used to
// enforce at-most-one running pass per sync target.
func (l *Ledger) RunningForTemplate(template string) ([]Job, error) {
	return l.list(func(j *Job) bool {
		return j.Template == template && j.Status == StatusProcessing
	})
}

// FailStale marks running jobs with no update since the given window as
// "timeout". Orphaned jobs (left processing by a crashed run) are surfaced
// this way rather than auto-resumed.
func (l *Ledger) FailStale(staleAfter time.Duration) ([]int64, error) {
	var timedOut []int64
	cutoff := time.Now().Add(-staleAfter).Unix()

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		c := b.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}

			if job.Status != StatusProcessing {
				continue
			}

			last := job.UpdateTs
			if last <= 0 {
				last = job.StartTs
			}
			if last > cutoff {
				continue
			}

			job.Status = StatusTimeout
			job.Message = fmt.Sprintf("no update since %s, assuming orphaned", staleAfter)
			job.DoneTs = now()
			if err := putJob(b, &job); err != nil {
				return err
			}

			timedOut = append(timedOut, job.ID)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failing stale jobs: %w", err)
	}

	return timedOut, nil
}

// ClearTerminated deletes all terminal jobs and their cancellation markers.
func (l *Ledger) ClearTerminated() (int, error) {
	count := 0

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		cb := tx.Bucket(cancellationsBucket)
		c := b.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}

			if !job.IsTerminal() {
				continue
			}

			if err := c.Delete(); err != nil {
				return err
			}
			if err := cb.Delete(k); err != nil {
				return err
			}

			count++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clearing terminated jobs: %w", err)
	}

	return count, nil
}

// InstalledVersion returns the persisted schema generation marker, 0 when
// never set. The migration decision table keys off this value.
func (l *Ledger) InstalledVersion() int {
	version := 0

	_ = l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(installedVersionKey)
		if len(v) == 8 {
			version = int(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return version
}

// SetInstalledVersion persists the schema generation marker.
func (l *Ledger) SetInstalledVersion(version int) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(installedVersionKey, itob(int64(version)))
	})
}

func (l *Ledger) mutate(jobID int64, fn func(job *Job) error) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)

		v := b.Get(itob(jobID))
		if v == nil {
			return fmt.Errorf("no job with id %d", jobID)
		}

		var job Job
		if err := json.Unmarshal(v, &job); err != nil {
			return err
		}

		before := job.Status

		if err := fn(&job); err != nil {
			return err
		}

		// A terminal status is final: the row may only leave it by
		// deletion, never by another status transition.
		if job.Status != before && terminalStatus(before) {
			return fmt.Errorf("job is already %s, cannot move to %s", before, job.Status)
		}

		job.UpdateTs = now()

		return putJob(b, &job)
	})
	if err != nil {
		return fmt.Errorf("updating job %d: %w", jobID, err)
	}

	return nil
}

func (l *Ledger) list(keep func(*Job) bool) ([]Job, error) {
	var jobs []Job

	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}

			if keep(&job) {
				jobs = append(jobs, job)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	return jobs, nil
}

func putJob(b *bolt.Bucket, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return b.Put(itob(job.ID), data)
}

func itob(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))

	return buf
}
