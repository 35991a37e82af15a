// Package transfer implements the persistent transfer queue: one record
// per file copy, owned by a ledger job, and the two-phase runner that
// moves the bytes.
package transfer

// Transfer direction.
const (
	TypeDownload = "download"
	TypeUpload   = "upload"
)

// Transfer status values.
const (
	StatusNew        = "new"
	StatusProcessing = "processing"
	StatusPaused     = "paused"
	StatusDone       = "done"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
)

// Transfer records one file's copy operation. LocalPath is the staging
// file holding partially copied bytes; a crash mid-transfer leaves it
// behind for resume.
type Transfer struct {
	ID           int64  `json:"id"`
	JobID        int64  `json:"job_id"`
	EncodedState string `json:"encoded_state"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Mime         string `json:"mime,omitempty"`
	ByteSize     int64  `json:"byte_size"`
	Progress     int64  `json:"progress"`
	LocalPath    string `json:"local_path"`
	Etag         string `json:"etag,omitempty"`
	Error        string `json:"error,omitempty"`
	CreationTs   int64  `json:"creation_ts"`
	StartTs      int64  `json:"start_ts"`
	UpdateTs     int64  `json:"update_ts"`
	DoneTs       int64  `json:"done_ts"`
}

// IsTerminal reports whether the transfer reached a final status.
func (t *Transfer) IsTerminal() bool {
	switch t.Status {
	case StatusDone, StatusError, StatusCancelled:
		return true
	}

	return false
}
