package transfer

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
	queueDirPerm  = fs.FileMode(0o700)
	queueFilePerm = fs.FileMode(0o600)

	// queueOpenTimeout is the maximum time to wait for the bolt lock.
	queueOpenTimeout = 5 * time.Second
)

var transfersBucket = []byte("transfers")

// Queue wraps the bbolt database holding transfer records.
type Queue struct {
	db *bolt.DB
}

// OpenQueue opens (creating if needed) the transfer database at
// <dir>/transfers.db.
func OpenQueue(dir string) (*Queue, error) {
	return OpenQueueAt(filepath.Join(dir, "transfers.db"))
}

// OpenQueueAt opens a transfer database at the given path. Useful for
// tests that need an isolated database.
func OpenQueueAt(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), queueDirPerm); err != nil {
		return nil, fmt.Errorf("creating transfer directory: %w", err)
	}

	db, err := bolt.Open(path, queueFilePerm, &bolt.Options{Timeout: queueOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening transfer db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing transfer db: %w", err)
	}

	return &Queue{db: db}, nil
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Add inserts a transfer record in status "new" and returns its id.
func (q *Queue) Add(t Transfer) (int64, error) {
	var id int64

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transfersBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)

		t.ID = id
		t.Status = StatusNew
		t.CreationTs = time.Now().Unix()
		t.UpdateTs = t.CreationTs
		t.StartTs = -1
		t.DoneTs = -1

		return putTransfer(b, &t)
	})
	if err != nil {
		return 0, fmt.Errorf("adding transfer: %w", err)
	}

	return id, nil
}

// Get returns a transfer by id, or nil when unknown.
func (q *Queue) Get(id int64) (*Transfer, error) {
	var t *Transfer

	err := q.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transfersBucket).Get(itob(id))
		if v == nil {
			return nil
		}

		t = &Transfer{}

		return json.Unmarshal(v, t)
	})
	if err != nil {
		return nil, fmt.Errorf("reading transfer %d: %w", id, err)
	}

	return t, nil
}

// ListForJob returns all transfers owned by a job.
func (q *Queue) ListForJob(jobID int64) ([]Transfer, error) {
	var transfers []Transfer

	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(k, v []byte) error {
			var t Transfer
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if t.JobID == jobID {
				transfers = append(transfers, t)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing transfers for job %d: %w", jobID, err)
	}

	return transfers, nil
}

// Mutate applies fn to a transfer row inside a single update transaction
// and stamps UpdateTs. Writes to one row are serialized here.
func (q *Queue) Mutate(id int64, fn func(t *Transfer) error) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transfersBucket)

		v := b.Get(itob(id))
		if v == nil {
			return fmt.Errorf("no transfer with id %d", id)
		}

		var t Transfer
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}

		if err := fn(&t); err != nil {
			return err
		}

		t.UpdateTs = time.Now().Unix()

		return putTransfer(b, &t)
	})
	if err != nil {
		return fmt.Errorf("updating transfer %d: %w", id, err)
	}

	return nil
}

// SetProgress records absolute byte progress. Monotonic per row.
func (q *Queue) SetProgress(id, bytes int64) error {
	return q.Mutate(id, func(t *Transfer) error {
		if bytes > t.Progress {
			t.Progress = bytes
		}

		return nil
	})
}

// SetStatus moves a transfer to the given status, stamping start/done
// timestamps at the matching transitions.
func (q *Queue) SetStatus(id int64, status, errMsg string) error {
	return q.Mutate(id, func(t *Transfer) error {
		t.Status = status
		t.Error = errMsg

		now := time.Now().Unix()
		switch status {
		case StatusProcessing:
			if t.StartTs <= 0 {
				t.StartTs = now
			}
		case StatusDone, StatusError, StatusCancelled:
			t.DoneTs = now
		}

		return nil
	})
}

// Forget deletes a single transfer record.
func (q *Queue) Forget(id int64) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).Delete(itob(id))
	})
	if err != nil {
		return fmt.Errorf("forgetting transfer %d: %w", id, err)
	}

	return nil
}

// ClearForJob deletes all transfer records owned by a job, returning the
// staging paths of the removed rows so the caller can unlink them.
func (q *Queue) ClearForJob(jobID int64) ([]string, error) {
	var staged []string

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		c := b.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Transfer
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if t.JobID != jobID {
				continue
			}

			if err := c.Delete(); err != nil {
				return err
			}

			if t.LocalPath != "" {
				staged = append(staged, t.LocalPath)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clearing transfers for job %d: %w", jobID, err)
	}

	return staged, nil
}

// ClearTerminated deletes all terminal transfer records.
func (q *Queue) ClearTerminated() (int, error) {
	count := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		c := b.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Transfer
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if !t.IsTerminal() {
				continue
			}

			if err := c.Delete(); err != nil {
				return err
			}

			count++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clearing terminated transfers: %w", err)
	}

	return count, nil
}

func putTransfer(b *bolt.Bucket, t *Transfer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	return b.Put(itob(t.ID), data)
}

func itob(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))

	return buf
}
