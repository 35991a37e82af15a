package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pydio/cells-sync/internal/client"
	"github.com/pydio/cells-sync/internal/errors"
	"github.com/pydio/cells-sync/internal/runtime"
	"github.com/pydio/cells-sync/internal/state"
	"github.com/pydio/cells-sync/internal/tree"
)

// Runner executes transfers in two phases: a local staging phase and a
// network phase. A crash between phases leaves a resumable staging file,
// never a half-written final copy.
type Runner struct {
	queue  *Queue
	ledger *runtime.Ledger
	store  *tree.Store
	cli    client.Client
	logger *slog.Logger

	dataDir          string
	stagingDir       string
	bufferSize       int
	progressInterval time.Duration
}

// RunnerOptions carries the runner's tunables.
type RunnerOptions struct {
	DataDir          string
	StagingDir       string
	BufferSize       int
	ProgressInterval time.Duration
}

// NewRunner creates a transfer runner bound to one account's client.
func NewRunner(queue *Queue, ledger *runtime.Ledger, store *tree.Store, cli client.Client, opts RunnerOptions, logger *slog.Logger) *Runner {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Second
	}
	if opts.StagingDir == "" {
		opts.StagingDir = filepath.Join(opts.DataDir, "staging")
	}

	return &Runner{
		queue:            queue,
		ledger:           ledger,
		store:            store,
		cli:              cli,
		logger:           logger,
		dataDir:          opts.DataDir,
		stagingDir:       opts.StagingDir,
		bufferSize:       opts.BufferSize,
		progressInterval: opts.ProgressInterval,
	}
}

// Register enqueues a transfer under a job and returns its id. The
// staging location is allocated here so both phases agree on it.
func (r *Runner) Register(id state.ID, jobID int64, transferType string, size int64, etag, mime string) (int64, error) {
	transferID, err := r.queue.Add(Transfer{
		JobID:        jobID,
		EncodedState: id.Encoded(),
		Type:         transferType,
		ByteSize:     size,
		Etag:         etag,
		Mime:         mime,
		LocalPath:    filepath.Join(r.stagingDir, uuid.NewString()),
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debug("transfer registered",
		"transfer_id", transferID, "job_id", jobID, "type", transferType, "state", id.Encoded())

	return transferID, nil
}

// LaunchCopy stages bytes from a local source into the transfer's staging
// file. This is the first phase of an upload; the network phase reads the
// staged copy, so the source need not stay available.
func (r *Runner) LaunchCopy(ctx context.Context, transferID int64, src io.Reader) error {
	t, err := r.load(transferID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(t.LocalPath), 0o700); err != nil {
		return r.fail(t, fmt.Errorf("creating staging directory: %w", err))
	}

	dst, err := os.OpenFile(t.LocalPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return r.fail(t, fmt.Errorf("creating staging file: %w", err))
	}
	defer dst.Close()

	if _, err := r.copyLoop(ctx, t, dst, src, 0); err != nil {
		return r.fail(t, fmt.Errorf("staging bytes: %w", err))
	}

	return nil
}

// RunDownload performs the network phase of a download: stream into the
// staging file, then move the finished copy into the local mirror. A
// staged partial is resumed at its confirmed offset when the server
// honors range requests, else restarted from zero.
func (r *Runner) RunDownload(ctx context.Context, transferID int64) error {
	t, err := r.load(transferID)
	if err != nil {
		return err
	}

	id, err := state.Parse(t.EncodedState)
	if err != nil {
		return r.fail(t, err)
	}

	var offset int64
	if fi, err := os.Stat(t.LocalPath); err == nil {
		offset = fi.Size()
	}

	if err := r.queue.SetStatus(t.ID, StatusProcessing, ""); err != nil {
		return err
	}

	body, ranged, err := r.cli.Download(ctx, id.Workspace(), id.File(), offset)
	if err != nil {
		return r.fail(t, err)
	}
	defer body.Close()

	if offset > 0 && !ranged {
		offset = 0
	}

	if err := os.MkdirAll(filepath.Dir(t.LocalPath), 0o700); err != nil {
		return r.fail(t, fmt.Errorf("creating staging directory: %w", err))
	}

	mode := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		mode |= os.O_TRUNC
	} else {
		mode |= os.O_APPEND
	}

	dst, err := os.OpenFile(t.LocalPath, mode, 0o600)
	if err != nil {
		return r.fail(t, fmt.Errorf("opening staging file: %w", err))
	}

	written, err := r.copyLoop(ctx, t, dst, body, offset)
	dst.Close()

	switch {
	case err == nil:
	case errors.Is(err, errPaused):
		return nil
	case errors.Is(err, errors.ErrCancelled):
		_ = os.Remove(t.LocalPath)
		return r.queue.SetStatus(t.ID, StatusCancelled, "")
	default:
		return r.fail(t, err)
	}

	final := tree.LocalPath(r.dataDir, id)
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return r.fail(t, fmt.Errorf("creating mirror directory: %w", err))
	}
	if err := os.Rename(t.LocalPath, final); err != nil {
		return r.fail(t, fmt.Errorf("moving staged file into place: %w", err))
	}

	if err := r.store.RecordLocalFile(id, t.Etag, written); err != nil {
		return r.fail(t, err)
	}

	if err := r.queue.SetProgress(t.ID, written); err != nil {
		return err
	}

	r.logger.Info("download finished", "transfer_id", t.ID, "state", t.EncodedState, "bytes", written)

	return r.queue.SetStatus(t.ID, StatusDone, "")
}

// RunUpload performs the network phase of an upload from the staged copy.
// Uploads always restart from zero; the staged file is removed on success.
func (r *Runner) RunUpload(ctx context.Context, transferID int64) error {
	t, err := r.load(transferID)
	if err != nil {
		return err
	}

	id, err := state.Parse(t.EncodedState)
	if err != nil {
		return r.fail(t, err)
	}

	src, err := os.Open(t.LocalPath)
	if err != nil {
		return r.fail(t, fmt.Errorf("opening staged file: %w", err))
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return r.fail(t, fmt.Errorf("reading staged file size: %w", err))
	}

	err = r.queue.Mutate(t.ID, func(t *Transfer) error {
		t.Status = StatusProcessing
		t.Progress = 0
		t.ByteSize = fi.Size()
		if t.StartTs <= 0 {
			t.StartTs = time.Now().Unix()
		}

		return nil
	})
	if err != nil {
		return err
	}

	etag, err := r.cli.Upload(ctx, id.Workspace(), id.File(), r.watchReads(t, src), fi.Size())
	switch {
	case err == nil:
	case errors.Is(err, errPaused):
		return nil
	case errors.Is(err, errors.ErrCancelled):
		_ = os.Remove(t.LocalPath)
		return r.queue.SetStatus(t.ID, StatusCancelled, "")
	default:
		return r.fail(t, err)
	}

	if err := r.store.RecordLocalFile(id, etag, fi.Size()); err != nil {
		return r.fail(t, err)
	}

	err = r.queue.Mutate(t.ID, func(t *Transfer) error {
		t.Status = StatusDone
		t.Progress = t.ByteSize
		t.Etag = etag
		t.DoneTs = time.Now().Unix()

		return nil
	})
	if err != nil {
		return err
	}

	_ = os.Remove(t.LocalPath)

	r.logger.Info("upload finished", "transfer_id", t.ID, "state", t.EncodedState, "bytes", fi.Size())

	return nil
}

// Pause asks a running transfer to stop at the next buffer boundary.
func (r *Runner) Pause(transferID int64) error {
	return r.queue.Mutate(transferID, func(t *Transfer) error {
		if t.IsTerminal() {
			return fmt.Errorf("transfer already %s", t.Status)
		}

		t.Status = StatusPaused

		return nil
	})
}

// Resume restarts a paused transfer: downloads continue from the staged
// offset when the server supports ranges, uploads restart from zero.
func (r *Runner) Resume(ctx context.Context, transferID int64) error {
	t, err := r.load(transferID)
	if err != nil {
		return err
	}

	switch t.Type {
	case TypeDownload:
		return r.RunDownload(ctx, transferID)
	case TypeUpload:
		return r.RunUpload(ctx, transferID)
	default:
		return fmt.Errorf("unknown transfer type %q", t.Type)
	}
}

// Cancel marks a transfer cancelled and drops its staged bytes.
func (r *Runner) Cancel(transferID int64) error {
	t, err := r.load(transferID)
	if err != nil {
		return err
	}

	if t.LocalPath != "" {
		_ = os.Remove(t.LocalPath)
	}

	return r.queue.SetStatus(transferID, StatusCancelled, "")
}

// Forget removes a transfer record and its staged bytes.
func (r *Runner) Forget(transferID int64) error {
	t, err := r.queue.Get(transferID)
	if err != nil {
		return err
	}

	if t != nil && t.LocalPath != "" {
		_ = os.Remove(t.LocalPath)
	}

	return r.queue.Forget(transferID)
}

// ClearTerminated removes all finished transfer records.
func (r *Runner) ClearTerminated() (int, error) {
	return r.queue.ClearTerminated()
}

var errPaused = fmt.Errorf("transfer paused")

// copyLoop copies buffer by buffer, checking pause and cancellation
// between buffers and persisting byte progress at most once per
// progress interval.
func (r *Runner) copyLoop(ctx context.Context, t *Transfer, dst io.Writer, src io.Reader, offset int64) (int64, error) {
	buf := make([]byte, r.bufferSize)
	written := offset
	lastReport := time.Now()

	for {
		if err := r.checkInterrupt(ctx, t); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("writing staged bytes: %w", err)
			}

			written += int64(n)

			if time.Since(lastReport) >= r.progressInterval {
				if err := r.queue.SetProgress(t.ID, written); err != nil {
					return written, err
				}
				lastReport = time.Now()
			}
		}

		if readErr == io.EOF {
			return written, r.queue.SetProgress(t.ID, written)
		}
		if readErr != nil {
			return written, fmt.Errorf("reading source: %w", readErr)
		}
	}
}

func (r *Runner) checkInterrupt(ctx context.Context, t *Transfer) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrCancelled, err)
	}

	if r.ledger.IsCancelled(t.JobID) {
		return errors.ErrCancelled
	}

	cur, err := r.queue.Get(t.ID)
	if err != nil {
		return err
	}
	if cur != nil && cur.Status == StatusPaused {
		return errPaused
	}

	return nil
}

// watchReads wraps an upload source so pause/cancel checks and throttled
// progress reporting happen per read.
func (r *Runner) watchReads(t *Transfer, src io.Reader) io.Reader {
	return &watchedReader{runner: r, transfer: t, src: src, lastReport: time.Now()}
}

type watchedReader struct {
	runner     *Runner
	transfer   *Transfer
	src        io.Reader
	read       int64
	lastReport time.Time
}

func (w *watchedReader) Read(p []byte) (int, error) {
	if err := w.runner.checkInterrupt(context.Background(), w.transfer); err != nil {
		return 0, err
	}

	n, err := w.src.Read(p)
	if n > 0 {
		w.read += int64(n)

		if time.Since(w.lastReport) >= w.runner.progressInterval {
			if perr := w.runner.queue.SetProgress(w.transfer.ID, w.read); perr != nil {
				return n, perr
			}
			w.lastReport = time.Now()
		}
	}

	return n, err
}

func (r *Runner) load(transferID int64) (*Transfer, error) {
	t, err := r.queue.Get(transferID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("no transfer with id %d: %w", transferID, errors.ErrNotFound)
	}

	return t, nil
}

// fail marks the transfer with the error message and, for final errors,
// its parent job too. Transient errors leave the job "processing": the
// caller retries within its budget and terminalizes the job itself once
// the budget runs out.
func (r *Runner) fail(t *Transfer, cause error) error {
	r.logger.Error("transfer failed", "transfer_id", t.ID, "state", t.EncodedState, "error", cause)

	if err := r.queue.SetStatus(t.ID, StatusError, cause.Error()); err != nil {
		return err
	}

	if t.JobID > 0 && !errors.IsTransient(cause) {
		if err := r.ledger.Fail(t.JobID, cause.Error()); err != nil {
			return err
		}
	}

	return cause
}
