package transfer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/pydio/cells-sync/internal/client"
	"github.com/pydio/cells-sync/internal/errors"
	"github.com/pydio/cells-sync/internal/runtime"
	"github.com/pydio/cells-sync/internal/state"
	"github.com/pydio/cells-sync/internal/tree"
)

type fixture struct {
	runner *Runner
	queue  *Queue
	ledger *runtime.Ledger
	store  *tree.Store
	cli    *client.MockClient
	dir    string
}

func testRunner(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()

	q, err := OpenQueueAt(filepath.Join(dir, "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	l, err := runtime.OpenLedgerAt(filepath.Join(dir, "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	s, err := tree.OpenStoreAt(filepath.Join(dir, "nodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cli := client.NewMockClient(gomock.NewController(t))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := NewRunner(q, l, s, cli, RunnerOptions{
		DataDir:          dir,
		BufferSize:       64,
		ProgressInterval: time.Second,
	}, logger)

	return &fixture{runner: r, queue: q, ledger: l, store: s, cli: cli, dir: dir}
}

func nodeID(t *testing.T, path string) state.ID {
	t.Helper()
	id, err := state.FromParts("alice", "https://cells.example.com")
	require.NoError(t, err)
	return id.WithPath(path)
}

func (f *fixture) job(t *testing.T) int64 {
	t.Helper()
	jobID, err := f.ledger.CreateAndLaunch(runtime.OwnerWorker, runtime.TemplateSync, "sync pass", 0, -1)
	require.NoError(t, err)
	return jobID
}

func TestRunDownload_MovesIntoMirror(t *testing.T) {
	f := testRunner(t)
	id := nodeID(t, "/common/docs/report.txt")
	jobID := f.job(t)

	transferID, err := f.runner.Register(id, jobID, TypeDownload, 12, "etag-1", "text/plain")
	require.NoError(t, err)

	f.cli.EXPECT().
		Download(gomock.Any(), "common", "/docs/report.txt", int64(0)).
		Return(io.NopCloser(strings.NewReader("file-content")), false, nil)

	require.NoError(t, f.runner.RunDownload(context.Background(), transferID))

	got, err := f.queue.Get(transferID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, int64(12), got.Progress)

	data, err := os.ReadFile(tree.LocalPath(f.dir, id))
	require.NoError(t, err)
	assert.Equal(t, "file-content", string(data))

	// Staged copy is gone, local-copy record is fresh.
	_, err = os.Stat(got.LocalPath)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, f.store.NeedsUpdate(id, "etag-1"))
}

func TestRunDownload_ResumeUsesStagedOffset(t *testing.T) {
	f := testRunner(t)
	id := nodeID(t, "/common/big.bin")
	jobID := f.job(t)

	transferID, err := f.runner.Register(id, jobID, TypeDownload, 1000, "etag-big", "")
	require.NoError(t, err)

	// A previous run staged the first 400 of 1000 bytes before pausing.
	tr, err := f.queue.Get(transferID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(tr.LocalPath), 0o700))
	require.NoError(t, os.WriteFile(tr.LocalPath, []byte(strings.Repeat("a", 400)), 0o600))
	require.NoError(t, f.runner.Pause(transferID))

	f.cli.EXPECT().
		Download(gomock.Any(), "common", "/big.bin", int64(400)).
		Return(io.NopCloser(strings.NewReader(strings.Repeat("b", 600))), true, nil)

	require.NoError(t, f.runner.Resume(context.Background(), transferID))

	data, err := os.ReadFile(tree.LocalPath(f.dir, id))
	require.NoError(t, err)
	require.Len(t, data, 1000)
	assert.Equal(t, byte('a'), data[399])
	assert.Equal(t, byte('b'), data[400])

	got, err := f.queue.Get(transferID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, int64(1000), got.Progress)
}

func TestRunDownload_RangeUnsupportedRestartsFromZero(t *testing.T) {
	f := testRunner(t)
	id := nodeID(t, "/common/big.bin")
	jobID := f.job(t)

	transferID, err := f.runner.Register(id, jobID, TypeDownload, 1000, "etag-big", "")
	require.NoError(t, err)

	tr, err := f.queue.Get(transferID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(tr.LocalPath), 0o700))
	require.NoError(t, os.WriteFile(tr.LocalPath, []byte(strings.Repeat("a", 400)), 0o600))

	// Server ignores the range and replies with the whole body.
	f.cli.EXPECT().
		Download(gomock.Any(), "common", "/big.bin", int64(400)).
		Return(io.NopCloser(strings.NewReader(strings.Repeat("c", 1000))), false, nil)

	require.NoError(t, f.runner.RunDownload(context.Background(), transferID))

	data, err := os.ReadFile(tree.LocalPath(f.dir, id))
	require.NoError(t, err)
	require.Len(t, data, 1000)
	assert.Equal(t, byte('c'), data[0])
}

func TestRunDownload_ErrorMarksTransferAndJob(t *testing.T) {
	f := testRunner(t)
	id := nodeID(t, "/common/broken.txt")
	jobID := f.job(t)

	transferID, err := f.runner.Register(id, jobID, TypeDownload, 10, "e", "")
	require.NoError(t, err)

	f.cli.EXPECT().
		Download(gomock.Any(), "common", "/broken.txt", int64(0)).
		Return(nil, false, errors.ErrNotFound)

	err = f.runner.RunDownload(context.Background(), transferID)
	require.Error(t, err)

	got, err := f.queue.Get(transferID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.NotEmpty(t, got.Error)

	job, err := f.ledger.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusError, job.Status)
}

func TestRunDownload_TransientErrorKeepsJobProcessing(t *testing.T) {
	f := testRunner(t)
	id := nodeID(t, "/common/flaky.txt")
	jobID := f.job(t)

	transferID, err := f.runner.Register(id, jobID, TypeDownload, 10, "e", "")
	require.NoError(t, err)

	f.cli.EXPECT().
		Download(gomock.Any(), "common", "/flaky.txt", int64(0)).
		Return(nil, false, errors.ErrTransient)

	err = f.runner.RunDownload(context.Background(), transferID)
	require.ErrorIs(t, err, errors.ErrTransient)

	got, err := f.queue.Get(transferID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)

	// The retry decision belongs to the pass owning the job: until its
	// budget runs out the job must stay live, not flicker through error.
	job, err := f.ledger.Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusProcessing, job.Status)
}

func TestRunDownload_JobCancellationStopsTransfer(t *testing.T) {
	f := testRunner(t)
	id := nodeID(t, "/common/doomed.txt")
	jobID := f.job(t)

	transferID, err := f.runner.Register(id, jobID, TypeDownload, 10, "e", "")
	require.NoError(t, err)
	require.NoError(t, f.ledger.RequestCancellation(jobID, runtime.OwnerUser))

	f.cli.EXPECT().
		Download(gomock.Any(), "common", "/doomed.txt", int64(0)).
		Return(io.NopCloser(strings.NewReader("unwanted")), false, nil)

	require.NoError(t, f.runner.RunDownload(context.Background(), transferID))

	got, err := f.queue.Get(transferID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = os.Stat(got.LocalPath)
	assert.True(t, os.IsNotExist(err), "staged bytes dropped on cancel")
}

func TestUpload_TwoPhase(t *testing.T) {
	f := testRunner(t)
	id := nodeID(t, "/common/out.txt")
	jobID := f.job(t)

	transferID, err := f.runner.Register(id, jobID, TypeUpload, 0, "", "text/plain")
	require.NoError(t, err)

	// Phase one: stage from the source.
	require.NoError(t, f.runner.LaunchCopy(context.Background(), transferID, strings.NewReader("upload-me")))

	tr, err := f.queue.Get(transferID)
	require.NoError(t, err)
	staged, err := os.ReadFile(tr.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "upload-me", string(staged))

	// Phase two: network.
	f.cli.EXPECT().
		Upload(gomock.Any(), "common", "/out.txt", gomock.Any(), int64(9)).
		DoAndReturn(func(_ context.Context, _, _ string, r io.Reader, _ int64) (string, error) {
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, "upload-me", string(data))
			return "etag-up", nil
		})

	require.NoError(t, f.runner.RunUpload(context.Background(), transferID))

	got, err := f.queue.Get(transferID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, "etag-up", got.Etag)
	assert.Equal(t, int64(9), got.Progress)

	_, err = os.Stat(got.LocalPath)
	assert.True(t, os.IsNotExist(err), "staged copy removed after upload")
}

func TestClearForJob_ReturnsStagedPaths(t *testing.T) {
	f := testRunner(t)
	jobID := f.job(t)

	id1, err := f.runner.Register(nodeID(t, "/common/a"), jobID, TypeDownload, 1, "e", "")
	require.NoError(t, err)
	_, err = f.runner.Register(nodeID(t, "/common/b"), jobID, TypeDownload, 1, "e", "")
	require.NoError(t, err)

	tr, err := f.queue.Get(id1)
	require.NoError(t, err)

	staged, err := f.queue.ClearForJob(jobID)
	require.NoError(t, err)
	assert.Len(t, staged, 2)
	assert.Contains(t, staged, tr.LocalPath)

	left, err := f.queue.ListForJob(jobID)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPause_TerminalTransferRejected(t *testing.T) {
	f := testRunner(t)
	jobID := f.job(t)

	transferID, err := f.runner.Register(nodeID(t, "/common/x"), jobID, TypeDownload, 1, "e", "")
	require.NoError(t, err)
	require.NoError(t, f.queue.SetStatus(transferID, StatusDone, ""))

	assert.Error(t, f.runner.Pause(transferID))
}
