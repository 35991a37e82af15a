package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pydio/cells-sync/internal/account"
	"github.com/pydio/cells-sync/internal/client"
	"github.com/pydio/cells-sync/internal/config"
	"github.com/pydio/cells-sync/internal/errors"
	"github.com/pydio/cells-sync/internal/logging"
	"github.com/pydio/cells-sync/internal/runtime"
	"github.com/pydio/cells-sync/internal/state"
	"github.com/pydio/cells-sync/internal/transfer"
	"github.com/pydio/cells-sync/internal/tree"
)

// Pass states for one offline root.
type State string

const (
	StateIdle         State = "idle"
	StateScanning     State = "scanning"
	StateDiffing      State = "diffing"
	StateTransferring State = "transferring"
	StateError        State = "error"
)

// ClientFactory builds a remote client for an account. The engine calls
// it per pass so refreshed credentials are picked up.
type ClientFactory func(a account.Account) (client.Client, error)

// Engine keeps offline roots mirrored. Each root runs the
// idle/scanning/diffing/transferring machine under a per-root lock;
// different roots run concurrently up to the configured worker limit.
type Engine struct {
	registry *account.Registry
	store    *tree.Store
	ledger   *runtime.Ledger
	queue    *transfer.Queue
	clients  ClientFactory
	cfg      *config.Config
	logger   *slog.Logger

	mu      gosync.Mutex
	running map[string]bool
	states  map[string]State
}

// NewEngine wires an engine over the shared stores.
func NewEngine(registry *account.Registry, store *tree.Store, ledger *runtime.Ledger, queue *transfer.Queue, clients ClientFactory, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		store:    store,
		ledger:   ledger,
		queue:    queue,
		clients:  clients,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[string]bool),
		states:   make(map[string]State),
	}
}

// RootState reports the current pass state for an offline root.
func (e *Engine) RootState(root state.ID) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.states[root.Encoded()]; ok {
		return s
	}

	return StateIdle
}

// RunFullSync syncs every offline root of every account under one parent
// job, one ledger step per account.
func (e *Engine) RunFullSync(ctx context.Context) error {
	accounts, err := e.registry.List()
	if err != nil {
		return err
	}

	jobID, err := e.ledger.CreateAndLaunch(runtime.OwnerWorker, runtime.TemplateFullSync, "full sync", 0, int64(len(accounts)))
	if err != nil {
		return err
	}

	var failures []string
	for i, a := range accounts {
		if e.ledger.IsCancelled(jobID) {
			return e.ledger.Cancelled(jobID, "cancelled")
		}

		if err := e.syncAccount(ctx, a, jobID); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", a.ID, err))
			e.logger.Warn("account sync failed", "account", a.ID, "error", err)
		}

		if err := e.ledger.UpdateProgress(jobID, int64(i+1), a.ID); err != nil {
			return err
		}
	}

	if len(failures) > 0 {
		return e.ledger.Fail(jobID, strings.Join(failures, "; "))
	}

	return e.ledger.Done(jobID, fmt.Sprintf("synced %d accounts", len(accounts)), "")
}

// SyncAccount syncs all offline roots of one account.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) error {
	a, err := e.registry.Get(accountID)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("unknown account %s: %w", accountID, errors.ErrNotFound)
	}

	return e.syncAccount(ctx, *a, 0)
}

func (e *Engine) syncAccount(ctx context.Context, a account.Account, parentJobID int64) error {
	if a.AuthStatus != account.AuthConnected {
		return fmt.Errorf("account %s is %s: %w", a.ID, a.AuthStatus, errors.ErrAuth)
	}

	acctID, err := a.StateID()
	if err != nil {
		return err
	}

	roots, err := e.store.OfflineRoots(acctID)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.WorkerLimit)

	for _, root := range roots {
		id, err := state.Parse(root.EncodedState)
		if err != nil {
			e.logger.Warn("skipping malformed offline root", "state", root.EncodedState, "error", err)
			continue
		}

		g.Go(func() error {
			err := e.syncRoot(ctx, a, id, parentJobID)
			if errors.Is(err, errors.ErrSyncRunning) {
				// Another pass owns this root; not a failure.
				return nil
			}

			return err
		})
	}

	return g.Wait()
}

// SyncRoot runs one pass for a single offline root.
func (e *Engine) SyncRoot(ctx context.Context, root state.ID) error {
	a, err := e.registry.Get(root.AccountID())
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("unknown account %s: %w", root.AccountID(), errors.ErrNotFound)
	}

	return e.syncRoot(ctx, *a, root, 0)
}

// CleanRoot unregisters an offline root and drops its cached rows, local
// copy records and mirror files, tracked as a clean job. The remote tree
// is never touched.
func (e *Engine) CleanRoot(root state.ID) error {
	if !e.tryLock(root) {
		return fmt.Errorf("root %s: %w", root, errors.ErrSyncRunning)
	}
	defer e.unlock(root)

	jobID, err := e.ledger.CreateAndLaunch(runtime.OwnerUser,
		runtime.TemplateClean+":"+root.Encoded(), "removing offline copies of "+root.Encoded(), 0, -1)
	if err != nil {
		return err
	}

	fail := func(cause error) error {
		if ferr := e.ledger.Fail(jobID, cause.Error()); ferr != nil {
			return ferr
		}

		return cause
	}

	if err := e.store.DeleteUnder(root); err != nil {
		return fail(err)
	}
	if err := os.RemoveAll(tree.LocalPath(e.cfg.DataDir, root)); err != nil {
		return fail(fmt.Errorf("removing mirror files: %w", err))
	}

	e.logger.Info("offline root cleaned", "root", root.Encoded())

	return e.ledger.Done(jobID, "offline copies removed", "")
}

func (e *Engine) syncRoot(ctx context.Context, a account.Account, root state.ID, parentJobID int64) error {
	if !e.tryLock(root) {
		return fmt.Errorf("root %s: %w", root, errors.ErrSyncRunning)
	}
	defer e.unlock(root)

	template := runtime.TemplateSync + ":" + root.Encoded()

	// Orphaned same-target jobs from a crashed run are timed out before a
	// fresh one starts; a genuinely live one blocks the request instead.
	if timedOut, err := e.ledger.FailStale(e.cfg.JobStaleAfter); err != nil {
		return err
	} else if len(timedOut) > 0 {
		e.logger.Warn("timed out stale jobs", "job_ids", timedOut)
	}

	live, err := e.ledger.RunningForTemplate(template)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		return fmt.Errorf("job %d still running for %s: %w", live[0].ID, root, errors.ErrSyncRunning)
	}

	jobID, err := e.ledger.CreateAndLaunch(runtime.OwnerWorker, template, "offline sync of "+root.Encoded(), parentJobID, -1)
	if err != nil {
		return err
	}

	cli, err := e.clients(a)
	if err != nil {
		return e.failPass(root, jobID, err)
	}

	logger := logging.ForJob(e.logger, jobID)
	runner := transfer.NewRunner(e.queue, e.ledger, e.store, cli, transfer.RunnerOptions{
		DataDir:          e.cfg.DataDir,
		StagingDir:       e.cfg.StagingDir(),
		BufferSize:       e.cfg.TransferBufferKB * 1024,
		ProgressInterval: e.cfg.ProgressInterval,
	}, logger)

	for attempt := 0; ; attempt++ {
		err = e.runPass(ctx, cli, runner, root, jobID)

		switch {
		case err == nil:
			e.setState(root, StateIdle)
			return nil

		case errors.Is(err, errors.ErrCancelled):
			e.setState(root, StateIdle)
			return e.ledger.Cancelled(jobID, "cancelled")

		case errors.IsAuth(err):
			if merr := e.registry.MarkAuthStatus(a.ID, account.AuthExpired); merr != nil {
				logger.Error("marking account expired", "account", a.ID, "error", merr)
			}

			return e.failPass(root, jobID, err)

		case errors.IsTransient(err) && attempt < e.cfg.RetryBudget:
			delay := nextDelay(e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay, attempt)
			logger.Warn("transient failure, backing off",
				"root", root.Encoded(), "attempt", attempt+1, "delay", delay, "error", err)

			select {
			case <-ctx.Done():
				return e.failPass(root, jobID, ctx.Err())
			case <-time.After(delay):
			}

		default:
			return e.failPass(root, jobID, err)
		}
	}
}

// nextDelay doubles the base delay per attempt, capped at max.
func nextDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}

	if d > max {
		return max
	}

	return d
}

func (e *Engine) runPass(ctx context.Context, cli client.Client, runner *transfer.Runner, root state.ID, jobID int64) error {
	differ := NewDiffer(cli, e.store, 0)

	e.setState(root, StateScanning)
	remote, err := differ.ScanRemote(ctx, root)
	if err != nil {
		return err
	}

	e.setState(root, StateDiffing)
	diff, err := differ.Compare(root, remote)
	if err != nil {
		return err
	}

	if err := e.ledger.UpdateTotal(jobID, int64(diff.Steps()), "", ""); err != nil {
		return err
	}

	e.logger.Info("diff computed", "root", root.Encoded(),
		"downloads", len(diff.ToDownload), "conflicts", len(diff.Conflicts),
		"uploads", len(diff.ToUpload), "deletes", len(diff.ToDelete), "unchanged", diff.Unchanged)

	e.setState(root, StateTransferring)
	if err := e.applyDiff(ctx, runner, root, jobID, diff); err != nil {
		return err
	}

	if err := e.store.SaveOfflineRoot(tree.OfflineRoot{
		EncodedState: root.Encoded(),
		Status:       tree.RootActive,
		LastCheckTs:  time.Now().Unix(),
	}); err != nil {
		return err
	}

	return e.ledger.Done(jobID, fmt.Sprintf("%d changes, %d unchanged", diff.Steps(), diff.Unchanged), "")
}

func (e *Engine) applyDiff(ctx context.Context, runner *transfer.Runner, root state.ID, jobID int64, diff *Diff) error {
	for _, f := range diff.Folders {
		if err := e.store.Upsert(nodeFromRemote(f)); err != nil {
			return err
		}
		if err := os.MkdirAll(tree.LocalPath(e.cfg.DataDir, f.ID), 0o700); err != nil {
			return err
		}
	}

	step := int64(0)
	advance := func(msg string) error {
		step++
		return e.ledger.UpdateProgress(jobID, step, msg)
	}

	checkCancelled := func() error {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", errors.ErrCancelled, ctx.Err())
		}
		if e.ledger.IsCancelled(jobID) {
			return errors.ErrCancelled
		}

		return nil
	}

	// Conflicts first: preserve the divergent local copy, then the entry
	// becomes a plain download. Remote wins the metadata, the user keeps
	// their bytes.
	for _, c := range diff.Conflicts {
		if err := checkCancelled(); err != nil {
			return err
		}

		preserved, err := e.preserveConflict(c.ID)
		if err != nil {
			return err
		}

		e.logger.Warn("conflict: local copy preserved",
			"state", c.ID.Encoded(), "conflict_copy", preserved)

		if err := e.ledger.UpdateTotal(jobID, int64(diff.Steps()), "",
			fmt.Sprintf("conflict on %s, local copy kept as %s", c.ID.FileName(), filepath.Base(preserved))); err != nil {
			return err
		}

		if err := e.download(ctx, runner, c, jobID); err != nil {
			return err
		}
		if err := advance("resolved conflict on " + c.ID.FileName()); err != nil {
			return err
		}
	}

	for _, dl := range diff.ToDownload {
		if err := checkCancelled(); err != nil {
			return err
		}

		if err := e.download(ctx, runner, dl, jobID); err != nil {
			return err
		}
		if err := advance("downloaded " + dl.ID.FileName()); err != nil {
			return err
		}
	}

	for _, up := range diff.ToUpload {
		if err := checkCancelled(); err != nil {
			return err
		}

		if err := e.upload(ctx, runner, up, jobID); err != nil {
			return err
		}
		if err := advance("uploaded " + up.Name); err != nil {
			return err
		}
	}

	for _, del := range diff.ToDelete {
		if err := checkCancelled(); err != nil {
			return err
		}

		if err := e.removeLocal(del); err != nil {
			return err
		}
		if err := advance("removed " + del.Name); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) download(ctx context.Context, runner *transfer.Runner, r RemoteEntry, jobID int64) error {
	if err := e.store.Upsert(nodeFromRemote(r)); err != nil {
		return err
	}

	transferID, err := runner.Register(r.ID, jobID, transfer.TypeDownload, r.Node.Size, r.Node.Etag, r.Node.Mime)
	if err != nil {
		return err
	}

	if err := runner.RunDownload(ctx, transferID); err != nil {
		return err
	}

	// The mirror copy now matches the remote; clear any divergence mark.
	return e.store.MarkLocalStatus(r.ID, tree.StatusNone)
}

func (e *Engine) upload(ctx context.Context, runner *transfer.Runner, n tree.Node, jobID int64) error {
	id, err := n.ID()
	if err != nil {
		return err
	}

	src, err := os.Open(tree.LocalPath(e.cfg.DataDir, id))
	if err != nil {
		return fmt.Errorf("opening local copy for upload: %w", err)
	}
	defer src.Close()

	transferID, err := runner.Register(id, jobID, transfer.TypeUpload, n.Size, "", n.Mime)
	if err != nil {
		return err
	}

	if err := runner.LaunchCopy(ctx, transferID, src); err != nil {
		return err
	}

	if err := runner.RunUpload(ctx, transferID); err != nil {
		return err
	}

	done, err := e.queue.Get(transferID)
	if err != nil {
		return err
	}

	n.Etag = done.Etag
	n.Size = done.ByteSize
	n.LocalModStatus = tree.StatusNone
	n.RemoteModTs = time.Now().Unix()

	if err := e.store.Upsert(n); err != nil {
		return err
	}

	return e.store.MarkLocalStatus(id, tree.StatusNone)
}

// removeLocal applies soft-delete semantics: a row seen absent remotely
// for the first time is only marked deleted; a row already marked is
// confirmed absent and purged together with its mirror file.
func (e *Engine) removeLocal(n tree.Node) error {
	id, err := n.ID()
	if err != nil {
		return err
	}

	if n.LocalModStatus != tree.StatusDeleted {
		return e.store.MarkLocalStatus(id, tree.StatusDeleted)
	}

	if err := os.RemoveAll(tree.LocalPath(e.cfg.DataDir, id)); err != nil {
		return fmt.Errorf("removing local copy: %w", err)
	}

	return e.store.DeleteUnder(id)
}

// preserveConflict renames the local divergent copy to a conflict name
// next to the original, clearing the divergence mark. Returns the
// conflict path ("" when there was no local file to preserve).
func (e *Engine) preserveConflict(id state.ID) (string, error) {
	local := tree.LocalPath(e.cfg.DataDir, id)
	if _, err := os.Stat(local); err != nil {
		return "", nil
	}

	conflict := uniqueConflictPath(local)
	if err := os.Rename(local, conflict); err != nil {
		return "", fmt.Errorf("preserving conflict copy: %w", err)
	}

	if err := e.store.MarkLocalStatus(id, tree.StatusNone); err != nil {
		return "", err
	}

	return conflict, nil
}

// uniqueConflictPath returns a conflict copy path that does not already
// exist on disk. Appends a counter from the second copy on.
func uniqueConflictPath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	candidate := base + " (conflicted copy)" + ext
	if _, err := os.Stat(candidate); err != nil {
		return candidate
	}

	for i := 2; i < 100; i++ {
		candidate = fmt.Sprintf("%s (conflicted copy %d)%s", base, i, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}

	return candidate
}

func nodeFromRemote(r RemoteEntry) tree.Node {
	return tree.Node{
		EncodedState: r.ID.Encoded(),
		Name:         r.Node.Name,
		Folder:       r.Node.Folder,
		Mime:         r.Node.Mime,
		Size:         r.Node.Size,
		RemoteModTs:  r.Node.ModTs,
		Etag:         r.Node.Etag,
	}
}

func (e *Engine) failPass(root state.ID, jobID int64, cause error) error {
	e.setState(root, StateError)

	if err := e.ledger.Fail(jobID, cause.Error()); err != nil {
		return err
	}

	if err := e.store.SaveOfflineRoot(tree.OfflineRoot{
		EncodedState: root.Encoded(),
		Status:       tree.RootActive,
		LastCheckTs:  time.Now().Unix(),
		Message:      cause.Error(),
	}); err != nil {
		e.logger.Error("recording root failure", "root", root.Encoded(), "error", err)
	}

	return cause
}

func (e *Engine) tryLock(root state.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := root.Encoded()
	if e.running[key] {
		return false
	}

	e.running[key] = true

	return true
}

func (e *Engine) unlock(root state.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.running, root.Encoded())
}

func (e *Engine) setState(root state.ID, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.states[root.Encoded()] = s
}
