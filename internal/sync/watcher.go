package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pydio/cells-sync/internal/account"
	"github.com/pydio/cells-sync/internal/state"
	"github.com/pydio/cells-sync/internal/tree"
)

// suppressWindow is how long after a mirror write by the engine itself
// watcher events for that node are ignored, so downloads do not mark
// their own files as user modifications.
const suppressWindow = 5 * time.Second

// Watcher watches the local mirror directories and records user edits as
// local modification status on the cache rows, to be reconciled by the
// next sync pass.
type Watcher struct {
	registry *account.Registry
	store    *tree.Store
	dataDir  string
	logger   *slog.Logger

	fs    *fsnotify.Watcher
	roots map[string]state.ID
}

// NewWatcher creates a watcher over every registered account's mirror.
func NewWatcher(registry *account.Registry, store *tree.Store, dataDir string, logger *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}

	w := &Watcher{
		registry: registry,
		store:    store,
		dataDir:  dataDir,
		logger:   logger,
		fs:       fs,
		roots:    make(map[string]state.ID),
	}

	accounts, err := registry.List()
	if err != nil {
		fs.Close()
		return nil, err
	}

	for _, a := range accounts {
		if err := w.watchAccount(a); err != nil {
			logger.Warn("not watching account mirror", "account", a.ID, "error", err)
		}
	}

	return w, nil
}

func (w *Watcher) watchAccount(a account.Account) error {
	id, err := a.StateID()
	if err != nil {
		return err
	}

	base := tree.AccountDir(w.dataDir, id)
	if _, err := os.Stat(base); err != nil {
		// Nothing mirrored yet; the next pass creates it.
		return nil
	}

	w.roots[base] = id

	return filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}

		return nil
	})
}

// Run consumes watch events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	id, ok := w.resolve(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.fs.Add(ev.Name); err != nil {
				w.logger.Warn("adding watch", "path", ev.Name, "error", err)
			}

			return
		}
		w.markDirty(id, ev.Name, tree.StatusCreated)

	case ev.Has(fsnotify.Write):
		w.markDirty(id, ev.Name, tree.StatusModified)

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if err := w.store.MarkLocalStatus(id, tree.StatusDeleted); err == nil {
			w.logger.Debug("local delete recorded", "state", id.Encoded())
		}
	}
}

// resolve maps an event path back to the state ID inside the account
// mirror it belongs to.
func (w *Watcher) resolve(path string) (state.ID, bool) {
	for base, acct := range w.roots {
		if !strings.HasPrefix(path, base+string(filepath.Separator)) {
			continue
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return state.ID{}, false
		}

		return acct.WithPath("/" + filepath.ToSlash(rel)), true
	}

	return state.ID{}, false
}

func (w *Watcher) markDirty(id state.ID, path string, status string) {
	// The engine's own mirror writes fire events too; a fresh local-copy
	// record means the bytes came from the remote, not the user.
	if lf, err := w.store.LocalFileFor(id); err == nil && lf != nil {
		if time.Since(time.Unix(lf.FetchedTs, 0)) < suppressWindow {
			return
		}
	}

	node, err := w.store.Get(id)
	if err != nil {
		w.logger.Warn("reading row for watch event", "state", id.Encoded(), "error", err)
		return
	}

	if node == nil {
		// A file the cache has never seen: record it as locally created so
		// the next pass uploads it.
		n := tree.Node{
			EncodedState:   id.Encoded(),
			Name:           filepath.Base(path),
			LocalModStatus: tree.StatusCreated,
		}
		if fi, err := os.Stat(path); err == nil {
			n.Size = fi.Size()
		}

		if err := w.store.Upsert(n); err != nil {
			w.logger.Warn("recording created file", "state", id.Encoded(), "error", err)
		}

		return
	}

	if err := w.store.MarkLocalStatus(id, status); err != nil {
		w.logger.Warn("marking local status", "state", id.Encoded(), "error", err)
	}
}
