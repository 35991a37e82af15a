package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pydio/cells-sync/internal/account"
	"github.com/pydio/cells-sync/internal/client"
	"github.com/pydio/cells-sync/internal/logging"
	"github.com/pydio/cells-sync/internal/runtime"
	"github.com/pydio/cells-sync/internal/state"
	"github.com/pydio/cells-sync/internal/tree"
)

// CurrentGeneration is the installed-version marker for the current
// schema. Markers above 100 mean no legacy migration is ever needed.
const CurrentGeneration = 101

// ClientFactory builds a remote client for a migrated account, used to
// refresh watch metadata when a usable credential was recovered.
type ClientFactory func(a account.Account) (client.Client, error)

// Migrator rewrites legacy accounts, credentials and offline watches
// into the current stores.
type Migrator struct {
	registry *account.Registry
	store    *tree.Store
	ledger   *runtime.Ledger
	clients  ClientFactory
	dir      string
	logger   *slog.Logger
}

// NewMigrator creates a migrator reading legacy stores under dir.
func NewMigrator(registry *account.Registry, store *tree.Store, ledger *runtime.Ledger, clients ClientFactory, dir string, logger *slog.Logger) *Migrator {
	return &Migrator{
		registry: registry,
		store:    store,
		ledger:   ledger,
		clients:  clients,
		dir:      dir,
		logger:   logger,
	}
}

// Migrate runs the one-time schema migration against the given job and
// returns the number of migrated offline roots. The decision table is
// evaluated in order; the first matching row wins.
func (m *Migrator) Migrate(ctx context.Context, jobID int64, oldVersion, newVersion int) (int, error) {
	switch {
	case oldVersion == newVersion:
		return 0, m.ledger.Done(jobID, "same version, nothing to migrate", "")

	case oldVersion < 1 && !HasLegacyData(m.dir):
		return 0, m.ledger.Done(jobID, "fresh install, nothing to migrate", "")

	case oldVersion > 100:
		return 0, m.ledger.Done(jobID, "already on the current generation", "")

	case !HasLegacyData(m.dir):
		err := fmt.Errorf("version %d implies legacy stores under %s, none found", oldVersion, m.dir)
		m.logger.Error("aborting migration", "error", err)

		if ferr := m.ledger.Fail(jobID, err.Error()); ferr != nil {
			return 0, ferr
		}

		return 0, err
	}

	return m.run(ctx, jobID, newVersion)
}

func (m *Migrator) run(ctx context.Context, jobID int64, newVersion int) (int, error) {
	logger := logging.ForJob(m.logger, jobID)

	sources, err := OpenSources(m.dir)
	if err != nil {
		if ferr := m.ledger.Fail(jobID, err.Error()); ferr != nil {
			return 0, ferr
		}

		return 0, err
	}

	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()

	type item struct {
		src AccountSource
		rec Record
	}

	var items []item
	for _, src := range sources {
		records, err := src.ListAccounts()
		if err != nil {
			if ferr := m.ledger.Fail(jobID, err.Error()); ferr != nil {
				return 0, ferr
			}

			return 0, err
		}

		for _, rec := range records {
			items = append(items, item{src: src, rec: rec})
		}
	}

	if err := m.ledger.UpdateTotal(jobID, int64(len(items)), "", ""); err != nil {
		return 0, err
	}

	if len(items) == 0 {
		m.cleanLegacyFiles()
		if err := m.ledger.SetInstalledVersion(newVersion); err != nil {
			return 0, err
		}

		return 0, m.ledger.Done(jobID, "no legacy accounts found", "")
	}

	roots := 0
	var failures []string

	for i, it := range items {
		if ctx.Err() != nil || m.ledger.IsCancelled(jobID) {
			return roots, m.ledger.Cancelled(jobID, fmt.Sprintf("cancelled after %d of %d accounts", i, len(items)))
		}

		label := it.rec.Username + "@" + it.rec.ServerURL

		n, err := m.migrateAccount(ctx, it.src, it.rec)
		if err != nil {
			// One bad account must not abort the batch.
			failures = append(failures, fmt.Sprintf("%s: %v", label, err))
			logger.Error("account migration failed", "account", label,
				"generation", it.src.Generation(), "error", err)
		} else {
			roots += n
			logger.Info("account migrated", "account", label,
				"generation", it.src.Generation(), "offline_roots", n)
		}

		if err := m.ledger.UpdateProgress(jobID, int64(i+1), "migrated "+label); err != nil {
			return roots, err
		}
	}

	msg := fmt.Sprintf("migrated %d accounts, %d offline roots", len(items)-len(failures), roots)
	if len(failures) > 0 {
		msg += "; failed: " + strings.Join(failures, "; ")
	} else {
		// The sources are removed only once every account made it across.
		m.cleanLegacyFiles()
		if err := m.ledger.SetInstalledVersion(newVersion); err != nil {
			return roots, err
		}
	}

	return roots, m.ledger.Done(jobID, msg, "")
}

func (m *Migrator) migrateAccount(ctx context.Context, src AccountSource, rec Record) (int, error) {
	id, err := state.FromParts(rec.Username, rec.ServerURL)
	if err != nil {
		return 0, fmt.Errorf("deriving account id: %w", err)
	}

	existing, err := m.registry.Get(id.AccountID())
	if err != nil {
		return 0, err
	}

	if existing == nil {
		a, err := m.registerAccount(src, rec)
		if err != nil {
			return 0, err
		}
		existing = a
	}

	watches, err := src.ListWatches(rec.AccountID)
	if err != nil {
		return 0, err
	}
	if len(watches) == 0 {
		return 0, nil
	}

	// A credentialed client lets us replace the stale cached metadata
	// with a live stat; without one the cached copy is good enough.
	var cli client.Client
	if existing.AuthStatus == account.AuthConnected && m.clients != nil {
		if c, err := m.clients(*existing); err == nil {
			cli = c
		}
	}

	count := 0
	for _, w := range watches {
		if err := m.migrateWatch(ctx, cli, id, w); err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

// registerAccount creates the current-schema account, preserving the
// recovered credential. Unrecoverable credentials register the account
// in the re-authentication state instead of failing the batch.
func (m *Migrator) registerAccount(src AccountSource, rec Record) (*account.Account, error) {
	cred, err := src.Credential(rec)
	if err != nil {
		return nil, err
	}

	a := account.Account{
		Username:   rec.Username,
		ServerURL:  rec.ServerURL,
		SkipVerify: rec.SkipVerify,
		IsLegacy:   rec.Legacy,
		AuthStatus: account.AuthConnected,
	}
	if cred == nil {
		a.AuthStatus = account.AuthNoCreds
	}

	accountID, err := m.registry.Register(a)
	if err != nil {
		return nil, err
	}
	a.ID = accountID

	if cred != nil {
		switch {
		case cred.Token != nil:
			t := *cred.Token
			t.AccountID = accountID
			if err := m.registry.SaveToken(t); err != nil {
				return nil, err
			}

		case cred.Password != "":
			if err := m.registry.SavePassword(accountID, cred.Password); err != nil {
				return nil, err
			}
		}
	}

	return m.registry.Get(accountID)
}

func (m *Migrator) migrateWatch(ctx context.Context, cli client.Client, acct state.ID, w Watch) error {
	root := acct.WithPath("/" + w.Workspace + w.Path)

	node := w.Node
	if cli != nil {
		if fresh, err := cli.NodeInfo(ctx, w.Workspace, w.Path); err == nil && fresh != nil {
			node = *fresh
		}
	}

	name := node.Name
	if name == "" {
		name = root.FileName()
	}
	if node.Mime == "" && !node.Folder {
		node.Mime = "application/octet-stream"
	}

	if err := m.store.Upsert(tree.Node{
		EncodedState: root.Encoded(),
		Name:         name,
		Folder:       node.Folder,
		Mime:         node.Mime,
		Size:         node.Size,
		RemoteModTs:  node.ModTs,
		Etag:         node.Etag,
	}); err != nil {
		return err
	}

	return m.store.SaveOfflineRoot(tree.OfflineRoot{
		EncodedState: root.Encoded(),
		Status:       tree.RootMigrated,
		LastCheckTs:  w.LastSyncTime,
	})
}

// cleanLegacyFiles deletes the source databases and the old caches,
// including the sqlite sidecar files.
func (m *Migrator) cleanLegacyFiles() {
	names := append([]string{MainDBName, SyncDBName}, otherDBNames...)

	for _, name := range names {
		for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
			path := filepath.Join(m.dir, name+suffix)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("could not delete legacy file", "path", path, "error", err)
			}
		}
	}
}
