package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pydio/cells-sync/internal/account"
	"github.com/pydio/cells-sync/internal/client"
	"github.com/pydio/cells-sync/internal/config"
	"github.com/pydio/cells-sync/internal/errors"
	"github.com/pydio/cells-sync/internal/legacy"
	"github.com/pydio/cells-sync/internal/logging"
	"github.com/pydio/cells-sync/internal/runtime"
	"github.com/pydio/cells-sync/internal/sync"
	"github.com/pydio/cells-sync/internal/transfer"
	"github.com/pydio/cells-sync/internal/tree"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("cells-sync starting",
		slog.String("version", Version),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("sync", cfg.SyncEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := account.OpenRegistry(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening account registry: %w", err)
	}
	defer registry.Close()

	store, err := tree.OpenStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening tree cache: %w", err)
	}
	defer store.Close()

	ledger, err := runtime.OpenLedger(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening job ledger: %w", err)
	}
	defer ledger.Close()

	queue, err := transfer.OpenQueue(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening transfer queue: %w", err)
	}
	defer queue.Close()

	// Jobs a previous crashed run left in "processing" are orphans.
	if timedOut, err := ledger.FailStale(cfg.JobStaleAfter); err != nil {
		return fmt.Errorf("failing stale jobs: %w", err)
	} else if len(timedOut) > 0 {
		logger.Warn("timed out orphaned jobs", slog.Int("count", len(timedOut)))
	}

	if err := bootstrapAccount(cfg, registry, logger); err != nil {
		return err
	}

	factory := func(a account.Account) (client.Client, error) {
		httpClient := client.NewHTTPClient(cfg.HTTPTimeout, a.SkipVerify)
		return client.NewCells(a.ServerURL, tokenProvider(registry, httpClient, a, logger), httpClient)
	}

	if err := maybeMigrate(ctx, cfg, registry, store, ledger, factory, logger); err != nil {
		// The daemon still serves already-migrated accounts.
		logger.Error("legacy migration failed", slog.String("error", err.Error()))
	}

	engine := sync.NewEngine(registry, store, ledger, queue, factory, cfg, logger)
	scheduler := sync.NewScheduler(engine, cfg, nil, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if watcher, err := sync.NewWatcher(registry, store, cfg.DataDir, logger); err != nil {
		logger.Warn("local watcher unavailable", slog.String("error", err.Error()))
	} else {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	return g.Wait()
}

// bootstrapAccount registers the env-configured account, if any. Accounts
// from earlier runs or from migration need no bootstrap.
func bootstrapAccount(cfg *config.Config, registry *account.Registry, logger *slog.Logger) error {
	if cfg.ServerURL == "" || cfg.Username == "" {
		return nil
	}

	status := account.AuthConnected
	if cfg.Token == "" && cfg.Password == "" {
		status = account.AuthNoCreds
	}

	accountID, err := registry.Register(account.Account{
		Username:   cfg.Username,
		ServerURL:  cfg.ServerURL,
		SkipVerify: cfg.SkipVerify,
		IsLegacy:   cfg.Password != "" && cfg.Token == "",
		AuthStatus: status,
	})
	if err != nil {
		return fmt.Errorf("registering bootstrap account: %w", err)
	}

	if cfg.Token != "" {
		if err := registry.SaveToken(account.Token{AccountID: accountID, IDToken: cfg.Token, TokenType: "Bearer"}); err != nil {
			return err
		}
	} else if cfg.Password != "" {
		if err := registry.SavePassword(accountID, cfg.Password); err != nil {
			return err
		}
	}

	logger.Info("bootstrap account registered",
		slog.String("account", accountID), slog.String("status", status))

	return nil
}

// tokenProvider reads the stored token per request, refreshing it under
// the registry's soft lock when expired. Losing the lock race is fine:
// the current token is returned and the winner stores the fresh one.
func tokenProvider(registry *account.Registry, httpClient *http.Client, a account.Account, logger *slog.Logger) client.TokenProvider {
	return func(ctx context.Context) (string, error) {
		tok, err := registry.Token(a.ID)
		if err != nil {
			return "", err
		}
		if tok == nil {
			// Legacy password accounts carry no bearer token.
			return "", nil
		}

		if !tok.Expired(time.Now().Unix()) || tok.RefreshToken == "" {
			return tok.IDToken, nil
		}

		locked, err := registry.BeginRefresh(a.ID)
		if err != nil {
			if errors.Is(err, errors.ErrRefreshInFlight) {
				return tok.IDToken, nil
			}

			return "", err
		}

		fresh, err := client.RefreshToken(ctx, httpClient, a.ServerURL, locked.RefreshToken)
		if err != nil {
			if cerr := registry.CompleteRefresh(a.ID, nil); cerr != nil {
				logger.Warn("releasing refresh lock", slog.String("error", cerr.Error()))
			}

			return "", err
		}

		refreshed := account.Token{
			AccountID:    a.ID,
			IDToken:      fresh.IDToken,
			RefreshToken: fresh.RefreshToken,
			TokenType:    "Bearer",
			ExpiresAt:    fresh.ExpiresAt,
		}
		if err := registry.CompleteRefresh(a.ID, &refreshed); err != nil {
			return "", err
		}

		logger.Info("token refreshed", slog.String("account", a.ID))

		return fresh.IDToken, nil
	}
}

// maybeMigrate runs the one-time legacy migration when the installed
// generation marker is behind the current one.
func maybeMigrate(ctx context.Context, cfg *config.Config, registry *account.Registry, store *tree.Store, ledger *runtime.Ledger, factory legacy.ClientFactory, logger *slog.Logger) error {
	installed := ledger.InstalledVersion()
	if installed >= legacy.CurrentGeneration {
		return nil
	}

	if installed < 1 && !legacy.HasLegacyData(cfg.LegacyDir()) {
		// Fresh install: stamp the marker so this check never runs again.
		return ledger.SetInstalledVersion(legacy.CurrentGeneration)
	}

	jobID, err := ledger.CreateAndLaunch(runtime.OwnerWorker, runtime.TemplateMigration, "schema migration", 0, -1)
	if err != nil {
		return err
	}

	migrator := legacy.NewMigrator(registry, store, ledger, factory, cfg.LegacyDir(), logger)

	roots, err := migrator.Migrate(ctx, jobID, installed, legacy.CurrentGeneration)
	if err != nil {
		return err
	}

	logger.Info("legacy migration finished",
		slog.Int("from_version", installed), slog.Int("offline_roots", roots))

	return nil
}
