package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Network constraint values for the periodic sync trigger.
const (
	NetworkAny        = "any"
	NetworkUnmetered  = "unmetered"
	NetworkNotRoaming = "not-roaming"
)

// Config holds all environment-based configuration for cells-sync.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// DataDir is the private data directory: databases, mirrored files and
	// staging space all live under it. Defaults to ~/.cells-sync.
	DataDir string `env:"CELLS_DATA_DIR"`

	// Optional bootstrap account, registered at startup when not already
	// known. CELLS_TOKEN carries an OAuth id token; CELLS_PASSWORD a
	// legacy-server password. Leaving all three empty is valid when
	// accounts come from a previous run or from migration.
	ServerURL string `env:"CELLS_SERVER"`
	Username  string `env:"CELLS_USER"`
	Token     string `env:"CELLS_TOKEN"`
	Password  string `env:"CELLS_PASSWORD"`

	SkipVerify bool `env:"CELLS_SKIP_VERIFY" envDefault:"false"`

	// Periodic sync trigger. The constraint is matched against
	// NetworkType, which the embedding platform reports; the daemon never
	// probes the link itself.
	SyncEnabled  bool          `env:"SYNC_ENABLED" envDefault:"true"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"1h"`
	NetworkType  string        `env:"NETWORK_TYPE" envDefault:"unmetered"`
	SyncNetwork  string        `env:"SYNC_REQUIRE_NETWORK" envDefault:"any"`

	// Concurrency and retry tuning for sync passes.
	WorkerLimit    int           `env:"SYNC_WORKER_LIMIT" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"SYNC_RETRY_BASE" envDefault:"2s"`
	RetryMaxDelay  time.Duration `env:"SYNC_RETRY_MAX" envDefault:"5m"`
	RetryBudget    int           `env:"SYNC_RETRY_BUDGET" envDefault:"5"`

	// Transfer IO tuning.
	TransferBufferKB int           `env:"TRANSFER_BUFFER_KB" envDefault:"64"`
	ProgressInterval time.Duration `env:"TRANSFER_PROGRESS_INTERVAL" envDefault:"1s"`

	// HTTPTimeout bounds every remote call; a timeout is treated as a
	// transient error.
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Running jobs with no update for longer than JobStaleAfter are
	// considered orphaned and failed as "timeout".
	JobStaleAfter time.Duration `env:"JOB_STALE_AFTER" envDefault:"2m"`
}

// Load reads configuration from environment variables. It first attempts
// to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".cells-sync")
	}

	// Downstream path handling compares prefixes, which only works
	// reliably with absolute paths.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}
	cfg.DataDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SyncNetwork {
	case NetworkAny, NetworkUnmetered, NetworkNotRoaming:
	default:
		return fmt.Errorf("SYNC_REQUIRE_NETWORK must be one of any, unmetered, not-roaming, got %q", c.SyncNetwork)
	}

	if c.ServerURL != "" && c.Username == "" {
		return fmt.Errorf("CELLS_USER is required when CELLS_SERVER is set")
	}

	if c.WorkerLimit < 1 {
		return fmt.Errorf("SYNC_WORKER_LIMIT must be at least 1")
	}

	if c.TransferBufferKB < 4 {
		return fmt.Errorf("TRANSFER_BUFFER_KB must be at least 4")
	}

	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base %s, max %s", c.RetryBaseDelay, c.RetryMaxDelay)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LegacyDir is where the previous app generations kept their database
// files, relative to the data dir.
func (c *Config) LegacyDir() string {
	return filepath.Join(c.DataDir, "files")
}

// StagingDir holds partially copied transfer payloads.
func (c *Config) StagingDir() string {
	return filepath.Join(c.DataDir, "staging")
}
