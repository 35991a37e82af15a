package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/pydio/cells-sync/internal/config"
)

// NetworkProbe reports the current network type ("unmetered", "metered",
// "roaming"). The embedding platform supplies it; the daemon never probes
// the link itself.
type NetworkProbe func() string

// Scheduler ticks the engine at the configured interval, gated by the
// configured network constraint.
type Scheduler struct {
	engine *Engine
	cfg    *config.Config
	probe  NetworkProbe
	logger *slog.Logger
}

// NewScheduler creates a scheduler. probe may be nil, in which case the
// statically configured network type is assumed.
func NewScheduler(engine *Engine, cfg *config.Config, probe NetworkProbe, logger *slog.Logger) *Scheduler {
	return &Scheduler{engine: engine, cfg: cfg, probe: probe, logger: logger}
}

// Run blocks until the context is cancelled, running a full sync
// immediately and then once per interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.SyncEnabled {
		s.logger.Info("periodic sync disabled")
		<-ctx.Done()

		return nil
	}

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.networkAllowed() {
		s.logger.Debug("skipping sync: network constraint not met",
			"required", s.cfg.SyncNetwork, "current", s.currentNetwork())

		return
	}

	if err := s.engine.RunFullSync(ctx); err != nil {
		s.logger.Error("periodic sync failed", "error", err)
	}
}

func (s *Scheduler) networkAllowed() bool {
	switch s.cfg.SyncNetwork {
	case config.NetworkUnmetered:
		return s.currentNetwork() == config.NetworkUnmetered
	case config.NetworkNotRoaming:
		return s.currentNetwork() != "roaming"
	default:
		return true
	}
}

func (s *Scheduler) currentNetwork() string {
	if s.probe != nil {
		return s.probe()
	}

	return s.cfg.NetworkType
}
