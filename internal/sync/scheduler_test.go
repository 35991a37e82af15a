package sync

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pydio/cells-sync/internal/config"
)

func gatedScheduler(required, current string) *Scheduler {
	cfg := &config.Config{SyncNetwork: required}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewScheduler(nil, cfg, func() string { return current }, logger)
}

func TestNetworkAllowed(t *testing.T) {
	cases := []struct {
		name     string
		required string
		current  string
		allowed  bool
	}{
		{"any allows metered", config.NetworkAny, "metered", true},
		{"any allows roaming", config.NetworkAny, "roaming", true},
		{"unmetered allows unmetered", config.NetworkUnmetered, "unmetered", true},
		{"unmetered blocks metered", config.NetworkUnmetered, "metered", false},
		{"unmetered blocks roaming", config.NetworkUnmetered, "roaming", false},
		{"not-roaming allows metered", config.NetworkNotRoaming, "metered", true},
		{"not-roaming blocks roaming", config.NetworkNotRoaming, "roaming", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := gatedScheduler(tc.required, tc.current)
			assert.Equal(t, tc.allowed, s.networkAllowed())
		})
	}
}

func TestCurrentNetwork_FallsBackToConfig(t *testing.T) {
	cfg := &config.Config{SyncNetwork: config.NetworkUnmetered, NetworkType: "metered"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewScheduler(nil, cfg, nil, logger)
	assert.Equal(t, "metered", s.currentNetwork())
	assert.False(t, s.networkAllowed())
}
