package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger_Production(t *testing.T) {
	logger := NewLogger("production")
	assert.NotNil(t, logger)
}

func TestNewLogger_Development(t *testing.T) {
	logger := NewLogger("development")
	assert.NotNil(t, logger)
	assert.True(t, logger.Enabled(t.Context(), -4), "debug should be enabled in development")
}

func TestForJob(t *testing.T) {
	logger := ForJob(NewLogger("development"), 42)
	assert.NotNil(t, logger)
}
