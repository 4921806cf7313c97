package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaults tests the production default values
func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.95, cfg.Routing.AutoExecuteThreshold)
	assert.Equal(t, 0.75, cfg.Routing.SuggestionThreshold)
	assert.Equal(t, 0.50, cfg.Routing.ApprovalThreshold)
	assert.Equal(t, int64(30000), cfg.Routing.SuggestionTimeoutMs)
	assert.Equal(t, 1.0, cfg.Weights.Exact)
	assert.Equal(t, 0.99, cfg.Evolution.ConfidenceCap)
	assert.Equal(t, 22, cfg.Anomaly.OffHoursStart)
}

// TestLoadMergesOverDefaults tests partial-file override semantics
func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
routing:
  suggestion_timeout_ms: 60000
stores:
  pattern_path: /var/lib/autopilot/patterns
  records_path: /var/lib/autopilot/records.db
  redis_addr: localhost:6379
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden values apply.
	assert.Equal(t, int64(60000), cfg.Routing.SuggestionTimeoutMs)
	assert.Equal(t, "localhost:6379", cfg.Stores.RedisAddr)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unnamed values keep their defaults.
	assert.Equal(t, 0.95, cfg.Routing.AutoExecuteThreshold)
	assert.Equal(t, 0.3, cfg.Weights.Context)
}

// TestLoadEmptyPath tests the no-file case
func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Routing, cfg.Routing)
}

// TestLoadMissingFile tests the error path
func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

// TestValidateRejectsBadThresholds tests tier ordering enforcement
func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routing.SuggestionThreshold = 0.97 // above auto-execute
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Routing.AutoExecuteThreshold = 1.3
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Routing.SuggestionTimeoutMs = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Weights = DefaultConfig().Weights
	cfg.Weights.Exact = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Stores.PatternPath = ""
	assert.Error(t, cfg.Validate())
}
