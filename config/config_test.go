package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateflow/lp-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "lp-engine.db", cfg.DB.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, "default", cfg.Sweeper.Org)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lp-engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":3000"
db:
  path: ":memory:"
sweeper:
  enabled: false
  interval: 5m
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.HTTP.Addr)
	assert.Equal(t, ":memory:", cfg.DB.Path)
	assert.False(t, cfg.Sweeper.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
	// Untouched values keep their defaults
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LP_HTTP_ADDR", ":4000")
	t.Setenv("LP_LOG_LEVEL", "debug")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingExplicitFileIsAnError(t *testing.T) {
	_, err := config.Load("/nonexistent/lp-engine.yaml")
	assert.Error(t, err)
}
