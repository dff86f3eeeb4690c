package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, found, err := Load(New())
	require.NoError(t, err)

	assert.False(t, found)
	assert.Equal(t, "http://localhost:8888", cfg.Backend.URL)
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Feeds.PollTimeout)
	assert.Equal(t, time.Hour, cfg.Feeds.DefaultInterval())
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.HTTP.CORSOrigins)
	assert.Empty(t, cfg.Ledger.DatabaseURL)
}

func TestLoad_legacyBackendEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APEX_BRIDGE_URL", "http://apex:9000")

	cfg, _, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "http://apex:9000", cfg.Backend.URL)
}

func TestLoad_envOverridesNestedKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FEEDS_POLL_TIMEOUT", "5s")
	t.Setenv("HTTP_PORT", "9999")

	cfg, _, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Feeds.PollTimeout)
	assert.Equal(t, 9999, cfg.HTTP.Port)
}

func TestLoad_configFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "configs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "ilminate.yaml"), []byte(`
backend:
  url: http://detect.internal:8888
feeds:
  default_interval_minutes: 15
ledger:
  database_url: postgres://ilminate@db/ilminate
`), 0o600))
	t.Chdir(dir)

	cfg, found, err := Load(New())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "http://detect.internal:8888", cfg.Backend.URL)
	assert.Equal(t, 15*time.Minute, cfg.Feeds.DefaultInterval())
	assert.Equal(t, "postgres://ilminate@db/ilminate", cfg.Ledger.DatabaseURL)
}

func TestLoad_rejectsBadInterval(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FEEDS_DEFAULT_INTERVAL_MINUTES", "0")

	_, _, err := Load(New())
	assert.Error(t, err)
}
