package model_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsort/internal/model"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	d := model.DefaultAppConfig()
	assert.Equal(t, d.Provider.BaseURL, cfg.Provider.BaseURL)
	assert.Equal(t, 3, cfg.Provider.MaxAttempts)
	assert.Equal(t, 20, cfg.Classifier.BatchSize)
	assert.Equal(t, 180, cfg.Sync.LookbackDays)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfigFileAndNormalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  path: /tmp/mail.db
sync:
  lookback_days: 30
  batch_size: 0
classifier:
  model: test-model
  batch_pause_ms: 0
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := model.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/mail.db", cfg.Database.Path)
	assert.Equal(t, 30, cfg.Sync.LookbackDays)
	assert.Equal(t, 20, cfg.Sync.BatchSize, "zero is replaced by the default")
	assert.Equal(t, "test-model", cfg.Classifier.Model)
	assert.Equal(t, 0, cfg.Classifier.BatchPause)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MAILSORT_PROVIDER_CLIENT_ID", "env-client")

	cfg, err := model.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-client", cfg.Provider.ClientID)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := model.DefaultAppConfig()
	cfg.Sync.LookbackDays = 7

	require.NoError(t, model.SaveConfig(path, cfg))

	loaded, err := model.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Sync.LookbackDays)
}
