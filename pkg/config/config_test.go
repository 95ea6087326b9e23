package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	require.Equal(t, "easely.db", cfg.DatabasePath)
	require.Equal(t, 10, cfg.Sync.BatchSize)
	require.Equal(t, 6*time.Hour, cfg.Sync.Interval.Std())
	require.Equal(t, 2*time.Second, cfg.Sync.CallDelay.Std())
	require.Equal(t, time.Hour, cfg.Reminder.Interval.Std())
	require.Equal(t, 30*time.Second, cfg.Canvas.Timeout.Std())
	require.Equal(t, 5, cfg.FreeTierTaskLimit)
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path: /var/lib/easely/easely.db
canvas:
  base_url: https://canvas.school.edu
  timeout: 45s
sync:
  interval: 2h
  batch_size: 25
  call_delay: 500ms
free_tier_task_limit: 3
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/easely/easely.db", cfg.DatabasePath)
	require.Equal(t, "https://canvas.school.edu", cfg.Canvas.BaseURL)
	require.Equal(t, 45*time.Second, cfg.Canvas.Timeout.Std())
	require.Equal(t, 2*time.Hour, cfg.Sync.Interval.Std())
	require.Equal(t, 25, cfg.Sync.BatchSize)
	require.Equal(t, 500*time.Millisecond, cfg.Sync.CallDelay.Std())
	require.Equal(t, 3, cfg.FreeTierTaskLimit)

	// Fields the file omits keep their defaults.
	require.Equal(t, 10*time.Minute, cfg.Sync.RunBudget.Std())
}

func TestLoadBareIntDurationIsSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  call_delay: 2\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.Sync.CallDelay.Std())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EASELY_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("EASELY_SYNC_BATCH_SIZE", "50")
	t.Setenv("EASELY_SYNC_CALL_DELAY", "3s")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "/tmp/override.db", cfg.DatabasePath)
	require.Equal(t, 50, cfg.Sync.BatchSize)
	require.Equal(t, 3*time.Second, cfg.Sync.CallDelay.Std())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  batch_size: 0\n"), 0600))
	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("free_tier_task_limit: -1\n"), 0600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Canvas.BaseURL = "https://canvas.example.edu"
	cfg.Sync.Interval = Duration(90 * time.Minute)
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://canvas.example.edu", loaded.Canvas.BaseURL)
	require.Equal(t, 90*time.Minute, loaded.Sync.Interval.Std())
}
