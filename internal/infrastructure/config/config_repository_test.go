package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRepositoryMissingFileGivesDefaults(t *testing.T) {
	repo := NewConfigRepository()

	cfg, err := repo.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, model.NewConfig(), cfg)
}

func TestConfigRepositorySaveLoad(t *testing.T) {
	repo := NewConfigRepository()
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := model.NewConfig()
	cfg.ControlListen = "127.0.0.1:7000"
	cfg.ProfilesFile = "/tmp/portrelay/profiles.json"
	cfg.DialTimeout = 3 * time.Second
	cfg.StatusInterval = 0
	cfg.DefaultCloseTimeout = 30 * time.Second
	cfg.LogLevel = model.LogLevelDebug
	cfg.LogHistory = 64
	require.NoError(t, repo.Save(cfg, path))

	loaded, err := repo.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigRepositoryEnvOverride(t *testing.T) {
	t.Setenv("PORTRELAY_LOG_LEVEL", "error")
	t.Setenv("PORTRELAY_DIAL_TIMEOUT", "250ms")

	cfg, err := NewConfigRepository().Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, model.LogLevelError, cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.DialTimeout)
}

func TestConfigRepositoryNormalizesPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("control_path: ws\nprofiles_file: ~/p.yaml\n"), 0644))

	cfg, err := NewConfigRepository().Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/ws", cfg.ControlPath)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "p.yaml"), cfg.ProfilesFile)
}

func TestConfigRepositoryMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("control_listen: [oops"), 0644))

	_, err := NewConfigRepository().Load(path)
	assert.Error(t, err)
}
