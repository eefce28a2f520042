package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/infrastructure/config"
	"github.com/portrelay/portrelay/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigServiceSet(t *testing.T) {
	s := NewConfigService(config.NewConfigRepository(), logger.Discard)
	cfg := model.NewConfig()

	require.NoError(t, s.Set(cfg, "control_listen", "0.0.0.0:9000"))
	require.NoError(t, s.Set(cfg, "control_path", "ws"))
	require.NoError(t, s.Set(cfg, "dial_timeout", "3s"))
	require.NoError(t, s.Set(cfg, "log_level", "DEBUG"))
	require.NoError(t, s.Set(cfg, "log_history", "50"))

	assert.Equal(t, "0.0.0.0:9000", cfg.ControlListen)
	assert.Equal(t, "/ws", cfg.ControlPath)
	assert.Equal(t, 3*time.Second, cfg.DialTimeout)
	assert.Equal(t, model.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, 50, cfg.LogHistory)

	tests := []struct {
		key   string
		value string
	}{
		{"nope", "1"},
		{"dial_timeout", "soon"},
		{"log_level", "loud"},
		{"log_history", "0"},
		{"log_history", "many"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			assert.Error(t, s.Set(cfg, tt.key, tt.value))
		})
	}
	assert.Equal(t, 50, cfg.LogHistory)
}

func TestConfigKeysSorted(t *testing.T) {
	keys := ConfigKeys()
	assert.IsIncreasing(t, keys)
	assert.Contains(t, keys, "profiles_file")
	assert.Contains(t, keys, "default_close_timeout")
}

func TestConfigServiceSaveAndLoad(t *testing.T) {
	s := NewConfigService(config.NewConfigRepository(), logger.Discard)
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := model.NewConfig()
	require.NoError(t, s.Set(cfg, "bind_host", "127.0.0.1"))
	require.NoError(t, s.SaveConfig(cfg, path))

	loaded, err := s.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", loaded.BindHost)
}
