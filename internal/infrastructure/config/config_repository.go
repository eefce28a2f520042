package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. PORTRELAY_LOG_LEVEL
const EnvPrefix = "PORTRELAY"

// ConfigRepository is an implementation of port.ConfigRepository
type ConfigRepository struct{}

// NewConfigRepository creates a new ConfigRepository instance
func NewConfigRepository() *ConfigRepository {
	return &ConfigRepository{}
}

func newViper(config *model.Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("control_listen", config.ControlListen)
	v.SetDefault("control_path", config.ControlPath)
	v.SetDefault("profiles_file", config.ProfilesFile)
	v.SetDefault("bind_host", config.BindHost)
	v.SetDefault("dial_timeout", config.DialTimeout)
	v.SetDefault("status_interval", config.StatusInterval)
	v.SetDefault("default_close_timeout", config.DefaultCloseTimeout)
	v.SetDefault("log_level", string(config.LogLevel))
	v.SetDefault("log_file", config.LogFile)
	v.SetDefault("log_history", config.LogHistory)
	return v
}

// Load loads configuration from file. A missing file yields the defaults with
// environment overrides applied.
func (r *ConfigRepository) Load(configPath string) (*model.Config, error) {
	// If configPath is empty, look in the default location
	if configPath == "" {
		var err error
		configPath, err = r.GetDefaultPath()
		if err != nil {
			return nil, err
		}
	}

	v := newViper(model.NewConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %v", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	// Map from viper to Config struct
	config := &model.Config{
		ControlListen:       v.GetString("control_listen"),
		ControlPath:         v.GetString("control_path"),
		ProfilesFile:        expandHome(v.GetString("profiles_file")),
		BindHost:            v.GetString("bind_host"),
		DialTimeout:         v.GetDuration("dial_timeout"),
		StatusInterval:      v.GetDuration("status_interval"),
		DefaultCloseTimeout: v.GetDuration("default_close_timeout"),
		LogLevel:            model.LogLevel(v.GetString("log_level")),
		LogFile:             expandHome(v.GetString("log_file")),
		LogHistory:          v.GetInt("log_history"),
	}
	if !strings.HasPrefix(config.ControlPath, "/") {
		config.ControlPath = "/" + config.ControlPath
	}

	return config, nil
}

// Save saves configuration to file
func (r *ConfigRepository) Save(config *model.Config, configPath string) error {
	// If configPath is empty, use default location
	if configPath == "" {
		var err error
		configPath, err = r.GetDefaultPath()
		if err != nil {
			return err
		}
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %v", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("control_listen", config.ControlListen)
	v.Set("control_path", config.ControlPath)
	v.Set("profiles_file", config.ProfilesFile)
	v.Set("bind_host", config.BindHost)
	v.Set("dial_timeout", config.DialTimeout.String())
	v.Set("status_interval", config.StatusInterval.String())
	v.Set("default_close_timeout", config.DefaultCloseTimeout.String())
	v.Set("log_level", string(config.LogLevel))
	v.Set("log_file", config.LogFile)
	v.Set("log_history", config.LogHistory)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error saving configuration: %v", err)
	}

	return nil
}

// GetDefaultPath returns the default path for configuration file
func (r *ConfigRepository) GetDefaultPath() (string, error) {
	return filepath.Join(model.DefaultConfigDir(), "config.yaml"), nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Ensure ConfigRepository implements port.ConfigRepository
var _ port.ConfigRepository = (*ConfigRepository)(nil)
