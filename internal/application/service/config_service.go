package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
)

// ConfigService is a service for managing configuration
type ConfigService struct {
	configRepo port.ConfigRepository
	logger     port.Logger
}

// NewConfigService creates a new ConfigService instance
func NewConfigService(configRepo port.ConfigRepository, logger port.Logger) *ConfigService {
	return &ConfigService{
		configRepo: configRepo,
		logger:     logger,
	}
}

// LoadConfig loads configuration from a file
func (s *ConfigService) LoadConfig(configPath string) (*model.Config, error) {
	// If configPath is empty, use the default path
	if configPath == "" {
		var err error
		configPath, err = s.configRepo.GetDefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get default path: %v", err)
		}
	}

	config, err := s.configRepo.Load(configPath)
	if err != nil {
		s.logger.Warn("Failed to load configuration from %s: %v", configPath, err)
		// Return default configuration if loading fails
		return model.NewConfig(), nil
	}

	s.logger.Debug("Configuration loaded from %s", configPath)

	return config, nil
}

// SaveConfig saves configuration to a file
func (s *ConfigService) SaveConfig(config *model.Config, configPath string) error {
	// If configPath is empty, use the default path
	if configPath == "" {
		var err error
		configPath, err = s.configRepo.GetDefaultPath()
		if err != nil {
			return fmt.Errorf("failed to get default path: %v", err)
		}
	}

	if err := s.configRepo.Save(config, configPath); err != nil {
		return fmt.Errorf("failed to save configuration: %v", err)
	}

	s.logger.Info("Configuration saved to %s", configPath)

	return nil
}

var configSetters = map[string]func(config *model.Config, value string) error{
	"control_listen": func(c *model.Config, v string) error {
		c.ControlListen = v
		return nil
	},
	"control_path": func(c *model.Config, v string) error {
		if !strings.HasPrefix(v, "/") {
			v = "/" + v
		}
		c.ControlPath = v
		return nil
	},
	"profiles_file": func(c *model.Config, v string) error {
		c.ProfilesFile = v
		return nil
	},
	"bind_host": func(c *model.Config, v string) error {
		c.BindHost = v
		return nil
	},
	"dial_timeout":          durationSetter(func(c *model.Config, d time.Duration) { c.DialTimeout = d }),
	"status_interval":       durationSetter(func(c *model.Config, d time.Duration) { c.StatusInterval = d }),
	"default_close_timeout": durationSetter(func(c *model.Config, d time.Duration) { c.DefaultCloseTimeout = d }),
	"log_level": func(c *model.Config, v string) error {
		switch model.LogLevel(strings.ToLower(v)) {
		case model.LogLevelDebug, model.LogLevelInfo, model.LogLevelWarn, model.LogLevelError:
			c.LogLevel = model.LogLevel(strings.ToLower(v))
			return nil
		}
		return fmt.Errorf("invalid log level: %s", v)
	},
	"log_file": func(c *model.Config, v string) error {
		c.LogFile = v
		return nil
	},
	"log_history": func(c *model.Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid log history size: %s", v)
		}
		c.LogHistory = n
		return nil
	},
}

func durationSetter(set func(*model.Config, time.Duration)) func(*model.Config, string) error {
	return func(c *model.Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %v", v, err)
		}
		set(c, d)
		return nil
	}
}

// ConfigKeys returns the keys accepted by Set, sorted
func ConfigKeys() []string {
	keys := make([]string, 0, len(configSetters))
	for key := range configSetters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Set changes one setting by key
func (s *ConfigService) Set(config *model.Config, key, value string) error {
	setter, ok := configSetters[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s (valid keys: %s)", key, strings.Join(ConfigKeys(), ", "))
	}
	return setter(config, value)
}
