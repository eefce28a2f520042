package model

import (
	"os"
	"path/filepath"
	"time"
)

// LogLevel defines logging levels
type LogLevel string

const (
	// LogLevelDebug is the level for debug messages
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the level for informational messages
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is the level for warning messages
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is the level for error messages
	LogLevelError LogLevel = "error"
)

// Config is the configuration structure for the portrelay daemon
type Config struct {
	// ControlListen is the address the control plane listens on
	ControlListen string
	// ControlPath is the HTTP path of the control websocket
	ControlPath string
	// ProfilesFile is the path to the persisted profile document (.json, .yaml or .yml)
	ProfilesFile string
	// BindHost is the host forwarding services listen on (empty for all interfaces)
	BindHost string
	// DialTimeout bounds connecting to a destination
	DialTimeout time.Duration
	// StatusInterval is how often the full status is pushed to control clients (0 disables)
	StatusInterval time.Duration
	// DefaultCloseTimeout is the drain deadline used on shutdown
	DefaultCloseTimeout time.Duration
	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel LogLevel
	// LogFile is the path to log file (empty for stdout only)
	LogFile string
	// LogHistory is how many log entries are kept for control clients
	LogHistory int
}

// NewConfig creates a new Config instance with default values
func NewConfig() *Config {
	return &Config{
		ControlListen:       "127.0.0.1:9998",
		ControlPath:         "/control",
		ProfilesFile:        filepath.Join(DefaultConfigDir(), "profiles.yaml"),
		BindHost:            "",
		DialTimeout:         10 * time.Second,
		StatusInterval:      3 * time.Second,
		DefaultCloseTimeout: 5 * time.Second,
		LogLevel:            LogLevelInfo,
		LogFile:             "",
		LogHistory:          512,
	}
}

// ControlURL returns the websocket URL clients use to reach ControlListen
func (c *Config) ControlURL() string {
	return "ws://" + c.ControlListen + c.ControlPath
}

// DefaultConfigDir returns the directory holding the configuration files
func DefaultConfigDir() string {
	// Determine configuration directory based on user
	configDir := "/etc/portrelay"

	// If not root, use home directory
	if os.Getuid() != 0 {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			configDir = filepath.Join(homeDir, ".portrelay")
		}
	}

	return configDir
}
