package di

import (
	"os"

	"github.com/portrelay/portrelay/internal/application/service"
	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/infrastructure/config"
	"github.com/portrelay/portrelay/internal/infrastructure/forward"
	"github.com/portrelay/portrelay/internal/infrastructure/logger"
	"github.com/portrelay/portrelay/internal/infrastructure/transport"
)

// Container is a container for dependency injection
type Container struct {
	// Logger
	Logger *logger.Logger

	// Repositories
	ConfigRepository *config.ConfigRepository
	ProfileStore     *config.ProfileStore

	// Services
	ConfigService *service.ConfigService
	Manager       *service.Manager

	// Control plane
	Server *transport.Server
	Client *transport.Client

	// Config
	Config *model.Config
}

// NewContainer creates a new Container instance
func NewContainer() *Container {
	return &Container{}
}

// Initialize loads the configuration and sets up logging
func (c *Container) Initialize(configPath string) error {
	// Initialize logger
	c.Logger = logger.NewLogger(os.Stdout, "info")

	// Initialize config repository
	c.ConfigRepository = config.NewConfigRepository()

	// Initialize config service
	c.ConfigService = service.NewConfigService(c.ConfigRepository, c.Logger)

	// Load configuration
	var err error
	c.Config, err = c.ConfigService.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// If log file is specified, tee output to it as well as the terminal
	if c.Config.LogFile != "" {
		teeLogger, err := logger.NewTeeLogger(os.Stdout, c.Config.LogFile, string(c.Config.LogLevel))
		if err != nil {
			c.Logger.Error("Failed to create file logger: %v", err)
		} else {
			c.Logger = teeLogger
			c.ConfigService = service.NewConfigService(c.ConfigRepository, c.Logger)
		}
	}

	// Set logger level based on configuration
	c.Logger.SetLevel(string(c.Config.LogLevel))
	c.Logger.SetHistorySize(c.Config.LogHistory)

	return nil
}

// InitializeServer builds the profile store, the manager and the control
// server for the serve command
func (c *Container) InitializeServer() {
	c.ProfileStore = config.NewProfileStore(c.Config.ProfilesFile, logger.WithPrefix(c.Logger, "store>"))

	factory := forward.NewFactory(c.Logger, forward.Options{
		BindHost:    c.Config.BindHost,
		DialTimeout: c.Config.DialTimeout,
	})
	c.Manager = service.NewManager(c.ProfileStore, factory, logger.WithPrefix(c.Logger, "manager>"), model.Version)

	c.Server = transport.NewServer(c.Manager, c.Logger, c.Logger, transport.ServerOptions{
		Path:           c.Config.ControlPath,
		StatusInterval: c.Config.StatusInterval,
	})
}

// InitializeClient builds the control-plane client used by the remote commands
func (c *Container) InitializeClient() {
	c.Client = transport.NewClient(c.Config.ControlURL(), c.Logger)
}

// Close closes all resources
func (c *Container) Close() {
	// Close client if exists
	if c.Client != nil {
		c.Client.Close()
	}

	// Close logger
	if c.Logger != nil {
		c.Logger.Close()
	}
}
