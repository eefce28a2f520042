package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/portrelay/portrelay/internal/application/service"
	"github.com/spf13/cobra"
)

// configCmd is the command to manage configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage portrelay configuration.`,
}

// configShowCmd is the command to display configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configuration",
	Long:  `Display portrelay configuration, including environment overrides.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := Container.Config
		fmt.Println("portrelay Configuration:")
		fmt.Printf("Control Listen: %s\n", cfg.ControlListen)
		fmt.Printf("Control Path: %s\n", cfg.ControlPath)
		fmt.Printf("Profiles File: %s\n", cfg.ProfilesFile)
		fmt.Printf("Bind Host: %s\n", valueOr(cfg.BindHost, "(all interfaces)"))
		fmt.Printf("Dial Timeout: %v\n", cfg.DialTimeout)
		fmt.Printf("Status Interval: %v\n", cfg.StatusInterval)
		fmt.Printf("Default Close Timeout: %v\n", cfg.DefaultCloseTimeout)
		fmt.Printf("Log Level: %s\n", cfg.LogLevel)
		fmt.Printf("Log File: %s\n", valueOr(cfg.LogFile, "(none)"))
		fmt.Printf("Log History: %d\n", cfg.LogHistory)
	},
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// configSetCmd is the command to set configuration
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set configuration",
	Long: `Set portrelay configuration.
Keys: ` + strings.Join(service.ConfigKeys(), ", ") + `
Examples:
  portrelay config set control_listen 127.0.0.1:9000
  portrelay config set profiles_file /etc/portrelay/profiles.json
  portrelay config set default_close_timeout 10s
  portrelay config set log_level debug`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		value := args[1]

		if err := Container.ConfigService.Set(Container.Config, key, value); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		// Save configuration
		if err := Container.ConfigService.SaveConfig(Container.Config, ConfigPath); err != nil {
			fmt.Printf("Error: Failed to save configuration: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Configuration %s successfully changed to %s\n", key, value)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	RootCmd.AddCommand(configCmd)
}
