package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// configKeys lists every key accepted by "config set".
var configKeys = []string{
	"server.url", "server.api_url",
	"auth.token", "auth.user_id", "auth.username", "auth.email",
	"log.level", "log.format",
}

// envOverrides are the variables applied on top of the file at startup.
var envOverrides = []string{"CHATSYNC_SERVER_URL", "CHATSYNC_API_URL", "CHATSYNC_TOKEN", "CHATSYNC_DEBUG"}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init <server-url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Printf("# %s\n", path)
		fmt.Print(string(data))
		for _, name := range envOverrides {
			if v := os.Getenv(name); v != "" {
				if name == "CHATSYNC_TOKEN" {
					v = maskKey(v)
				}
				fmt.Printf("# overridden by %s=%s\n", name, v)
			}
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n\nValid keys:\n  " +
		strings.Join(configKeys, "\n  ") +
		"\n\nExample: chatsync config set server.url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
