package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var initAPIURL string

func init() {
	initCmd.Flags().StringVar(&initAPIURL, "api-url", "", "Auth API base URL (default <server-url>/api)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <server-url>",
	Short: "Store the chat server URL in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the chat server and auth API endpoints in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL := strings.TrimRight(args[0], "/")
		u, err := url.Parse(serverURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid server URL %q", args[0])
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.URL = serverURL
		switch {
		case initAPIURL != "":
			cfg.Server.APIURL = initAPIURL
		case cfg.Server.APIURL == "":
			cfg.Server.APIURL = serverURL + "/api"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Server URL saved to %s\n", path)
		return nil
	},
}
