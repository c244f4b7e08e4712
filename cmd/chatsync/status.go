package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration and try a live connection to the chat server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server URL: %s\n", valueOrDefault(cfg.Server.URL, "(not set)"))
		fmt.Printf("  API URL:    %s\n", valueOrDefault(cfg.Server.APIURL, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:  %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username: (not logged in)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    none")
		}

		if cfg.Server.URL == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		engine, err := getEngine(cfg)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		if err := engine.Connect(ctx); err != nil {
			fmt.Printf("  Connection failed: %v\n", err)
			return nil
		}
		defer engine.Disconnect()

		s := settle(ctx, engine)
		fmt.Printf("  Connected in:   %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Online users:   %d\n", len(s.ConnectedClients))
		fmt.Printf("  Offline users:  %d\n", len(s.OfflineClients))
		fmt.Printf("  Groups:         %d\n", len(s.Groups))
		fmt.Printf("  Recent chats:   %d\n", len(s.RecentPrivateMessages))
		return nil
	},
}
