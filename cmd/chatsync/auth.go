package main

import (
	"context"
	"fmt"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

func authClient(cfg *Config) *chatsync.AuthClient {
	var opts []chatsync.AuthOption
	switch {
	case cfg.Server.APIURL != "":
		opts = append(opts, chatsync.WithBaseURL(cfg.Server.APIURL))
	case cfg.Server.URL != "":
		opts = append(opts, chatsync.WithBaseURL(cfg.Server.URL+"/api"))
	}
	return chatsync.NewAuthClient(opts...)
}

// storeSession saves the issued token and identity in config.
func storeSession(cfg *Config, res *chatsync.AuthResponse) error {
	cfg.Auth.Token = res.Token
	cfg.Auth.UserID = res.User.ID
	cfg.Auth.Username = res.User.Username
	cfg.Auth.Email = res.User.Email
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		effective := *cfg
		applyEnv(&effective)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := authClient(&effective).Login(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if err := storeSession(cfg, res); err != nil {
			return err
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID:  %s\n", res.User.ID)
		fmt.Printf("  Username: %s\n", res.User.Username)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username> <email> <password>",
	Short: "Create an account and store the session token",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		effective := *cfg
		applyEnv(&effective)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := authClient(&effective).Register(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if err := storeSession(cfg, res); err != nil {
			return err
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  User ID:  %s\n", res.User.ID)
		fmt.Printf("  Username: %s\n", res.User.Username)
		fmt.Printf("  Email:    %s\n", res.User.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
