package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
	Log    ConfigLog    `toml:"log"`
}

// ConfigServer holds the chat and auth endpoints.
type ConfigServer struct {
	URL    string `toml:"url"`
	APIURL string `toml:"api_url"`
}

// ConfigAuth holds the session issued by the auth API.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
	Email    string `toml:"email"`
}

// ConfigLog controls diagnostics output.
type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDirOverride is set by tests.
var configDirOverride string

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	dir := configDirOverride
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. If the file does not exist, it starts from a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays CHATSYNC_* variables, including those from a local .env.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATSYNC_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("CHATSYNC_API_URL"); v != "" {
		cfg.Server.APIURL = v
	}
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("CHATSYNC_DEBUG"); v != "" {
		if v == "true" || v == "1" {
			cfg.Log.Level = "debug"
		}
	}
}

// saveConfig writes the config file. Environment overrides are not persisted.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "url":
			cfg.Server.URL = value
		case "api_url":
			cfg.Server.APIURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		case "email":
			cfg.Auth.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time chat client",
	Long:  "Command-line client for a real-time chat server.\nLog in, send messages, manage groups and follow conversations live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
