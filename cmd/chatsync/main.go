package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Client ConfigClient `toml:"client"`
	Server ConfigServer `toml:"server"`
	Log    ConfigLog    `toml:"log"`
}

// ConfigClient holds the device-side settings.
type ConfigClient struct {
	GatewayURL          string `toml:"gateway_url"`
	Token               string `toml:"token"`
	UserID              string `toml:"user_id"`
	CacheDir            string `toml:"cache_dir"`
	AllowOnline         bool   `toml:"allow_online"`
	MaxDeliveryAttempts int    `toml:"max_delivery_attempts"`
	RetryBaseDelay      string `toml:"retry_base_delay"`
	RetryMaxDelay       string `toml:"retry_max_delay"`
	HeartbeatInterval   string `toml:"heartbeat_interval"`
	TypingTimeout       string `toml:"typing_timeout"`
}

// ConfigServer holds the gateway settings used by `chatsync serve`.
type ConfigServer struct {
	Addr          string `toml:"addr"`
	Token         string `toml:"token"`
	Backend       string `toml:"backend"` // "memory" or "mongo"
	MongoURI      string `toml:"mongo_uri"`
	MongoDatabase string `toml:"mongo_database"`
}

type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

func (c *Config) defaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Backend == "" {
		c.Server.Backend = "memory"
	}
	if c.Server.MongoDatabase == "" {
		c.Server.MongoDatabase = "chatsync"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
// CHATSYNC_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
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

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file as written, without environment
// overrides or defaults. A missing file yields a zero Config.
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

// loadConfig reads the config file, then applies .env and CHATSYNC_*
// environment overrides and defaults.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}

// envKeys maps environment variables to config keys.
var envKeys = map[string]string{
	"CHATSYNC_GATEWAY_URL":    "client.gateway_url",
	"CHATSYNC_TOKEN":          "client.token",
	"CHATSYNC_USER_ID":        "client.user_id",
	"CHATSYNC_CACHE_DIR":      "client.cache_dir",
	"CHATSYNC_ALLOW_ONLINE":   "client.allow_online",
	"CHATSYNC_ADDR":           "server.addr",
	"CHATSYNC_SERVER_TOKEN":   "server.token",
	"CHATSYNC_BACKEND":        "server.backend",
	"CHATSYNC_MONGO_URI":      "server.mongo_uri",
	"CHATSYNC_MONGO_DATABASE": "server.mongo_database",
	"CHATSYNC_LOG_LEVEL":      "log.level",
	"CHATSYNC_LOG_FORMAT":     "log.format",
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for env, key := range envKeys {
		if v, ok := lookup(env); ok && v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return nil
}

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

// setConfigValue sets a config field using dot notation (e.g. "client.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. client.user_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "client":
		switch field {
		case "gateway_url":
			cfg.Client.GatewayURL = value
		case "token":
			cfg.Client.Token = value
		case "user_id":
			cfg.Client.UserID = value
		case "cache_dir":
			cfg.Client.CacheDir = value
		case "allow_online":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("allow_online: %w", err)
			}
			cfg.Client.AllowOnline = b
		case "max_delivery_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("max_delivery_attempts must be a positive integer")
			}
			cfg.Client.MaxDeliveryAttempts = n
		case "retry_base_delay", "retry_max_delay", "heartbeat_interval", "typing_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
			switch field {
			case "retry_base_delay":
				cfg.Client.RetryBaseDelay = value
			case "retry_max_delay":
				cfg.Client.RetryMaxDelay = value
			case "heartbeat_interval":
				cfg.Client.HeartbeatInterval = value
			default:
				cfg.Client.TypingTimeout = value
			}
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	case "server":
		switch field {
		case "addr":
			cfg.Server.Addr = value
		case "token":
			cfg.Server.Token = value
		case "backend":
			if value != "memory" && value != "mongo" {
				return fmt.Errorf("backend must be memory or mongo")
			}
			cfg.Server.Backend = value
		case "mongo_uri":
			cfg.Server.MongoURI = value
		case "mongo_database":
			cfg.Server.MongoDatabase = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("level: %w", err)
			}
			cfg.Log.Level = value
		case "format":
			if value != "console" && value != "json" {
				return fmt.Errorf("format must be console or json")
			}
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: client, server, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	cfg    *Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Offline-first chat sync CLI",
	Long:          "Command-line client and development gateway for chatsync.\nSend and watch messages through a local outbox, and serve a remote store.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Log)
		return err
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
