package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

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
	Short: "Print the effective configuration",
	Long:  "Print every setting after .env and CHATSYNC_* overrides. Tokens are masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("# no config file; run 'chatsync init <gateway-url> <user-id>' to create one")
		} else {
			fmt.Printf("# %s\n", path)
		}
		section := ""
		for _, e := range configEntries(cfg, os.LookupEnv) {
			if e.section != section {
				if section != "" {
					fmt.Println()
				}
				section = e.section
				fmt.Printf("[%s]\n", section)
			}
			line := fmt.Sprintf("%-22s = %s", e.field, e.value)
			if e.env != "" {
				line += "  # from " + e.env
			}
			fmt.Println(line)
		}
		return nil
	},
}

type configEntry struct {
	section, field, value string
	env                   string // override that set the value, if any
}

// configEntries lists c's settings in file order with secrets masked.
func configEntries(c *Config, lookup func(string) (string, bool)) []configEntry {
	secret := func(v string) string {
		if v == "" {
			return ""
		}
		return maskKey(v)
	}
	entries := []configEntry{
		{section: "client", field: "gateway_url", value: c.Client.GatewayURL},
		{section: "client", field: "token", value: secret(c.Client.Token)},
		{section: "client", field: "user_id", value: c.Client.UserID},
		{section: "client", field: "cache_dir", value: c.Client.CacheDir},
		{section: "client", field: "allow_online", value: strconv.FormatBool(c.Client.AllowOnline)},
		{section: "client", field: "max_delivery_attempts", value: strconv.Itoa(c.Client.MaxDeliveryAttempts)},
		{section: "client", field: "retry_base_delay", value: c.Client.RetryBaseDelay},
		{section: "client", field: "retry_max_delay", value: c.Client.RetryMaxDelay},
		{section: "client", field: "heartbeat_interval", value: c.Client.HeartbeatInterval},
		{section: "client", field: "typing_timeout", value: c.Client.TypingTimeout},
		{section: "server", field: "addr", value: c.Server.Addr},
		{section: "server", field: "token", value: secret(c.Server.Token)},
		{section: "server", field: "backend", value: c.Server.Backend},
		{section: "server", field: "mongo_uri", value: secret(c.Server.MongoURI)},
		{section: "server", field: "mongo_database", value: c.Server.MongoDatabase},
		{section: "log", field: "level", value: c.Log.Level},
		{section: "log", field: "format", value: c.Log.Format},
	}
	for i := range entries {
		key := entries[i].section + "." + entries[i].field
		for env, k := range envKeys {
			if k != key {
				continue
			}
			if v, ok := lookup(env); ok && v != "" {
				entries[i].env = env
			}
		}
	}
	return entries
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set client.retry_base_delay 500ms",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// edit the file as written so environment overrides are not persisted
		fileCfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(fileCfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
