package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var initToken string

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Gateway bearer token")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <gateway-url> <user-id>",
	Short: "Store gateway and identity in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the gateway address and the user this device sends as.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gatewayURL, userID := args[0], args[1]
		u, err := url.Parse(gatewayURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("gateway url must be http(s)://host[:port], got %q", gatewayURL)
		}

		fileCfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fileCfg.Client.GatewayURL = gatewayURL
		fileCfg.Client.UserID = userID
		fileCfg.Client.AllowOnline = true
		if initToken != "" {
			fileCfg.Client.Token = initToken
		}

		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Gateway and user saved to %s\n", path)
		return nil
	},
}
