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
	Short: "Show configuration, outbox and inbox",
	Long:  "Display the current configuration, the local outbox and, when the gateway is reachable, the inbox.",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Configuration:")
		fmt.Printf("  Gateway:     %s\n", valueOrDefault(cfg.Client.GatewayURL, "(not set)"))
		fmt.Printf("  User:        %s\n", valueOrDefault(cfg.Client.UserID, "(not set)"))
		if cfg.Client.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Client.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Show online: %t\n", cfg.Client.AllowOnline)
		if cfg.Client.GatewayURL == "" || cfg.Client.UserID == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Println()
		fmt.Println("Outbox:")
		state := "offline"
		if s.Connectivity.Connected() {
			state = "online"
		}
		fmt.Printf("  Gateway:     %s\n", state)
		pending, err := s.Cache.Pending()
		if err != nil {
			return err
		}
		fmt.Printf("  Pending:     %d\n", len(pending))
		for _, m := range pending {
			fmt.Printf("    %s  %s  attempts=%d  %s\n", m.ID, m.Status, m.Attempts, m.LastError)
		}

		if !s.Connectivity.Connected() {
			return nil
		}
		inbox, err := s.Directory.Inbox(ctx, s.userID)
		if err != nil {
			fmt.Printf("  Error fetching inbox: %v\n", err)
			return nil
		}
		fmt.Println()
		fmt.Println("Inbox:")
		for _, c := range inbox {
			unread := " "
			if c.IsUnreadFor(s.userID) {
				unread = "*"
			}
			title := c.Name
			if title == "" {
				for _, p := range c.Participants {
					if p != s.userID {
						title = p
					}
				}
			}
			when := ""
			if !c.LastMessageAt.IsZero() {
				when = c.LastMessageAt.Local().Format(time.RFC822)
			}
			fmt.Printf("  %s %-20s %-16s %s\n", unread, title, when, c.LastMessageText)
		}
		return nil
	},
}
