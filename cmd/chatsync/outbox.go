package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

var outboxTimeout time.Duration

func init() {
	resendCmd.Flags().DurationVar(&outboxTimeout, "timeout", 10*time.Second, "How long to wait for delivery")
	syncCmd.Flags().DurationVar(&outboxTimeout, "timeout", 30*time.Second, "How long the sweep may take")
	rootCmd.AddCommand(resendCmd)
	rootCmd.AddCommand(syncCmd)
}

var resendCmd = &cobra.Command{
	Use:   "resend <message-id>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), outboxTimeout)
		defer cancel()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		id := args[0]
		if err := s.Sync.Resend(ctx, id); err != nil {
			return err
		}
		status := waitSettled(ctx, s, id)
		if status == chatsync.StatusFailed {
			m, _ := s.Cache.GetMessage(id)
			if m != nil {
				return fmt.Errorf("message %s failed again: %s", id, m.LastError)
			}
		}
		fmt.Printf("Message %s %s.\n", id, status)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver every pending message now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), outboxTimeout)
		defer cancel()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if !s.Connectivity.Connected() {
			return fmt.Errorf("gateway %s is unreachable; %d messages stay queued", cfg.Client.GatewayURL, s.Sync.PendingCount())
		}
		done := make(chan chatsync.SyncSummary, 1)
		s.Sync.On(chatsync.EventSyncComplete, func(_ string, payload any) {
			if sum, ok := payload.(chatsync.SyncSummary); ok {
				select {
				case done <- sum:
				default:
				}
			}
		})
		if err := s.Sync.SyncPending(ctx); err != nil {
			return err
		}
		// A sweep started by the session may still be running.
		for s.Sync.IsSyncing() && ctx.Err() == nil {
			time.Sleep(50 * time.Millisecond)
		}
		select {
		case sum := <-done:
			fmt.Printf("Attempted %d, sent %d, failed %d, still pending %d.\n", sum.Attempted, sum.Sent, sum.Failed, sum.Remaining)
		default:
			fmt.Printf("Outbox swept; %d messages still pending.\n", s.Sync.PendingCount())
		}
		return nil
	},
}
