package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

var (
	watchConversation bool
	watchReceipts     bool
	watchMetricsAddr  string
)

func init() {
	watchCmd.Flags().BoolVar(&watchConversation, "conversation", false, "Treat <peer> as a conversation id")
	watchCmd.Flags().BoolVar(&watchReceipts, "receipts", true, "Send delivered and read receipts for incoming messages")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve sync metrics on this address (e.g. :9100)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <peer>",
	Short: "Follow a conversation live",
	Long:  "Print messages, receipts, presence and typing of a conversation until interrupted.\nAlso announces this user's presence and drains the outbox on reconnect.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server stopped")
				}
			}()
			defer srv.Close()
		}

		convID, err := resolveConversation(ctx, s, args[0], watchConversation)
		if err != nil {
			return err
		}

		history, err := s.Sync.Messages(convID)
		if err != nil {
			return err
		}
		for _, m := range history {
			printMessage(s.userID, m)
		}

		receipts := make(chan struct{}, 1)
		s.Sync.On(chatsync.EventMessageMerged, func(_ string, payload any) {
			m, ok := payload.(*chatsync.Message)
			if !ok || m.ConversationID != convID {
				return
			}
			printMessage(s.userID, m)
			if m.SenderID != s.userID {
				select {
				case receipts <- struct{}{}:
				default:
				}
			}
		})
		s.Sync.On(chatsync.EventMessageFailed, func(_ string, payload any) {
			if m, ok := payload.(*chatsync.Message); ok {
				fmt.Printf("! %s failed: %s\n", m.ID, m.LastError)
			}
		})
		if err := s.Sync.Subscribe(ctx, convID); err != nil {
			return err
		}

		if !watchConversation {
			sub, err := s.Presence.Observe(ctx, args[0], func(p *chatsync.Presence, online bool) {
				if online {
					fmt.Printf("* %s is online\n", p.UserID)
				} else if !p.LastSeen.IsZero() {
					fmt.Printf("* %s last seen %s\n", p.UserID, p.LastSeen.Local().Format(time.Kitchen))
				}
			})
			if err != nil {
				return err
			}
			defer sub.Close()
		}
		typingSub, err := s.Typing.Watch(ctx, convID, s.userID, func(users []string) {
			if len(users) > 0 {
				fmt.Printf("* %s typing...\n", strings.Join(users, ", "))
			}
		})
		if err != nil {
			return err
		}
		defer typingSub.Close()

		logger.Info().Str("conversation_id", convID).Msg("watching; press Ctrl-C to stop")
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-receipts:
				if !watchReceipts {
					continue
				}
				if err := s.Sync.MarkDelivered(ctx, convID, s.userID); err != nil {
					logger.Warn().Err(err).Msg("delivery receipts failed")
				}
				if err := s.Sync.MarkRead(ctx, convID, s.userID); err != nil {
					logger.Warn().Err(err).Msg("read receipts failed")
				}
			}
		}
	},
}

func printMessage(self string, m *chatsync.Message) {
	if m.HiddenForUser(self) && !m.DeletedForEveryone {
		return
	}
	body := m.Content
	switch {
	case m.DeletedForEveryone:
		body = "(deleted)"
	case m.Type != chatsync.TypeText:
		body = fmt.Sprintf("[%s] %s %s", m.Type, m.MediaURL, m.Content)
	}
	marker := ""
	if m.SenderID == self {
		marker = " (" + string(m.Status) + ")"
	}
	fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderID, body, marker)
}
