package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

var (
	sendMedia        string
	sendType         string
	sendConversation bool
	sendTimeout      time.Duration
	sendJSON         bool
)

func init() {
	sendCmd.Flags().StringVar(&sendMedia, "media", "", "Media URL for image, video or audio messages")
	sendCmd.Flags().StringVar(&sendType, "type", "text", "Message type: text, image, video, audio")
	sendCmd.Flags().BoolVar(&sendConversation, "conversation", false, "Treat <peer> as a conversation id")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "How long to wait for delivery")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the stored message as JSON")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> [text...]",
	Short: "Send a message",
	Long: "Queue a message for <peer> in the local outbox and wait for delivery.\n" +
		"Offline, the message stays queued and is delivered by the next 'chatsync sync' or 'chatsync watch'.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		convID, err := resolveConversation(ctx, s, args[0], sendConversation)
		if err != nil {
			return err
		}
		m, err := s.Sync.QueueMessage(ctx, &chatsync.Message{
			ConversationID: convID,
			SenderID:       s.userID,
			Content:        strings.Join(args[1:], " "),
			Type:           chatsync.MessageType(sendType),
			MediaURL:       sendMedia,
		})
		if err != nil {
			return err
		}

		status := m.Status
		if s.Connectivity.Connected() {
			status = waitSettled(ctx, s, m.ID)
		}
		if sendJSON {
			stored, err := s.Cache.GetMessage(m.ID)
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(stored, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		switch {
		case status == chatsync.StatusFailed:
			stored, _ := s.Cache.GetMessage(m.ID)
			reason := ""
			if stored != nil {
				reason = stored.LastError
			}
			return fmt.Errorf("message %s failed: %s (retry with 'chatsync resend %s')", m.ID, reason, m.ID)
		case status.Pending():
			fmt.Printf("Message %s queued; it will be delivered when the gateway is reachable.\n", m.ID)
		default:
			fmt.Printf("Message %s %s.\n", m.ID, status)
		}
		return nil
	},
}

// resolveConversation returns the one-to-one conversation with peer, or peer
// itself when it already names a conversation.
func resolveConversation(ctx context.Context, s *session, peer string, isConversation bool) (string, error) {
	if isConversation {
		return peer, nil
	}
	c, err := s.Directory.FindOrCreate(ctx, s.userID, peer)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}
