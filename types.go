package chatsync

import (
	"sort"
	"time"
)

// ============================================================================
// Collections
// ============================================================================

// Remote collection names shared by every component.
const (
	CollectionMessages      = "messages"
	CollectionConversations = "conversations"
	CollectionPresence      = "presence"
	CollectionTyping        = "typing"
)

// ============================================================================
// Message
// ============================================================================

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusFailed:
		return 0
	case StatusQueued:
		return 1
	case StatusSending:
		return 2
	case StatusSent:
		return 3
	case StatusDelivered:
		return 4
	case StatusRead:
		return 5
	}
	return -1
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool { return s.rank() >= 0 }

// Pending reports whether the message still waits in the outbox.
func (s MessageStatus) Pending() bool { return s == StatusQueued || s == StatusSending }

// Advance returns the status a message in state s holds after observing next.
// Statuses only move forward along queued→sending→sent→delivered→read.
// Failed is reachable only from a pending state, and a failed message moves
// again only when the store confirms it (sent or later).
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	switch {
	case !next.Valid():
		return s
	case next == StatusFailed:
		if s.Pending() {
			return StatusFailed
		}
		return s
	case s == StatusFailed:
		if next.rank() >= StatusSent.rank() {
			return next
		}
		return s
	case next.rank() > s.rank():
		return next
	}
	return s
}

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
)

func (t MessageType) valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio:
		return true
	}
	return false
}

// Message is a chat message as held in the local cache.
//
// ID is assigned on the client at creation and never changes; it is the
// idempotence key for every merge.
type Message struct {
	ID                 string              `json:"id"`
	ConversationID     string              `json:"conversationId"`
	SenderID           string              `json:"senderId"`
	Content            string              `json:"content"`
	Type               MessageType         `json:"type"`
	MediaURL           string              `json:"mediaUrl,omitempty"`
	Status             MessageStatus       `json:"status"`
	CreatedAt          time.Time           `json:"createdAt"`
	ReadBy             []string            `json:"readBy,omitempty"`
	Reactions          map[string][]string `json:"reactions,omitempty"`
	HiddenFor          []string            `json:"hiddenFor,omitempty"`
	DeletedForEveryone bool                `json:"deletedForEveryone,omitempty"`

	// Local bookkeeping, never written to the remote store.
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	c.HiddenFor = append([]string(nil), m.HiddenFor...)
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// HiddenForUser reports whether userID removed the message from their view.
func (m *Message) HiddenForUser(userID string) bool {
	return m.DeletedForEveryone || contains(m.HiddenFor, userID)
}

// document renders the fields a sender owns. Status, receipts, reactions and
// deletion flags are left out so that a retried merge-write never rolls back
// what recipients wrote in between; a document without a status reads as
// sent.
func (m *Message) document() map[string]any {
	d := map[string]any{
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"content":        m.Content,
		"type":           string(m.Type),
		"createdAt":      m.CreatedAt.UTC(),
	}
	if m.MediaURL != "" {
		d["mediaUrl"] = m.MediaURL
	}
	return d
}

// sortMessages orders by creation time, then id, so both delivery paths
// produce the same timeline.
func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is a one-to-one or group thread with denormalized
// last-message metadata for inbox rendering.
type Conversation struct {
	ID                string               `json:"id"`
	Participants      []string             `json:"participants"`
	IsGroup           bool                 `json:"isGroup"`
	Name              string               `json:"name,omitempty"`
	CreatedBy         string               `json:"createdBy,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	LastMessageText   string               `json:"lastMessageText,omitempty"`
	LastMessageAt     time.Time            `json:"lastMessageAt,omitempty"`
	LastMessageSender string               `json:"lastMessageSender,omitempty"`
	LastMessageID     string               `json:"lastMessageId,omitempty"`
	UnreadBy          []string             `json:"unreadBy,omitempty"`
	LastReadAt        map[string]time.Time `json:"lastReadAt,omitempty"`
}

// IsUnreadFor reports whether userID has not seen the latest message.
func (c *Conversation) IsUnreadFor(userID string) bool {
	return contains(c.UnreadBy, userID)
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	return contains(c.Participants, userID)
}

// isDirectPair reports whether c is the one-to-one thread of a and b.
func (c *Conversation) isDirectPair(a, b string) bool {
	if c.IsGroup || len(c.Participants) != 2 {
		return false
	}
	return c.HasParticipant(a) && c.HasParticipant(b)
}

// ============================================================================
// Presence
// ============================================================================

// Presence is the liveness record of a user. Online already includes the
// user's privacy choice.
type Presence struct {
	UserID        string    `json:"userId"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
	LastSeen      time.Time `json:"lastSeen,omitempty"`
}

// IsOnline reports whether the user is online and heartbeated within
// staleAfter of now. A zero staleAfter trusts the stored flag.
func (p *Presence) IsOnline(now time.Time, staleAfter time.Duration) bool {
	if !p.Online {
		return false
	}
	if staleAfter <= 0 {
		return true
	}
	return !p.LastHeartbeat.IsZero() && now.Sub(p.LastHeartbeat) <= staleAfter
}

// ============================================================================
// Typing
// ============================================================================

// TypingRecord holds who is typing in a conversation and when each user
// last refreshed.
type TypingRecord struct {
	ConversationID string               `json:"conversationId"`
	Users          []string             `json:"users"`
	UpdatedAt      map[string]time.Time `json:"updatedAt,omitempty"`
}

// ActiveUsers returns the typing users other than exclude whose last refresh
// is within ttl of now. Entries without a timestamp are kept.
func (r *TypingRecord) ActiveUsers(now time.Time, ttl time.Duration, exclude string) []string {
	var out []string
	for _, u := range r.Users {
		if u == exclude {
			continue
		}
		if at, ok := r.UpdatedAt[u]; ok && ttl > 0 && now.Sub(at) > ttl {
			continue
		}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
