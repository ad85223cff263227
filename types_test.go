package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStatus_Advance(t *testing.T) {
	tests := []struct {
		from, next, want MessageStatus
	}{
		{StatusQueued, StatusSending, StatusSending},
		{StatusSending, StatusSent, StatusSent},
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusDelivered, StatusRead, StatusRead},
		{StatusQueued, StatusRead, StatusRead},
		{StatusSending, StatusQueued, StatusSending},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusDelivered, StatusSent, StatusDelivered},
		{StatusQueued, StatusFailed, StatusFailed},
		{StatusSending, StatusFailed, StatusFailed},
		{StatusSent, StatusFailed, StatusSent},
		{StatusFailed, StatusQueued, StatusFailed},
		{StatusFailed, StatusSending, StatusFailed},
		{StatusFailed, StatusSent, StatusSent},
		{StatusFailed, StatusRead, StatusRead},
		{StatusSent, "bogus", StatusSent},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"→"+string(tt.next), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.Advance(tt.next))
		})
	}
}

func TestMessageStatus_Pending(t *testing.T) {
	assert.True(t, StatusQueued.Pending())
	assert.True(t, StatusSending.Pending())
	for _, s := range []MessageStatus{StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		assert.False(t, s.Pending(), s)
	}
	assert.False(t, MessageStatus("").Valid())
}

func TestMessage_DocumentOmitsRecipientFields(t *testing.T) {
	m := &Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", Type: TypeImage,
		MediaURL: "https://cdn.example/a.png", Status: StatusSending,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600)),
		ReadBy:    []string{"bob"}, Attempts: 2, LastError: "x",
	}
	doc := m.document()
	assert.Equal(t, map[string]any{
		"id":             "m1",
		"conversationId": "c1",
		"senderId":       "alice",
		"content":        "hi",
		"type":           "image",
		"mediaUrl":       "https://cdn.example/a.png",
		"createdAt":      m.CreatedAt.UTC(),
	}, doc)
}

func TestMessage_Clone(t *testing.T) {
	m := &Message{ID: "m1", ReadBy: []string{"a"}, Reactions: map[string][]string{"heart": {"b"}}}
	c := m.Clone()
	c.ReadBy[0] = "z"
	c.Reactions["heart"][0] = "z"
	assert.Equal(t, "a", m.ReadBy[0])
	assert.Equal(t, "b", m.Reactions["heart"][0])
	assert.Nil(t, (*Message)(nil).Clone())
}

func TestPresence_IsOnline(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		p    Presence
		want bool
	}{
		{"fresh", Presence{Online: true, LastHeartbeat: now.Add(-10 * time.Second)}, true},
		{"stale", Presence{Online: true, LastHeartbeat: now.Add(-time.Minute)}, false},
		{"never beat", Presence{Online: true}, false},
		{"hidden", Presence{Online: false, LastHeartbeat: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.IsOnline(now, 45*time.Second))
		})
	}
	assert.True(t, (&Presence{Online: true}).IsOnline(now, 0))
}

func TestTypingRecord_ActiveUsers(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &TypingRecord{
		Users: []string{"carol", "alice", "bob", "dave"},
		UpdatedAt: map[string]time.Time{
			"alice": now.Add(-time.Second),
			"bob":   now.Add(-time.Second),
			"dave":  now.Add(-time.Minute),
		},
	}
	assert.Equal(t, []string{"bob", "carol"}, r.ActiveUsers(now, 6*time.Second, "alice"))
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, r.ActiveUsers(now, 0, ""))
}

func TestConversation_Membership(t *testing.T) {
	c := &Conversation{Participants: []string{"alice", "bob"}, UnreadBy: []string{"bob"}}
	assert.True(t, c.isDirectPair("bob", "alice"))
	assert.False(t, c.isDirectPair("alice", "carol"))
	assert.True(t, c.IsUnreadFor("bob"))
	assert.False(t, c.IsUnreadFor("alice"))

	c.IsGroup = true
	assert.False(t, c.isDirectPair("alice", "bob"))
}

func TestParseConversation(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c, err := ParseConversation(Document{ID: "c1", Data: map[string]any{
		"participants":  []any{"alice", "bob"},
		"unreadBy":      []any{"bob"},
		"createdAt":     at.Format(time.RFC3339Nano),
		"lastMessageAt": float64(at.UnixMilli()),
		"lastReadAt":    map[string]any{"alice": at},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, c.Participants)
	assert.True(t, at.Equal(c.CreatedAt))
	assert.True(t, at.Equal(c.LastMessageAt))
	assert.True(t, at.Equal(c.LastReadAt["alice"]))

	_, err = ParseConversation(Document{ID: "c2", Data: map[string]any{"participants": []any{}}})
	assert.True(t, IsMalformed(err))
	_, err = ParseConversation(Document{ID: "c3", Data: map[string]any{"participants": []any{"a"}, "unreadBy": "a"}})
	assert.True(t, IsMalformed(err))
}

func TestParsePresenceAndTyping(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p, err := ParsePresence(Document{ID: "alice", Data: map[string]any{"online": true, "lastHeartbeat": at}})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.Online)
	assert.Equal(t, at, p.LastHeartbeat)

	r, err := ParseTyping(Document{ID: "c1", Data: map[string]any{"users": []any{"bob"}, "updatedAt": map[string]any{"bob": at}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, r.Users)
	assert.Equal(t, at, r.UpdatedAt["bob"])

	_, err = ParseTyping(Document{ID: "c1", Data: map[string]any{"users": []any{1}}})
	assert.True(t, IsMalformed(err))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name                          string
		err                           error
		transient, permission, absent bool
	}{
		{"unavailable", NewStoreError(CodeUnavailable, "get", "down", nil), true, false, false},
		{"permission", NewStoreError(CodePermissionDenied, "get", "no", nil), false, true, false},
		{"not found", NewStoreError(CodeNotFound, "get", "x", nil), false, false, true},
		{"deadline", context.DeadlineExceeded, true, false, false},
		{"canceled", context.Canceled, false, false, false},
		{"unclassified", assert.AnError, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.permission, IsPermission(tt.err))
			assert.Equal(t, tt.absent, IsNotFound(tt.err))
		})
	}
	assert.ErrorIs(t, NewStoreError(CodeNotFound, "get", "messages/m1", nil), ErrNotFound)
	assert.Equal(t, "get: NOT_FOUND: messages/m1", NewStoreError(CodeNotFound, "get", "messages/m1", nil).Error())
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	for attempt := 0; attempt < 3; attempt++ {
		d := b.Delay(attempt)
		floor := b.Base << attempt
		assert.GreaterOrEqual(t, d, floor)
		assert.LessOrEqual(t, d, floor+b.Base/2)
	}
	assert.Equal(t, time.Second, b.Delay(10))
	assert.Zero(t, Backoff{}.Delay(3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Backoff{Base: time.Hour}.Sleep(ctx, 0), context.Canceled)
}
