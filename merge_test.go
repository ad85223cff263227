package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMergeMessage(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	base := func() *Message {
		return &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", Type: TypeText, CreatedAt: at}
	}
	with := func(fn func(m *Message)) *Message {
		m := base()
		fn(m)
		return m
	}

	tests := []struct {
		name     string
		local    *Message
		incoming *Message
		want     *Message
		outcome  mergeOutcome
	}{
		{
			name:     "insert",
			incoming: with(func(m *Message) { m.Status = StatusQueued; m.ReadBy = []string{"b", "a", "b"} }),
			want:     with(func(m *Message) { m.Status = StatusQueued; m.ReadBy = []string{"a", "b"} }),
			outcome:  outcomeInserted,
		},
		{
			name:     "status advances",
			local:    with(func(m *Message) { m.Status = StatusSending }),
			incoming: with(func(m *Message) { m.Status = StatusSent }),
			want:     with(func(m *Message) { m.Status = StatusSent }),
			outcome:  outcomeUpdated,
		},
		{
			name:     "status never regresses",
			local:    with(func(m *Message) { m.Status = StatusRead }),
			incoming: with(func(m *Message) { m.Status = StatusDelivered }),
			want:     with(func(m *Message) { m.Status = StatusRead }),
			outcome:  outcomeUnchanged,
		},
		{
			name:     "sent clears a stale error",
			local:    with(func(m *Message) { m.Status = StatusQueued; m.LastError = "timeout"; m.Attempts = 2 }),
			incoming: with(func(m *Message) { m.Status = StatusSent }),
			want:     with(func(m *Message) { m.Status = StatusSent; m.Attempts = 2 }),
			outcome:  outcomeUpdated,
		},
		{
			name:     "identity is immutable",
			local:    with(func(m *Message) { m.Status = StatusSent }),
			incoming: with(func(m *Message) { m.Status = StatusSent; m.SenderID = "mallory"; m.ConversationID = "c9"; m.CreatedAt = at.Add(time.Hour) }),
			want:     with(func(m *Message) { m.Status = StatusSent }),
			outcome:  outcomeUnchanged,
		},
		{
			name:     "receipt sets grow",
			local:    with(func(m *Message) { m.Status = StatusSent; m.ReadBy = []string{"bob"}; m.HiddenFor = []string{"carol"} }),
			incoming: with(func(m *Message) { m.Status = StatusSent; m.ReadBy = []string{"dave"} }),
			want:     with(func(m *Message) { m.Status = StatusSent; m.ReadBy = []string{"bob", "dave"}; m.HiddenFor = []string{"carol"} }),
			outcome:  outcomeUpdated,
		},
		{
			name:     "deleted for everyone is sticky",
			local:    with(func(m *Message) { m.Status = StatusSent; m.DeletedForEveryone = true; m.Content = "" }),
			incoming: with(func(m *Message) { m.Status = StatusSent; m.Content = "resurrected" }),
			want:     with(func(m *Message) { m.Status = StatusSent; m.DeletedForEveryone = true; m.Content = "" }),
			outcome:  outcomeUnchanged,
		},
		{
			name:     "reactions replaced when present",
			local:    with(func(m *Message) { m.Status = StatusSent; m.Reactions = map[string][]string{"heart": {"bob"}} }),
			incoming: with(func(m *Message) { m.Status = StatusSent; m.Reactions = map[string][]string{"laugh": {"carol"}} }),
			want:     with(func(m *Message) { m.Status = StatusSent; m.Reactions = map[string][]string{"laugh": {"carol"}} }),
			outcome:  outcomeUpdated,
		},
		{
			name:     "reactions kept when absent",
			local:    with(func(m *Message) { m.Status = StatusSent; m.Reactions = map[string][]string{"heart": {"bob"}} }),
			incoming: with(func(m *Message) { m.Status = StatusSent }),
			want:     with(func(m *Message) { m.Status = StatusSent; m.Reactions = map[string][]string{"heart": {"bob"}} }),
			outcome:  outcomeUnchanged,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := mergeMessage(tt.local, tt.incoming)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, normalized(tt.want), normalized(got))
		})
	}
}

func TestMergeMessage_Idempotent(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	local := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", Status: StatusSending, CreatedAt: at}
	remote := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", Status: StatusDelivered, CreatedAt: at, ReadBy: []string{"bob"}}

	once, _ := mergeMessage(local, remote)
	twice, outcome := mergeMessage(once, remote)
	assert.Equal(t, outcomeUnchanged, outcome)
	assert.Equal(t, normalized(once), normalized(twice))
}

func TestMergeMessage_OrderIndependent(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	optimistic := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", Type: TypeText, Status: StatusSending, CreatedAt: at}
	echo := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", Type: TypeText, Status: StatusSent, CreatedAt: at}

	localFirst, _ := mergeMessage(nil, optimistic)
	localFirst, _ = mergeMessage(localFirst, echo)
	remoteFirst, _ := mergeMessage(nil, echo)
	remoteFirst, _ = mergeMessage(remoteFirst, optimistic)

	assert.Equal(t, StatusSent, localFirst.Status)
	assert.Equal(t, normalized(localFirst), normalized(remoteFirst))
}
