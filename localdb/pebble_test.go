package localdb

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismer-ai/chatsync"
)

func openTest(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenInMemory(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func msg(id, conv string, at time.Time, status chatsync.MessageStatus) *chatsync.Message {
	return &chatsync.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "alice",
		Content:        "hi " + id,
		Type:           chatsync.TypeText,
		Status:         status,
		CreatedAt:      at,
	}
}

func TestCache_GetUnknown(t *testing.T) {
	c := openTest(t)
	m, err := c.GetMessage("nope")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCache_OrderAndPending(t *testing.T) {
	c := openTest(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.PutMessages([]*chatsync.Message{
		msg("b", "c1", base.Add(2*time.Second), chatsync.StatusQueued),
		msg("a", "c1", base.Add(time.Second), chatsync.StatusSent),
		msg("z", "c1", base.Add(time.Second), chatsync.StatusSending),
		msg("x", "c2", base, chatsync.StatusQueued),
	}))

	list, err := c.Messages("c1")
	require.NoError(t, err)
	ids := make([]string, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"a", "z", "b"}, ids)

	pending, err := c.Pending()
	require.NoError(t, err)
	ids = ids[:0]
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"x", "z", "b"}, ids)
}

func TestCache_UpdateMovesIndexes(t *testing.T) {
	c := openTest(t)
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := msg("m1", "c1", at, chatsync.StatusQueued)
	require.NoError(t, c.PutMessages([]*chatsync.Message{m}))

	m.Status = chatsync.StatusSent
	m.ReadBy = []string{"bob"}
	require.NoError(t, c.PutMessages([]*chatsync.Message{m}))

	pending, err := c.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := c.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, chatsync.StatusSent, got.Status)
	assert.Equal(t, []string{"bob"}, got.ReadBy)
	assert.True(t, at.Equal(got.CreatedAt))

	list, err := c.Messages("c1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCache_Delete(t *testing.T) {
	c := openTest(t)
	at := time.Now().UTC()
	require.NoError(t, c.PutMessages([]*chatsync.Message{msg("m1", "c1", at, chatsync.StatusQueued)}))
	require.NoError(t, c.DeleteMessage("m1"))
	require.NoError(t, c.DeleteMessage("m1"))

	got, err := c.GetMessage("m1")
	require.NoError(t, err)
	assert.Nil(t, got)
	list, err := c.Messages("c1")
	require.NoError(t, err)
	assert.Empty(t, list)
	pending, err := c.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCache_BacksSyncEngine(t *testing.T) {
	c := openTest(t)
	remote := chatsync.NewMemoryStore()
	conn := chatsync.NewConnectivityMonitor(chatsync.PathStatus{Connected: false})
	dir := chatsync.NewDirectory(remote)
	engine := chatsync.NewSyncEngine(c, remote, conn, dir)
	defer engine.Close()

	stored, err := engine.QueueMessage(context.Background(), &chatsync.Message{ConversationID: "c1", SenderID: "alice", Content: "offline"})
	require.NoError(t, err)
	assert.Equal(t, chatsync.StatusQueued, stored.Status)
	assert.Equal(t, 1, engine.PendingCount())
}

func TestUpperBound(t *testing.T) {
	assert.Equal(t, []byte("pend0"), upperBound([]byte("pend/")))
	assert.Equal(t, []byte{0x02}, upperBound([]byte{0x01, 0xff}))
	assert.Nil(t, upperBound([]byte{0xff}))
}
