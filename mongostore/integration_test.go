//go:build integration

package mongostore_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismer-ai/chatsync"
	"github.com/prismer-ai/chatsync/mongostore"
)

// helpers ---------------------------------------------------------------

// mongoURI must point at a replica set; transactions and change streams
// need one.
func mongoURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("CHATSYNC_MONGO_URI_TEST")
	if uri == "" {
		t.Fatal("CHATSYNC_MONGO_URI_TEST environment variable is required")
	}
	return uri
}

func newStore(t *testing.T) *mongostore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := mongostore.Connect(ctx, mongoURI(t), uniqueName("chatsync_it"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// =======================================================================

func TestIntegration_SendOverMongo(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	dir := chatsync.NewDirectory(store)
	conv, err := dir.FindOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	again, err := dir.FindOrCreate(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	conn := chatsync.NewConnectivityMonitor(chatsync.PathStatus{Connected: true})
	engine := chatsync.NewSyncEngine(chatsync.NewMemoryCache(), store, conn, dir)
	defer engine.Close()

	var mu sync.Mutex
	var seen []string
	sub, err := store.Subscribe(ctx, chatsync.Query{Collection: chatsync.CollectionMessages}.
		Where("conversationId", chatsync.OpEqual, conv.ID), func(ch chatsync.Change) {
		mu.Lock()
		seen = append(seen, ch.Doc.ID)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	m, err := engine.QueueMessage(ctx, &chatsync.Message{ConversationID: conv.ID, SenderID: "alice", Content: "hello mongo"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := engine.Status(m.ID)
		return s == chatsync.StatusSent
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[0] == m.ID
	}, 10*time.Second, 50*time.Millisecond)

	got, err := dir.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello mongo", got.LastMessageText)
	assert.Equal(t, []string{"bob"}, got.UnreadBy)

	require.NoError(t, dir.MarkRead(ctx, conv.ID, "bob"))
	got, err = dir.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.UnreadBy)
	assert.False(t, got.LastReadAt["bob"].IsZero())
}

func TestIntegration_BatchRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	err := store.Batch(ctx, []chatsync.Write{
		{Kind: chatsync.WriteSet, Collection: "messages", ID: "m1", Data: map[string]any{"content": "a"}},
		{Kind: chatsync.WriteUpdate, Collection: "conversations", ID: "missing", Data: map[string]any{"x": 1}},
	})
	require.Error(t, err)
	assert.True(t, chatsync.IsNotFound(err))

	_, err = store.Get(ctx, "messages", "m1")
	assert.True(t, chatsync.IsNotFound(err))
}
