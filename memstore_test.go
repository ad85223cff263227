package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(at time.Time) MemoryStoreOption {
	return WithClock(func() time.Time { return at })
}

func TestMemoryStore_Transforms(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(fixedClock(at))

	require.NoError(t, s.Set(ctx, "typing", "c1", map[string]any{
		"users":           ArrayUnion("alice", "bob"),
		"updatedAt.alice": ServerTimestamp(),
	}, true))
	require.NoError(t, s.Update(ctx, "typing", "c1", map[string]any{
		"users":           ArrayRemove("alice"),
		"updatedAt.alice": DeleteField(),
		"updatedAt.bob":   ServerTimestamp(),
	}))

	doc, err := s.Get(ctx, "typing", "c1")
	require.NoError(t, err)
	assert.Equal(t, []any{"bob"}, doc.Data["users"])
	assert.Equal(t, map[string]any{"bob": at}, doc.Data["updatedAt"])
	assert.Equal(t, at, doc.UpdateTime)

	// a non-merge set replaces the document
	require.NoError(t, s.Set(ctx, "typing", "c1", map[string]any{"users": []any{}}, false))
	doc, err = s.Get(ctx, "typing", "c1")
	require.NoError(t, err)
	assert.NotContains(t, doc.Data, "updatedAt")
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "messages", "nope")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(s.Update(ctx, "messages", "nope", map[string]any{"x": 1})))
	assert.True(t, IsMalformed(s.Batch(ctx, []Write{{Kind: WriteSet, Collection: "messages"}})))
	assert.True(t, IsMalformed(s.Batch(ctx, []Write{{Kind: "upsert", Collection: "messages", ID: "m1"}})))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Set(cancelled, "messages", "m1", map[string]any{}, false), context.Canceled)

	require.NoError(t, s.Close())
	assert.True(t, IsTransient(s.Set(ctx, "messages", "m1", map[string]any{}, false)))
}

func TestMemoryStore_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "conversations", "c1", map[string]any{"n": 1}, false))

	err := s.Batch(ctx, []Write{
		{Kind: WriteSet, Collection: "messages", ID: "m1", Data: map[string]any{"content": "a"}},
		{Kind: WriteUpdate, Collection: "conversations", ID: "c1", Data: map[string]any{"n": 2}},
		{Kind: WriteUpdate, Collection: "conversations", ID: "missing", Data: map[string]any{"n": 3}},
	})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = s.Get(ctx, "messages", "m1")
	assert.True(t, IsNotFound(err))
	doc, err := s.Get(ctx, "conversations", "c1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc.Data["n"])

	// later writes in a batch see earlier ones
	require.NoError(t, s.Batch(ctx, []Write{
		{Kind: WriteSet, Collection: "messages", ID: "m1", Data: map[string]any{"content": "a"}},
		{Kind: WriteUpdate, Collection: "messages", ID: "m1", Data: map[string]any{"readBy": ArrayUnion("bob")}},
	}))
	doc, err = s.Get(ctx, "messages", "m1")
	require.NoError(t, err)
	assert.Equal(t, []any{"bob"}, doc.Data["readBy"])
}

func TestMemoryStore_QueryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Set(ctx, "conversations", id, map[string]any{
			"participants":  []any{"alice", id},
			"lastMessageAt": t0.Add(time.Duration(i) * time.Minute),
		}, false))
	}
	require.NoError(t, s.Set(ctx, "conversations", "z", map[string]any{"participants": []any{"bob"}}, false))

	q := Query{Collection: "conversations", OrderBy: "lastMessageAt", Descending: true}.
		Where("participants", OpArrayContains, "alice")
	docs, err := s.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, docIDs(docs))

	q.Limit = 2
	docs, err = s.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, docIDs(docs))

	docs, err = s.Query(ctx, Query{Collection: "conversations"}.Where("participants", OpEqual, "alice"))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemoryStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "messages", "m1", map[string]any{"conversationId": "c1"}, false))

	var mu sync.Mutex
	var got []Change
	sub, err := s.Subscribe(ctx, Query{Collection: "messages"}.Where("conversationId", OpEqual, "c1"), func(ch Change) {
		mu.Lock()
		got = append(got, ch)
		mu.Unlock()
		if ch.Doc.ID == "boom" {
			panic("handler bug")
		}
	})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "messages", "boom", map[string]any{"conversationId": "c1"}, false))
	require.NoError(t, s.Update(ctx, "messages", "m1", map[string]any{"content": "edited"}))
	require.NoError(t, s.Update(ctx, "messages", "m1", map[string]any{"conversationId": "c2"}))
	require.NoError(t, s.Set(ctx, "messages", "other", map[string]any{"conversationId": "c9"}, false))
	require.NoError(t, s.Delete(ctx, "messages", "boom"))

	kinds := func() []string {
		mu.Lock()
		defer mu.Unlock()
		var out []string
		for _, ch := range got {
			out = append(out, string(ch.Kind)+":"+ch.Doc.ID)
		}
		return out
	}
	want := []string{"added:m1", "added:boom", "modified:m1", "removed:m1", "removed:boom"}
	require.Eventually(t, func() bool { return len(kinds()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, kinds())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, s.Set(ctx, "messages", "late", map[string]any{"conversationId": "c1"}, false))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, kinds(), len(want))
}

func TestMemoryStore_SubscribeEndsWithContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	n := 0
	_, err := s.Subscribe(ctx, Query{Collection: "messages"}, func(Change) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.subs) == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Set(context.Background(), "messages", "m1", map[string]any{}, false))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, n)
	mu.Unlock()
}

func docIDs(docs []Document) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids
}
