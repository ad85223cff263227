package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// faultStore wraps a MemoryStore and injects failures into writes.
type faultStore struct {
	*MemoryStore

	mu         sync.Mutex
	batchErrs  []error // consumed one per Batch call
	batchErr   error   // returned once batchErrs is empty
	setErr     error
	batches    int
	onBatch    func(writes []Write)
	setWrites  []map[string]any
	setTargets []string
}

func newFaultStore() *faultStore {
	return &faultStore{MemoryStore: NewMemoryStore()}
}

func (f *faultStore) failBatches(errs ...error) {
	f.mu.Lock()
	f.batchErrs = append(f.batchErrs, errs...)
	f.mu.Unlock()
}

func (f *faultStore) failAllBatches(err error) {
	f.mu.Lock()
	f.batchErr = err
	f.mu.Unlock()
}

func (f *faultStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func (f *faultStore) Batch(ctx context.Context, writes []Write) error {
	f.mu.Lock()
	f.batches++
	hook := f.onBatch
	var err error
	if len(f.batchErrs) > 0 {
		err, f.batchErrs = f.batchErrs[0], f.batchErrs[1:]
	} else {
		err = f.batchErr
	}
	f.mu.Unlock()
	if hook != nil {
		hook(writes)
	}
	if err != nil {
		return err
	}
	return f.MemoryStore.Batch(ctx, writes)
}

func (f *faultStore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	f.mu.Lock()
	err := f.setErr
	f.setWrites = append(f.setWrites, CloneData(data))
	f.setTargets = append(f.setTargets, collection+"/"+id)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	kind := WriteSet
	if merge {
		kind = WriteMerge
	}
	return f.Batch(ctx, []Write{{Kind: kind, Collection: collection, ID: id, Data: data}})
}

func (f *faultStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return f.Batch(ctx, []Write{{Kind: WriteUpdate, Collection: collection, ID: id, Data: fields}})
}

var (
	errUnavailable = NewStoreError(CodeUnavailable, "batch", "network down", nil)
	errDenied      = NewStoreError(CodePermissionDenied, "batch", "rules rejected write", nil)
)

// harness is alice's device in a conversation with bob.
type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *faultStore
	conn   *ConnectivityMonitor
	cache  *MemoryCache
	dir    *Directory
	engine *SyncEngine
	conv   *Conversation
}

func newHarness(t *testing.T, connected bool, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), store: newFaultStore(), cache: NewMemoryCache()}
	h.conn = NewConnectivityMonitor(PathStatus{Connected: connected, Class: ClassWifi})
	h.dir = NewDirectory(h.store)
	conv, err := h.dir.FindOrCreate(h.ctx, "alice", "bob")
	require.NoError(t, err)
	h.conv = conv
	opts = append([]Option{WithRetryDelay(time.Millisecond, 2*time.Millisecond)}, opts...)
	h.engine = NewSyncEngine(h.cache, h.store, h.conn, h.dir, opts...)
	t.Cleanup(func() { _ = h.engine.Close() })
	return h
}

func (h *harness) send(content string) *Message {
	h.t.Helper()
	m, err := h.engine.QueueMessage(h.ctx, &Message{ConversationID: h.conv.ID, SenderID: "alice", Content: content})
	require.NoError(h.t, err)
	return m
}

func (h *harness) status(id string) MessageStatus {
	s, _ := h.engine.Status(id)
	return s
}

func (h *harness) waitStatus(id string, want MessageStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.status(id) == want }, 2*time.Second, 5*time.Millisecond,
		"message %s never reached %s (now %s)", id, want, h.status(id))
}

func (h *harness) remoteConversation() *Conversation {
	h.t.Helper()
	doc, err := h.store.Get(h.ctx, CollectionConversations, h.conv.ID)
	require.NoError(h.t, err)
	c, err := ParseConversation(*doc)
	require.NoError(h.t, err)
	return c
}

// eventLog records engine events.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(event string, _ any) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func messageDoc(id string, extra map[string]any) Document {
	data := map[string]any{
		"id":             id,
		"conversationId": "c1",
		"senderId":       "bob",
		"content":        "hi",
		"type":           "text",
		"createdAt":      time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	for k, v := range extra {
		data[k] = v
	}
	return Document{ID: id, Collection: CollectionMessages, Data: data}
}

// hookCache is a MemoryCache that reports every write.
type hookCache struct {
	*MemoryCache

	mu    sync.Mutex
	onPut func(msgs []*Message)
}

func (c *hookCache) setOnPut(fn func(msgs []*Message)) {
	c.mu.Lock()
	c.onPut = fn
	c.mu.Unlock()
}

func (c *hookCache) PutMessages(msgs []*Message) error {
	if err := c.MemoryCache.PutMessages(msgs); err != nil {
		return err
	}
	c.mu.Lock()
	hook := c.onPut
	c.mu.Unlock()
	if hook != nil {
		hook(msgs)
	}
	return nil
}
