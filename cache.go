package chatsync

import (
	"sync"
)

// LocalCache persists messages on the device. Only the SyncEngine writes to
// it. Implementations return copies; callers own what they get back.
type LocalCache interface {
	GetMessage(id string) (*Message, error)
	PutMessages(msgs []*Message) error
	DeleteMessage(id string) error
	// Messages returns a conversation's messages by creation time, then id.
	Messages(conversationID string) ([]*Message, error)
	// Pending returns queued and sending messages by creation time, then id.
	Pending() ([]*Message, error)
	Close() error
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory LocalCache.
type MemoryCache struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{messages: make(map[string]*Message)}
}

// GetMessage returns nil, nil when id is unknown.
func (c *MemoryCache) GetMessage(id string) (*Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages[id].Clone(), nil
}

func (c *MemoryCache) PutMessages(msgs []*Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.messages[m.ID] = m.Clone()
	}
	return nil
}

func (c *MemoryCache) DeleteMessage(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, id)
	return nil
}

func (c *MemoryCache) Messages(conversationID string) ([]*Message, error) {
	return c.filter(func(m *Message) bool { return m.ConversationID == conversationID }), nil
}

func (c *MemoryCache) Pending() ([]*Message, error) {
	return c.filter(func(m *Message) bool { return m.Status.Pending() }), nil
}

func (c *MemoryCache) filter(keep func(*Message) bool) []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []*Message
	for _, m := range c.messages {
		if keep(m) {
			result = append(result, m.Clone())
		}
	}
	sortMessages(result)
	return result
}

func (c *MemoryCache) Close() error { return nil }
