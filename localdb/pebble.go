// Package localdb is a durable chatsync.LocalCache on Pebble, so queued
// messages survive a process restart.
package localdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"

	"github.com/prismer-ai/chatsync"
)

// Key layout:
//
//	msg/<id>                             message JSON
//	conv/<conversationID>/<nanos>/<id>   empty, display-order index
//	pend/<nanos>/<id>                    empty, present while queued or sending
const (
	prefixMsg     = "msg/"
	prefixConv    = "conv/"
	prefixPending = "pend/"
)

// Cache implements chatsync.LocalCache.
type Cache struct {
	db  *pebble.DB
	log zerolog.Logger

	// PutMessages reads old index keys before rewriting them
	mu sync.Mutex
}

var _ chatsync.LocalCache = (*Cache)(nil)

// Open opens (or creates) a cache at path.
func Open(path string, log zerolog.Logger) (*Cache, error) {
	log.Info().Str("path", path).Msg("opening local cache")
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &Cache{db: db, log: log}, nil
}

// OpenInMemory opens a cache that lives only in memory.
func OpenInMemory(log zerolog.Logger) (*Cache, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open in-memory pebble: %w", err)
	}
	return &Cache{db: db, log: log}, nil
}

func msgKey(id string) []byte { return []byte(prefixMsg + id) }

func convKey(m *chatsync.Message) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefixConv, m.ConversationID, m.CreatedAt.UnixNano(), m.ID))
}

func pendingKey(m *chatsync.Message) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixPending, m.CreatedAt.UnixNano(), m.ID))
}

// GetMessage returns nil, nil when id is unknown.
func (c *Cache) GetMessage(id string) (*chatsync.Message, error) {
	return c.get(id)
}

func (c *Cache) get(id string) (*chatsync.Message, error) {
	v, closer, err := c.db.Get(msgKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	defer closer.Close()
	var m chatsync.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &m, nil
}

// PutMessages writes msgs and their index entries in one synced batch.
func (c *Cache) PutMessages(msgs []*chatsync.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.db.NewBatch()
	defer b.Close()
	for _, m := range msgs {
		old, err := c.get(m.ID)
		if err != nil {
			return err
		}
		if old != nil {
			if err := deleteIndexes(b, old); err != nil {
				return err
			}
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if err := b.Set(msgKey(m.ID), data, nil); err != nil {
			return err
		}
		if err := b.Set(convKey(m), nil, nil); err != nil {
			return err
		}
		if m.Status.Pending() {
			if err := b.Set(pendingKey(m), nil, nil); err != nil {
				return err
			}
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		c.log.Error().Err(err).Int("count", len(msgs)).Msg("cache commit failed")
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func deleteIndexes(b *pebble.Batch, m *chatsync.Message) error {
	if err := b.Delete(convKey(m), nil); err != nil {
		return err
	}
	return b.Delete(pendingKey(m), nil)
}

func (c *Cache) DeleteMessage(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, err := c.get(id)
	if err != nil || old == nil {
		return err
	}
	b := c.db.NewBatch()
	defer b.Close()
	if err := deleteIndexes(b, old); err != nil {
		return err
	}
	if err := b.Delete(msgKey(id), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Messages returns a conversation's messages by creation time, then id.
func (c *Cache) Messages(conversationID string) ([]*chatsync.Message, error) {
	return c.scan(prefixConv + conversationID + "/")
}

// Pending returns queued and sending messages by creation time, then id.
func (c *Cache) Pending() ([]*chatsync.Message, error) {
	return c.scan(prefixPending)
}

// scan resolves every index key under prefix to its message. The id is the
// last path segment of the key.
func (c *Cache) scan(prefix string) ([]*chatsync.Message, error) {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*chatsync.Message
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		id := key[strings.LastIndexByte(key, '/')+1:]
		m, err := c.get(id)
		if err != nil {
			return nil, err
		}
		if m == nil {
			c.log.Warn().Str("key", key).Msg("dangling index entry")
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close pebble: %w", err)
	}
	return nil
}
