package chatsync

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-process RemoteStore with live change
// feeds. It backs tests and the development gateway.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*Document
	subs        map[*memSubscription]struct{}
	now         func() time.Time
	closed      bool
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock sets the clock used for server timestamps.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		collections: make(map[string]map[string]*Document),
		subs:        make(map[*memSubscription]struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, NewStoreError(CodeNotFound, "get", collection+"/"+id, nil)
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLocked(q), nil
}

func (s *MemoryStore) queryLocked(q Query) []Document {
	var docs []Document
	for _, doc := range s.collections[q.Collection] {
		if q.Matches(doc.Data) {
			docs = append(docs, *cloneDocument(doc))
		}
	}
	return q.Apply(docs)
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	kind := WriteSet
	if merge {
		kind = WriteMerge
	}
	return s.Batch(ctx, []Write{{Kind: kind, Collection: collection, ID: id, Data: data}})
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.Batch(ctx, []Write{{Kind: WriteUpdate, Collection: collection, ID: id, Data: fields}})
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	return s.Batch(ctx, []Write{{Kind: WriteDelete, Collection: collection, ID: id}})
}

// Batch stages every write against copies and commits only when all of them
// succeed.
func (s *MemoryStore) Batch(ctx context.Context, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewStoreError(CodeUnavailable, "batch", "store closed", nil)
	}

	type key struct{ collection, id string }
	now := s.now()
	staged := make(map[key]*Document)
	before := make(map[key]*Document)
	var order []key

	lookup := func(k key) *Document {
		if d, ok := staged[k]; ok {
			return d
		}
		d := s.collections[k.collection][k.id]
		before[k] = d
		order = append(order, k)
		return cloneDocument(d)
	}

	for _, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return NewStoreError(CodeMalformed, "batch", "write without collection or id", nil)
		}
		k := key{w.Collection, w.ID}
		cur := lookup(k)
		switch w.Kind {
		case WriteSet:
			cur = &Document{ID: w.ID, Collection: w.Collection, Data: map[string]any{}}
			ApplyFields(cur.Data, w.Data, now)
		case WriteMerge:
			if cur == nil {
				cur = &Document{ID: w.ID, Collection: w.Collection, Data: map[string]any{}}
			}
			ApplyFields(cur.Data, w.Data, now)
		case WriteUpdate:
			if cur == nil {
				return NewStoreError(CodeNotFound, "update", w.Collection+"/"+w.ID, nil)
			}
			ApplyFields(cur.Data, w.Data, now)
		case WriteDelete:
			cur = nil
		default:
			return NewStoreError(CodeMalformed, "batch", "unknown write kind "+string(w.Kind), nil)
		}
		if cur != nil {
			cur.UpdateTime = now
		}
		staged[k] = cur
	}

	for _, k := range order {
		doc := staged[k]
		coll := s.collections[k.collection]
		if coll == nil {
			coll = make(map[string]*Document)
			s.collections[k.collection] = coll
		}
		if doc == nil {
			delete(coll, k.id)
		} else {
			coll[k.id] = doc
		}
		s.notifyLocked(k.collection, before[k], doc)
	}
	return nil
}

// Subscribe delivers the current result set as added changes, then every
// later change to matching documents.
func (s *MemoryStore) Subscribe(ctx context.Context, q Query, fn ChangeHandler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newMemSubscription(q, fn)
	sub.unregister = func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
	s.mu.Lock()
	for _, doc := range s.queryLocked(q) {
		sub.push(Change{Kind: ChangeAdded, Doc: doc})
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Close ends every subscription and rejects further writes.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*memSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (s *MemoryStore) notifyLocked(collection string, before, after *Document) {
	for sub := range s.subs {
		if sub.query.Collection != collection {
			continue
		}
		was := before != nil && sub.query.Matches(before.Data)
		is := after != nil && sub.query.Matches(after.Data)
		switch {
		case !was && is:
			sub.push(Change{Kind: ChangeAdded, Doc: *cloneDocument(after)})
		case was && is:
			sub.push(Change{Kind: ChangeModified, Doc: *cloneDocument(after)})
		case was && !is:
			doc := before
			if after != nil {
				doc = after
			}
			sub.push(Change{Kind: ChangeRemoved, Doc: *cloneDocument(doc)})
		}
	}
}

func cloneDocument(d *Document) *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Data = CloneData(d.Data)
	return &c
}

// ── Subscription ─────────────────────────────────────────

type memSubscription struct {
	query      Query
	fn         ChangeHandler
	mu         sync.Mutex
	queue      []Change
	signal     chan struct{}
	done       chan struct{}
	once       sync.Once
	unregister func()
}

func newMemSubscription(q Query, fn ChangeHandler) *memSubscription {
	return &memSubscription{
		query:  q,
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *memSubscription) push(c Change) {
	m.mu.Lock()
	m.queue = append(m.queue, c)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *memSubscription) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			c := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			m.deliver(c)
		}
	}
}

func (m *memSubscription) deliver(c Change) {
	defer func() { recover() }() // swallow panics in user callbacks
	m.fn(c)
}

func (m *memSubscription) Close() error {
	m.once.Do(func() {
		close(m.done)
		if m.unregister != nil {
			m.unregister()
		}
	})
	return nil
}
