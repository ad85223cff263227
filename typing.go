package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	gen     uint64
	timer   *time.Timer
	limiter *rate.Limiter
}

// TypingCoordinator propagates a user's typing state per conversation. Each
// (conversation, user) pair has at most one pending expiry; a newer typing
// call replaces it. Remote failures are ignored.
type TypingCoordinator struct {
	remote  RemoteStore
	opts    Options
	log     zerolog.Logger
	metrics *Metrics

	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTypingCoordinator(remote RemoteStore, opts ...Option) *TypingCoordinator {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &TypingCoordinator{
		remote:  remote,
		opts:    o,
		log:     o.Logger.With().Str("component", "typing").Logger(),
		metrics: o.Metrics,
		entries: make(map[typingKey]*typingEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetTyping marks userID as typing in the conversation or clears it. A true
// call (re)arms a TypingTimeout expiry; repeated true calls reach the store
// at most once per TypingRefresh.
func (c *TypingCoordinator) SetTyping(ctx context.Context, conversationID, userID string, typing bool) {
	if conversationID == "" || userID == "" {
		return
	}
	k := typingKey{conversationID, userID}
	if !typing {
		// clear remotely even without a local entry; a previous process may
		// have left one behind
		c.forget(k)
		c.write(ctx, k, false, "stop")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	e := c.entries[k]
	if e == nil {
		e = &typingEntry{limiter: rate.NewLimiter(rate.Every(c.opts.TypingRefresh), 1)}
		c.entries[k] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(c.opts.TypingTimeout, func() { c.expire(k, gen) })
	allowed := e.limiter.Allow()
	c.mu.Unlock()

	if !allowed {
		c.metrics.TypingWrites.WithLabelValues("throttled").Inc()
		return
	}
	c.write(ctx, k, true, "start")
}

func (c *TypingCoordinator) forget(k typingKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		e.timer.Stop()
		delete(c.entries, k)
	}
}

func (c *TypingCoordinator) expire(k typingKey, gen uint64) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok || e.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.entries, k)
	c.mu.Unlock()
	c.log.Debug().Str("conversation_id", k.conversationID).Str("user_id", k.userID).Msg("typing expired")
	c.write(c.ctx, k, false, "expire")

	// a SetTyping that re-armed the key while the clear was in flight may
	// have been overwritten by it
	c.mu.Lock()
	_, rearmed := c.entries[k]
	rearmed = rearmed && !c.closed
	c.mu.Unlock()
	if rearmed {
		c.write(c.ctx, k, true, "start")
	}
}

func (c *TypingCoordinator) write(ctx context.Context, k typingKey, typing bool, kind string) {
	data := map[string]any{"conversationId": k.conversationID}
	if typing {
		data["users"] = ArrayUnion(k.userID)
		data["updatedAt."+k.userID] = ServerTimestamp()
	} else {
		data["users"] = ArrayRemove(k.userID)
		data["updatedAt."+k.userID] = DeleteField()
	}
	if err := c.remote.Set(ctx, CollectionTyping, k.conversationID, data, true); err != nil {
		c.metrics.TypingWrites.WithLabelValues("error").Inc()
		c.log.Debug().Err(err).Str("conversation_id", k.conversationID).Str("kind", kind).Msg("typing write failed")
		return
	}
	c.metrics.TypingWrites.WithLabelValues(kind).Inc()
}

// CancelConversation clears every typing state this coordinator holds for a
// conversation, as when its chat screen closes.
func (c *TypingCoordinator) CancelConversation(ctx context.Context, conversationID string) {
	c.mu.Lock()
	var keys []typingKey
	for k, e := range c.entries {
		if k.conversationID == conversationID {
			e.timer.Stop()
			delete(c.entries, k)
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.write(ctx, k, false, "stop")
	}
}

// Pending reports how many expiries are armed.
func (c *TypingCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops every timer and clears the typing entries it owns.
func (c *TypingCoordinator) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[typingKey]*typingEntry)
	c.mu.Unlock()

	for k, e := range entries {
		e.timer.Stop()
		c.write(ctx, k, false, "stop")
	}
	c.cancel()
}

// Watch streams the users typing in a conversation, excluding self. Entries
// whose refresh is older than twice TypingTimeout are dropped even if their
// owner never cleared them; fn is called again when one lapses.
func (c *TypingCoordinator) Watch(ctx context.Context, conversationID, self string, fn func(users []string)) (Subscription, error) {
	w := &typingWatch{self: self, ttl: 2 * c.opts.TypingTimeout, now: c.opts.Now, fn: fn}
	q := Query{Collection: CollectionTyping}.Where("conversationId", OpEqual, conversationID)
	sub, err := c.remote.Subscribe(ctx, q, func(ch Change) {
		if ch.Kind == ChangeRemoved {
			w.set(nil)
			return
		}
		rec, err := ParseTyping(ch.Doc)
		if err != nil {
			c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("dropping malformed typing record")
			return
		}
		w.set(rec)
	})
	if err != nil {
		return nil, err
	}
	return &typingWatchSub{Subscription: sub, w: w}, nil
}

// typingWatch holds the last record a viewer saw and re-evaluates it when the
// earliest active entry lapses.
type typingWatch struct {
	self string
	ttl  time.Duration
	now  func() time.Time
	fn   func(users []string)

	mu      sync.Mutex
	rec     *TypingRecord
	timer   *time.Timer
	stopped bool
}

func (w *typingWatch) set(rec *TypingRecord) {
	w.mu.Lock()
	w.rec = rec
	w.mu.Unlock()
	w.publish()
}

func (w *typingWatch) publish() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	var users []string
	if w.rec != nil {
		now := w.now()
		users = w.rec.ActiveUsers(now, w.ttl, w.self)
		if next, ok := w.nextLapse(now, users); ok {
			w.timer = time.AfterFunc(next, w.publish)
		}
	}
	w.mu.Unlock()
	w.fn(users)
}

// nextLapse returns the wait until the first of users passes the ttl.
func (w *typingWatch) nextLapse(now time.Time, users []string) (time.Duration, bool) {
	if w.ttl <= 0 {
		return 0, false
	}
	var next time.Duration
	found := false
	for _, u := range users {
		at, ok := w.rec.UpdatedAt[u]
		if !ok {
			continue
		}
		d := at.Add(w.ttl).Sub(now) + time.Millisecond
		if !found || d < next {
			next, found = d, true
		}
	}
	return next, found
}

func (w *typingWatch) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

type typingWatchSub struct {
	Subscription
	w *typingWatch
}

func (s *typingWatchSub) Close() error {
	s.w.stop()
	return s.Subscription.Close()
}
