package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Events
// ============================================================================

// Sync engine events. Message events carry a *Message copy. EventSyncStart
// carries the pending count and EventSyncComplete a SyncSummary.
const (
	EventMessageLocal   = "message.local"
	EventMessageSent    = "message.sent"
	EventMessageFailed  = "message.failed"
	EventMessageMerged  = "message.merged"
	EventMessageRemoved = "message.removed"
	EventSyncStart      = "sync.start"
	EventSyncComplete   = "sync.complete"
)

// EventHandler receives engine events.
type EventHandler func(event string, payload any)

// SyncSummary reports one pending sweep.
type SyncSummary struct {
	Attempted int
	Sent      int
	Failed    int
	Remaining int
}

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers handler for event. Handlers run on the goroutine that caused
// the event and must not block.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Sync Engine
// ============================================================================

// SyncEngine is the outbox: it persists outgoing messages locally, delivers
// them when the device is online and merges the remote change feed into the
// local cache.
type SyncEngine struct {
	emitter
	cache   LocalCache
	remote  RemoteStore
	conn    *ConnectivityMonitor
	dir     *Directory
	opts    Options
	log     zerolog.Logger
	metrics *Metrics
	backoff Backoff

	// serializes read-merge-write on the cache
	mergeMu sync.Mutex

	mu         sync.Mutex
	inflight   map[string]struct{}
	subs       map[string]Subscription
	syncing    bool
	rerun      bool // a sweep was requested while one ran
	started    bool
	closed     bool
	cancelConn func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncEngine wires an engine. Call Start to follow connectivity.
func NewSyncEngine(cache LocalCache, remote RemoteStore, conn *ConnectivityMonitor, dir *Directory, opts ...Option) *SyncEngine {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncEngine{
		emitter:  emitter{listeners: make(map[string][]EventHandler)},
		cache:    cache,
		remote:   remote,
		conn:     conn,
		dir:      dir,
		opts:     o,
		log:      o.Logger.With().Str("component", "outbox").Logger(),
		metrics:  o.Metrics,
		backoff:  Backoff{Base: o.RetryBaseDelay, Max: o.RetryMaxDelay},
		inflight: make(map[string]struct{}),
		subs:     make(map[string]Subscription),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins following connectivity. Every flip to connected triggers a
// pending sweep, and so does starting while connected.
func (e *SyncEngine) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.cancelConn = e.conn.OnChange(func(s PathStatus) {
		if s.Connected {
			e.log.Info().Str("class", string(s.Class)).Msg("connectivity restored, syncing pending messages")
			e.spawn(func(ctx context.Context) { _ = e.SyncPending(ctx) })
		} else {
			e.log.Info().Msg("connectivity lost")
		}
	})
	e.mu.Unlock()

	e.refreshPending()
	if e.conn.Connected() {
		e.spawn(func(ctx context.Context) { _ = e.SyncPending(ctx) })
	}
}

// Close stops background work, closes subscriptions and waits for in-flight
// deliveries to return. The cache is left open; its owner closes it.
func (e *SyncEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.cancelConn != nil {
		e.cancelConn()
	}
	subs := e.subs
	e.subs = make(map[string]Subscription)
	e.mu.Unlock()

	e.cancel()
	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.wg.Wait()
	e.removeAll()
	return errors.Join(errs...)
}

func (e *SyncEngine) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

func (e *SyncEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ----------------------------------------------------------------------------
// Outgoing
// ----------------------------------------------------------------------------

// QueueMessage stores m locally and, when online, starts delivering it in the
// background. It returns the stored copy with its id, timestamp and initial
// status filled in. Delivery outcomes surface on the message status and the
// message.sent / message.failed events, never as an error here.
func (e *SyncEngine) QueueMessage(ctx context.Context, m *Message) (*Message, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	msg, err := e.prepare(m)
	if err != nil {
		return nil, err
	}
	online := e.conn.Connected()
	if online {
		msg.Status = StatusSending
	}
	stored, _, err := e.merge(msg)
	if err != nil {
		return nil, fmt.Errorf("persist message %s: %w", msg.ID, err)
	}
	e.metrics.MessagesQueued.Inc()
	e.refreshPending()
	e.log.Debug().Str("message_id", stored.ID).Str("conversation_id", stored.ConversationID).
		Str("status", string(stored.Status)).Msg("message queued")
	e.emit(EventMessageLocal, stored.Clone())

	if online && stored.Status.Pending() {
		id := stored.ID
		e.spawn(func(ctx context.Context) { _ = e.AttemptDelivery(ctx, id) })
	}
	return stored, nil
}

func (e *SyncEngine) prepare(m *Message) (*Message, error) {
	if m == nil || m.ConversationID == "" || m.SenderID == "" {
		return nil, fmt.Errorf("%w: conversation and sender are required", ErrInvalidMessage)
	}
	msg := m.Clone()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = e.opts.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if msg.Type == "" {
		msg.Type = TypeText
	}
	if !msg.Type.valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	if msg.Type == TypeText && msg.Content == "" {
		return nil, fmt.Errorf("%w: empty text message", ErrInvalidMessage)
	}
	if msg.Type != TypeText && msg.MediaURL == "" {
		return nil, fmt.Errorf("%w: %s message without media url", ErrInvalidMessage, msg.Type)
	}
	msg.Status = StatusQueued
	msg.Attempts = 0
	msg.LastError = ""
	return msg, nil
}

// AttemptDelivery writes one pending message and its conversation's
// last-message fields in a single atomic batch, retrying transient failures
// with backoff up to MaxDeliveryAttempts.
//
// Outcomes: sent on success; failed with the error returned when the store
// refuses the write or retries run out while online; queued when the device
// went offline meanwhile. Calls for a message already in flight return nil at
// once.
func (e *SyncEngine) AttemptDelivery(ctx context.Context, messageID string) error {
	if !e.acquire(messageID) {
		return nil
	}
	defer e.release(messageID)

	m, err := e.cache.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", messageID, err)
	}
	if m == nil {
		return fmt.Errorf("load message %s: %w", messageID, ErrNotFound)
	}
	if !m.Status.Pending() {
		return nil
	}

	var lastErr error
	attempts := 0
	for attempts < e.opts.MaxDeliveryAttempts {
		if attempts > 0 {
			if err := e.backoff.Sleep(ctx, attempts-1); err != nil {
				break
			}
		}
		if !e.conn.Connected() {
			break
		}
		attempts++
		e.update(messageID, func(m *Message) bool {
			m.Attempts++
			if m.Status == StatusQueued {
				m.Status = StatusSending
			}
			return true
		})

		err := e.deliverOnce(ctx, m)
		if err == nil {
			e.metrics.DeliveryAttempts.WithLabelValues("ok").Inc()
			e.markSent(messageID)
			return nil
		}
		lastErr = err
		if terminal(err) {
			e.metrics.DeliveryAttempts.WithLabelValues("permission").Inc()
			e.markFailed(messageID, err)
			return fmt.Errorf("deliver %s: %w", messageID, err)
		}
		e.metrics.DeliveryAttempts.WithLabelValues("transient").Inc()
		e.log.Debug().Err(err).Str("message_id", messageID).Int("attempt", attempts).Msg("delivery attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	if attempts >= e.opts.MaxDeliveryAttempts && e.conn.Connected() && ctx.Err() == nil {
		e.markFailed(messageID, lastErr)
		return fmt.Errorf("deliver %s: gave up after %d attempts: %w", messageID, attempts, lastErr)
	}
	e.requeue(messageID, lastErr)
	return nil
}

// terminal reports errors that retrying cannot fix.
func terminal(err error) bool {
	return IsPermission(err) || IsNotFound(err) || IsMalformed(err)
}

func (e *SyncEngine) deliverOnce(ctx context.Context, m *Message) error {
	participants, err := e.dir.Participants(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	return e.remote.Batch(ctx, []Write{
		{Kind: WriteMerge, Collection: CollectionMessages, ID: m.ID, Data: m.document()},
		e.dir.LastMessageWriteFor(ctx, m.ConversationID, m, m.SenderID, participants),
	})
}

func (e *SyncEngine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *SyncEngine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *SyncEngine) markSent(id string) {
	m := e.update(id, func(m *Message) bool {
		next := m.Status.Advance(StatusSent)
		if next == m.Status && m.LastError == "" {
			return false
		}
		m.Status = next
		m.LastError = ""
		return true
	})
	e.refreshPending()
	if m != nil {
		e.log.Debug().Str("message_id", id).Msg("message sent")
		e.emit(EventMessageSent, m)
	}
}

func (e *SyncEngine) markFailed(id string, cause error) {
	m := e.update(id, func(m *Message) bool {
		if !m.Status.Pending() {
			return false
		}
		m.Status = StatusFailed
		if cause != nil {
			m.LastError = cause.Error()
		}
		return true
	})
	e.refreshPending()
	if m != nil {
		e.log.Warn().Err(cause).Str("message_id", id).Int("attempts", m.Attempts).Msg("message failed")
		e.emit(EventMessageFailed, m)
	}
}

// requeue is the one backward step the engine takes itself: a message that
// was being sent when the path dropped waits in queued for the next sweep.
func (e *SyncEngine) requeue(id string, cause error) {
	e.update(id, func(m *Message) bool {
		if !m.Status.Pending() {
			return false
		}
		m.Status = StatusQueued
		if cause != nil {
			m.LastError = cause.Error()
		}
		return true
	})
	e.refreshPending()
}

// update applies fn to the cached message under the merge lock and persists
// it when fn reports a change. It returns the updated copy, or nil when
// nothing changed.
func (e *SyncEngine) update(id string, fn func(m *Message) bool) *Message {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	m, err := e.cache.GetMessage(id)
	if err != nil || m == nil {
		if err != nil {
			e.log.Error().Err(err).Str("message_id", id).Msg("cache read failed")
		}
		return nil
	}
	if !fn(m) {
		return nil
	}
	if err := e.cache.PutMessages([]*Message{m}); err != nil {
		e.log.Error().Err(err).Str("message_id", id).Msg("cache write failed")
		return nil
	}
	return m.Clone()
}

// merge folds m into the cache and returns the stored result.
func (e *SyncEngine) merge(m *Message) (*Message, mergeOutcome, error) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	local, err := e.cache.GetMessage(m.ID)
	if err != nil {
		return nil, "", err
	}
	merged, outcome := mergeMessage(local, m)
	if outcome != outcomeUnchanged {
		if err := e.cache.PutMessages([]*Message{merged}); err != nil {
			return nil, "", err
		}
	}
	return merged.Clone(), outcome, nil
}

func (e *SyncEngine) refreshPending() {
	pending, err := e.cache.Pending()
	if err != nil {
		return
	}
	e.metrics.PendingMessages.Set(float64(len(pending)))
}

// SyncPending retries every queued or sending message in creation order. Only
// one sweep runs at a time; a call during a sweep returns nil at once and the
// running sweep goes around again before it finishes. The sweep stops early
// when the device goes offline. Per-message failures end up on the messages
// and are not returned.
func (e *SyncEngine) SyncPending(ctx context.Context) error {
	e.mu.Lock()
	if e.syncing {
		e.rerun = true
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.mu.Unlock()

	for {
		err := e.sweep(ctx)
		e.mu.Lock()
		again := e.rerun && err == nil && ctx.Err() == nil
		e.rerun = false
		if !again {
			e.syncing = false
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
		e.log.Debug().Msg("sync requested during sweep, sweeping again")
	}
}

func (e *SyncEngine) sweep(ctx context.Context) error {
	if !e.conn.Connected() {
		return nil
	}
	pending, err := e.cache.Pending()
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	e.metrics.SyncSweeps.Inc()
	e.emit(EventSyncStart, len(pending))

	var summary SyncSummary
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.conn.Connected() {
			e.log.Info().Msg("went offline during sync, stopping")
			break
		}
		summary.Attempted++
		if err := e.AttemptDelivery(ctx, m.ID); err != nil {
			e.log.Warn().Err(err).Str("message_id", m.ID).Msg("pending message not delivered")
		}
		if s, ok := e.Status(m.ID); ok {
			switch {
			case s == StatusFailed:
				summary.Failed++
			case !s.Pending():
				summary.Sent++
			}
		}
	}
	if rest, err := e.cache.Pending(); err == nil {
		summary.Remaining = len(rest)
	}
	e.log.Info().Int("attempted", summary.Attempted).Int("sent", summary.Sent).
		Int("failed", summary.Failed).Int("remaining", summary.Remaining).Msg("sync complete")
	e.emit(EventSyncComplete, summary)
	return nil
}

// BatchSync delivers msgs in one atomic remote batch: either every message
// and the last-message update of each touched conversation land, or none do.
// The messages are stored locally first, so a failed batch leaves them
// pending (or failed, when the store refused the write).
func (e *SyncEngine) BatchSync(ctx context.Context, msgs []*Message) error {
	if e.isClosed() {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return nil
	}
	prepared := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		p, err := e.prepare(m)
		if err != nil {
			return err
		}
		prepared = append(prepared, p)
	}
	online := e.conn.Connected()
	for _, m := range prepared {
		if online {
			m.Status = StatusSending
		}
		stored, _, err := e.merge(m)
		if err != nil {
			return fmt.Errorf("persist message %s: %w", m.ID, err)
		}
		e.metrics.MessagesQueued.Inc()
		e.emit(EventMessageLocal, stored)
	}
	e.refreshPending()
	if !online {
		return NewStoreError(CodeUnavailable, "batch sync", "offline", nil)
	}

	var ids []string
	for _, m := range prepared {
		if e.acquire(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	defer func() {
		for _, id := range ids {
			e.release(id)
		}
	}()

	writes, err := e.batchWrites(ctx, prepared)
	if err == nil {
		err = e.remote.Batch(ctx, writes)
	}
	if err != nil {
		if terminal(err) {
			e.metrics.DeliveryAttempts.WithLabelValues("permission").Inc()
			for _, id := range ids {
				e.markFailed(id, err)
			}
		} else {
			e.metrics.DeliveryAttempts.WithLabelValues("transient").Inc()
			for _, id := range ids {
				e.requeue(id, err)
			}
		}
		return fmt.Errorf("batch sync: %w", err)
	}
	e.metrics.DeliveryAttempts.WithLabelValues("ok").Inc()
	for _, id := range ids {
		e.markSent(id)
	}
	return nil
}

func (e *SyncEngine) batchWrites(ctx context.Context, msgs []*Message) ([]Write, error) {
	latest := make(map[string]*Message)
	var order []string
	writes := make([]Write, 0, len(msgs)+1)
	for _, m := range msgs {
		writes = append(writes, Write{Kind: WriteMerge, Collection: CollectionMessages, ID: m.ID, Data: m.document()})
		cur, ok := latest[m.ConversationID]
		if !ok {
			order = append(order, m.ConversationID)
		}
		if !ok || m.CreatedAt.After(cur.CreatedAt) || (m.CreatedAt.Equal(cur.CreatedAt) && m.ID > cur.ID) {
			latest[m.ConversationID] = m
		}
	}
	for _, convID := range order {
		participants, err := e.dir.Participants(ctx, convID)
		if err != nil {
			return nil, err
		}
		m := latest[convID]
		writes = append(writes, e.dir.LastMessageWriteFor(ctx, convID, m, m.SenderID, participants))
	}
	return writes, nil
}

// Resend moves a failed message back into the outbox and, when online,
// starts delivering it.
func (e *SyncEngine) Resend(ctx context.Context, messageID string) error {
	if e.isClosed() {
		return ErrClosed
	}
	m, err := e.cache.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", messageID, err)
	}
	if m == nil {
		return fmt.Errorf("resend %s: %w", messageID, ErrNotFound)
	}
	online := e.conn.Connected()
	var notFailed bool
	e.update(messageID, func(m *Message) bool {
		if m.Status != StatusFailed {
			notFailed = true
			return false
		}
		m.Status = StatusQueued
		if online {
			m.Status = StatusSending
		}
		m.Attempts = 0
		m.LastError = ""
		return true
	})
	if notFailed {
		return fmt.Errorf("resend %s: %w", messageID, ErrNotFailed)
	}
	e.refreshPending()
	e.log.Info().Str("message_id", messageID).Msg("resending message")
	if online {
		e.spawn(func(ctx context.Context) { _ = e.AttemptDelivery(ctx, messageID) })
	}
	return nil
}

// ----------------------------------------------------------------------------
// Incoming
// ----------------------------------------------------------------------------

// OnRemoteChange merges one change record into the cache. Malformed records
// are logged and dropped; removals delete the local copy.
func (e *SyncEngine) OnRemoteChange(ch Change) {
	if ch.Kind == ChangeRemoved {
		id := ch.Doc.ID
		if id == "" {
			id = asString(ch.Doc.Data["id"])
		}
		e.mergeMu.Lock()
		local, _ := e.cache.GetMessage(id)
		err := e.cache.DeleteMessage(id)
		e.mergeMu.Unlock()
		if err != nil {
			e.log.Error().Err(err).Str("message_id", id).Msg("cache delete failed")
			return
		}
		e.metrics.Merges.WithLabelValues("removed").Inc()
		e.refreshPending()
		if local != nil {
			e.emit(EventMessageRemoved, local)
		}
		return
	}

	m, err := ParseMessage(ch.Doc)
	if err != nil {
		e.metrics.Merges.WithLabelValues("dropped").Inc()
		e.log.Warn().Err(err).Str("document_id", ch.Doc.ID).Msg("dropping malformed message change")
		return
	}
	stored, outcome, err := e.merge(m)
	if err != nil {
		e.log.Error().Err(err).Str("message_id", m.ID).Msg("cache write failed")
		return
	}
	e.metrics.Merges.WithLabelValues(string(outcome)).Inc()
	if outcome == outcomeUnchanged {
		return
	}
	e.refreshPending()
	e.emit(EventMessageMerged, stored)
}

// Subscribe follows the messages of a conversation until Unsubscribe or
// Close. Subscribing twice is a no-op.
func (e *SyncEngine) Subscribe(ctx context.Context, conversationID string) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.mu.Lock()
	_, ok := e.subs[conversationID]
	e.mu.Unlock()
	if ok {
		return nil
	}
	q := Query{Collection: CollectionMessages, OrderBy: "createdAt"}.
		Where("conversationId", OpEqual, conversationID)
	sub, err := e.remote.Subscribe(ctx, q, e.OnRemoteChange)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", conversationID, err)
	}
	e.mu.Lock()
	if _, dup := e.subs[conversationID]; dup || e.closed {
		e.mu.Unlock()
		return sub.Close()
	}
	e.subs[conversationID] = sub
	e.mu.Unlock()
	e.log.Debug().Str("conversation_id", conversationID).Msg("subscribed")
	return nil
}

// Unsubscribe stops following a conversation.
func (e *SyncEngine) Unsubscribe(conversationID string) error {
	e.mu.Lock()
	sub, ok := e.subs[conversationID]
	delete(e.subs, conversationID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Close()
}

// ----------------------------------------------------------------------------
// Receipts, reactions and deletion
// ----------------------------------------------------------------------------

// MarkDelivered advances every sent message userID received in the
// conversation to delivered.
func (e *SyncEngine) MarkDelivered(ctx context.Context, conversationID, userID string) error {
	msgs, err := e.cache.Messages(conversationID)
	if err != nil {
		return err
	}
	var writes []Write
	var touched []*Message
	for _, m := range msgs {
		if m.SenderID == userID || m.Status != StatusSent {
			continue
		}
		writes = append(writes, Write{Kind: WriteUpdate, Collection: CollectionMessages, ID: m.ID,
			Data: map[string]any{"status": string(StatusDelivered)}})
		touched = append(touched, &Message{ID: m.ID, Status: StatusDelivered})
	}
	return e.applyReceipts(ctx, "mark delivered", writes, touched)
}

// MarkRead records userID as a reader of every message from others in the
// conversation and clears the conversation's unread flag for them.
func (e *SyncEngine) MarkRead(ctx context.Context, conversationID, userID string) error {
	msgs, err := e.cache.Messages(conversationID)
	if err != nil {
		return err
	}
	var writes []Write
	var touched []*Message
	for _, m := range msgs {
		if m.SenderID == userID || m.Status.Pending() || contains(m.ReadBy, userID) {
			continue
		}
		writes = append(writes, Write{Kind: WriteUpdate, Collection: CollectionMessages, ID: m.ID,
			Data: map[string]any{
				"readBy": ArrayUnion(userID),
				"status": string(StatusRead),
			}})
		touched = append(touched, &Message{ID: m.ID, Status: StatusRead, ReadBy: []string{userID}})
	}
	writes = append(writes, Write{Kind: WriteUpdate, Collection: CollectionConversations, ID: conversationID,
		Data: map[string]any{
			"unreadBy":             ArrayRemove(userID),
			"lastReadAt." + userID: ServerTimestamp(),
		}})
	return e.applyReceipts(ctx, "mark read", writes, touched)
}

func (e *SyncEngine) applyReceipts(ctx context.Context, op string, writes []Write, touched []*Message) error {
	if len(writes) == 0 {
		return nil
	}
	if err := e.remote.Batch(ctx, writes); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, t := range touched {
		e.update(t.ID, func(m *Message) bool {
			m.Status = m.Status.Advance(t.Status)
			m.ReadBy = union(m.ReadBy, t.ReadBy)
			return true
		})
	}
	return nil
}

// React adds or removes userID's reaction emoji on a message.
func (e *SyncEngine) React(ctx context.Context, messageID, userID, emoji string, on bool) error {
	if emoji == "" || userID == "" {
		return fmt.Errorf("react: emoji and user are required")
	}
	field := "reactions." + emoji
	var v any = ArrayUnion(userID)
	if !on {
		v = ArrayRemove(userID)
	}
	if err := e.remote.Update(ctx, CollectionMessages, messageID, map[string]any{field: v}); err != nil {
		return fmt.Errorf("react to %s: %w", messageID, err)
	}
	e.update(messageID, func(m *Message) bool {
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		if on {
			m.Reactions[emoji] = union(m.Reactions[emoji], []string{userID})
		} else {
			m.Reactions[emoji] = without(m.Reactions[emoji], userID)
		}
		return true
	})
	return nil
}

// DeleteForMe hides a message from userID only.
func (e *SyncEngine) DeleteForMe(ctx context.Context, messageID, userID string) error {
	err := e.remote.Update(ctx, CollectionMessages, messageID, map[string]any{"hiddenFor": ArrayUnion(userID)})
	if err != nil {
		return fmt.Errorf("delete %s for %s: %w", messageID, userID, err)
	}
	e.update(messageID, func(m *Message) bool {
		m.HiddenFor = union(m.HiddenFor, []string{userID})
		return true
	})
	return nil
}

// DeleteForEveryone blanks a message for all participants.
func (e *SyncEngine) DeleteForEveryone(ctx context.Context, messageID string) error {
	err := e.remote.Update(ctx, CollectionMessages, messageID, map[string]any{
		"deletedForEveryone": true,
		"content":            "",
		"mediaUrl":           DeleteField(),
	})
	if err != nil {
		return fmt.Errorf("delete %s for everyone: %w", messageID, err)
	}
	e.update(messageID, func(m *Message) bool {
		m.DeletedForEveryone = true
		m.Content, m.MediaURL = "", ""
		return true
	})
	return nil
}

// ----------------------------------------------------------------------------
// Observation
// ----------------------------------------------------------------------------

// IsSyncing reports whether a pending sweep is running.
func (e *SyncEngine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// PendingCount is the number of queued or sending messages.
func (e *SyncEngine) PendingCount() int {
	pending, err := e.cache.Pending()
	if err != nil {
		return 0
	}
	return len(pending)
}

// Status returns the local status of a message.
func (e *SyncEngine) Status(messageID string) (MessageStatus, bool) {
	m, err := e.cache.GetMessage(messageID)
	if err != nil || m == nil {
		return "", false
	}
	return m.Status, true
}

// Messages lists the cached messages of a conversation in display order.
func (e *SyncEngine) Messages(conversationID string) ([]*Message, error) {
	return e.cache.Messages(conversationID)
}
