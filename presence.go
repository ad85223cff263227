package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PresenceState is a snapshot of the engine.
type PresenceState struct {
	Active        bool
	UserID        string
	AllowOnline   bool
	LastHeartbeat time.Time
}

// PresenceEngine announces the current user's liveness. It owns exactly one
// presence document, the one of the user it was started for. Write failures
// are logged and swallowed.
type PresenceEngine struct {
	remote  RemoteStore
	conn    *ConnectivityMonitor
	opts    Options
	log     zerolog.Logger
	metrics *Metrics

	mu         sync.Mutex
	userID     string
	allow      bool
	active     bool
	lastBeat   time.Time
	lostAt     time.Time
	kick       chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	cancelConn func()
}

// NewPresenceEngine creates a stopped engine.
func NewPresenceEngine(remote RemoteStore, conn *ConnectivityMonitor, opts ...Option) *PresenceEngine {
	o := buildOptions(opts)
	return &PresenceEngine{
		remote:  remote,
		conn:    conn,
		opts:    o,
		log:     o.Logger.With().Str("component", "presence").Logger(),
		metrics: o.Metrics,
	}
}

// Start announces userID online and keeps heartbeating every
// HeartbeatInterval while connected. Starting an active engine for another
// user stops the previous one first.
func (p *PresenceEngine) Start(userID string, allowOnline bool) error {
	if userID == "" {
		return fmt.Errorf("start presence: empty user id")
	}
	p.mu.Lock()
	if p.active && p.userID == userID {
		p.allow = allowOnline
		p.mu.Unlock()
		p.trigger()
		return nil
	}
	wasActive := p.active
	p.mu.Unlock()
	if wasActive {
		p.Stop(context.Background())
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.userID = userID
	p.allow = allowOnline
	p.active = true
	p.kick = make(chan struct{}, 1)
	p.cancel = cancel
	p.done = make(chan struct{})
	kick, done := p.kick, p.done
	p.cancelConn = p.conn.OnChange(p.onConnectivity)
	p.mu.Unlock()

	p.log.Info().Str("user_id", userID).Bool("allow_online", allowOnline).Msg("presence started")
	go p.loop(ctx, kick, done)
	return nil
}

func (p *PresenceEngine) onConnectivity(s PathStatus) {
	if s.Connected {
		p.trigger()
		return
	}
	p.mu.Lock()
	p.lostAt = p.opts.Now().UTC()
	p.mu.Unlock()
}

func (p *PresenceEngine) trigger() {
	p.mu.Lock()
	kick := p.kick
	p.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

func (p *PresenceEngine) loop(ctx context.Context, kick <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx)
		case <-kick:
			p.beat(ctx)
		}
	}
}

// beat writes one heartbeat. Offline it writes nothing.
func (p *PresenceEngine) beat(ctx context.Context) {
	if !p.conn.Connected() {
		p.metrics.Heartbeats.WithLabelValues("skipped").Inc()
		return
	}
	p.mu.Lock()
	userID, allow, lostAt := p.userID, p.allow, p.lostAt
	p.mu.Unlock()

	data := map[string]any{
		"userId":        userID,
		"online":        allow && p.conn.Connected(),
		"lastHeartbeat": ServerTimestamp(),
	}
	if !lostAt.IsZero() {
		data["lastSeen"] = lostAt
	}
	if err := p.remote.Set(ctx, CollectionPresence, userID, data, true); err != nil {
		p.metrics.Heartbeats.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			p.log.Warn().Err(err).Str("user_id", userID).Msg("heartbeat failed")
		}
		return
	}
	p.metrics.Heartbeats.WithLabelValues("ok").Inc()
	p.mu.Lock()
	p.lastBeat = p.opts.Now().UTC()
	if p.lostAt.Equal(lostAt) {
		p.lostAt = time.Time{}
	}
	p.mu.Unlock()
}

// SetAllowOnline changes the privacy flag. An active engine rewrites its
// presence right away.
func (p *PresenceEngine) SetAllowOnline(allow bool) {
	p.mu.Lock()
	p.allow = allow
	active := p.active
	p.mu.Unlock()
	if active {
		p.trigger()
	}
}

// Stop cancels heartbeating and makes one best-effort offline write stamping
// lastSeen.
func (p *PresenceEngine) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	cancel, done, cancelConn, userID := p.cancel, p.done, p.cancelConn, p.userID
	p.kick = nil
	p.mu.Unlock()

	cancelConn()
	cancel()
	<-done

	err := p.remote.Set(ctx, CollectionPresence, userID, map[string]any{
		"userId":   userID,
		"online":   false,
		"lastSeen": p.opts.Now().UTC(),
	}, true)
	if err != nil {
		p.metrics.Heartbeats.WithLabelValues("error").Inc()
		p.log.Warn().Err(err).Str("user_id", userID).Msg("offline write failed")
	}
	p.log.Info().Str("user_id", userID).Msg("presence stopped")
}

func (p *PresenceEngine) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PresenceState{Active: p.active, UserID: p.userID, AllowOnline: p.allow, LastHeartbeat: p.lastBeat}
}

// Observe streams another user's presence. online already accounts for
// heartbeats older than PresenceStaleAfter.
func (p *PresenceEngine) Observe(ctx context.Context, userID string, fn func(pr *Presence, online bool)) (Subscription, error) {
	q := Query{Collection: CollectionPresence}.Where("userId", OpEqual, userID)
	return p.remote.Subscribe(ctx, q, func(ch Change) {
		if ch.Kind == ChangeRemoved {
			fn(&Presence{UserID: userID}, false)
			return
		}
		pr, err := ParsePresence(ch.Doc)
		if err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Msg("dropping malformed presence")
			return
		}
		fn(pr, pr.IsOnline(p.opts.Now(), p.opts.PresenceStaleAfter))
	})
}
