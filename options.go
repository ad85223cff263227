package chatsync

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults for Options.
const (
	DefaultMaxDeliveryAttempts = 3
	DefaultRetryBaseDelay      = 200 * time.Millisecond
	DefaultRetryMaxDelay       = 2 * time.Second
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultTypingTimeout       = 3 * time.Second
	DefaultTypingRefresh       = time.Second
)

// Options configures the engines. Zero fields take defaults.
type Options struct {
	MaxDeliveryAttempts int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	HeartbeatInterval   time.Duration
	// PresenceStaleAfter is how old a heartbeat may be before an observed
	// user counts as offline. Defaults to three heartbeat intervals.
	PresenceStaleAfter time.Duration
	TypingTimeout      time.Duration
	// TypingRefresh is the minimum gap between remote writes for repeated
	// typing=true calls of the same user.
	TypingRefresh time.Duration

	Logger  zerolog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

func (o *Options) defaults() {
	if o.MaxDeliveryAttempts <= 0 {
		o.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.PresenceStaleAfter <= 0 {
		o.PresenceStaleAfter = 3 * o.HeartbeatInterval
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	if o.TypingRefresh <= 0 {
		o.TypingRefresh = DefaultTypingRefresh
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Option mutates Options.
type Option func(*Options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithMaxDeliveryAttempts(n int) Option {
	return func(o *Options) { o.MaxDeliveryAttempts = n }
}

func WithRetryDelay(base, maxDelay time.Duration) Option {
	return func(o *Options) {
		o.RetryBaseDelay = base
		o.RetryMaxDelay = maxDelay
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Options) { o.HeartbeatInterval = d }
}

func WithPresenceStaleAfter(d time.Duration) Option {
	return func(o *Options) { o.PresenceStaleAfter = d }
}

func WithTypingTimeout(d time.Duration) Option {
	return func(o *Options) { o.TypingTimeout = d }
}

func WithTypingRefresh(d time.Duration) Option {
	return func(o *Options) { o.TypingRefresh = d }
}

// WithNow overrides the client clock.
func WithNow(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

func buildOptions(opts []Option) Options {
	o := Options{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.defaults()
	return o
}
