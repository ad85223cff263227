package chatsync

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with up to 50% jitter of Base.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.Base) * 0.5)
	delay := float64(b.Base)*math.Pow(2, float64(attempt)) + float64(jitter)
	if b.Max > 0 {
		delay = math.Min(delay, float64(b.Max))
	}
	return time.Duration(delay)
}

// Sleep waits Delay(attempt) or until ctx ends, whichever is first.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
