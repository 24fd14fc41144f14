package provider

import (
	"context"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/monitoring"
)

// MinAPIInterval is the minimum spacing between two outbound provider calls
const MinAPIInterval = 100 * time.Millisecond

// RateLimiter serializes provider calls so that no two turns are granted less than
// interval apart. One instance is shared by every caller in the process.
type RateLimiter struct {
	interval time.Duration
	turn     chan struct{}
	last     time.Time

	// onGrant observes grant times in tests
	onGrant func(time.Time)
}

// NewRateLimiter creates a limiter; a non-positive interval uses MinAPIInterval
func NewRateLimiter(interval time.Duration) *RateLimiter {
	if interval <= 0 {
		interval = MinAPIInterval
	}
	return &RateLimiter{
		interval: interval,
		turn:     make(chan struct{}, 1),
	}
}

// AwaitTurn blocks until interval has elapsed since the previous grant, then records
// the new grant. It returns ctx.Err() if the context ends first, without consuming a turn.
func (r *RateLimiter) AwaitTurn(ctx context.Context) error {
	start := time.Now()

	select {
	case r.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.turn }()

	if !r.last.IsZero() {
		if wait := r.interval - time.Since(r.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	r.last = time.Now()
	if r.onGrant != nil {
		r.onGrant(r.last)
	}
	monitoring.RecordRateLimiterWait(time.Since(start))
	return nil
}

// Interval returns the configured minimum spacing
func (r *RateLimiter) Interval() time.Duration {
	return r.interval
}
