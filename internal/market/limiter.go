package market

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token-bucket rate limiter with an injectable clock, spacing
// upstream calls at one token per interval up to a configured burst. The
// clock and sleeper are swappable so tests run without real delays.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	burst    float64
	tokens   float64
	last     time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter builds a full bucket refilling one token per interval.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		interval: interval,
		burst:    float64(burst),
		tokens:   float64(burst),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait takes one token, blocking until one is available or ctx is done.
// A non-positive interval disables limiting.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.interval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	l.refill(now)

	var wait time.Duration
	if l.tokens < 1 {
		wait = time.Duration((1 - l.tokens) * float64(l.interval))
	}
	l.tokens-- // may go negative: queued debt for the waiter
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	return l.sleep(ctx, wait)
}

func (l *Limiter) refill(now time.Time) {
	if !l.last.IsZero() {
		elapsed := now.Sub(l.last)
		if elapsed > 0 {
			l.tokens += float64(elapsed) / float64(l.interval)
			if l.tokens > l.burst {
				l.tokens = l.burst
			}
		}
	}
	l.last = now
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
