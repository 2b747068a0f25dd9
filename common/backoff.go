package common

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff implements an exponential backoff strategy with jitter. It is safe for concurrent use.
type Backoff struct {
	mu      sync.Mutex
	n       int // number of consecutive failures
	base    time.Duration
	maxWait time.Duration
}

func NewBackoff(base, maxWait time.Duration) *Backoff {
	return &Backoff{
		base:    base,
		maxWait: maxWait,
	}
}

// Next records a failure and returns how long to wait before the next attempt: base * 2^(n-1),
// capped at maxWait, with 20% jitter either way.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	b.n++
	n := b.n
	b.mu.Unlock()

	wait := b.base
	for i := 1; i < n && wait < b.maxWait; i++ {
		wait *= 2
	}
	wait = min(wait, b.maxWait)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(wait) * jitter)
}

// Wait records a failure and blocks for the next backoff duration or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Failures returns the number of consecutive failures recorded since the last Reset.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Reset resets the backoff counter.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.n = 0
	b.mu.Unlock()
}
