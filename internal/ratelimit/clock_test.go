package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newTestLimiter builds a limiter on clk whose sweep never fires on its own.
func newTestLimiter(t *testing.T, clk *fakeClock, cfg Config, opts ...Option) *Limiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	all := append([]Option{WithClock(clk.Now), WithSweepInterval(time.Hour)}, opts...)
	l, err := New(ctx, cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func newTestReputation(t *testing.T, clk *fakeClock, opts ...ReputationOption) *Reputation {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewReputation(ctx, append([]ReputationOption{WithReputationClock(clk.Now)}, opts...)...)
}
