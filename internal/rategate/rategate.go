// Package rategate bounds the number of operations admitted per trailing
// one-second window. Unlike a token bucket it never admits more than the
// quota within any window, which is what exchange hard limits measure.
package rategate

import (
	"context"
	"sync"
	"time"
)

// Gate admits at most quota operations per trailing second. The zero value
// is not usable; construct with New.
type Gate struct {
	mu    sync.Mutex
	quota int
	// stamps holds admission times inside the current window, oldest first.
	stamps []time.Time
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

const window = time.Second

// New creates a gate admitting quota operations per second. A quota below
// one is treated as one.
func New(quota int) *Gate {
	if quota < 1 {
		quota = 1
	}
	return &Gate{
		quota:  quota,
		stamps: make([]time.Time, 0, quota),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prune drops stamps older than the trailing window. Caller holds mu.
func (g *Gate) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(g.stamps) && !g.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.stamps = append(g.stamps[:0], g.stamps[i:]...)
	}
}

// Acquire blocks until an admission slot is available or ctx is done. The
// gate lock is released while waiting so concurrent callers queue instead
// of serialising behind a sleeper.
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.now()
		g.prune(now)
		if len(g.stamps) < g.quota {
			g.stamps = append(g.stamps, now)
			g.mu.Unlock()
			return nil
		}
		wait := g.stamps[0].Add(window).Sub(now)
		g.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TryAcquire admits immediately when a slot is free and reports false
// otherwise.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.prune(now)
	if len(g.stamps) >= g.quota {
		return false
	}
	g.stamps = append(g.stamps, now)
	return true
}

// Pending returns the number of admissions inside the current window.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.now())
	return len(g.stamps)
}
