// Package ratelimit implements the indexer's rate-limit governor: a token
// bucket of capacity 1 and quantum 1, the single source of truth for
// pacing the one concurrent HTTP request the fetcher is allowed to have in
// flight. The governor is exclusive to the fetcher (spec Concurrency
// Model); nothing else may call Wait.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Governor paces fetch dispatch at one token per interval, with a
// configurable penalty for the self-reference ("head of chain") case.
type Governor struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a Governor that releases one token every interval (capacity
// 1, quantum 1: no burst beyond a single token).
func New(interval time.Duration) *Governor {
	return &Governor{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Wait blocks until a single token is available or ctx is cancelled.
func (g *Governor) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// WaitN blocks until n tokens are available or ctx is cancelled.
func (g *Governor) WaitN(ctx context.Context, n int) error {
	g.mu.Lock()
	limiter := g.limiter
	g.mu.Unlock()
	for i := 0; i < n; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Cooldown reserves the bucket for d, delaying every subsequent Wait/WaitN
// until d has elapsed. Used when the upstream signals RateLimited(d) via a
// 429/503 response.
func (g *Governor) Cooldown(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for i := 0; i < int(d/g.interval)+1; i++ {
		g.limiter.ReserveN(now, 1)
	}
}

// Penalize consumes n quanta up front, the policy used when the fetcher
// discovers it is at the head of the chain (next == requested) and wants
// to avoid hot-polling (spec ~4x the normal interval).
func (g *Governor) Penalize(ctx context.Context, quanta int) error {
	return g.WaitN(ctx, quanta)
}

// Interval reports the configured base interval between tokens.
func (g *Governor) Interval() time.Duration {
	return g.interval
}
