/*
ratelimit.go - Per-account generation rate limiting

PURPOSE:
  Generation calls hit a paid image model, so each account gets its own
  token bucket (golang.org/x/time/rate). Credits bound the total spend;
  the limiter bounds the burst.

JANITOR:
  Buckets idle for longer than IdleTTL are dropped by a background
  goroutine started with Start and stopped with Stop.

USAGE:
  limiter := NewRateLimiter(10, 5)
  limiter.Start()
  defer limiter.Stop()
*/
package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dressup/tryon-engine/ledger"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per account.
type RateLimiter struct {
	limit         rate.Limit
	burst         int
	IdleTTL       time.Duration
	SweepInterval time.Duration

	mu      sync.Mutex
	buckets map[ledger.AccountID]*bucket
	now     func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewRateLimiter allows perMinute events per account with the given burst.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:         rate.Limit(perMinute / 60),
		burst:         burst,
		IdleTTL:       10 * time.Minute,
		SweepInterval: time.Minute,
		buckets:       make(map[ledger.AccountID]*bucket),
		now:           time.Now,
	}
}

// Allow reports whether the account may generate now.
func (rl *RateLimiter) Allow(id ledger.AccountID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[id]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[id] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Start begins the janitor. Calling Start twice is a no-op.
func (rl *RateLimiter) Start() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.ticker != nil {
		return
	}
	rl.ticker = time.NewTicker(rl.SweepInterval)
	rl.stop = make(chan struct{})
	rl.wg.Add(1)
	go rl.run(rl.ticker, rl.stop)
}

// Stop stops the janitor and waits for it to exit.
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	ticker, stop := rl.ticker, rl.stop
	rl.ticker, rl.stop = nil, nil
	rl.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	rl.wg.Wait()
}

func (rl *RateLimiter) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rl.wg.Done()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-stop:
			return
		}
	}
}

// sweep drops buckets idle for longer than IdleTTL.
func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.IdleTTL)
	removed := 0
	for id, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked accounts.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
