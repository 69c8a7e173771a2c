package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-identifier token bucket. The proxy uses it to
// bound client registrations and token-verification attempts per source IP.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     rate.Limit
	burst    int
	maxIdle  time.Duration
	stopOnce sync.Once
	stop     chan struct{}
	logger   *slog.Logger
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter allowing perSecond requests with the
// given burst per identifier. Buckets idle for more than ten minutes are
// reaped by a background sweep; call Stop to terminate it.
func NewRateLimiter(perSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		maxIdle: 10 * time.Minute,
		stop:    make(chan struct{}),
		logger:  logger,
	}
	go rl.sweep()
	return rl
}

// Allow reports whether a request for the identifier fits within its budget.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[identifier]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[identifier] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// Stop terminates the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.maxIdle)
			rl.mu.Lock()
			removed := 0
			for id, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, id)
					removed++
				}
			}
			rl.mu.Unlock()
			if removed > 0 {
				rl.logger.Debug("Reaped idle rate limit buckets", "count", removed)
			}
		}
	}
}
