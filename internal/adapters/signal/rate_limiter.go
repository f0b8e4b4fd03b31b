package signal

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/callsig/internal/domain"
)

// RateLimiter is a per-identity sliding window over inbound envelopes.
type RateLimiter struct {
	clock    clock.Clock
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(clk clock.Clock, limit int, interval time.Duration) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		clock:    clk,
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(uid domain.UserID) bool {
	if rl.limit <= 0 || rl.interval <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Forget drops the window of an identity that went offline.
func (rl *RateLimiter) Forget(uid domain.UserID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, uid)
}
