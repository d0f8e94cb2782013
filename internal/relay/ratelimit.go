package relay

import (
	"sync"
	"time"

	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/core"
)

// RateLimiter is a sliding-window limit on frames per connection.
type RateLimiter struct {
	clk      clock.Clock
	mu       sync.Mutex
	history  map[core.SessionID][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(clk clock.Clock, limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		clk:      clk,
		history:  make(map[core.SessionID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records an attempt by sid and reports whether it is within the limit.
// A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(sid core.SessionID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[sid] = fresh
		return false
	}
	rl.history[sid] = append(fresh, now)
	return true
}

func (rl *RateLimiter) Forget(sid core.SessionID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, sid)
}
