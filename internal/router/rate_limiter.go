package router

import (
	"sync"
	"time"
)

// DefaultMessagesPerMinute is the send allowance per user.
const DefaultMessagesPerMinute = 100

// RateLimiter implements per-user rate limiting over fixed one-minute windows.
// ARCHITECTURAL DISCOVERY: per-user state with periodic cleanup keeps memory bounded
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*clientLimit
}

type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter allows perMinute sends per user; non-positive means the default.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMessagesPerMinute
	}
	return &RateLimiter{
		limit:   perMinute,
		window:  time.Minute,
		now:     time.Now,
		clients: make(map[string]*clientLimit),
	}
}

// Limit returns the per-window allowance.
func (rl *RateLimiter) Limit() int {
	return rl.limit
}

// Allow records one send for userID and reports whether it fits the window.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[userID]
	if !exists {
		rl.clients[userID] = &clientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Cleanup removes users idle for five windows. The hub calls it periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for userID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, userID)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
