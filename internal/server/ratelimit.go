package server

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	mu       sync.Mutex
	perMin   int
	limit    rate.Limit
	clients  map[string]*clientLimiter
	lastSeen time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimiter allows perMinute requests per client with a burst of the
// same size.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMin:  perMinute,
		limit:   rate.Limit(float64(perMinute) / 60),
		clients: make(map[string]*clientLimiter),
	}
}

// Allow consumes a token for clientID.
func (rl *RateLimiter) Allow(clientID string) *RateLimitError {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.evict(now)
	c, ok := rl.clients[clientID]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.perMin)}
		rl.clients[clientID] = c
	}
	c.seen = now

	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &RateLimitError{Limit: rl.perMin, RetryAfter: time.Minute}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return &RateLimitError{Limit: rl.perMin, RetryAfter: time.Duration(math.Ceil(d.Seconds())) * time.Second}
	}
	return nil
}

// evict drops clients idle for more than ten minutes, at most once a minute.
func (rl *RateLimiter) evict(now time.Time) {
	if now.Sub(rl.lastSeen) < time.Minute {
		return
	}
	rl.lastSeen = now
	for id, c := range rl.clients {
		if now.Sub(c.seen) > 10*time.Minute {
			delete(rl.clients, id)
		}
	}
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// RateLimitError reports a rejected request.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d per minute, retry after %v", e.Limit, e.RetryAfter)
}
