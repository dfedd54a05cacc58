package api

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneAfter is how long an idle client's limiter is kept. A limiter idle
// for an hour has refilled completely, so dropping it loses nothing.
const pruneAfter = time.Hour

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter allows each client a burst of perHour submissions, refilled
// evenly over the hour.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	perHour  int
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing perHour submissions per client.
func NewRateLimiter(perHour int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		perHour:  perHour,
		now:      time.Now,
	}
}

// Allow reports whether client may submit now and consumes one token if so.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, ok := rl.visitors[client]
	if !ok {
		rl.pruneLocked(now)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(rl.perHour)), rl.perHour)}
		rl.visitors[client] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Message is the detail returned with a 429 response.
func (rl *RateLimiter) Message() string {
	return fmt.Sprintf("Rate limit exceeded (%d reviews/hour)", rl.perHour)
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > pruneAfter {
			delete(rl.visitors, ip)
		}
	}
}
