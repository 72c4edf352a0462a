package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
	"k8s.io/utils/clock"
)

// RateLimiter is a per-client token bucket. The bridge uses it on routes
// that fan out to the exam server, so a stuck button cannot hammer it.
type RateLimiter struct {
	clock    clock.PassiveClock
	rate     int
	interval time.Duration

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter allows rate requests per interval per client.
func NewRateLimiter(clk clock.PassiveClock, rate int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		clock:     clk,
		rate:      rate,
		interval:  interval,
		visitors:  make(map[string]*visitor),
		lastSweep: clk.Now(),
	}
}

// Middleware returns the gin handler.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP() + " " + c.FullPath()) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > 3*rl.interval {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > 3*rl.interval {
				delete(rl.visitors, k)
			}
		}
		rl.lastSweep = now
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{tokens: rl.rate, lastSeen: now}
		rl.visitors[key] = v
	}
	if refill := int(now.Sub(v.lastSeen)/rl.interval) * rl.rate; refill > 0 {
		v.tokens = min(v.tokens+refill, rl.rate)
		v.lastSeen = now
	}
	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}
