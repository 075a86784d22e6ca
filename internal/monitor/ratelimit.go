package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// visitor is one client's token bucket plus the last time it was used.
type visitor struct {
	bucket *rate.Limiter
	seen   time.Time
}

// RateLimiter enforces a per-client-IP token bucket. Buckets idle for
// longer than idleAfter are pruned by a background sweep; Close stops
// the sweep.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	rps       rate.Limit
	burst     int
	idleAfter time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter returns a limiter allowing rps steady-state requests
// per second with the given burst per client IP.
func NewRateLimiter(rps, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors:  make(map[string]*visitor),
		rps:       rate.Limit(rps),
		burst:     burst,
		idleAfter: 10 * time.Minute,
		stop:      make(chan struct{}),
	}
	go rl.sweepLoop(5 * time.Minute)
	return rl
}

// Allow reports whether the given client may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.seen = time.Now()
	rl.mu.Unlock()

	return v.bucket.Allow()
}

// Middleware returns the Gin handler rejecting over-limit clients
// with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Close stops the background sweep. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.prune(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// prune drops buckets unused since before now-idleAfter.
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.idleAfter)
	rl.mu.Lock()
	for ip, v := range rl.visitors {
		if v.seen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
	rl.mu.Unlock()
}
