package httpx

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// DefaultMaxClients bounds how many token buckets a limiter keeps.
const DefaultMaxClients = 10000

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_rate_limited_total",
	Help: "Requests rejected by the per-client rate limiter",
}, []string{"path"})

// ClientRateLimiter keeps one token bucket per client key. Least recently
// used buckets are evicted once maxClients keys are tracked.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// NewClientRateLimiter allows rps sustained requests per client with the
// given burst. maxClients falls back to DefaultMaxClients when not positive.
func NewClientRateLimiter(rps float64, burst, maxClients int) *ClientRateLimiter {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	limiters, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &ClientRateLimiter{
		limiters: limiters,
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// Limiter returns the bucket for key, creating it on first use.
func (rl *ClientRateLimiter) Limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok := rl.limiters.Get(key); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters.Add(key, limiter)
	return limiter
}

// Allow takes one token for key.
func (rl *ClientRateLimiter) Allow(key string) bool {
	return rl.Limiter(key).Allow()
}

// Size returns the number of tracked buckets.
func (rl *ClientRateLimiter) Size() int {
	return rl.limiters.Len()
}

// Middleware limits by the value keyOf extracts. keyOf must only return
// authenticated or otherwise bounded values; requests it cannot attribute
// share one bucket per client IP.
func (rl *ClientRateLimiter) Middleware(keyOf func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyOf(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !rl.Allow(key) {
			rateLimited.WithLabelValues(routeOf(c)).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
