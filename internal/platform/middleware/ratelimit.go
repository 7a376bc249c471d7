package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// Cost charges more tokens for expensive routes. Nil charges one token
	// per request; a zero cost is free.
	Cost func(c echo.Context) int64
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

// UploadCost is what DocumentCost charges a classifier-bound request. A
// bucket smaller than this can never admit one.
const UploadCost = 10

// DocumentCost charges the pipeline routes, which call the classifier,
// UploadCost tokens and a plain read one. Health and metrics endpoints are free.
func DocumentCost(c echo.Context) int64 {
	switch c.Path() {
	case "/health", "/health/db", "/metrics":
		return 0
	}
	if c.Request().Method == http.MethodPost {
		switch c.Path() {
		case "/api/v1/documents", "/api/v1/patients/:id/reprocess":
			return UploadCost
		}
	}
	return 1
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.RWMutex
	clients map[string]*ratelimit.Bucket
	stop    chan struct{}
	once    sync.Once
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	return &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*ratelimit.Bucket),
		stop:    make(chan struct{}),
	}
}

func (rl *RateLimiter) bucket(key string) *ratelimit.Bucket {
	rl.mu.RLock()
	b, ok := rl.clients[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.clients[key]; ok {
		return b
	}
	b = ratelimit.NewBucketWithRate(rl.cfg.RequestsPerSecond, int64(rl.cfg.BurstSize))
	rl.clients[key] = b
	return b
}

// Cleanup drops buckets that have refilled completely, every interval, until
// Stop is called.
func (rl *RateLimiter) Cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case <-ticker.C:
				rl.sweep()
			}
		}
	}()
}

func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, b := range rl.clients {
		if b.Available() == b.Capacity() {
			delete(rl.clients, key)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Middleware rejects requests with 429 once the client's bucket is empty.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	limit := strconv.FormatFloat(rl.cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cost := int64(1)
			if rl.cfg.Cost != nil {
				cost = rl.cfg.Cost(c)
			}
			if cost <= 0 {
				return next(c)
			}

			b := rl.bucket(c.RealIP())
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			// A zero max wait takes all cost tokens or none, so a rejected
			// upload leaves the balance for cheaper requests.
			if _, ok := b.TakeMaxDuration(cost, 0); !ok {
				avail := b.Available()
				if avail < 0 {
					avail = 0
				}
				wait := time.Duration(float64(cost-avail) / b.Rate() * float64(time.Second))
				h.Set("X-RateLimit-Remaining", strconv.FormatInt(avail, 10))
				h.Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(b.Available(), 10))
			return next(c)
		}
	}
}

// RateLimit is a convenience wrapper for a limiter without cleanup.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return NewRateLimiter(cfg).Middleware()
}
