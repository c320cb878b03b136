// Package ratelimit throttles trust API callers with a per-key token bucket.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/auth"
	"github.com/mbd888/trustgate/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize is the bucket capacity
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	buckets  map[string]*bucket
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// WithClock overrides the time source (for testing).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup drops buckets that have been idle long enough to be full again.
func (l *Limiter) cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.refillTime())
	dropped := 0
	for key, b := range l.buckets {
		if b.lastCheck.Before(cutoff) {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}

func (l *Limiter) refillTime() time.Duration {
	if l.cfg.RequestsPerMinute <= 0 {
		return 2 * time.Minute
	}
	perToken := time.Minute / time.Duration(l.cfg.RequestsPerMinute)
	return time.Duration(l.cfg.BurstSize+1) * perToken
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return l.cfg.BurstSize > 0
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware limits by authenticated account, falling back to client IP. It
// must run after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if accountID := auth.AccountID(c); accountID != "" {
			key = "account:" + accountID
		}

		if !l.Allow(key) {
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(l.retryAfterSeconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}

func (l *Limiter) retryAfterSeconds() int {
	if l.cfg.RequestsPerMinute <= 0 {
		return 60
	}
	secs := 60 / l.cfg.RequestsPerMinute
	if secs < 1 {
		secs = 1
	}
	return secs
}
