package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	UploadLimit   int
	UploadWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	uploadLimit   int
	uploadWindow  time.Duration
	uploadMu      sync.Mutex
	uploadBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		uploadLimit:   cfg.UploadLimit,
		uploadWindow:  cfg.UploadWindow,
		uploadBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.uploadLimit <= 0 {
		rl.uploadLimit = 0
	}
	if rl.uploadWindow <= 0 {
		rl.uploadWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.uploadLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowUploadInit limits how often one client IP may open new upload
// sessions. With a Redis store configured the window is shared across
// instances; otherwise each instance keeps local buckets.
func (r *rateLimiter) AllowUploadInit(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.uploadLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		allowed, retryAfter, err := r.store.Allow(ctx, fmt.Sprintf("hflix:upload-init:%s", key), r.uploadLimit, r.uploadWindow)
		return allowed, retryAfter, err
	}
	if key == "" {
		key = "unknown"
	}
	r.uploadMu.Lock()
	bucket, exists := r.uploadBuckets[key]
	if !exists {
		rate := float64(r.uploadLimit) / r.uploadWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.uploadWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.uploadLimit)}
		r.uploadBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.uploadMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.uploadBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.uploadWindow)
	for key, bucket := range r.uploadBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.uploadBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
