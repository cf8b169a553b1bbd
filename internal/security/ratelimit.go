package security

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int
	// Burst is how many requests a client may make at once.
	Burst int
	// IdleTTL drops a client's bucket after this long without requests.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		Burst:             10,
		IdleTTL:           10 * time.Minute,
	}
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	cfg     RateLimitConfig
	limit   rate.Limit
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a rate limiter and starts its idle sweeper.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}

	rl := &RateLimiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow takes a token for key. When it returns false, RetryAfter says when
// the next token is due.
func (rl *RateLimiter) Allow(key string) (RateLimitInfo, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.cfg.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	info := RateLimitInfo{Limit: rl.cfg.Burst}
	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		info.RetryAfter = delay
		return info, false
	}
	info.Remaining = int(math.Floor(b.limiter.TokensAt(now)))
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	return info, true
}

// Stop ends the idle sweeper.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.dropIdle()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) dropIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.cfg.IdleTTL)
	dropped := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			dropped++
		}
	}
	return dropped
}
