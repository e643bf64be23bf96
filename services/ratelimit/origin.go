package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BucketConfig describes a token bucket refilled at PerSecond up to Burst.
type BucketConfig struct {
	PerSecond float64
	Burst     int
	Idle      time.Duration // evict buckets untouched this long
}

// Validate checks the bucket parameters.
func (c BucketConfig) Validate() error {
	if c.PerSecond <= 0 {
		return fmt.Errorf("token bucket rate must be positive, got %v", c.PerSecond)
	}
	if c.Burst <= 0 {
		return fmt.Errorf("token bucket burst must be positive, got %d", c.Burst)
	}
	return nil
}

type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
	dead     bool
}

// TokenBucketLimiter keeps one rate.Limiter per key. It guards the
// unauthenticated endpoints, keyed by client origin.
type TokenBucketLimiter struct {
	cfg     BucketConfig
	now     func() time.Time
	buckets sync.Map // string -> *bucket
	logger  *zap.Logger
}

// NewTokenBucketLimiter creates a per-key token bucket limiter.
func NewTokenBucketLimiter(cfg BucketConfig, logger *zap.Logger, opts ...Option) (*TokenBucketLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 10 * time.Minute
	}
	o := buildOptions(opts)
	return &TokenBucketLimiter{cfg: cfg, now: o.now, logger: logger}, nil
}

// Admit takes one token from key's bucket. When none is available the
// reservation is cancelled and the wait until the next token is reported.
func (l *TokenBucketLimiter) Admit(key string) Decision {
	for {
		v, ok := l.buckets.Load(key)
		if !ok {
			v, _ = l.buckets.LoadOrStore(key, &bucket{
				limiter: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst),
			})
		}
		b := v.(*bucket)

		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		d := l.admitLocked(b, l.now())
		b.mu.Unlock()
		return d
	}
}

func (l *TokenBucketLimiter) admitLocked(b *bucket, now time.Time) Decision {
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, Limit: l.cfg.Burst, RetryAfter: time.Second, ResetAt: now.Add(time.Second)}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{
			Allowed:    false,
			Limit:      l.cfg.Burst,
			RetryAfter: delay,
			ResetAt:    now.Add(delay),
		}
	}

	return Decision{
		Allowed:   true,
		Limit:     l.cfg.Burst,
		Remaining: int(b.limiter.TokensAt(now)),
		ResetAt:   now,
	}
}

// Sweep evicts buckets idle for longer than the configured idle period.
func (l *TokenBucketLimiter) Sweep() int {
	now := l.now()
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if !b.dead && now.Sub(b.lastSeen) >= l.cfg.Idle {
			b.dead = true
			l.buckets.CompareAndDelete(k, b)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// StartCleanupWorker sweeps idle buckets every interval until ctx is done.
func (l *TokenBucketLimiter) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	runCleanup(ctx, l.logger, "token bucket", interval, l.Sweep)
}
