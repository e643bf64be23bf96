package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when Allowed
	ResetAt    time.Time
}

// Limiter admits or rejects a request for key. Calls for the same key are
// linearized; calls for different keys never contend.
type Limiter interface {
	Admit(key string) Decision
}

// Config holds the fixed window parameters.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Validate checks the window parameters.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", c.Window)
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("rate limit max requests must be positive, got %d", c.MaxRequests)
	}
	return nil
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// window is the per-key state. A window marked dead has been evicted from the
// map; holders of a stale pointer must look the key up again.
type window struct {
	mu    sync.Mutex
	start time.Time
	count int
	dead  bool
}

// FixedWindowLimiter counts requests per key in fixed windows that start at
// the first request after the previous window elapsed.
type FixedWindowLimiter struct {
	cfg     Config
	now     func() time.Time
	windows sync.Map // string -> *window
	logger  *zap.Logger
}

// NewFixedWindowLimiter creates a limiter admitting cfg.MaxRequests per key per cfg.Window.
func NewFixedWindowLimiter(cfg Config, logger *zap.Logger, opts ...Option) (*FixedWindowLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &FixedWindowLimiter{cfg: cfg, now: o.now, logger: logger}, nil
}

// Admit records one request for key if the window has room.
func (l *FixedWindowLimiter) Admit(key string) Decision {
	for {
		v, ok := l.windows.Load(key)
		if !ok {
			v, _ = l.windows.LoadOrStore(key, &window{})
		}
		w := v.(*window)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		d := l.admitLocked(w, l.now())
		w.mu.Unlock()
		return d
	}
}

func (l *FixedWindowLimiter) admitLocked(w *window, now time.Time) Decision {
	if w.start.IsZero() || !now.Before(w.start.Add(l.cfg.Window)) {
		w.start = now
		w.count = 0
	}
	reset := w.start.Add(l.cfg.Window)

	if w.count >= l.cfg.MaxRequests {
		return Decision{
			Allowed:    false,
			Limit:      l.cfg.MaxRequests,
			RetryAfter: reset.Sub(now),
			ResetAt:    reset,
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - w.count,
		ResetAt:   reset,
	}
}

// Sweep evicts windows that have elapsed and returns how many were removed.
func (l *FixedWindowLimiter) Sweep() int {
	now := l.now()
	removed := 0
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		if !w.dead && !now.Before(w.start.Add(l.cfg.Window)) {
			w.dead = true
			l.windows.CompareAndDelete(k, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked keys.
func (l *FixedWindowLimiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// StartCleanupWorker sweeps elapsed windows every interval until ctx is done.
func (l *FixedWindowLimiter) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	runCleanup(ctx, l.logger, "fixed window", interval, l.Sweep)
}

func runCleanup(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, sweep func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("started rate limit cleanup worker",
		zap.String("limiter", name),
		zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if n := sweep(); n > 0 {
				logger.Debug("evicted idle rate limit buckets",
					zap.String("limiter", name),
					zap.Int("count", n))
			}
		case <-ctx.Done():
			logger.Info("stopping rate limit cleanup worker", zap.String("limiter", name))
			return
		}
	}
}
