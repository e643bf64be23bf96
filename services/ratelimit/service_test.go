package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 15, 14, 30, 45, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixed(t *testing.T, n int, window time.Duration, clock *testClock) *FixedWindowLimiter {
	t.Helper()
	l, err := NewFixedWindowLimiter(Config{Window: window, MaxRequests: n}, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	return l
}

func TestFixedWindowLimiter_AdmitsExactlyN(t *testing.T) {
	clock := newTestClock()
	l := newFixed(t, 3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		d := l.Admit("user:a")
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
		assert.Zero(t, d.RetryAfter)
	}

	clock.Advance(20 * time.Second)
	d := l.Admit("user:a")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 40*time.Second, d.RetryAfter)
	assert.Equal(t, clock.Now().Add(40*time.Second), d.ResetAt)

	t.Run("rejections keep reporting a positive retry", func(t *testing.T) {
		clock.Advance(39 * time.Second)
		d := l.Admit("user:a")
		assert.False(t, d.Allowed)
		assert.Equal(t, time.Second, d.RetryAfter)
	})

	t.Run("window elapses and admission resets", func(t *testing.T) {
		clock.Advance(time.Second)
		d := l.Admit("user:a")
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Remaining)
	})
}

func TestFixedWindowLimiter_KeysAreIndependent(t *testing.T) {
	clock := newTestClock()
	l := newFixed(t, 1, time.Minute, clock)

	assert.True(t, l.Admit("user:a").Allowed)
	assert.False(t, l.Admit("user:a").Allowed)
	assert.True(t, l.Admit("user:b").Allowed)
	assert.Equal(t, 2, l.Len())
}

func TestFixedWindowLimiter_ConcurrentSameKey(t *testing.T) {
	const (
		n = 25
		m = 400
	)
	clock := newTestClock()
	l := newFixed(t, n, time.Hour, clock)

	var admitted, rejected atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Admit("user:hot").Allowed {
				admitted.Add(1)
			} else {
				rejected.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, n, admitted.Load())
	assert.EqualValues(t, m-n, rejected.Load())
}

func TestFixedWindowLimiter_ConcurrentWithSweep(t *testing.T) {
	const n = 10
	clock := newTestClock()
	l := newFixed(t, n, time.Minute, clock)

	// an elapsed window for the key is swept while requests race for it
	l.Admit("user:a")
	clock.Advance(time.Minute)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("user:a").Allowed {
				admitted.Add(1)
			}
		}()
		if i%10 == 0 {
			l.Sweep()
		}
	}
	wg.Wait()

	assert.EqualValues(t, n, admitted.Load())
}

func TestFixedWindowLimiter_Sweep(t *testing.T) {
	clock := newTestClock()
	l := newFixed(t, 5, time.Minute, clock)

	l.Admit("a")
	clock.Advance(30 * time.Second)
	l.Admit("b")
	assert.Equal(t, 0, l.Sweep())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())

	d := l.Admit("a")
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewFixedWindowLimiter(Config{Window: 0, MaxRequests: 1}, zap.NewNop())
	assert.Error(t, err)
	_, err = NewFixedWindowLimiter(Config{Window: time.Second, MaxRequests: 0}, zap.NewNop())
	assert.Error(t, err)
}

func TestStartCleanupWorker_StopsOnCancel(t *testing.T) {
	l, err := NewFixedWindowLimiter(Config{Window: time.Millisecond, MaxRequests: 1}, zap.NewNop())
	require.NoError(t, err)
	l.Admit("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.StartCleanupWorker(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup worker did not stop")
	}
}
