package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAllow_CountsUpToCeiling(t *testing.T) {
	_, rdb := setupMockRedis(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	lim := NewLimiter(rdb, Rate{Limit: 3, Window: time.Minute},
		WithClock(clock.Now), WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := lim.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}

	res, err := lim.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Minute, res.RetryAfter)

	clock.Advance(20 * time.Second)
	res, err = lim.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 40*time.Second, res.RetryAfter)

	// other identities are unaffected
	res, err = lim.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAllow_ResetsAfterWindow(t *testing.T) {
	_, rdb := setupMockRedis(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	lim := NewLimiter(rdb, Rate{Limit: 2, Window: time.Minute},
		WithClock(clock.Now), WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := lim.Allow(ctx, "ip")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	clock.Advance(61 * time.Second)

	res, err := lim.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining, "counter restarts at 1 in the new window")
	assert.Equal(t, clock.Now().Add(time.Minute), res.ResetAt)
}

func TestAllow_ConcurrentCallsNeverExceedCeiling(t *testing.T) {
	_, rdb := setupMockRedis(t)
	lim := NewLimiter(rdb, Rate{Limit: 30, Window: time.Hour},
		WithMaxRetries(100), WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := lim.Allow(ctx, "burst")
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(30), allowed.Load())
}

func TestAllow_TwoConcurrentAtLastSlot(t *testing.T) {
	_, rdb := setupMockRedis(t)
	const ceiling = 5
	lim := NewLimiter(rdb, Rate{Limit: ceiling, Window: time.Hour}, WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	for i := 0; i < ceiling-1; i++ {
		res, err := lim.Allow(ctx, "client")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	results := make([]*Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := lim.Allow(ctx, "client")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, r := range results {
		if r.Allowed {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestAllow_FailsClosedWhenStoreUnavailable(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer rdb.Close()
	lim := NewLimiter(rdb, Rate{Limit: 10, Window: time.Minute}, WithRegisterer(prometheus.NewRegistry()))
	s.Close()

	res, err := lim.Allow(context.Background(), "ip")
	require.ErrorContains(t, err, "cannot check rate limit")
	require.NotNil(t, res)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestNewLimiter_RegistersOnlyOnGivenRegisterer(t *testing.T) {
	_, rdb := setupMockRedis(t)
	reg := prometheus.NewRegistry()
	lim := NewLimiter(rdb, Rate{Limit: 1, Window: time.Minute}, WithRegisterer(reg))

	_, err := lim.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "ratelimit_requests_total")
	assert.Contains(t, names, "ratelimit_check_duration_seconds")

	// the default registry was left alone
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total number of rate limit checks.",
	}, []string{"allowed"})
	require.NoError(t, prometheus.DefaultRegisterer.Register(c))
	prometheus.DefaultRegisterer.Unregister(c)
}
