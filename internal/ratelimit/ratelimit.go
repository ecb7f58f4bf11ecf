// Package ratelimit implements a fixed-window request counter stored in
// Redis. Each check is a single-key optimistic transaction (WATCH/MULTI),
// so two concurrent callers for the same identity can never both observe
// a pre-increment count below the ceiling.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type (
	// Option configures the Limiter during initialization.
	Option func(l *Limiter)

	Limiter struct {
		rdb        *redis.Client
		log        *zap.Logger
		rate       Rate
		maxRetries int
		now        func() time.Time
		registerer prometheus.Registerer

		requestsTotal *prometheus.CounterVec
		checkDuration *prometheus.HistogramVec
	}

	// Rate defines the ceiling and window length.
	Rate struct {
		Limit  int
		Window time.Duration
	}

	// Result contains the outcome of a rate limit check.
	Result struct {
		Allowed    bool
		Limit      int
		Remaining  int
		ResetAt    time.Time
		RetryAfter time.Duration
	}
)

const keyPrefix = "ratelimit:"

// ErrContention is returned when the optimistic transaction kept losing
// to concurrent writers. The check is treated as a deny.
var ErrContention = errors.New("ratelimit: too much contention on counter")

func WithLogger(l *zap.Logger) Option {
	return func(lim *Limiter) {
		lim.log = l.Named("ratelimit")
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerer = r
	}
}

// WithClock overrides time.Now, used by tests to cross window boundaries.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func WithMaxRetries(n int) Option {
	return func(l *Limiter) {
		l.maxRetries = n
	}
}

func NewLimiter(rdb *redis.Client, rate Rate, options ...Option) *Limiter {
	l := &Limiter{
		rdb:        rdb,
		log:        zap.NewNop(),
		rate:       rate,
		maxRetries: 10,
		now:        time.Now,
		registerer: prometheus.DefaultRegisterer,
	}
	for _, o := range options {
		o(l)
	}
	l.registerMetrics(l.registerer)
	return l
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Total number of rate limit checks.",
		},
		[]string{"allowed"},
	)
	if err := r.Register(l.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of rate limit checks in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"allowed"},
	)
	if err := r.Register(l.checkDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.checkDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
}

// Rate returns the configured ceiling and window.
func (l *Limiter) Rate() Rate {
	return l.rate
}

// Allow checks and increments the counter for identity. When the store
// fails, the returned Result denies the request and err is non-nil.
func (l *Limiter) Allow(ctx context.Context, identity string) (*Result, error) {
	start := time.Now()
	key := keyPrefix + identity

	var res *Result
	txf := func(tx *redis.Tx) error {
		now := l.now()
		vals, err := tx.HMGet(ctx, key, "count", "window_start").Result()
		if err != nil {
			return err
		}
		count, windowStart := parseCounter(vals)

		if windowStart.IsZero() || now.Sub(windowStart) > l.rate.Window {
			count = 0
			windowStart = now
		}
		resetAt := windowStart.Add(l.rate.Window)

		if count >= l.rate.Limit {
			res = &Result{
				Allowed:    false,
				Limit:      l.rate.Limit,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: resetAt.Sub(now),
			}
			return nil
		}

		count++
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "count", count, "window_start", windowStart.UnixMilli())
			pipe.PExpire(ctx, key, 2*l.rate.Window)
			return nil
		})
		if err != nil {
			return err
		}
		res = &Result{
			Allowed:   true,
			Limit:     l.rate.Limit,
			Remaining: l.rate.Limit - count,
			ResetAt:   resetAt,
		}
		return nil
	}

	var err error
	for i := 0; i < l.maxRetries; i++ {
		err = l.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrContention
	}
	if err != nil {
		// fail closed
		l.log.Error("rate limit check failed, denying",
			zap.String("identity", identity),
			zap.Error(err),
		)
		l.recordMetrics(false, time.Since(start))
		return &Result{
			Allowed:    false,
			Limit:      l.rate.Limit,
			RetryAfter: l.rate.Window,
			ResetAt:    l.now().Add(l.rate.Window),
		}, fmt.Errorf("cannot check rate limit: %w", err)
	}

	l.recordMetrics(res.Allowed, time.Since(start))
	return res, nil
}

func parseCounter(vals []interface{}) (int, time.Time) {
	var (
		count       int
		windowStart time.Time
	)
	if len(vals) != 2 {
		return 0, time.Time{}
	}
	if s, ok := vals[0].(string); ok {
		count, _ = strconv.Atoi(s)
	}
	if s, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			windowStart = time.UnixMilli(ms)
		}
	}
	return count, windowStart
}

func (l *Limiter) recordMetrics(allowed bool, duration time.Duration) {
	allowedStr := strconv.FormatBool(allowed)
	l.requestsTotal.WithLabelValues(allowedStr).Inc()
	l.checkDuration.WithLabelValues(allowedStr).Observe(duration.Seconds())
}
