package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/habitpush/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy is the per-queue retry configuration.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns the wait before the attempt after attempt n (1-based):
// MinBackoff doubled per attempt, capped at MaxBackoff.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.MinBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type Consumer interface {
	Consume(ctx context.Context, prefetch int) (<-chan amqp.Delivery, error)
}

type (
	WorkerOption func(w *Worker)

	// Worker pulls due tasks and delivers them at no more than the
	// configured dispatch rate.
	Worker struct {
		consumer   Consumer
		broker     Broker
		target     Target
		policy     RetryPolicy
		limiter    *rate.Limiter
		burst      int
		log        *zap.Logger
		registerer prometheus.Registerer

		tasksTotal *prometheus.CounterVec
	}
)

func WithWorkerRegisterer(r prometheus.Registerer) WorkerOption {
	return func(w *Worker) {
		w.registerer = r
	}
}

func NewWorker(consumer Consumer, broker Broker, target Target, cfg config.QueueConfig, log *zap.Logger, opts ...WorkerOption) *Worker {
	burst := cfg.DispatchBurst
	if burst <= 0 {
		burst = 1
	}
	w := &Worker{
		consumer: consumer,
		broker:   broker,
		target:   target,
		policy: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			MinBackoff:  cfg.MinBackoff,
			MaxBackoff:  cfg.MaxBackoff,
		},
		limiter:    rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst),
		burst:      burst,
		log:        log.Named("worker"),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, o := range opts {
		o(w)
	}
	w.registerMetrics(w.registerer)
	return w
}

func (w *Worker) registerMetrics(r prometheus.Registerer) {
	w.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "queue",
			Name:      "tasks_total",
			Help:      "Tasks handled by the worker, by outcome.",
		},
		[]string{"outcome"},
	)
	if err := r.Register(w.tasksTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			w.tasksTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Run consumes until ctx is cancelled. Prefetch and the number of
// concurrent deliveries both equal the dispatch burst.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.consumer.Consume(ctx, w.burst)
	if err != nil {
		return err
	}
	w.log.Info("worker started", zap.Int("concurrency", w.burst), zap.Float64("rate", float64(w.limiter.Limit())))

	var wg sync.WaitGroup
	for i := 0; i < w.burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				w.Handle(ctx, d)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("worker: delivery channel closed")
}

// Handle processes a single delivery and settles it.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) {
	if err := w.limiter.Wait(ctx); err != nil {
		_ = d.Nack(false, true)
		return
	}

	attempt := attemptOf(d.Headers)
	log := w.log.With(zap.String("task_id", d.MessageId), zap.Int("attempt", attempt))
	env := Envelope{ID: d.MessageId, Body: d.Body, Attempt: attempt}

	err := w.target.Deliver(ctx, d.Body)
	switch {
	case err == nil:
		w.settle(log, d.Ack(false), "delivered")
	case errors.Is(err, ErrPermanent):
		log.Warn("permanent task failure, dead-lettering", zap.Error(err))
		w.deadLetter(ctx, log, d, env, err.Error())
	case attempt >= w.policy.MaxAttempts:
		log.Error("task failed on final attempt, dead-lettering", zap.Error(err))
		w.deadLetter(ctx, log, d, env, fmt.Sprintf("max attempts reached: %v", err))
	default:
		env.Attempt = attempt + 1
		env.Delay = w.policy.Backoff(attempt)
		log.Warn("task failed, scheduling retry", zap.Duration("backoff", env.Delay), zap.Error(err))
		if perr := w.broker.Publish(ctx, env); perr != nil {
			log.Error("failed to republish task, requeueing", zap.Error(perr))
			w.settle(log, d.Nack(false, true), "requeued")
			return
		}
		w.settle(log, d.Ack(false), "retried")
	}
}

func (w *Worker) deadLetter(ctx context.Context, log *zap.Logger, d amqp.Delivery, env Envelope, reason string) {
	if err := w.broker.DeadLetter(ctx, env, reason); err != nil {
		// the queue's dead-letter exchange still routes it to the failed queue
		log.Error("failed to publish to failed queue, rejecting", zap.Error(err))
		w.settle(log, d.Reject(false), "dead_lettered")
		return
	}
	w.settle(log, d.Ack(false), "dead_lettered")
}

func (w *Worker) settle(log *zap.Logger, err error, outcome string) {
	if err != nil {
		log.Error("failed to settle delivery", zap.String("outcome", outcome), zap.Error(err))
	}
	w.tasksTotal.WithLabelValues(outcome).Inc()
}

func attemptOf(h amqp.Table) int {
	switch v := h[headerAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	}
	return 1
}
