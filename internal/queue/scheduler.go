// Package queue is the durable task scheduler. Scheduler puts dispatch
// tasks on RabbitMQ with a future delivery time; Worker takes them off when
// due and hands them to a Target.
package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/habitpush/internal/config"
	"github.com/franzego/habitpush/internal/models"
	"go.uber.org/zap"
)

// ErrQueueNotFound means the work queue does not exist, usually because it
// was deleted after EnsureQueue ran.
var ErrQueueNotFound = errors.New("queue: work queue not found")

type Readiness int

const (
	Unready Readiness = iota
	Ready
)

func (r Readiness) String() string {
	if r == Ready {
		return "ready"
	}
	return "unready"
}

// Envelope is one task on the wire.
type Envelope struct {
	ID      string
	Body    []byte
	Delay   time.Duration
	Attempt int
}

type TaskHandle struct {
	ID           string
	Queue        string
	ScheduledFor time.Time
}

// Broker is the subset of RabbitMqClient the scheduler and worker use.
type Broker interface {
	QueueExists(ctx context.Context) (bool, error)
	DeclareTopology(ctx context.Context) error
	Publish(ctx context.Context, env Envelope) error
	DeadLetter(ctx context.Context, env Envelope, reason string) error
}

type Scheduler struct {
	broker         Broker
	queueName      string
	setupTimeout   time.Duration
	publishTimeout time.Duration
	log            *zap.Logger
	now            func() time.Time
}

func NewScheduler(broker Broker, rcfg config.RabbitMQConfig, qcfg config.QueueConfig, log *zap.Logger) *Scheduler {
	return &Scheduler{
		broker:         broker,
		queueName:      rcfg.TaskQueue,
		setupTimeout:   qcfg.SetupTimeout,
		publishTimeout: qcfg.PublishTimeout,
		log:            log.Named("scheduler"),
		now:            time.Now,
	}
}

// EnsureQueue creates the queue topology if the work queue is missing.
// It is safe to call on every run.
func (s *Scheduler) EnsureQueue(ctx context.Context) (Readiness, error) {
	ctx, cancel := withTimeout(ctx, s.setupTimeout)
	defer cancel()

	exists, err := s.broker.QueueExists(ctx)
	if err != nil {
		return Unready, err
	}
	if exists {
		return Ready, nil
	}
	s.log.Info("work queue missing, creating", zap.String("queue", s.queueName))
	if err := s.broker.DeclareTopology(ctx); err != nil {
		return Unready, err
	}
	return Ready, nil
}

// Enqueue publishes one task to fire at scheduleTime. If the queue has
// disappeared it is recreated and the publish retried exactly once.
func (s *Scheduler) Enqueue(ctx context.Context, task models.DispatchTask, scheduleTime time.Time) (TaskHandle, error) {
	body, err := EncodeTask(task)
	if err != nil {
		return TaskHandle{}, err
	}
	env := Envelope{
		ID:      task.NotificationID,
		Body:    body,
		Delay:   scheduleTime.Sub(s.now()),
		Attempt: 1,
	}
	if env.Delay < 0 {
		env.Delay = 0
	}

	err = s.publish(ctx, env)
	if errors.Is(err, ErrQueueNotFound) {
		s.log.Warn("queue missing on enqueue, recreating once",
			zap.String("queue", s.queueName),
			zap.String("notification_id", task.NotificationID),
		)
		if _, rerr := s.EnsureQueue(ctx); rerr != nil {
			return TaskHandle{}, fmt.Errorf("recreate queue: %w", rerr)
		}
		err = s.publish(ctx, env)
	}
	if err != nil {
		return TaskHandle{}, fmt.Errorf("enqueue %s: %w", task.NotificationID, err)
	}
	return TaskHandle{ID: task.NotificationID, Queue: s.queueName, ScheduledFor: scheduleTime.UTC()}, nil
}

func (s *Scheduler) publish(ctx context.Context, env Envelope) error {
	ctx, cancel := withTimeout(ctx, s.publishTimeout)
	defer cancel()
	return s.broker.Publish(ctx, env)
}

// EncodeTask renders the opaque task body: base64 of the JSON document.
func EncodeTask(task models.DispatchTask) ([]byte, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
