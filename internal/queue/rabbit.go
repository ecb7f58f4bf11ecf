package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/habitpush/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	headerDelay   = "x-delay"
	headerAttempt = "x-attempt"
	headerReason  = "x-failure-reason"
)

// RabbitMqClient owns the AMQP connection. Tasks are published to an
// x-delayed-message exchange so they become visible at their schedule
// time; the work queue dead-letters into the failed queue.
type RabbitMqClient struct {
	Conn   *amqp.Connection
	Config config.RabbitMQConfig

	mu      sync.Mutex
	channel *amqp.Channel
	log     *zap.Logger
}

func NewRabbitMqClient(cfg config.RabbitMQConfig, log *zap.Logger) (*RabbitMqClient, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	r := &RabbitMqClient{
		Conn:   conn,
		Config: cfg,
		log:    log.Named("rabbitmq"),
	}
	if _, err := r.publishChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMqClient) IsConnected() bool {
	return r.Conn != nil && !r.Conn.IsClosed()
}

func (r *RabbitMqClient) CloseConnection() {
	r.mu.Lock()
	if r.channel != nil {
		r.channel.Close()
	}
	r.mu.Unlock()
	r.Conn.Close()
}

// publishChannel returns the confirm-mode channel used for publishing,
// reopening it if the broker closed it (a 404 on a channel closes it).
func (r *RabbitMqClient) publishChannel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil && !r.channel.IsClosed() {
		return r.channel, nil
	}
	ch, err := r.Conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("could not create a channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("could not enable publisher confirms: %w", err)
	}
	r.channel = ch
	return ch, nil
}

// QueueExists checks the work queue with a passive declare on a throwaway
// channel.
func (r *RabbitMqClient) QueueExists(ctx context.Context) (bool, error) {
	ch, err := r.Conn.Channel()
	if err != nil {
		return false, fmt.Errorf("could not create a channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclarePassive(r.Config.TaskQueue, true, false, false, false, nil)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect queue %s: %w", r.Config.TaskQueue, err)
	}
	return true, nil
}

// DeclareTopology sets up the delayed exchange, the failed queue and the
// work queue. Declaring an existing, identical topology is a no-op.
func (r *RabbitMqClient) DeclareTopology(ctx context.Context) error {
	ch, err := r.Conn.Channel()
	if err != nil {
		return fmt.Errorf("could not create a channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		r.Config.Exchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	); err != nil {
		return fmt.Errorf("error in declaring exchange %s: %w", r.Config.Exchange, err)
	}

	if _, err := ch.QueueDeclare(r.Config.FailedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("error declaring queue %s: %w", r.Config.FailedQueue, err)
	}
	if _, err := ch.QueueDeclare(
		r.Config.TaskQueue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": r.Config.FailedQueue,
		},
	); err != nil {
		return fmt.Errorf("error declaring queue %s: %w", r.Config.TaskQueue, err)
	}
	if err := ch.QueueBind(r.Config.TaskQueue, r.Config.RoutingKey, r.Config.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", r.Config.TaskQueue, err)
	}
	r.log.Info("queue topology declared",
		zap.String("exchange", r.Config.Exchange),
		zap.String("queue", r.Config.TaskQueue),
		zap.String("failed_queue", r.Config.FailedQueue),
	)
	return nil
}

// Publish sends one persistent task through the delayed exchange and waits
// for the broker confirm. A missing queue yields ErrQueueNotFound.
func (r *RabbitMqClient) Publish(ctx context.Context, env Envelope) error {
	exists, err := r.QueueExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return ErrQueueNotFound
	}

	delay := env.Delay
	if delay < 0 {
		delay = 0
	}
	return r.publish(ctx, r.Config.Exchange, r.Config.RoutingKey, amqp.Publishing{
		ContentType:  "application/octet-stream",
		MessageId:    env.ID,
		Body:         env.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			headerDelay:   delay.Milliseconds(),
			headerAttempt: int32(env.Attempt),
		},
	})
}

// DeadLetter parks a task on the failed queue.
func (r *RabbitMqClient) DeadLetter(ctx context.Context, env Envelope, reason string) error {
	return r.publish(ctx, "", r.Config.FailedQueue, amqp.Publishing{
		ContentType:  "application/octet-stream",
		MessageId:    env.ID,
		Body:         env.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			headerAttempt: int32(env.Attempt),
			headerReason:  reason,
		},
	})
}

func (r *RabbitMqClient) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ch, err := r.publishChannel()
	if err != nil {
		return err
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if isNotFound(err) {
		return ErrQueueNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for publish confirm: %w", err)
	}
	if !ok {
		return errors.New("broker rejected message")
	}
	return nil
}

// Consume opens a dedicated channel with the given prefetch and starts
// delivering from the work queue.
func (r *RabbitMqClient) Consume(ctx context.Context, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := r.Conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("could not create a channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, r.Config.TaskQueue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", r.Config.TaskQueue, err)
	}
	go func() {
		<-ctx.Done()
		ch.Close()
	}()
	return deliveries, nil
}

func isNotFound(err error) bool {
	var aerr *amqp.Error
	return errors.As(err, &aerr) && aerr.Code == amqp.NotFound
}
