package push

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/franzego/habitpush/internal/config"
	"github.com/franzego/habitpush/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type FCMSender struct {
	client  *messaging.Client
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
	timeout time.Duration
}

func NewFCMSender(ctx context.Context, cfg config.PushConfig, breaker config.BreakerConfig, log *zap.Logger) (*FCMSender, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	log = log.Named("push")
	return &FCMSender{
		client:  client,
		cb:      circuitbreaker.NewCircuitBreaker("push-fcm", breaker, log),
		log:     log,
		timeout: cfg.SendTimeout,
	}, nil
}

func (s *FCMSender) Breaker() *gobreaker.CircuitBreaker {
	return s.cb
}

func (s *FCMSender) SendBatch(ctx context.Context, msgs []Message) ([]Result, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d messages exceeds %d", ErrBatchFailed, len(msgs), MaxBatchSize)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	fcmMsgs := make([]*messaging.Message, len(msgs))
	for i, m := range msgs {
		fcmMsgs[i] = toFCM(m)
	}

	resp, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SendEach(ctx, fcmMsgs)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	br := resp.(*messaging.BatchResponse)

	results := make([]Result, len(msgs))
	for i, m := range msgs {
		results[i].Token = m.Token
		if i >= len(br.Responses) || br.Responses[i] == nil {
			results[i].Err = fmt.Errorf("push: missing response for message %d", i)
			continue
		}
		r := br.Responses[i]
		if r.Success {
			results[i].MessageID = r.MessageID
			continue
		}
		results[i].Err = r.Error
		results[i].Unregistered = messaging.IsUnregistered(r.Error) || messaging.IsInvalidArgument(r.Error)
	}
	s.log.Debug("batch sent",
		zap.Int("success", br.SuccessCount),
		zap.Int("failure", br.FailureCount),
	)
	return results, nil
}

func toFCM(m Message) *messaging.Message {
	badge := m.Badge
	return &messaging.Message{
		Token: m.Token,
		Notification: &messaging.Notification{
			Title: m.Title,
			Body:  m.Body,
		},
		Data: m.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:             "default",
				NotificationCount: &badge,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Badge: &badge,
					Sound: "default",
				},
			},
		},
	}
}
