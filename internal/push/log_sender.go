package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogSender accepts every message and only logs it.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log.Named("push")}
}

func (s *LogSender) SendBatch(ctx context.Context, msgs []Message) ([]Result, error) {
	results := make([]Result, len(msgs))
	for i, m := range msgs {
		s.log.Info("mock mode: push not sent",
			zap.String("token", m.Token),
			zap.String("title", m.Title),
			zap.Int("badge", m.Badge),
		)
		results[i] = Result{Token: m.Token, MessageID: fmt.Sprintf("mock-%d", i)}
	}
	return results, nil
}
