package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/franzego/habitpush/internal/auth"
	"github.com/franzego/habitpush/internal/config"
	"github.com/franzego/habitpush/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrPermanent marks a delivery failure that retrying cannot fix. The
// worker dead-letters such tasks immediately.
var ErrPermanent = errors.New("queue: permanent delivery failure")

// Target receives due tasks.
type Target interface {
	Deliver(ctx context.Context, body []byte) error
}

// TargetFunc adapts an in-process handler to Target.
type TargetFunc func(ctx context.Context, body []byte) error

func (f TargetFunc) Deliver(ctx context.Context, body []byte) error {
	return f(ctx, body)
}

// HTTPTarget posts tasks to the dispatch webhook, the way a managed task
// queue would.
type HTTPTarget struct {
	url        string
	secret     []byte
	ttl        time.Duration
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	now        func() time.Time
}

func NewHTTPTarget(url string, authCfg config.AuthConfig, timeout time.Duration, breaker config.BreakerConfig, log *zap.Logger) *HTTPTarget {
	return &HTTPTarget{
		url:    url,
		secret: []byte(authCfg.TaskSecret),
		ttl:    authCfg.TaskTTL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb:  circuitbreaker.NewCircuitBreaker("dispatch-webhook", breaker, log),
		now: time.Now,
	}
}

func (h *HTTPTarget) Breaker() *gobreaker.CircuitBreaker {
	return h.cb
}

func (h *HTTPTarget) Deliver(ctx context.Context, body []byte) error {
	token, err := auth.SignTaskToken(h.secret, h.ttl, h.now())
	if err != nil {
		return err
	}

	// 4xx answers do not count against the breaker
	result, err := h.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := h.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 {
			return resp.StatusCode, fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return err
	}

	status := result.(int)
	if status >= 400 {
		return fmt.Errorf("%w: webhook returned %d", ErrPermanent, status)
	}
	return nil
}
