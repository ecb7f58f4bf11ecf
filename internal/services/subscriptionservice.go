package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/franzego/habitpush/internal/config"
	"github.com/franzego/habitpush/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// SubscriptionClient asks the subscription store whether a user pays.
type SubscriptionClient struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	mockMode   bool
	log        *zap.Logger
}

func NewSubscriptionClient(cfg config.ServicesConfig, breaker config.BreakerConfig, mockMode bool, log *zap.Logger) *SubscriptionClient {
	log = log.Named("subscription")
	return &SubscriptionClient{
		baseURL: cfg.SubscriptionServiceURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cb:       circuitbreaker.NewCircuitBreaker("subscription-service", breaker, log),
		mockMode: mockMode,
		log:      log,
	}
}

func (s *SubscriptionClient) Breaker() *gobreaker.CircuitBreaker {
	return s.cb
}

type subscriptionResponse struct {
	Premium bool   `json:"premium"`
	Tier    string `json:"tier"`
}

func (s *SubscriptionClient) IsPremium(ctx context.Context, userID string) (bool, error) {
	if s.mockMode {
		s.log.Debug("mock mode enabled: every user is free", zap.String("user_id", userID))
		return false, nil
	}
	result, err := s.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/users/%s/subscription", s.baseURL, url.PathEscape(userID)), nil)
		if err != nil {
			return false, err
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			// no subscription on file
			return false, nil
		default:
			return false, fmt.Errorf("subscription service returned %d", resp.StatusCode)
		}

		var body subscriptionResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("decode subscription: %w", err)
		}
		return body.Premium || body.Tier == "premium", nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}
