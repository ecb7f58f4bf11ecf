package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/franzego/habitpush/internal/config"
	"github.com/franzego/habitpush/internal/models"
	"github.com/franzego/habitpush/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type ContentRequest struct {
	UserID     string      `json:"userId"`
	WindowType string      `json:"windowType"`
	LocalDate  string      `json:"localDate"`
	Tier       models.Tier `json:"tier"`
}

// ContentClient fetches personalised notification text from the content
// generator.
type ContentClient struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	mockMode   bool
	log        *zap.Logger
}

func NewContentClient(cfg config.ServicesConfig, breaker config.BreakerConfig, mockMode bool, log *zap.Logger) *ContentClient {
	log = log.Named("content")
	return &ContentClient{
		baseURL: cfg.ContentServiceURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cb:       circuitbreaker.NewCircuitBreaker("content-service", breaker, log),
		mockMode: mockMode,
		log:      log,
	}
}

func (c *ContentClient) Breaker() *gobreaker.CircuitBreaker {
	return c.cb
}

func (c *ContentClient) Generate(ctx context.Context, in ContentRequest) (models.Content, error) {
	if c.mockMode {
		c.log.Debug("mock mode enabled: returning canned content", zap.String("window", in.WindowType))
		return models.Content{
			Title: fmt.Sprintf("Your %s check-in", in.WindowType),
			Body:  "How are your habits going today?",
		}, nil
	}
	body, err := json.Marshal(in)
	if err != nil {
		return models.Content{}, err
	}
	result, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/content/notifications", bytes.NewReader(body))
		if err != nil {
			return models.Content{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return models.Content{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return models.Content{}, fmt.Errorf("content service returned %d", resp.StatusCode)
		}
		var content models.Content
		if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
			return models.Content{}, fmt.Errorf("decode content: %w", err)
		}
		if content.Title == "" && content.Body == "" {
			return models.Content{}, fmt.Errorf("content service returned empty content")
		}
		return content, nil
	})
	if err != nil {
		return models.Content{}, err
	}
	return result.(models.Content), nil
}
