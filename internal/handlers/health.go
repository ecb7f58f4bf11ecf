package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

type ConnectionChecker interface {
	IsConnected() bool
}

type HealthHandler struct {
	queue    ConnectionChecker
	redis    *redis.Client
	breakers []*gobreaker.CircuitBreaker
}

func NewHealthHandler(queue ConnectionChecker, redis *redis.Client, breakers ...*gobreaker.CircuitBreaker) *HealthHandler {
	return &HealthHandler{
		queue:    queue,
		redis:    redis,
		breakers: breakers,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)

	// Check RabbitMQ
	if h.queue != nil && h.queue.IsConnected() {
		checks["rabbitmq"] = "healthy"
	} else {
		checks["rabbitmq"] = "unhealthy"
	}

	// Check Redis
	if err := h.redis.Ping(ctx).Err(); err == nil {
		checks["redis"] = "healthy"
	} else {
		checks["redis"] = "unhealthy"
	}

	// downstream services only degrade us; open breakers already shed load
	for _, cb := range h.breakers {
		switch cb.State() {
		case gobreaker.StateClosed:
			checks[cb.Name()] = "healthy"
		default:
			checks[cb.Name()] = "degraded"
		}
	}

	// Determine overall status
	overallStatus := "healthy"
	for _, status := range checks {
		if status == "unhealthy" {
			overallStatus = "unhealthy"
			break
		} else if status == "degraded" {
			overallStatus = "degraded"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
		"version":   "1.0.0",
	})
}
