package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/franzego/habitpush/internal/auth"
	"github.com/franzego/habitpush/internal/models"
	"github.com/franzego/habitpush/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CorrelationIDKey = "X-Correlation-ID"
	UserIDKey        = "user_id"
	AnonymousKey     = "anonymous"
)

// needed to ensure we have the id for tracking every request for its lifetime
func CorrelationID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		correlationId := ctx.GetHeader(CorrelationIDKey)
		if correlationId == "" {
			correlationId = uuid.New().String()
		}
		ctx.Set(CorrelationIDKey, correlationId)
		ctx.Header(CorrelationIDKey, correlationId)
		ctx.Next()
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("correlation_id", c.GetString(CorrelationIDKey)),
		)
	}
}

func unauthorized(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.APIResponse{
		Success: false,
		Error:   reason,
		Message: "Unauthorized",
	})
}

func bearer(c *gin.Context) (string, bool) {
	authKey := c.GetHeader("Authorization")
	if authKey == "" {
		unauthorized(c, "Authorization header required")
		return "", false
	}
	parts := strings.SplitN(authKey, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		unauthorized(c, "Invalid Api Key")
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware accepts user tokens from the authentication layer and
// stores the identity on the context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		tokenString, ok := bearer(c)
		if !ok {
			return
		}
		id, err := auth.Parse(tokenString, key)
		if err != nil {
			unauthorized(c, "Invalid Token")
			return
		}
		c.Set(UserIDKey, id.UserID)
		c.Set(AnonymousKey, id.Anonymous)
		c.Next()
	}
}

// RequireScope accepts only tokens carrying the given scope, such as the
// worker's dispatch token or an operator's admin token.
func RequireScope(secret, scope string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		tokenString, ok := bearer(c)
		if !ok {
			return
		}
		id, err := auth.Parse(tokenString, key)
		if err != nil {
			unauthorized(c, "Invalid Token")
			return
		}
		if id.Scope != scope {
			c.AbortWithStatusJSON(http.StatusForbidden, models.APIResponse{
				Success: false,
				Error:   "token scope does not allow this action",
				Message: "Forbidden",
			})
			return
		}
		c.Set(UserIDKey, id.UserID)
		c.Next()
	}
}

// RateLimit admits requests per client IP. A limiter error fails closed.
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if err != nil || !res.Allowed {
			retry := int(res.RetryAfter.Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.APIResponse{
				Success: false,
				Error:   "rate_limited",
				Data:    gin.H{"retry_after_seconds": retry},
				Message: "Too many requests",
			})
			return
		}
		c.Next()
	}
}
