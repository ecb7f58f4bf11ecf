package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/habitpush/internal/auth"
	"github.com/franzego/habitpush/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func identityRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(UserIDKey), "anonymous": c.GetBool(AnonymousKey)})
	})
	return r
}

func get(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCorrelationID(t *testing.T) {
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(CorrelationIDKey)) })

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get(CorrelationIDKey))
	assert.Equal(t, w.Header().Get(CorrelationIDKey), w.Body.String())

	req.Header.Set(CorrelationIDKey, "abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(CorrelationIDKey))
}

func TestAuthMiddleware(t *testing.T) {
	r := identityRouter(AuthMiddleware(secret))

	tok, err := auth.Sign([]byte(secret), jwt.MapClaims{"user_id": "u1", "anonymous": true})
	require.NoError(t, err)

	w := get(r, "Bearer "+tok)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"u1","anonymous":true}`, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, tok).Code, "missing Bearer prefix")
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer nope").Code)
}

func TestRequireScope(t *testing.T) {
	r := identityRouter(RequireScope(secret, auth.ScopeDispatch))

	task, err := auth.SignTaskToken([]byte(secret), time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(r, "Bearer "+task).Code)

	user, err := auth.Sign([]byte(secret), jwt.MapClaims{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, get(r, "Bearer "+user).Code)
}

func TestRateLimit(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	lim := ratelimit.NewLimiter(rdb, ratelimit.Rate{Limit: 2, Window: time.Minute}, ratelimit.WithRegisterer(prometheus.NewRegistry()))

	r := gin.New()
	r.Use(RateLimit(lim))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.1.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)
	w := do()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")
}

func TestRateLimit_FailsClosed(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer rdb.Close()
	lim := ratelimit.NewLimiter(rdb, ratelimit.Rate{Limit: 2, Window: time.Minute}, ratelimit.WithRegisterer(prometheus.NewRegistry()))
	s.Close()

	r := gin.New()
	r.Use(RateLimit(lim))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
