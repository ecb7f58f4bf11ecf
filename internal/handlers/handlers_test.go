package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/habitpush/internal/config"
	"github.com/franzego/habitpush/internal/devices"
	"github.com/franzego/habitpush/internal/dispatch"
	"github.com/franzego/habitpush/internal/job"
	"github.com/franzego/habitpush/internal/middleware"
	"github.com/franzego/habitpush/internal/models"
	"github.com/franzego/habitpush/internal/notifications"
	"github.com/franzego/habitpush/internal/quota"
	"github.com/franzego/habitpush/pkg/circuitbreaker"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockTaskHandler struct {
	mock.Mock
}

func (m *MockTaskHandler) Handle(ctx context.Context, task models.DispatchTask) (dispatch.Outcome, error) {
	args := m.Called(ctx, task)
	return args.Get(0).(dispatch.Outcome), args.Error(1)
}

type MockQuotaGate struct {
	mock.Mock
}

func (m *MockQuotaGate) Acquire(ctx context.Context, userID string, anonymous bool, kind models.WorkKind) (models.Tier, quota.Decision, error) {
	args := m.Called(ctx, userID, anonymous, kind)
	return args.Get(0).(models.Tier), args.Get(1).(quota.Decision), args.Error(2)
}

func (m *MockQuotaGate) RecordUsage(ctx context.Context, userID string, tier models.Tier, kind models.WorkKind) (bool, error) {
	args := m.Called(ctx, userID, tier, kind)
	return args.Bool(0), args.Error(1)
}

type MockJobTrigger struct {
	mock.Mock
}

func (m *MockJobTrigger) RunOnce(ctx context.Context) (job.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(job.Report), args.Error(1)
}

type MockRabbitMQClient struct {
	mock.Mock
}

func (m *MockRabbitMQClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMockRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

// as stands in for the auth middleware.
func as(userID string, anonymous bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Set(middleware.AnonymousKey, anonymous)
		c.Next()
	}
}

func do(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestDispatch_Success(t *testing.T) {
	tasks := new(MockTaskHandler)
	next := time.Date(2026, 5, 11, 7, 30, 0, 0, time.UTC)
	tasks.On("Handle", mock.Anything, mock.MatchedBy(func(task models.DispatchTask) bool {
		return task.NotificationID == "n1" && task.UserID == "u1"
	})).Return(dispatch.Outcome{
		NotificationID: "n1",
		Status:         models.StatusDelivered,
		Sent:           2,
		Next:           &dispatch.NextOccurrence{NotificationID: "n2", ScheduledFor: next},
	}, nil)

	router := gin.New()
	router.POST("/tasks/dispatch", NewDispatchHandler(tasks, zap.NewNop()).Dispatch)

	body, _ := json.Marshal(models.DispatchTask{NotificationID: "n1", UserID: "u1", WindowType: "morning"})
	w := do(router, http.MethodPost, "/tasks/dispatch", []byte(base64.StdEncoding.EncodeToString(body)))

	assert.Equal(t, http.StatusOK, w.Code)
	var response struct {
		Success bool                    `json:"success"`
		Data    models.DispatchResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.True(t, response.Success)
	assert.Equal(t, models.StatusDelivered, response.Data.Status)
	assert.Equal(t, 2, response.Data.Sent)
	require.NotNil(t, response.Data.NextAt)
	assert.True(t, next.Equal(*response.Data.NextAt))
	tasks.AssertExpectations(t)
}

func TestDispatch_DuplicateIs200(t *testing.T) {
	tasks := new(MockTaskHandler)
	tasks.On("Handle", mock.Anything, mock.Anything).Return(dispatch.Outcome{
		NotificationID: "n1",
		Status:         models.StatusInAppOnly,
		Duplicate:      true,
	}, nil)

	router := gin.New()
	router.POST("/tasks/dispatch", NewDispatchHandler(tasks, zap.NewNop()).Dispatch)

	w := do(router, http.MethodPost, "/tasks/dispatch", []byte(`{"notificationId":"n1","userId":"u1","windowType":"morning"}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Notification Already Processed", decodeResponse(t, w).Message)
}

func TestDispatch_MalformedIs400(t *testing.T) {
	tasks := new(MockTaskHandler)
	router := gin.New()
	router.POST("/tasks/dispatch", NewDispatchHandler(tasks, zap.NewNop()).Dispatch)

	for _, body := range []string{"", "%%%", `{"userId":"u1"}`} {
		w := do(router, http.MethodPost, "/tasks/dispatch", []byte(body))
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
	tasks.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestDispatch_TransientFailureIs500(t *testing.T) {
	tasks := new(MockTaskHandler)
	tasks.On("Handle", mock.Anything, mock.Anything).Return(dispatch.Outcome{}, errors.New("redis down"))
	router := gin.New()
	router.POST("/tasks/dispatch", NewDispatchHandler(tasks, zap.NewNop()).Dispatch)

	w := do(router, http.MethodPost, "/tasks/dispatch", []byte(`{"notificationId":"n1","userId":"u1","windowType":"morning"}`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, decodeResponse(t, w).Success)
}

func notificationRouter(t *testing.T, userID string) (*gin.Engine, *devices.Registry, *notifications.Store) {
	t.Helper()
	_, rdb := setupMockRedis(t)
	reg := devices.NewRegistry(rdb, zap.NewNop())
	store := notifications.NewStore(rdb)
	h := NewNotificationHandler(store, reg, zap.NewNop())

	router := gin.New()
	api := router.Group("/api/v1", as(userID, false))
	api.GET("/notifications", h.ListNotifications)
	api.GET("/notifications/:id", h.GetNotification)
	api.GET("/devices", h.ListDevices)
	api.POST("/devices", h.RegisterDevice)
	api.DELETE("/devices/:token", h.DeleteDevice)
	api.POST("/devices/:token/badge/reset", h.ResetBadge)
	return router, reg, store
}

func TestListNotifications_OnlyCallersRecords(t *testing.T) {
	router, _, store := notificationRouter(t, "u1")
	ctx := context.Background()
	for _, rec := range []models.NotificationRecord{
		{ID: "a", UserID: "u1", Type: "morning"},
		{ID: "b", UserID: "u1", Type: "evening"},
		{ID: "c", UserID: "u2", Type: "morning"},
	} {
		_, _, err := store.CreatePending(ctx, rec)
		require.NoError(t, err)
	}

	w := do(router, http.MethodGet, "/api/v1/notifications", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var response struct {
		Data []models.NotificationRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Len(t, response.Data, 2)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/api/v1/notifications?limit=x", nil).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/api/v1/notifications/a", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/v1/notifications/c", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/v1/notifications/zzz", nil).Code)
}

func TestRegisterDevice(t *testing.T) {
	router, reg, _ := notificationRouter(t, "u1")

	w := do(router, http.MethodPost, "/api/v1/devices", []byte(`{"token":"tok-1","platform":"ios","tz_offset_minutes":120}`))
	assert.Equal(t, http.StatusOK, w.Code)

	dev, err := reg.Get(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", dev.UserID)
	assert.True(t, dev.NotificationsEnabled)
	require.NotNil(t, dev.TimeZoneOffsetMinutes)
	assert.Equal(t, 120, *dev.TimeZoneOffsetMinutes)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/devices", []byte(`{"platform":"ios"}`)).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/devices", []byte(`{"token":"t","tz_offset_minutes":9000}`)).Code)

	w = do(router, http.MethodGet, "/api/v1/devices", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tok-1")
}

func TestDeviceActions_RequireOwnership(t *testing.T) {
	router, reg, _ := notificationRouter(t, "u1")
	ctx := context.Background()
	_, err := reg.Register(ctx, "u1", models.RegisterDeviceRequest{Token: "mine"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, "u2", models.RegisterDeviceRequest{Token: "theirs"})
	require.NoError(t, err)
	_, err = reg.IncrementBadge(ctx, "mine")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/devices/mine/badge/reset", nil).Code)
	dev, err := reg.Get(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, 0, dev.BadgeCount)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodDelete, "/api/v1/devices/theirs", nil).Code)
	_, err = reg.Get(ctx, "theirs")
	assert.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(router, http.MethodDelete, "/api/v1/devices/mine", nil).Code)
	_, err = reg.Get(ctx, "mine")
	assert.ErrorIs(t, err, devices.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodDelete, "/api/v1/devices/mine", nil).Code)
}

func chatRouter(gate QuotaGate, userID string, anonymous bool) *gin.Engine {
	router := gin.New()
	router.POST("/api/v1/chat/admit", as(userID, anonymous), NewChatHandler(gate, zap.NewNop()).Admit)
	return router
}

func TestChatAdmit_Allow(t *testing.T) {
	gate := new(MockQuotaGate)
	gate.On("Acquire", mock.Anything, "u1", false, models.WorkChatMessage).
		Return(models.TierFree, quota.Decision{Verdict: quota.Allow}, nil)
	gate.On("RecordUsage", mock.Anything, "u1", models.TierFree, models.WorkChatMessage).Return(true, nil)

	w := do(chatRouter(gate, "u1", false), http.MethodPost, "/api/v1/chat/admit", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeResponse(t, w).Success)
	gate.AssertExpectations(t)
}

func TestChatAdmit_DenyCarriesPrompt(t *testing.T) {
	gate := new(MockQuotaGate)
	gate.On("Acquire", mock.Anything, "guest", true, models.WorkChatMessage).
		Return(models.TierAnonymous, quota.Decision{Verdict: quota.Deny, Reason: quota.ReasonAnonymousLimit}, nil)

	w := do(chatRouter(gate, "guest", true), http.MethodPost, "/api/v1/chat/admit", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	response := decodeResponse(t, w)
	assert.Equal(t, string(quota.ReasonAnonymousLimit), response.Error)
	assert.Equal(t, "Sign in to keep chatting.", response.Message)
	gate.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestChatAdmit_DelayedPremium(t *testing.T) {
	gate := new(MockQuotaGate)
	gate.On("Acquire", mock.Anything, "vip", false, models.WorkChatMessage).
		Return(models.TierPremium, quota.Decision{Verdict: quota.AllowWithDelay, Delay: 3 * time.Second}, nil)
	gate.On("RecordUsage", mock.Anything, "vip", models.TierPremium, models.WorkChatMessage).Return(true, nil)

	w := do(chatRouter(gate, "vip", false), http.MethodPost, "/api/v1/chat/admit", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var response struct {
		Data models.AdmitResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, string(quota.AllowWithDelay), response.Data.Verdict)
	assert.Equal(t, 3*time.Second, response.Data.Delayed)
}

func TestChatAdmit_StoreFailureIs503(t *testing.T) {
	gate := new(MockQuotaGate)
	gate.On("Acquire", mock.Anything, "u1", false, models.WorkChatMessage).
		Return(models.TierFree, quota.Decision{}, errors.New("redis down"))

	w := do(chatRouter(gate, "u1", false), http.MethodPost, "/api/v1/chat/admit", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRunDailyJob(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"running", job.ErrAlreadyRunning, http.StatusConflict},
		{"unready", job.ErrQueueUnready, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trigger := new(MockJobTrigger)
			trigger.On("RunOnce", mock.Anything).Return(job.Report{Users: 3, Scheduled: 5}, tc.err)
			router := gin.New()
			router.POST("/admin/jobs/daily", NewAdminHandler(trigger, zap.NewNop()).RunDailyJob)

			w := do(router, http.MethodPost, "/admin/jobs/daily", nil)
			assert.Equal(t, tc.code, w.Code)
			trigger.AssertExpectations(t)
		})
	}
}

func TestHealthCheck(t *testing.T) {
	s, rdb := setupMockRedis(t)
	q := new(MockRabbitMQClient)
	q.On("IsConnected").Return(true)
	cb := circuitbreaker.NewCircuitBreaker("content-service", config.BreakerConfig{
		MaxRequests: 1, Timeout: time.Minute, MinRequests: 1, FailureRatio: 0.5,
	}, zap.NewNop())

	router := gin.New()
	router.GET("/health", NewHealthHandler(q, rdb, cb).HealthCheck)

	w := do(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("down") })
	w = do(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"content-service":"degraded"`)

	s.Close()
	w = do(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"unhealthy"`)
}
