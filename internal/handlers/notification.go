package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/franzego/habitpush/internal/devices"
	"github.com/franzego/habitpush/internal/middleware"
	"github.com/franzego/habitpush/internal/models"
	"github.com/franzego/habitpush/internal/notifications"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type RecordLister interface {
	ListForUser(ctx context.Context, userID string, limit int64) ([]models.NotificationRecord, error)
	Get(ctx context.Context, id string) (models.NotificationRecord, error)
}

type DeviceManager interface {
	Register(ctx context.Context, userID string, req models.RegisterDeviceRequest) (models.DeviceRegistration, error)
	ListForUser(ctx context.Context, userID string) ([]models.DeviceRegistration, error)
	Get(ctx context.Context, token string) (models.DeviceRegistration, error)
	ResetBadge(ctx context.Context, token string) error
	Delete(ctx context.Context, token string) error
}

// NotificationHandler serves the in-app inbox and the caller's devices.
type NotificationHandler struct {
	records RecordLister
	devices DeviceManager
	log     *zap.Logger
}

func NewNotificationHandler(records RecordLister, devices DeviceManager, log *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		records: records,
		devices: devices,
		log:     log.Named("api"),
	}
}

func internalError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, models.APIResponse{
		Success: false,
		Error:   msg,
		Message: "Internal Server Error",
	})
}

func (n *NotificationHandler) ListNotifications(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	limit := int64(defaultListLimit)
	if s := c.Query("limit"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, models.APIResponse{
				Success: false,
				Error:   "limit must be a positive integer",
				Message: "Invalid Query",
			})
			return
		}
		limit = min(v, maxListLimit)
	}

	recs, err := n.records.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		n.log.Error("failed to list notifications", zap.String("user_id", userID), zap.Error(err))
		internalError(c, "failed to list notifications")
		return
	}
	if recs == nil {
		recs = []models.NotificationRecord{}
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    recs,
		Message: "Notifications retrieved",
	})
}

func (n *NotificationHandler) GetNotification(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	rec, err := n.records.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, notifications.ErrNotFound) || (err == nil && rec.UserID != userID) {
		notFound(c, "notification not found")
		return
	}
	if err != nil {
		n.log.Error("failed to load notification", zap.Error(err))
		internalError(c, "failed to load notification")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    rec,
		Message: "Notification retrieved",
	})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, models.APIResponse{
		Success: false,
		Error:   msg,
		Message: "Not Found",
	})
}

func (n *NotificationHandler) RegisterDevice(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	var req models.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	if req.TimeZoneOffsetMinutes != nil {
		if off := *req.TimeZoneOffsetMinutes; off < -14*60 || off > 14*60 {
			c.JSON(http.StatusBadRequest, models.APIResponse{
				Success: false,
				Error:   "tz_offset_minutes must be within +/-840",
				Message: "Invalid Request Body",
			})
			return
		}
	}

	dev, err := n.devices.Register(c.Request.Context(), userID, req)
	if err != nil {
		n.log.Error("failed to register device", zap.String("user_id", userID), zap.Error(err))
		internalError(c, "failed to register device")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    dev,
		Message: "Device registered",
	})
}

func (n *NotificationHandler) ListDevices(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	devs, err := n.devices.ListForUser(c.Request.Context(), userID)
	if err != nil {
		n.log.Error("failed to list devices", zap.String("user_id", userID), zap.Error(err))
		internalError(c, "failed to list devices")
		return
	}
	if devs == nil {
		devs = []models.DeviceRegistration{}
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    devs,
		Message: "Devices retrieved",
	})
}

// ownedDevice loads the device in the path and writes a 404 unless it
// belongs to the caller.
func (n *NotificationHandler) ownedDevice(c *gin.Context) (models.DeviceRegistration, bool) {
	userID := c.GetString(middleware.UserIDKey)
	dev, err := n.devices.Get(c.Request.Context(), c.Param("token"))
	if errors.Is(err, devices.ErrNotFound) || (err == nil && dev.UserID != userID) {
		notFound(c, "device not found")
		return dev, false
	}
	if err != nil {
		n.log.Error("failed to load device", zap.Error(err))
		internalError(c, "failed to load device")
		return dev, false
	}
	return dev, true
}

func (n *NotificationHandler) DeleteDevice(c *gin.Context) {
	dev, ok := n.ownedDevice(c)
	if !ok {
		return
	}
	if err := n.devices.Delete(c.Request.Context(), dev.Token); err != nil {
		n.log.Error("failed to delete device", zap.Error(err))
		internalError(c, "failed to delete device")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Device removed",
	})
}

func (n *NotificationHandler) ResetBadge(c *gin.Context) {
	dev, ok := n.ownedDevice(c)
	if !ok {
		return
	}
	err := n.devices.ResetBadge(c.Request.Context(), dev.Token)
	if errors.Is(err, devices.ErrNotFound) {
		notFound(c, "device not found")
		return
	}
	if err != nil {
		n.log.Error("failed to reset badge", zap.Error(err))
		internalError(c, "failed to reset badge")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Badge reset",
	})
}
