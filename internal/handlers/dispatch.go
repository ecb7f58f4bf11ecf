package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/franzego/habitpush/internal/dispatch"
	"github.com/franzego/habitpush/internal/middleware"
	"github.com/franzego/habitpush/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxTaskBody caps the webhook body; a task is a few hundred bytes.
const maxTaskBody = 1 << 20

type TaskHandler interface {
	Handle(ctx context.Context, task models.DispatchTask) (dispatch.Outcome, error)
}

type DispatchHandler struct {
	tasks TaskHandler
	log   *zap.Logger
}

func NewDispatchHandler(tasks TaskHandler, log *zap.Logger) *DispatchHandler {
	return &DispatchHandler{tasks: tasks, log: log.Named("webhook")}
}

// Dispatch is the queue webhook. Every handled outcome, including duplicates
// and users without devices, answers 200 so the queue stops retrying.
func (d *DispatchHandler) Dispatch(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTaskBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}

	task, err := dispatch.Decode(body)
	if err != nil {
		d.log.Warn("rejecting malformed task",
			zap.String("correlation_id", c.GetString(middleware.CorrelationIDKey)),
			zap.Error(err),
		)
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}

	out, err := d.tasks.Handle(c.Request.Context(), task)
	if err != nil {
		d.log.Error("dispatch failed, task will be retried",
			zap.String("notification_id", task.NotificationID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to dispatch notification",
			Message: "Internal Server Error",
		})
		return
	}

	resp := models.DispatchResponse{
		NotificationID: out.NotificationID,
		Status:         out.Status,
		Sent:           out.Sent,
		Failed:         out.Failed,
		Removed:        out.Removed,
		Duplicate:      out.Duplicate,
	}
	if out.Next != nil {
		at := out.Next.ScheduledFor
		resp.NextAt = &at
	}
	msg := "Notification dispatched"
	if out.Duplicate {
		msg = "Notification Already Processed"
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    resp,
		Message: msg,
	})
}
