package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/franzego/habitpush/internal/job"
	"github.com/franzego/habitpush/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type JobTrigger interface {
	RunOnce(ctx context.Context) (job.Report, error)
}

type AdminHandler struct {
	job JobTrigger
	log *zap.Logger
}

func NewAdminHandler(trigger JobTrigger, log *zap.Logger) *AdminHandler {
	return &AdminHandler{job: trigger, log: log.Named("admin")}
}

// RunDailyJob runs the scheduling job now and returns its report. The run
// outlives a disconnected caller.
func (a *AdminHandler) RunDailyJob(c *gin.Context) {
	report, err := a.job.RunOnce(context.WithoutCancel(c.Request.Context()))
	switch {
	case errors.Is(err, job.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Job already running",
		})
		return
	case errors.Is(err, job.ErrQueueUnready):
		c.JSON(http.StatusServiceUnavailable, models.APIResponse{
			Success: false,
			Data:    report,
			Error:   err.Error(),
			Message: "Task queue unavailable",
		})
		return
	case err != nil:
		a.log.Error("manual job run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Data:    report,
			Error:   err.Error(),
			Message: "Internal Server Error",
		})
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    report,
		Message: "Daily job completed",
	})
}
