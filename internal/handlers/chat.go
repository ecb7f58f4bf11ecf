package handlers

import (
	"context"
	"net/http"

	"github.com/franzego/habitpush/internal/middleware"
	"github.com/franzego/habitpush/internal/models"
	"github.com/franzego/habitpush/internal/quota"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type QuotaGate interface {
	Acquire(ctx context.Context, userID string, anonymous bool, kind models.WorkKind) (models.Tier, quota.Decision, error)
	RecordUsage(ctx context.Context, userID string, tier models.Tier, kind models.WorkKind) (bool, error)
}

var denyPrompts = map[quota.Reason]string{
	quota.ReasonAnonymousLimit: "Sign in to keep chatting.",
	quota.ReasonFreeTierLimit:  "Upgrade to premium to keep chatting.",
}

type ChatHandler struct {
	gate QuotaGate
	log  *zap.Logger
}

func NewChatHandler(gate QuotaGate, log *zap.Logger) *ChatHandler {
	return &ChatHandler{gate: gate, log: log.Named("chat")}
}

// Admit asks the quota gate whether the caller may send one chat message.
// Throttled premium users are held for the penalty before the answer.
func (h *ChatHandler) Admit(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(middleware.UserIDKey)
	anonymous := c.GetBool(middleware.AnonymousKey)

	tier, d, err := h.gate.Acquire(ctx, userID, anonymous, models.WorkChatMessage)
	if err != nil {
		h.log.Error("quota check failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, models.APIResponse{
			Success: false,
			Error:   "quota check unavailable",
			Message: "Service Unavailable",
		})
		return
	}

	resp := models.AdmitResponse{
		Tier:    tier,
		Verdict: string(d.Verdict),
		Reason:  string(d.Reason),
	}
	if !d.Allowed() {
		c.JSON(http.StatusForbidden, models.APIResponse{
			Success: false,
			Data:    resp,
			Error:   string(d.Reason),
			Message: denyPrompts[d.Reason],
		})
		return
	}
	if d.Verdict == quota.AllowWithDelay {
		resp.Delayed = d.Delay
	}

	if _, err := h.gate.RecordUsage(ctx, userID, tier, models.WorkChatMessage); err != nil {
		h.log.Error("failed to record chat usage", zap.String("user_id", userID), zap.Error(err))
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Data:    resp,
		Message: "Message admitted",
	})
}
