// Package dispatch runs a due notification task: it persists the in-app
// record, pushes to the user's enabled devices, cleans up dead tokens,
// counts the notification against the user's quota and, for recurring
// windows, schedules the next occurrence.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/franzego/habitpush/internal/idempotency"
	"github.com/franzego/habitpush/internal/models"
	"github.com/franzego/habitpush/internal/notifications"
	"github.com/franzego/habitpush/internal/push"
	"github.com/franzego/habitpush/internal/queue"
	"github.com/franzego/habitpush/internal/quota"
	"github.com/franzego/habitpush/internal/window"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type RecordStore interface {
	CreatePending(ctx context.Context, rec models.NotificationRecord) (models.NotificationRecord, bool, error)
	Finalize(ctx context.Context, id string, status models.NotificationStatus) error
	MarkCounted(ctx context.Context, id string) (bool, error)
	UnmarkCounted(ctx context.Context, id string) error
}

type DeviceStore interface {
	ListForUser(ctx context.Context, userID string) ([]models.DeviceRegistration, error)
	IncrementBadge(ctx context.Context, token string) (int, error)
	Delete(ctx context.Context, token string) error
}

type UsageRecorder interface {
	Admit(ctx context.Context, userID string, tier models.Tier, kind models.WorkKind) (quota.Decision, error)
	RecordUsage(ctx context.Context, userID string, tier models.Tier, kind models.WorkKind) (bool, error)
	Get(ctx context.Context, userID string) (quota.Record, error)
}

type Claimer interface {
	TryClaim(ctx context.Context, userID, localDate, notificationType string) (idempotency.ClaimResult, error)
	MarkScheduled(ctx context.Context, userID, localDate, notificationType string, scheduledFor time.Time) error
	MarkFailed(ctx context.Context, userID, localDate, notificationType string, cause error) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task models.DispatchTask, scheduleTime time.Time) (queue.TaskHandle, error)
}

// Dependencies are the collaborators a Handler is built from.
type Dependencies struct {
	Records    RecordStore
	Devices    DeviceStore
	Sender     push.Sender
	Usage      UsageRecorder
	Claims     Claimer
	Queue      Enqueuer
	Calculator *window.Calculator
}

type Outcome struct {
	NotificationID string
	Status         models.NotificationStatus
	Sent           int
	Failed         int
	Removed        int
	Duplicate      bool
	Counted        bool

	// Next is set when a recurring window scheduled its successor.
	Next *NextOccurrence
}

type NextOccurrence struct {
	NotificationID string
	LocalDate      string
	ScheduledFor   time.Time
}

type Handler struct {
	deps       Dependencies
	batchSize  int
	log        *zap.Logger
	now        func() time.Time
	registerer prometheus.Registerer

	notificationsTotal *prometheus.CounterVec
	pushResultsTotal   *prometheus.CounterVec
}

type Option func(h *Handler)

func WithRegisterer(r prometheus.Registerer) Option {
	return func(h *Handler) {
		h.registerer = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

func NewHandler(deps Dependencies, batchSize int, log *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		deps:       deps,
		batchSize:  batchSize,
		log:        log.Named("dispatch"),
		now:        time.Now,
		registerer: prometheus.DefaultRegisterer,
	}
	for _, o := range opts {
		o(h)
	}
	h.registerMetrics(h.registerer)
	return h
}

func (h *Handler) registerMetrics(r prometheus.Registerer) {
	h.notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "dispatch",
			Name:      "notifications_total",
			Help:      "Dispatched notifications by final status.",
		},
		[]string{"status"},
	)
	if err := r.Register(h.notificationsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			h.notificationsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	h.pushResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "dispatch",
			Name:      "push_results_total",
			Help:      "Per-message push results.",
		},
		[]string{"result"},
	)
	if err := r.Register(h.pushResultsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			h.pushResultsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Deliver decodes a raw task body and handles it. It is the in-process
// queue target; malformed bodies are permanent failures.
func (h *Handler) Deliver(ctx context.Context, body []byte) error {
	task, err := Decode(body)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
	}
	_, err = h.Handle(ctx, task)
	return err
}

// Handle runs one task. A returned error is transient; the task should be
// retried.
func (h *Handler) Handle(ctx context.Context, task models.DispatchTask) (Outcome, error) {
	log := h.log.With(
		zap.String("notification_id", task.NotificationID),
		zap.String("user_id", task.UserID),
		zap.String("window", task.WindowType),
	)
	out := Outcome{NotificationID: task.NotificationID}

	rec, created, err := h.deps.Records.CreatePending(ctx, models.NotificationRecord{
		ID:      task.NotificationID,
		UserID:  task.UserID,
		Type:    task.WindowType,
		Payload: task.Payload,
	})
	if err != nil {
		return out, fmt.Errorf("persist record: %w", err)
	}
	if !created && rec.Status.Final() {
		out.Status = rec.Status
		out.Duplicate = true
		return h.completeDuplicate(ctx, log, task, out)
	}

	devices, err := h.deps.Devices.ListForUser(ctx, task.UserID)
	if err != nil {
		return out, fmt.Errorf("resolve devices: %w", err)
	}
	var enabled []models.DeviceRegistration
	for _, d := range devices {
		if d.NotificationsEnabled {
			enabled = append(enabled, d)
		}
	}

	out.Status = models.StatusInAppOnly
	if len(enabled) > 0 {
		if err := h.send(ctx, log, task, enabled, &out); err != nil {
			return out, err
		}
		if out.Sent > 0 {
			out.Status = models.StatusDelivered
		}
	} else {
		log.Info("no enabled devices, keeping notification in-app only")
	}

	if err := h.deps.Records.Finalize(ctx, task.NotificationID, out.Status); err != nil {
		if !errors.Is(err, notifications.ErrStatusRegression) {
			return out, fmt.Errorf("finalize record: %w", err)
		}
		log.Warn("record was finalized concurrently", zap.Error(err))
	}
	h.notificationsTotal.WithLabelValues(string(out.Status)).Inc()

	counted, err := h.count(ctx, task)
	if err != nil {
		return out, err
	}
	out.Counted = counted

	if slot, ok := h.recurringSlot(task); ok {
		out.Next = h.scheduleNext(ctx, log, task, slot, devices)
	}

	log.Info("notification dispatched",
		zap.String("status", string(out.Status)),
		zap.Int("sent", out.Sent),
		zap.Int("failed", out.Failed),
		zap.Int("removed", out.Removed),
	)
	return out, nil
}

// completeDuplicate finishes a redelivered task whose pushes already went
// out. A previous attempt may have failed between finalizing and counting;
// the counted flag keeps usage to one increment either way.
func (h *Handler) completeDuplicate(ctx context.Context, log *zap.Logger, task models.DispatchTask, out Outcome) (Outcome, error) {
	counted, err := h.count(ctx, task)
	if err != nil {
		return out, err
	}
	out.Counted = counted
	if !counted {
		log.Info("notification already dispatched, skipping", zap.String("status", string(out.Status)))
		return out, nil
	}

	log.Warn("notification was dispatched but not counted, completing", zap.String("status", string(out.Status)))
	if slot, ok := h.recurringSlot(task); ok {
		devices, err := h.deps.Devices.ListForUser(ctx, task.UserID)
		if err != nil {
			log.Warn("cannot list devices for next occurrence, using UTC", zap.Error(err))
			devices = nil
		}
		out.Next = h.scheduleNext(ctx, log, task, slot, devices)
	}
	return out, nil
}

func (h *Handler) send(ctx context.Context, log *zap.Logger, task models.DispatchTask, devices []models.DeviceRegistration, out *Outcome) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	timestamp := h.now().UTC().Format(time.RFC3339)

	msgs := make([]push.Message, 0, len(devices))
	for _, d := range devices {
		badge, err := h.deps.Devices.IncrementBadge(ctx, d.Token)
		if err != nil {
			// the registration vanished between listing and sending
			log.Debug("skipping device, badge update failed", zap.Error(err))
			continue
		}
		data := map[string]string{
			"type":       task.WindowType,
			"payload":    string(payload),
			"timestamp":  timestamp,
			"recordId":   task.NotificationID,
			"badgeCount": strconv.Itoa(badge),
		}
		if task.QuotaFlag {
			data["lastFreeNotification"] = "true"
		}
		msgs = append(msgs, push.Message{
			Token:    d.Token,
			Platform: d.Platform,
			Title:    task.Payload.Title,
			Body:     task.Payload.Body,
			Data:     data,
			Badge:    badge,
		})
	}

	for _, batch := range push.Batches(msgs, h.batchSize) {
		results, err := h.deps.Sender.SendBatch(ctx, batch)
		if err != nil {
			log.Error("push batch failed", zap.Int("size", len(batch)), zap.Error(err))
			return fmt.Errorf("send batch: %w", err)
		}
		for _, r := range results {
			switch {
			case r.Success():
				out.Sent++
				h.pushResultsTotal.WithLabelValues("sent").Inc()
			case r.Unregistered:
				out.Failed++
				h.pushResultsTotal.WithLabelValues("unregistered").Inc()
				if err := h.deps.Devices.Delete(ctx, r.Token); err != nil {
					log.Warn("failed to delete stale device", zap.Error(err))
					continue
				}
				out.Removed++
			default:
				out.Failed++
				h.pushResultsTotal.WithLabelValues("failed").Inc()
				log.Debug("push failed for device", zap.Error(r.Err))
			}
		}
	}
	return nil
}

// count records the notification against the user's quota exactly once
// per notification id.
func (h *Handler) count(ctx context.Context, task models.DispatchTask) (bool, error) {
	first, err := h.deps.Records.MarkCounted(ctx, task.NotificationID)
	if err != nil {
		return false, fmt.Errorf("mark counted: %w", err)
	}
	if !first {
		return false, nil
	}
	tier := task.Tier
	if tier == "" {
		tier = models.TierFree
	}
	if _, err := h.deps.Usage.RecordUsage(ctx, task.UserID, tier, models.WorkNotification); err != nil {
		if uerr := h.deps.Records.UnmarkCounted(ctx, task.NotificationID); uerr != nil {
			h.log.Error("failed to release counted flag", zap.String("notification_id", task.NotificationID), zap.Error(uerr))
		}
		return false, fmt.Errorf("record usage: %w", err)
	}
	return true, nil
}

func (h *Handler) recurringSlot(task models.DispatchTask) (window.Slot, bool) {
	if !task.Recurring || h.deps.Calculator == nil || h.deps.Queue == nil {
		return window.Slot{}, false
	}
	return h.deps.Calculator.Slot(task.WindowType)
}

// scheduleNext queues the same window on the following local day. It
// claims that day's marker first so the periodic job skips the slot.
// Failures are logged and never fail the current dispatch.
func (h *Handler) scheduleNext(ctx context.Context, log *zap.Logger, task models.DispatchTask, slot window.Slot, devices []models.DeviceRegistration) *NextOccurrence {
	tier := task.Tier
	if tier == "" {
		tier = models.TierFree
	}
	d, err := h.deps.Usage.Admit(ctx, task.UserID, tier, models.WorkNotification)
	if err != nil {
		log.Warn("cannot check quota for next occurrence", zap.Error(err))
		return nil
	}
	if !d.Allowed() {
		log.Info("quota exhausted, recurring chain ends", zap.String("reason", string(d.Reason)))
		return nil
	}
	rec, err := h.deps.Usage.Get(ctx, task.UserID)
	if err != nil {
		log.Warn("cannot load quota for next occurrence", zap.Error(err))
		return nil
	}
	remaining := h.deps.Calculator.Remaining(window.Eligibility{
		UserID:                    task.UserID,
		Tier:                      tier,
		Verified:                  true,
		LifetimeNotificationCount: rec.LifetimeNotificationCount,
	})

	zone := window.ResolveZone(devices)
	w := h.deps.Calculator.NextOccurrence(slot, zone, task.LocalDate, h.now())
	if d.Verdict == quota.AllowWithDelay {
		w.ScheduledFor = w.ScheduledFor.Add(d.Delay)
	}

	res, err := h.deps.Claims.TryClaim(ctx, task.UserID, w.LocalDate, slot.Type)
	if err != nil {
		log.Warn("cannot claim next occurrence", zap.Error(err))
		return nil
	}
	if res == idempotency.AlreadyClaimed {
		log.Debug("next occurrence already scheduled", zap.String("local_date", w.LocalDate))
		return nil
	}

	next := task
	next.NotificationID = uuid.NewString()
	next.LocalDate = w.LocalDate
	next.ScheduledFor = w.ScheduledFor
	next.TZOffset = zone.OffsetMinutes
	next.QuotaFlag = tier == models.TierFree && remaining == 1

	if _, err := h.deps.Queue.Enqueue(ctx, next, w.ScheduledFor); err != nil {
		log.Error("claimed next occurrence but enqueue failed, slot skipped",
			zap.String("local_date", w.LocalDate),
			zap.Error(err),
		)
		if merr := h.deps.Claims.MarkFailed(ctx, task.UserID, w.LocalDate, slot.Type, err); merr != nil {
			log.Warn("failed to mark marker", zap.Error(merr))
		}
		return nil
	}
	if err := h.deps.Claims.MarkScheduled(ctx, task.UserID, w.LocalDate, slot.Type, w.ScheduledFor); err != nil {
		log.Warn("failed to record scheduled instant", zap.Error(err))
	}
	return &NextOccurrence{
		NotificationID: next.NotificationID,
		LocalDate:      w.LocalDate,
		ScheduledFor:   w.ScheduledFor,
	}
}
