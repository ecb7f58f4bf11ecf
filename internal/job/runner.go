// Package job is the daily sweep over the user population. For every
// eligible user it plans the day's windows, claims each slot and enqueues
// one dispatch task per claimed slot.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/franzego/habitpush/internal/config"
	"github.com/franzego/habitpush/internal/idempotency"
	"github.com/franzego/habitpush/internal/models"
	"github.com/franzego/habitpush/internal/queue"
	"github.com/franzego/habitpush/internal/quota"
	"github.com/franzego/habitpush/internal/services"
	"github.com/franzego/habitpush/internal/users"
	"github.com/franzego/habitpush/internal/window"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueUnready   = errors.New("job: task queue is not ready")
	ErrAlreadyRunning = errors.New("job: a run is already in progress")
)

type QuotaReader interface {
	Classify(ctx context.Context, userID string, anonymous bool) models.Tier
	Admit(ctx context.Context, userID string, tier models.Tier, kind models.WorkKind) (quota.Decision, error)
	Get(ctx context.Context, userID string) (quota.Record, error)
}

type DeviceLister interface {
	ListForUser(ctx context.Context, userID string) ([]models.DeviceRegistration, error)
}

type Claimer interface {
	TryClaim(ctx context.Context, userID, localDate, notificationType string) (idempotency.ClaimResult, error)
	MarkScheduled(ctx context.Context, userID, localDate, notificationType string, scheduledFor time.Time) error
	MarkFailed(ctx context.Context, userID, localDate, notificationType string, cause error) error
}

type TaskScheduler interface {
	EnsureQueue(ctx context.Context) (queue.Readiness, error)
	Enqueue(ctx context.Context, task models.DispatchTask, scheduleTime time.Time) (queue.TaskHandle, error)
}

type ContentSource interface {
	Generate(ctx context.Context, in services.ContentRequest) (models.Content, error)
}

type Dependencies struct {
	Users      users.Directory
	Quota      QuotaReader
	Devices    DeviceLister
	Claims     Claimer
	Scheduler  TaskScheduler
	Content    ContentSource
	Calculator *window.Calculator
}

// Report summarises one run.
type Report struct {
	Users          int           `json:"users"`
	Skipped        int           `json:"skipped"`
	Scheduled      int           `json:"scheduled"`
	AlreadyClaimed int           `json:"already_claimed"`
	Gaps           int           `json:"gaps"`
	Failed         int           `json:"failed"`
	Duration       time.Duration `json:"duration_ns"`
}

type counters struct {
	users, skipped, scheduled, claimed, gaps, failed atomic.Int64
}

func (c *counters) report(d time.Duration) Report {
	return Report{
		Users:          int(c.users.Load()),
		Skipped:        int(c.skipped.Load()),
		Scheduled:      int(c.scheduled.Load()),
		AlreadyClaimed: int(c.claimed.Load()),
		Gaps:           int(c.gaps.Load()),
		Failed:         int(c.failed.Load()),
		Duration:       d,
	}
}

type Runner struct {
	deps       Dependencies
	cfg        config.JobConfig
	fallback   models.Content
	log        *zap.Logger
	registerer prometheus.Registerer

	windowsTotal *prometheus.CounterVec
}

type Option func(r *Runner)

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Runner) {
		r.registerer = reg
	}
}

func NewRunner(deps Dependencies, cfg config.JobConfig, fallback models.Content, log *zap.Logger, opts ...Option) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	r := &Runner{
		deps:       deps,
		cfg:        cfg,
		fallback:   fallback,
		log:        log.Named("job"),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, o := range opts {
		o(r)
	}
	r.registerMetrics(r.registerer)
	return r
}

func (r *Runner) registerMetrics(reg prometheus.Registerer) {
	r.windowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "job",
			Name:      "windows_total",
			Help:      "Windows considered by the daily job, by result.",
		},
		[]string{"result"},
	)
	if err := reg.Register(r.windowsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			r.windowsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Run sweeps every user once. Per-user failures are counted in the report
// and do not stop the sweep; only an unready queue or a failing directory
// returns an error.
func (r *Runner) Run(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	var c counters

	readiness, err := r.deps.Scheduler.EnsureQueue(ctx)
	if err != nil {
		return c.report(time.Since(start)), fmt.Errorf("%w: %v", ErrQueueUnready, err)
	}
	if readiness != queue.Ready {
		return c.report(time.Since(start)), ErrQueueUnready
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	after := ""
	var listErr error
	for {
		if err := ctx.Err(); err != nil {
			listErr = err
			break
		}
		page, err := r.deps.Users.ListUsers(ctx, after, r.cfg.PageSize)
		if err != nil {
			listErr = err
			break
		}
		if len(page) == 0 {
			break
		}
		for _, u := range page {
			c.users.Add(1)
			g.Go(func() error {
				r.runUser(ctx, u, now, &c)
				return nil
			})
		}
		after = page[len(page)-1].ID
	}
	_ = g.Wait()

	rep := c.report(time.Since(start))
	if listErr != nil {
		r.log.Error("daily job stopped early", zap.Error(listErr), zap.Int("users", rep.Users))
		return rep, fmt.Errorf("iterate users: %w", listErr)
	}
	r.log.Info("daily job finished",
		zap.Int("users", rep.Users),
		zap.Int("scheduled", rep.Scheduled),
		zap.Int("already_claimed", rep.AlreadyClaimed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("gaps", rep.Gaps),
		zap.Int("failed", rep.Failed),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

func (r *Runner) runUser(ctx context.Context, u users.User, now time.Time, c *counters) {
	log := r.log.With(zap.String("user_id", u.ID))
	if u.Anonymous || !u.Verified {
		c.skipped.Add(1)
		return
	}

	tier := r.deps.Quota.Classify(ctx, u.ID, false)
	d, err := r.deps.Quota.Admit(ctx, u.ID, tier, models.WorkNotification)
	if err != nil {
		log.Error("cannot check notification quota", zap.Error(err))
		c.failed.Add(1)
		return
	}
	if !d.Allowed() {
		log.Debug("notification quota exhausted", zap.String("reason", string(d.Reason)))
		c.skipped.Add(1)
		return
	}
	var delay time.Duration
	if d.Verdict == quota.AllowWithDelay {
		delay = d.Delay
		log.Info("premium user over daily ceiling, delaying windows", zap.Duration("delay", delay))
	}

	rec, err := r.deps.Quota.Get(ctx, u.ID)
	if err != nil {
		log.Error("cannot load quota record", zap.Error(err))
		c.failed.Add(1)
		return
	}

	devices, err := r.deps.Devices.ListForUser(ctx, u.ID)
	if err != nil {
		log.Warn("cannot list devices, scheduling on UTC", zap.Error(err))
		devices = nil
	}
	zone := window.ResolveZone(devices)

	plan := r.deps.Calculator.Plan(window.Eligibility{
		UserID:                    u.ID,
		Tier:                      tier,
		Verified:                  true,
		LifetimeNotificationCount: rec.LifetimeNotificationCount,
	}, zone, now)
	if len(plan) == 0 {
		log.Debug("user not eligible today", zap.String("tier", string(tier)))
		c.skipped.Add(1)
		return
	}

	for _, w := range plan {
		w.ScheduledFor = w.ScheduledFor.Add(delay)
		r.schedule(ctx, log, u, tier, zone, w, c)
	}
}

func (r *Runner) schedule(ctx context.Context, log *zap.Logger, u users.User, tier models.Tier, zone window.Zone, w window.Window, c *counters) {
	log = log.With(zap.String("window", w.Type), zap.String("local_date", w.LocalDate))

	res, err := r.deps.Claims.TryClaim(ctx, u.ID, w.LocalDate, w.Type)
	if err != nil {
		log.Error("cannot claim window", zap.Error(err))
		c.failed.Add(1)
		r.windowsTotal.WithLabelValues("failed").Inc()
		return
	}
	if res == idempotency.AlreadyClaimed {
		log.Debug("window already claimed")
		c.claimed.Add(1)
		r.windowsTotal.WithLabelValues("already_claimed").Inc()
		return
	}

	content, err := r.deps.Content.Generate(ctx, services.ContentRequest{
		UserID:     u.ID,
		WindowType: w.Type,
		LocalDate:  w.LocalDate,
		Tier:       tier,
	})
	if err != nil {
		log.Warn("content generation failed, using fallback", zap.Error(err))
		content = r.fallback
	}

	task := models.DispatchTask{
		NotificationID: uuid.NewString(),
		UserID:         u.ID,
		WindowType:     w.Type,
		LocalDate:      w.LocalDate,
		Payload:        content,
		QuotaFlag:      w.QuotaExhausting,
		Tier:           tier,
		Recurring:      w.Recurring,
		TZOffset:       zone.OffsetMinutes,
		ScheduledFor:   w.ScheduledFor,
	}
	if _, err := r.deps.Scheduler.Enqueue(ctx, task, w.ScheduledFor); err != nil {
		log.Error("window claimed but enqueue failed, slot skipped for the day",
			zap.String("notification_id", task.NotificationID),
			zap.Error(err),
		)
		if merr := r.deps.Claims.MarkFailed(ctx, u.ID, w.LocalDate, w.Type, err); merr != nil {
			log.Warn("failed to mark marker", zap.Error(merr))
		}
		c.gaps.Add(1)
		r.windowsTotal.WithLabelValues("gap").Inc()
		return
	}
	if err := r.deps.Claims.MarkScheduled(ctx, u.ID, w.LocalDate, w.Type, w.ScheduledFor); err != nil {
		log.Warn("failed to record scheduled instant", zap.Error(err))
	}
	c.scheduled.Add(1)
	r.windowsTotal.WithLabelValues("scheduled").Inc()
	log.Debug("window scheduled",
		zap.Time("scheduled_for", w.ScheduledFor),
		zap.Bool("clamped", w.Clamped),
		zap.Bool("zone_unknown", zone.State == window.TimeZoneUnknown),
	)
}
