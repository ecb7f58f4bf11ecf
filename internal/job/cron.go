package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/habitpush/internal/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron triggers the runner on a UTC schedule. Overlapping triggers are
// skipped; the markers make an overlap harmless anyway.
type Cron struct {
	c       *cron.Cron
	runner  *Runner
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	running bool
}

func NewCron(runner *Runner, cfg config.JobConfig, log *zap.Logger) (*Cron, error) {
	j := &Cron{
		c:       cron.New(cron.WithLocation(time.UTC)),
		runner:  runner,
		timeout: cfg.Timeout,
		log:     log.Named("cron"),
	}
	if _, err := j.c.AddFunc(cfg.Schedule, j.trigger); err != nil {
		return nil, fmt.Errorf("invalid job schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

func (j *Cron) Start() {
	j.c.Start()
	j.log.Info("daily job scheduled", zap.Time("next", j.Next()))
}

// Stop waits for a running job to finish or ctx to expire.
func (j *Cron) Stop(ctx context.Context) {
	select {
	case <-j.c.Stop().Done():
	case <-ctx.Done():
	}
}

func (j *Cron) Next() time.Time {
	entries := j.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce runs the job now with the configured timeout. It refuses to
// start while another run is in progress.
func (j *Cron) RunOnce(ctx context.Context) (Report, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return Report{}, ErrAlreadyRunning
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	return j.runner.Run(ctx, time.Now().UTC())
}

func (j *Cron) trigger() {
	if _, err := j.RunOnce(context.Background()); err != nil {
		j.log.Error("scheduled daily job failed", zap.Error(err))
	}
}
