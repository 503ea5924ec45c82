// Package jobs runs periodic background work on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/charachat/charachat/internal/app/metrics"
	"github.com/charachat/charachat/internal/app/system"
	"github.com/charachat/charachat/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// Job is one unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f JobFunc) Name() string                  { return f.JobName }
func (f JobFunc) Run(ctx context.Context) error { return f.Fn(ctx) }

// Scheduler runs jobs with robfig/cron. Runs of the same job never overlap.
type Scheduler struct {
	cron    *cron.Cron
	log     *logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates an idle scheduler. timeout bounds each run.
func NewScheduler(timeout time.Duration, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("jobs")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log,
		timeout: timeout,
		ctx:     context.Background(),
	}
}

// Add schedules job on spec, which accepts standard five-field cron
// expressions and descriptors such as "@every 15m".
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name(), err)
	}
	s.log.WithField("job", job.Name()).WithField("spec", spec).Debug("job scheduled")
	return nil
}

// RunNow executes job once, outside the schedule.
func (s *Scheduler) RunNow(job Job) {
	s.run(job)
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.cron.Start()
	s.log.WithField("jobs", len(s.cron.Entries())).Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	started := time.Now()
	err := job.Run(ctx)
	metrics.RecordJobRun(job.Name(), err == nil)

	entry := s.log.WithField("job", job.Name()).WithField("duration_ms", time.Since(started).Milliseconds())
	if err != nil {
		entry.WithError(err).Warn("job failed")
		return
	}
	entry.Debug("job completed")
}
