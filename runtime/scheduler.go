// Package runtime runs Cortex's background maintenance on cron schedules: draining the
// graph sync outbox, enforcing retention policies and trimming synced outbox rows.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/cortex/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 5 * time.Minute

// Job is a named unit of maintenance work.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their schedules. A job that is still running when its next
// tick arrives is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu  sync.Mutex
	ctx context.Context
}

// ParseSchedule parses a cron expression (5 or 6 fields, or a descriptor such as
// "@hourly") or a Go duration string such as "30s".
func ParseSchedule(schedule string) (cron.Schedule, error) {
	// Try parsing as cron expression first (supports both 5 and 6 field formats)
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err == nil {
		return sched, nil
	}

	// If cron parsing fails, try parsing as Go duration string
	duration, derr := time.ParseDuration(schedule)
	if derr != nil {
		return nil, fmt.Errorf("failed to parse schedule %q as cron expression or duration: %w", schedule, err)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("schedule %q must be positive", schedule)
	}
	return cron.Every(duration), nil
}

// NewScheduler creates an empty scheduler. m may be nil.
func NewScheduler(m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		metrics: m,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Add registers job. It must be called before Run.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	if job.Timeout <= 0 {
		job.Timeout = DefaultJobTimeout
	}
	s.cron.Schedule(sched, cron.FuncJob(func() { s.RunNow(s.context(), job) }))
	s.logger.Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("Job scheduled")
	return nil
}

// RunNow runs job once in the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, job Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(runCtx)
	s.metrics.JobRun(job.Name, err)
	if err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return
	}
	s.logger.Debug().Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("Job finished")
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for running
// jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("Starting scheduler")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped: context cancelled")
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
