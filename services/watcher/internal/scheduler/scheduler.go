// Package scheduler triggers runs on a cron schedule, never more than one at
// a time.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gigwatch/services/watcher/internal/models"
)

// Job performs one run.
type Job func(ctx context.Context) models.RunResult

type Scheduler struct {
	cron     *cron.Cron
	schedule string
	job      Job
	logger   *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	entryID cron.EntryID
	started bool
}

// New wraps job so a tick that arrives while the previous run is still going
// is skipped and logged.
func New(schedule string, job Job, logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		schedule: schedule,
		job:      job,
		logger:   logger,
		ctx:      context.Background(),
	}
}

// Start registers the job and starts ticking. With runNow the first run
// starts immediately instead of waiting for the first tick.
func (s *Scheduler) Start(ctx context.Context, runNow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.ctx = ctx
	id, err := s.cron.AddFunc(s.schedule, s.runJob)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
	}
	s.entryID = id
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("schedule", s.schedule))

	if runNow {
		go s.Trigger()
	}
	return nil
}

// Trigger runs the job through the same skip-if-running guard as a tick.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	entry := s.cron.Entry(s.entryID)
	s.mu.Unlock()
	if entry.WrappedJob == nil {
		return
	}
	entry.WrappedJob.Run()
}

func (s *Scheduler) runJob() {
	result := s.job(s.ctx)
	s.logger.Info("scheduled run finished",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("exit_code", result.ExitCode()))
}

// Stop halts ticking and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out waiting for running job")
	}
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
