package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// CronScheduler fires passes in-process from cron expressions.
type CronScheduler struct {
	cron   *cron.Cron
	runner *Runner
	logger *slog.Logger
}

// NewCronScheduler registers a job per entry in schedules (pass kind to
// cron expression). Empty expressions disable that pass.
func NewCronScheduler(runner *Runner, schedules map[string]string, logger *slog.Logger) (*CronScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	s := &CronScheduler{cron: c, runner: runner, logger: logger.With("component", "cron")}
	for _, kind := range runner.Kinds() {
		spec := schedules[kind]
		if spec == "" {
			s.logger.Info("pass not scheduled", "pass", kind)
			continue
		}
		kind := kind
		if _, err := c.AddFunc(spec, func() { s.fire(kind) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", kind, spec, err)
		}
		s.logger.Info("scheduled reconciliation pass", "pass", kind, "schedule", spec)
	}
	return s, nil
}

func (s *CronScheduler) fire(kind string) {
	_, err := s.runner.TryRun(context.Background(), kind)
	if err != nil && !errors.Is(err, ErrPassInProgress) {
		s.logger.Warn("scheduled pass failed", "pass", kind, "error", err)
	}
}

// Entries returns the number of registered jobs.
func (s *CronScheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *CronScheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for running passes, or for ctx.
func (s *CronScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
