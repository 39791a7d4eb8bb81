package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	dErrors "mutuelle/pkg/domain-errors"
)

// Scheduler fires registered jobs on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	logger *slog.Logger
}

func NewScheduler(runner *Runner, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	return &Scheduler{cron: c, runner: runner, logger: logger}
}

// Add schedules a job. An empty spec leaves the job manual-only.
func (s *Scheduler) Add(name Name, spec string) error {
	if spec == "" {
		s.logger.Info("job not scheduled", "job", name)
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		s.fire(name)
	})
	if err != nil {
		return err
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
	return nil
}

func (s *Scheduler) fire(name Name) {
	ctx := context.Background()
	if _, err := s.runner.Run(ctx, name, Params{}); err != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			return
		}
		s.logger.ErrorContext(ctx, "scheduled job failed", "job", name, "error", err)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule. The returned context is done once running jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
