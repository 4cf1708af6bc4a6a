// Package sched runs the engine's periodic background jobs on a cron
// scheduler: the reconciliation sweep and the orphan-order reaper.
package sched

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler wraps cron with engine logging.
type Scheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
}

// New creates a stopped scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.Named("scheduler"),
		cron:   cron.New(cron.WithSeconds()),
	}
}

// AddEvery registers fn to run every n seconds.
func (s *Scheduler) AddEvery(name string, seconds int, fn func()) error {
	spec := fmt.Sprintf("@every %ds", seconds)
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Scheduled job panicked",
					zap.String("job", name), zap.Any("panic", r))
			}
		}()
		fn()
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.logger.Info("Scheduled job", zap.String("job", name), zap.Int("everySeconds", seconds))
	return nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}
