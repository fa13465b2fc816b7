package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler triggers registry jobs on cron schedules.
type Scheduler struct {
	cron     *cron.Cron
	registry *Registry
	timeout  time.Duration
	logger   *logrus.Entry
}

// NewScheduler returns a Scheduler whose runs are cancelled after timeout.
func NewScheduler(registry *Registry, timeout time.Duration, logger *logrus.Logger) *Scheduler {
	entry := logger.WithField("component", "scheduler")
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(entry)))),
		registry: registry,
		timeout:  timeout,
		logger:   entry,
	}
}

// AddJob schedules the named registry job. Schedule examples:
//   - "*/10 * * * *"  - every 10 minutes
//   - "@hourly"       - every hour
//   - "@every 5m"     - every 5 minutes
func (s *Scheduler) AddJob(schedule, name string) error {
	if _, ok := s.registry.State(name); !ok {
		return ErrUnknownJob
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		st, err := s.registry.Run(ctx, name)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			s.logger.WithField("job", name).Debug("job still running, skipping tick")
		case err != nil:
			s.logger.WithError(err).WithField("job", name).Error("job failed")
		default:
			s.logger.WithFields(logrus.Fields{"job": name, "result": st.LastResult}).Debug("job completed")
		}
	})
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"job": name, "schedule": schedule}).Info("job registered")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
