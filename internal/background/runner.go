// Package background runs fire-and-forget work detached from the request
// that triggered it. Failures are logged, never returned.
package background

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner executes tasks on their own goroutine with a bounded deadline.
type Runner struct {
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *logrus.Entry
}

// NewRunner returns a Runner whose tasks are cancelled after timeout.
func NewRunner(timeout time.Duration, logger *logrus.Logger) *Runner {
	return &Runner{
		timeout: timeout,
		logger:  logger.WithField("component", "background"),
	}
}

// Go schedules fn. It never blocks the caller.
func (r *Runner) Go(task string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.WithFields(logrus.Fields{"task": task, "panic": p}).Error("background task panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.WithError(err).WithField("task", task).Warn("background task failed")
		}
	}()
}

// Wait blocks until every scheduled task has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
