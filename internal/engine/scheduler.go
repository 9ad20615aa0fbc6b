package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler runs a scoring pass immediately and then on a fixed cadence.
// A failed pass is logged and the next tick tries again.
type Scheduler struct {
	engine      *Engine
	interval    time.Duration
	passTimeout time.Duration
}

// NewScheduler creates a scheduler. A zero passTimeout leaves passes
// bounded only by the parent context.
func NewScheduler(e *Engine, interval, passTimeout time.Duration) *Scheduler {
	return &Scheduler{engine: e, interval: interval, passTimeout: passTimeout}
}

// Run blocks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"interval":     s.interval,
		"pass_timeout": s.passTimeout,
	}).Info("Starting scoring scheduler")

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Scoring scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	passCtx := ctx
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	// Run logs its own failures
	if _, err := s.engine.Run(passCtx); errors.Is(err, ErrPassInProgress) {
		logrus.Debug("Skipping tick, previous pass still running")
	}
}
