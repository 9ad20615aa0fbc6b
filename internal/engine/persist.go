package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/farm-score/internal/model"
)

// persistAll writes every farm's scores with a bounded worker pool. Each
// write is retried independently; one farm's failure never blocks others.
func (e *Engine) persistAll(ctx context.Context, farms []model.ScoredFarm) []PersistFailure {
	if len(farms) == 0 {
		return nil
	}

	jobs := make(chan model.ScoredFarm)
	var (
		mu       sync.Mutex
		failures []PersistFailure
		wg       sync.WaitGroup
	)

	workers := e.opts.Workers
	if workers > len(farms) {
		workers = len(farms)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				if err := e.persistOne(ctx, f.FarmID, f.Scores); err != nil {
					e.metrics.addPersistFailure()
					mu.Lock()
					failures = append(failures, PersistFailure{Farm: f.FarmID, Err: err})
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, f := range farms {
		select {
		case jobs <- f:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	return failures
}

// persistOne retries a single write with linear backoff
func (e *Engine) persistOne(ctx context.Context, id model.FarmID, scores model.Scores) error {
	var lastErr error
	for attempt := 1; attempt <= e.opts.PersistAttempts; attempt++ {
		if attempt > 1 {
			e.metrics.addPersistRetry()
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrPersist, id, ctx.Err())
			case <-time.After(e.opts.PersistBackoff * time.Duration(attempt-1)):
			}
		}

		lastErr = e.repo.PersistScore(ctx, id, scores)
		if lastErr == nil {
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"farm":    id.String(),
			"attempt": attempt,
			"error":   lastErr,
		}).Debug("Persist attempt failed")
	}

	logrus.WithFields(logrus.Fields{
		"farm":     id.String(),
		"attempts": e.opts.PersistAttempts,
	}).WithError(lastErr).Warn("Giving up on score write")
	return fmt.Errorf("%w: %s: %v", ErrPersist, id, lastErr)
}
