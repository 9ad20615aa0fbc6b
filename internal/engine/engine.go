// Package engine runs farm scoring passes: it pulls a population snapshot
// from a Repository, scores the eligible farms and writes the scores back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/farm-score/internal/circuitbreaker"
	"github.com/yourorg/farm-score/internal/eligibility"
	"github.com/yourorg/farm-score/internal/model"
	"github.com/yourorg/farm-score/internal/score"
)

var (
	// ErrPopulationFetch means the snapshot could not be read; the pass
	// failed and is retried on the next cycle.
	ErrPopulationFetch = errors.New("population fetch failed")

	// ErrGuardTripped means the snapshot was rejected by the population guard
	ErrGuardTripped = errors.New("population guard tripped")

	// ErrPersist wraps a single farm's failed score write
	ErrPersist = errors.New("persist score failed")

	// ErrPassInProgress is returned when a pass is requested while one runs
	ErrPassInProgress = errors.New("scoring pass already in progress")
)

// Repository is the snapshot source and score sink of the engine
type Repository interface {
	// FetchPopulation returns the current snapshot of farm records
	FetchPopulation(ctx context.Context) ([]model.Farm, error)

	// PersistScore overwrites a farm's score fields; repeating a write is harmless
	PersistScore(ctx context.Context, id model.FarmID, scores model.Scores) error
}

// PassRecorder is implemented by repositories that keep a ranking. After the
// score writes of a pass, the engine reports which farms it scored so the
// repository can rank them apart from farms left over from earlier passes.
type PassRecorder interface {
	RecordPass(ctx context.Context, passID string, completedAt time.Time, scored []model.FarmID) error
}

// Publisher receives the result of every successful pass
type Publisher interface {
	Publish(ctx context.Context, pass PassResult) error
}

// Options configures the engine
type Options struct {
	Eligibility eligibility.Options

	// Workers bounds both metric extraction and concurrent score writes
	Workers int

	// PersistAttempts is the number of tries per farm write
	PersistAttempts int

	// PersistBackoff is multiplied by the attempt number between tries
	PersistBackoff time.Duration
}

// DefaultOptions returns sensible defaults for the engine
func DefaultOptions() Options {
	return Options{
		Eligibility:     eligibility.DefaultOptions(),
		Workers:         4,
		PersistAttempts: 3,
		PersistBackoff:  200 * time.Millisecond,
	}
}

// PersistFailure records one farm whose scores could not be written
type PersistFailure struct {
	Farm model.FarmID
	Err  error
}

// PassResult summarises one scoring pass
type PassResult struct {
	ID          string
	StartedAt   time.Time
	Duration    time.Duration
	Population  int
	Eligible    int
	Migrated    int
	Diagnostics int
	Degenerate  bool

	// Scored holds every eligible farm's scores, in snapshot order
	Scored []model.ScoredFarm

	PersistFailures []PersistFailure
}

// Engine runs scoring passes. It keeps no state between passes apart from
// the last result for reporting and the optional guard.
type Engine struct {
	repo      Repository
	opts      Options
	guard     *circuitbreaker.CircuitBreaker
	publisher Publisher
	metrics   *Metrics
	tracer    trace.Tracer

	running sync.Mutex

	mu   sync.RWMutex
	last *PassResult
}

// New creates an engine over a repository
func New(repo Repository, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PersistAttempts < 1 {
		opts.PersistAttempts = 1
	}
	return &Engine{
		repo:   repo,
		opts:   opts,
		tracer: otel.Tracer("github.com/yourorg/farm-score/internal/engine"),
	}
}

// WithGuard installs a population guard checked before scoring
func (e *Engine) WithGuard(g *circuitbreaker.CircuitBreaker) *Engine {
	e.guard = g
	return e
}

// WithPublisher installs a publisher called after each successful pass
func (e *Engine) WithPublisher(p Publisher) *Engine {
	e.publisher = p
	return e
}

// WithMetrics installs Prometheus collectors
func (e *Engine) WithMetrics(m *Metrics) *Engine {
	e.metrics = m
	return e
}

// Guard returns the installed population guard, or nil
func (e *Engine) Guard() *circuitbreaker.CircuitBreaker {
	return e.guard
}

// LastPass returns the result of the last successful pass
func (e *Engine) LastPass() (PassResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return PassResult{}, false
	}
	return *e.last, true
}

// Run executes one scoring pass. Only fatal failures are returned as errors
// (population fetch, guard, cancellation); per-farm problems are reported in
// the result. Passes never overlap.
func (e *Engine) Run(ctx context.Context) (PassResult, error) {
	if !e.running.TryLock() {
		return PassResult{}, ErrPassInProgress
	}
	defer e.running.Unlock()

	start := time.Now()
	passID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "scoring.pass", trace.WithAttributes(attribute.String("pass.id", passID)))
	defer span.End()

	res, err := e.run(ctx, passID, start)
	res.ID = passID
	res.Duration = time.Since(start)

	status := "success"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logrus.WithError(err).WithField("pass", passID).Error("Scoring pass failed")
		e.metrics.observePass(status, res.Duration.Seconds())
		return res, err
	}

	if len(res.PersistFailures) > 0 {
		status = "partial"
	}
	e.metrics.observePass(status, res.Duration.Seconds())
	e.metrics.markSuccess(start.Unix())

	e.mu.Lock()
	e.last = &res
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"pass":             res.ID,
		"population":       res.Population,
		"eligible":         res.Eligible,
		"migrated":         res.Migrated,
		"diagnostics":      res.Diagnostics,
		"degenerate":       res.Degenerate,
		"persist_failures": len(res.PersistFailures),
		"duration":         res.Duration,
	}).Info("Scoring pass complete")

	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, res); err != nil {
			logrus.WithError(err).Warn("Failed to publish scoring pass")
		}
	}

	return res, nil
}

func (e *Engine) run(ctx context.Context, passID string, start time.Time) (PassResult, error) {
	res := PassResult{StartedAt: start}

	farms, err := e.repo.FetchPopulation(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrPopulationFetch, err)
	}
	res.Population = len(farms)

	// Work on a copy so the snapshot handed over by the repository stays untouched
	snapshot := make([]model.Farm, len(farms))
	copy(snapshot, farms)

	migrated := eligibility.MigrateScores(snapshot)
	res.Migrated = len(migrated)
	e.metrics.addMigrated(len(migrated))
	if len(migrated) > 0 {
		zero := make([]model.ScoredFarm, len(migrated))
		for i, id := range migrated {
			zero[i] = model.ScoredFarm{FarmID: id}
		}
		for _, f := range e.persistAll(ctx, zero) {
			logrus.WithError(f.Err).WithField("farm", f.Farm.String()).Warn("Failed to initialise score fields")
		}
	}

	eligible := eligibility.EligibleConcurrently(snapshot, e.opts.Eligibility, e.opts.Workers)
	res.Eligible = len(eligible)
	e.metrics.observePopulation(res.Population, res.Eligible)

	if e.guard != nil {
		if err := e.guard.Check(eligible); err != nil {
			return res, fmt.Errorf("%w: %v", ErrGuardTripped, err)
		}
	}

	computeCtx, span := e.tracer.Start(ctx, "scoring.compute",
		trace.WithAttributes(attribute.Int("farms.eligible", len(eligible))))
	scored, err := score.Compute(computeCtx, eligible, score.Options{Workers: e.opts.Workers})
	span.End()
	if err != nil {
		return res, err
	}

	res.Scored = scored.Farms
	res.Diagnostics = len(scored.Diagnostics)
	res.Degenerate = scored.Degenerate
	e.reportDiagnostics(scored.Diagnostics)
	if scored.Degenerate {
		e.metrics.addDegenerate()
		logrus.WithField("farms", len(scored.Farms)).Warn("Degenerate population: all raw scores equal, final scores set to 0")
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	persistCtx, span := e.tracer.Start(ctx, "scoring.persist")
	res.PersistFailures = e.persistAll(persistCtx, scored.Farms)
	span.SetAttributes(attribute.Int("farms.failed", len(res.PersistFailures)))
	span.End()
	e.metrics.addScored(len(scored.Farms) - len(res.PersistFailures))

	if err := ctx.Err(); err != nil {
		return res, err
	}

	if rec, ok := e.repo.(PassRecorder); ok {
		written := writtenFarms(scored.Farms, res.PersistFailures)
		if err := rec.RecordPass(ctx, passID, time.Now(), written); err != nil {
			logrus.WithError(err).WithField("pass", passID).Warn("Failed to record scoring pass")
		}
	}
	return res, nil
}

// writtenFarms returns the scored farms whose write succeeded
func writtenFarms(farms []model.ScoredFarm, failures []PersistFailure) []model.FarmID {
	failed := make(map[model.FarmID]bool, len(failures))
	for _, f := range failures {
		failed[f.Farm] = true
	}
	ids := make([]model.FarmID, 0, len(farms))
	for _, f := range farms {
		if !failed[f.FarmID] {
			ids = append(ids, f.FarmID)
		}
	}
	return ids
}

func (e *Engine) reportDiagnostics(diags []error) {
	for _, d := range diags {
		var me *score.MetricError
		if errors.As(d, &me) {
			e.metrics.addMissingMetric(me.Metric)
			logrus.WithFields(logrus.Fields{
				"farm":   me.Farm.String(),
				"metric": me.Metric,
				"detail": me.Detail,
			}).Warn("Missing metric scored as zero")
			continue
		}
		logrus.WithError(d).Warn("Scoring diagnostic")
	}
}
