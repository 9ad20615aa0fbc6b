package score

import (
	"context"
	"sync"

	"github.com/yourorg/farm-score/internal/model"
)

// Options tunes a Compute run
type Options struct {
	// Workers is the number of goroutines used for per-farm extraction
	Workers int
}

// DefaultOptions returns sensible defaults for scoring
func DefaultOptions() Options {
	return Options{Workers: 4}
}

// Result is the outcome of scoring one population
type Result struct {
	// Farms holds one entry per input farm, in input order
	Farms []model.ScoredFarm

	// Diagnostics are the non-fatal MetricErrors found during extraction
	Diagnostics []error

	// Degenerate is set when every raw composite was equal
	Degenerate bool
}

// Compute scores the whole eligible population. Extraction runs in parallel;
// sub-scoring and rescaling wait for the complete population. The input is
// only read. A cancelled context aborts the run and its partial results.
func Compute(ctx context.Context, farms []model.Farm, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	pop, diags := extractAll(ctx, farms, opts.Workers)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	tvl := TVLScores(pop)
	base := BaseAPRScores(pop)
	rewardAPR := RewardAPRScores(pop)
	rewards := RewardsUSDScores(pop)

	scored := make([]model.ScoredFarm, len(pop))
	raw := make([]float64, len(pop))
	for i, e := range pop {
		s := model.Scores{
			TVL:       tvl[i],
			BaseAPR:   base[i],
			RewardAPR: rewardAPR[i],
			Rewards:   rewards[i],
		}
		raw[i] = Combine(s)
		scored[i] = model.ScoredFarm{
			FarmID:     e.Farm,
			Scores:     s,
			RewardsUSD: e.RewardsUSD,
			Raw:        raw[i],
		}
	}

	final, degenerate := Rescale(raw)
	for i := range scored {
		scored[i].Total = final[i]
	}

	return Result{Farms: scored, Diagnostics: diags, Degenerate: degenerate}, nil
}

// extractAll runs Extract over the population in contiguous chunks. Each
// worker writes only its own index range, so no locking is needed.
func extractAll(ctx context.Context, farms []model.Farm, workers int) ([]Extracted, []error) {
	pop := make([]Extracted, len(farms))
	diags := make([][]error, len(farms))

	if workers < 1 {
		workers = 1
	}
	chunkSize := (len(farms) + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < len(farms); start += chunkSize {
		end := start + chunkSize
		if end > len(farms) {
			end = len(farms)
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				if ctx.Err() != nil {
					return
				}
				pop[i], diags[i] = Extract(farms[i])
			}
		}(start, end)
	}
	wg.Wait()

	var all []error
	for _, d := range diags {
		all = append(all, d...)
	}
	return pop, all
}
