package score

import (
	"github.com/yourorg/farm-score/internal/model"
)

// tvlBucket is a lower TVL bound (inclusive) and the score awarded from it
type tvlBucket struct {
	minUSD float64
	score  float64
}

// tvlBuckets are ordered from the highest bound down
var tvlBuckets = []tvlBucket{
	{10_000_000, 1.00},
	{1_000_000, 0.85},
	{100_000, 0.75},
	{10_000, 0.60},
	{1_000, 0.50},
}

// Fixed base APR scores for farm types whose APR is not comparable
const (
	stableAmmBaseScore     = 0.60
	singleStakingBaseScore = 0.30
)

// TVLScore buckets a TVL in USD into a fixed score
func TVLScore(tvlUSD float64) float64 {
	for _, b := range tvlBuckets {
		if tvlUSD >= b.minUSD {
			return b.score
		}
	}
	return 0
}

// RelativeToMax scores value against the population maximum: 1 when it is
// the (nonzero) maximum, value/max otherwise, 0 when the maximum is 0.
func RelativeToMax(value, max float64) float64 {
	if max == 0 {
		return 0
	}
	if value == max {
		return 1
	}
	return value / max
}

// TVLScores applies the bucket scorer to every farm
func TVLScores(pop []Extracted) []float64 {
	out := make([]float64, len(pop))
	for i, e := range pop {
		out[i] = TVLScore(e.TVL)
	}
	return out
}

// BaseAPRScores scores base APR relative to the population maximum, except
// for stable and single-staking farms which get a fixed score. The maximum is
// taken over the whole population.
func BaseAPRScores(pop []Extracted) []float64 {
	max := maxOf(pop, func(e Extracted) float64 { return e.BaseAPR })
	out := make([]float64, len(pop))
	for i, e := range pop {
		switch e.Type {
		case model.FarmTypeStableAmm:
			out[i] = stableAmmBaseScore
		case model.FarmTypeSingleStaking:
			out[i] = singleStakingBaseScore
		case model.FarmTypeStandardAmm, model.FarmTypeConcentratedLiquidity:
			out[i] = RelativeToMax(e.BaseAPR, max)
		}
	}
	return out
}

// RewardAPRScores scores reward APR relative to the population maximum
func RewardAPRScores(pop []Extracted) []float64 {
	return relativeScores(pop, func(e Extracted) float64 { return e.RewardAPR })
}

// RewardsUSDScores scores daily reward value relative to the population maximum
func RewardsUSDScores(pop []Extracted) []float64 {
	return relativeScores(pop, func(e Extracted) float64 { return e.RewardsUSD })
}

func relativeScores(pop []Extracted, selector func(Extracted) float64) []float64 {
	max := maxOf(pop, selector)
	out := make([]float64, len(pop))
	for i, e := range pop {
		out[i] = RelativeToMax(selector(e), max)
	}
	return out
}

func maxOf(pop []Extracted, selector func(Extracted) float64) float64 {
	var max float64
	for _, e := range pop {
		if v := selector(e); v > max {
			max = v
		}
	}
	return max
}
