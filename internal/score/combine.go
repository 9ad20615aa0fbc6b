package score

import (
	"math"

	"github.com/yourorg/farm-score/internal/model"
)

// Composite weights, summing to 1
const (
	WeightTVL       = 0.45
	WeightBaseAPR   = 0.20
	WeightRewardAPR = 0.15
	WeightRewards   = 0.20
)

// rescaleInflation keeps the best farm of a pass strictly below 1
const rescaleInflation = 1.01

// Combine returns the weighted composite of the four sub-scores, clamped to
// [0,1] against floating point drift.
func Combine(s model.Scores) float64 {
	raw := WeightTVL*s.TVL +
		WeightBaseAPR*s.BaseAPR +
		WeightRewardAPR*s.RewardAPR +
		WeightRewards*s.Rewards
	return math.Max(0, math.Min(1, raw))
}

// Rescale min-max rescales raw composites across the population:
// (raw - min) / ((max - min) * 1.01). When every raw score is equal the
// population is degenerate and every final score is 0.
func Rescale(raw []float64) (final []float64, degenerate bool) {
	final = make([]float64, len(raw))
	if len(raw) == 0 {
		return final, false
	}

	min, max := raw[0], raw[0]
	for _, r := range raw[1:] {
		min = math.Min(min, r)
		max = math.Max(max, r)
	}

	spread := max - min
	if spread == 0 {
		return final, true
	}

	for i, r := range raw {
		final[i] = (r - min) / (spread * rescaleInflation)
	}
	return final, false
}
