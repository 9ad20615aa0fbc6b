// Package score turns a population of farm metrics into comparable safety
// scores: per-farm extraction, four population sub-scores, a fixed-weight
// composite and a population min-max rescale.
package score

import (
	"github.com/yourorg/farm-score/internal/model"
)

// Days per payout period used to bring rewards to a daily figure
const (
	daysPerWeek  = 7
	daysPerMonth = 30
	daysPerYear  = 365
)

// DailyRewardsUSD sums a farm's reward streams as a daily-equivalent USD
// value. Rewards with an unknown frequency contribute nothing.
func DailyRewardsUSD(rewards []model.Reward) float64 {
	var total float64
	for _, r := range rewards {
		daily, ok := dailyValue(r)
		if ok {
			total += daily
		}
	}
	return total
}

// dailyValue converts a single reward to its daily USD value
func dailyValue(r model.Reward) (float64, bool) {
	switch r.Frequency {
	case model.FrequencyDaily:
		return r.ValueUSD, true
	case model.FrequencyWeekly:
		return r.ValueUSD / daysPerWeek, true
	case model.FrequencyMonthly:
		return r.ValueUSD / daysPerMonth, true
	case model.FrequencyAnnually:
		return r.ValueUSD / daysPerYear, true
	case model.FrequencyUnknown:
		return 0, false
	}
	return 0, false
}
