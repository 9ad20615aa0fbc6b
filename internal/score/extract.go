package score

import (
	"errors"
	"fmt"
	"math"

	"github.com/yourorg/farm-score/internal/model"
)

// ErrMissingMetric marks a farm metric that was absent or malformed.
// It is never fatal: the metric is scored as 0.
var ErrMissingMetric = errors.New("missing metric")

// Metric names used in diagnostics
const (
	MetricTVL       = "tvl_usd"
	MetricBaseAPR   = "base_apr"
	MetricRewardAPR = "reward_apr"
	MetricRewards   = "rewards"
	MetricFarmType  = "farm_type"
)

// MetricError reports one unusable metric of one farm
type MetricError struct {
	Farm   model.FarmID
	Metric string
	Detail string
}

func (e *MetricError) Error() string {
	return fmt.Sprintf("farm %s: %s: %s", e.Farm, e.Metric, e.Detail)
}

// Unwrap lets callers match with errors.Is(err, ErrMissingMetric)
func (e *MetricError) Unwrap() error { return ErrMissingMetric }

// Extracted is the per-farm input of the sub-scorers
type Extracted struct {
	Farm       model.FarmID
	Type       model.FarmType
	TVL        float64
	BaseAPR    float64
	RewardAPR  float64
	RewardsUSD float64
}

// Extract reads the scoring inputs of one farm. Every unusable value is
// replaced by 0 and reported; the returned Extracted is always usable.
func Extract(f model.Farm) (Extracted, []error) {
	var diags []error
	sanitize := func(metric string, v float64) float64 {
		if detail := malformed(v); detail != "" {
			diags = append(diags, &MetricError{Farm: f.FarmID, Metric: metric, Detail: detail})
			return 0
		}
		return v
	}

	e := Extracted{
		Farm:      f.FarmID,
		Type:      f.Type,
		TVL:       sanitize(MetricTVL, f.TVLUSD),
		BaseAPR:   sanitize(MetricBaseAPR, f.BaseAPR),
		RewardAPR: sanitize(MetricRewardAPR, f.RewardAPR),
	}

	switch f.Type {
	case model.FarmTypeStandardAmm, model.FarmTypeStableAmm,
		model.FarmTypeSingleStaking, model.FarmTypeConcentratedLiquidity:
	default:
		diags = append(diags, &MetricError{Farm: f.FarmID, Metric: MetricFarmType, Detail: "unknown type " + f.Type.String()})
		e.Type = model.FarmTypeStandardAmm
	}

	for i, r := range f.Rewards {
		if detail := malformed(r.ValueUSD); detail != "" {
			diags = append(diags, &MetricError{Farm: f.FarmID, Metric: MetricRewards, Detail: fmt.Sprintf("reward %d value_usd %s", i, detail)})
			continue
		}
		daily, ok := dailyValue(r)
		if !ok {
			diags = append(diags, &MetricError{Farm: f.FarmID, Metric: MetricRewards, Detail: fmt.Sprintf("reward %d (%s) has unknown frequency", i, r.AssetSymbol)})
			continue
		}
		e.RewardsUSD += daily
	}

	return e, diags
}

// malformed describes why v cannot be scored, or returns ""
func malformed(v float64) string {
	switch {
	case math.IsNaN(v):
		return "not a number"
	case math.IsInf(v, 0):
		return "infinite"
	case v < 0:
		return "negative"
	}
	return ""
}
