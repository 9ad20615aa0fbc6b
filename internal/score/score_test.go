package score

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/farm-score/internal/model"
	"github.com/yourorg/farm-score/internal/types"
)

func id(n int64) model.FarmID {
	return model.FarmID{ID: n, Chef: "0xchef", Chain: types.ChainPolygon, Protocol: "quickswap", AssetAddress: "0xlp"}
}

func TestTVLScore_Boundaries(t *testing.T) {
	tests := []struct {
		tvl  float64
		want float64
	}{
		{10_000_000.0, 1.00},
		{250_000_000.0, 1.00},
		{9_999_999.99, 0.85},
		{1_000_000.0, 0.85},
		{999_999.99, 0.75},
		{100_000.0, 0.75},
		{99_999.99, 0.60},
		{10_000.0, 0.60},
		{9_999.99, 0.50},
		{1_000.0, 0.50},
		{999.99, 0.00},
		{500.0, 0.00},
		{0, 0.00},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TVLScore(tt.tvl), "tvl=%v", tt.tvl)
	}
}

func TestRelativeToMax(t *testing.T) {
	pop := []Extracted{{RewardAPR: 0}, {RewardAPR: 5}, {RewardAPR: 10}}
	assert.Equal(t, []float64{0.0, 0.5, 1.0}, RewardAPRScores(pop))

	assert.Equal(t, 0.0, RelativeToMax(0, 0))
	assert.Equal(t, 1.0, RelativeToMax(3, 3))
}

func TestBaseAPRScores(t *testing.T) {
	t.Run("all zero population", func(t *testing.T) {
		pop := []Extracted{{BaseAPR: 0}, {BaseAPR: 0}, {BaseAPR: 0}}
		assert.Equal(t, []float64{0, 0, 0}, BaseAPRScores(pop))
	})

	t.Run("fixed type scores", func(t *testing.T) {
		pop := []Extracted{
			{Type: model.FarmTypeStandardAmm, BaseAPR: 10},
			{Type: model.FarmTypeStableAmm, BaseAPR: 50},
			{Type: model.FarmTypeSingleStaking, BaseAPR: 2},
			{Type: model.FarmTypeConcentratedLiquidity, BaseAPR: 5},
		}
		got := BaseAPRScores(pop)

		assert.Equal(t, 0.60, got[1], "stable farm keeps its fixed score")
		assert.Equal(t, 0.30, got[2])
		assert.Equal(t, 0.2, got[0], "max still counts the stable farm's APR")
		assert.Equal(t, 0.1, got[3])
	})

	t.Run("stable farm above a lower max", func(t *testing.T) {
		pop := []Extracted{
			{Type: model.FarmTypeStandardAmm, BaseAPR: 10},
			{Type: model.FarmTypeStableAmm, BaseAPR: 50},
		}
		got := BaseAPRScores(pop)
		assert.Equal(t, 0.60, got[1])
	})
}

func TestDailyRewardsUSD(t *testing.T) {
	assert.Equal(t, 100.0, DailyRewardsUSD([]model.Reward{{ValueUSD: 700, Frequency: model.FrequencyWeekly}}))

	got := DailyRewardsUSD([]model.Reward{
		{ValueUSD: 10, Frequency: model.FrequencyDaily},
		{ValueUSD: 300, Frequency: model.FrequencyMonthly},
		{ValueUSD: 3650, Frequency: model.FrequencyAnnually},
		{ValueUSD: 1000, Frequency: model.FrequencyUnknown},
	})
	assert.InDelta(t, 30.0, got, 1e-9)

	assert.Equal(t, 0.0, DailyRewardsUSD(nil))
}

func TestCombine(t *testing.T) {
	assert.InDelta(t, 1.0, WeightTVL+WeightBaseAPR+WeightRewardAPR+WeightRewards, 1e-12)

	all := Combine(model.Scores{TVL: 1, BaseAPR: 1, RewardAPR: 1, Rewards: 1})
	assert.LessOrEqual(t, all, 1.0)
	assert.InDelta(t, 1.0, all, 1e-12)

	assert.InDelta(t, 0.45*0.85+0.20*0.6+0.15*0.5+0.20*0.25,
		Combine(model.Scores{TVL: 0.85, BaseAPR: 0.6, RewardAPR: 0.5, Rewards: 0.25}), 1e-12)

	assert.Equal(t, 0.0, Combine(model.Scores{}))
}

func TestRescale(t *testing.T) {
	final, degenerate := Rescale([]float64{0.2, 0.5, 0.8})
	require.False(t, degenerate)

	assert.InDelta(t, 0.0, final[0], 1e-12)
	assert.InDelta(t, 0.3/(0.6*1.01), final[1], 1e-12)
	assert.InDelta(t, 0.6/(0.6*1.01), final[2], 1e-12)
	assert.Less(t, final[2], 1.0)
}

func TestRescale_Degenerate(t *testing.T) {
	tests := []struct {
		name string
		raw  []float64
	}{
		{"single farm", []float64{0.7}},
		{"all tied", []float64{0.4, 0.4, 0.4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			final, degenerate := Rescale(tt.raw)
			assert.True(t, degenerate)
			for _, f := range final {
				assert.Equal(t, 0.0, f)
				assert.False(t, math.IsNaN(f))
			}
		})
	}

	final, degenerate := Rescale(nil)
	assert.False(t, degenerate)
	assert.Empty(t, final)
}

func TestExtract_MalformedMetrics(t *testing.T) {
	f := model.Farm{
		FarmID:    id(1),
		Type:      model.FarmType(42),
		TVLUSD:    math.NaN(),
		BaseAPR:   -3,
		RewardAPR: math.Inf(1),
		Rewards: []model.Reward{
			{ValueUSD: 700, Frequency: model.FrequencyWeekly},
			{ValueUSD: math.NaN(), Frequency: model.FrequencyDaily},
			{ValueUSD: 50, Frequency: model.FrequencyUnknown, AssetSymbol: "CAKE"},
		},
	}

	e, diags := Extract(f)

	assert.Equal(t, 0.0, e.TVL)
	assert.Equal(t, 0.0, e.BaseAPR)
	assert.Equal(t, 0.0, e.RewardAPR)
	assert.Equal(t, 100.0, e.RewardsUSD)
	assert.Equal(t, model.FarmTypeStandardAmm, e.Type)
	require.Len(t, diags, 6)

	for _, d := range diags {
		assert.True(t, errors.Is(d, ErrMissingMetric))
		var me *MetricError
		require.True(t, errors.As(d, &me))
		assert.Equal(t, f.FarmID, me.Farm)
	}
}

func population() []model.Farm {
	return []model.Farm{
		{
			FarmID: id(1), Type: model.FarmTypeStandardAmm,
			TVLUSD: 25_000_000, BaseAPR: 12, RewardAPR: 30,
			Rewards: []model.Reward{{ValueUSD: 7000, Frequency: model.FrequencyWeekly}},
		},
		{
			FarmID: id(2), Type: model.FarmTypeStableAmm,
			TVLUSD: 400_000, BaseAPR: 3, RewardAPR: 10,
			Rewards: []model.Reward{{ValueUSD: 300, Frequency: model.FrequencyDaily}},
		},
		{
			FarmID: id(3), Type: model.FarmTypeSingleStaking,
			TVLUSD: 5_000, BaseAPR: 0, RewardAPR: 60,
			Rewards: []model.Reward{{ValueUSD: 36_500, Frequency: model.FrequencyAnnually}},
		},
		{
			FarmID: id(4), Type: model.FarmTypeConcentratedLiquidity,
			TVLUSD: 800, BaseAPR: 24, RewardAPR: 0,
		},
	}
}

func TestCompute_Properties(t *testing.T) {
	res, err := Compute(context.Background(), population(), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Farms, 4)
	assert.Empty(t, res.Diagnostics)
	assert.False(t, res.Degenerate)

	best := 0.0
	for i, f := range res.Farms {
		assert.Equal(t, int64(i+1), f.ID, "input order is kept")
		for _, s := range []float64{f.TVL, f.BaseAPR, f.RewardAPR, f.Rewards, f.Raw} {
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
		assert.GreaterOrEqual(t, f.Total, 0.0)
		assert.Less(t, f.Total, 1.0)
		best = math.Max(best, f.Total)
	}
	assert.InDelta(t, 1/1.01, best, 1e-12, "the best farm lands just under 1")

	first := res.Farms[0]
	assert.Equal(t, 1.0, first.TVL)
	assert.Equal(t, 0.5, first.BaseAPR)
	assert.Equal(t, 0.5, first.RewardAPR)
	assert.Equal(t, 1000.0, first.RewardsUSD)
	assert.Equal(t, 1.0, first.Rewards)
	assert.Equal(t, 0.60, res.Farms[1].BaseAPR)
	assert.Equal(t, 0.30, res.Farms[2].BaseAPR)
	assert.Equal(t, 0.0, res.Farms[3].TVL)
}

func TestCompute_Idempotent(t *testing.T) {
	farms := population()
	a, err := Compute(context.Background(), farms, Options{Workers: 3})
	require.NoError(t, err)
	b, err := Compute(context.Background(), farms, Options{Workers: 1})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, population(), farms, "input is not mutated")
}

func TestCompute_SingleFarmIsDegenerate(t *testing.T) {
	res, err := Compute(context.Background(), population()[:1], DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Degenerate)
	assert.Equal(t, 0.0, res.Farms[0].Total)
}

func TestCompute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Compute(ctx, population(), DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompute_Empty(t *testing.T) {
	res, err := Compute(context.Background(), nil, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Farms)
	assert.False(t, res.Degenerate)
}
