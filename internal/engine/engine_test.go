package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/farm-score/internal/circuitbreaker"
	"github.com/yourorg/farm-score/internal/model"
	"github.com/yourorg/farm-score/internal/types"
)

type fakeRepo struct {
	mu       sync.Mutex
	farms    []model.Farm
	fetchErr error

	// failures maps a farm id to the number of writes that fail before one succeeds
	failures map[int64]int
	writes   map[model.FarmID][]model.Scores
	calls    int
}

func newFakeRepo(farms []model.Farm) *fakeRepo {
	return &fakeRepo{
		farms:    farms,
		failures: map[int64]int{},
		writes:   map[model.FarmID][]model.Scores{},
	}
}

func (r *fakeRepo) FetchPopulation(ctx context.Context) ([]model.Farm, error) {
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return r.farms, nil
}

func (r *fakeRepo) PersistScore(ctx context.Context, id model.FarmID, scores model.Scores) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures[id.ID] > 0 {
		r.failures[id.ID]--
		return errors.New("write conflict")
	}
	r.writes[id] = append(r.writes[id], scores)
	return nil
}

func (r *fakeRepo) last(id model.FarmID) (model.Scores, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.writes[id]
	if len(w) == 0 {
		return model.Scores{}, false
	}
	return w[len(w)-1], true
}

type recordingPublisher struct {
	mu     sync.Mutex
	passes []PassResult
}

func (p *recordingPublisher) Publish(ctx context.Context, pass PassResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passes = append(p.passes, pass)
	return nil
}

func ptr(v float64) *float64 { return &v }

func fid(n int64) model.FarmID {
	return model.FarmID{ID: n, Chef: "0xchef", Chain: types.ChainEthereum, Protocol: "uniswap", AssetAddress: "0xlp"}
}

func farms() []model.Farm {
	scored := &model.Scores{}
	return []model.Farm{
		{
			FarmID: fid(1), Type: model.FarmTypeStandardAmm, AllocPoint: ptr(100), Scores: scored,
			TVLUSD: 20_000_000, BaseAPR: 10, RewardAPR: 40,
			Rewards: []model.Reward{{ValueUSD: 700, Frequency: model.FrequencyWeekly}},
		},
		{
			FarmID: fid(2), Type: model.FarmTypeStableAmm, AllocPoint: ptr(50), Scores: scored,
			TVLUSD: 2_000_000, BaseAPR: 2, RewardAPR: 10,
			Rewards: []model.Reward{{ValueUSD: 50, Frequency: model.FrequencyDaily}},
		},
		{
			FarmID: fid(3), Type: model.FarmTypeStandardAmm, AllocPoint: ptr(10), Scores: scored,
			TVLUSD: 2_000, BaseAPR: 1, RewardAPR: 0,
		},
		// excluded: allocPoint is zero
		{
			FarmID: fid(4), Type: model.FarmTypeStandardAmm, AllocPoint: ptr(0), Scores: scored,
			TVLUSD: 99_000_000,
		},
		// excluded: blacklisted symbol, and has never been scored
		{
			FarmID: fid(5), Type: model.FarmTypeSingleStaking, AllocPoint: ptr(10), AssetSymbol: "xSUSHI",
			TVLUSD: 1_000_000,
		},
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PersistBackoff = time.Millisecond
	return opts
}

func TestRun_ScoresEligibleFarms(t *testing.T) {
	repo := newFakeRepo(farms())
	pub := &recordingPublisher{}
	e := New(repo, testOptions()).WithPublisher(pub)

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 5, res.Population)
	assert.Equal(t, 3, res.Eligible)
	assert.Equal(t, 1, res.Migrated)
	assert.False(t, res.Degenerate)
	assert.Empty(t, res.PersistFailures)
	require.Len(t, res.Scored, 3)

	for _, s := range res.Scored {
		got, ok := repo.last(s.FarmID)
		require.True(t, ok, "farm %s was written", s.FarmID)
		assert.Equal(t, s.Scores, got)
	}

	_, ok := repo.last(fid(4))
	assert.False(t, ok, "ineligible farms keep their stored scores")

	migrated, ok := repo.last(fid(5))
	require.True(t, ok, "unscored farms get zeroed score fields")
	assert.Equal(t, model.Scores{}, migrated)

	best, _ := repo.last(fid(1))
	assert.InDelta(t, 1/1.01, best.Total, 1e-12)
	worst, _ := repo.last(fid(3))
	assert.Equal(t, 0.0, worst.Total)

	last, ok := e.LastPass()
	require.True(t, ok)
	assert.Equal(t, res.Scored, last.Scored)
	require.Len(t, pub.passes, 1)
}

func TestRun_DoesNotMutateSnapshot(t *testing.T) {
	input := farms()
	repo := newFakeRepo(input)

	_, err := New(repo, testOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, input[4].Scores)
}

func TestRun_FetchFailure(t *testing.T) {
	repo := newFakeRepo(nil)
	repo.fetchErr = errors.New("connection refused")
	e := New(repo, testOptions())

	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPopulationFetch)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, repo.calls)

	_, ok := e.LastPass()
	assert.False(t, ok)
}

func TestRun_PersistRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantFails int
		wantCalls int
	}{
		{"succeeds first try", 0, 0, 4},
		{"succeeds after retry", 2, 0, 6},
		{"gives up", 5, 1, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo(farms())
			repo.failures[2] = tt.failures

			res, err := New(repo, testOptions()).Run(context.Background())
			require.NoError(t, err, "per-farm write failures are not fatal")
			require.Len(t, res.PersistFailures, tt.wantFails)
			assert.Equal(t, tt.wantCalls, repo.calls)

			for _, id := range []model.FarmID{fid(1), fid(3)} {
				_, ok := repo.last(id)
				assert.True(t, ok, "other farms are written regardless")
			}
			if tt.wantFails > 0 {
				assert.Equal(t, fid(2), res.PersistFailures[0].Farm)
				assert.ErrorIs(t, res.PersistFailures[0].Err, ErrPersist)
			}
		})
	}
}

func TestRun_DegeneratePopulation(t *testing.T) {
	f := farms()[:1]
	repo := newFakeRepo(f)

	res, err := New(repo, testOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Degenerate)

	got, ok := repo.last(fid(1))
	require.True(t, ok)
	assert.Equal(t, 0.0, got.Total)
	assert.Equal(t, 1.0, got.TVL)
}

func TestRun_EmptyPopulation(t *testing.T) {
	repo := newFakeRepo(nil)

	res, err := New(repo, testOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Population)
	assert.Empty(t, res.Scored)
}

func TestRun_GuardTripped(t *testing.T) {
	repo := newFakeRepo(farms())
	guard := circuitbreaker.New(circuitbreaker.Thresholds{MinFarms: 10})
	e := New(repo, testOptions()).WithGuard(guard)

	_, err := e.Run(context.Background())
	assert.ErrorIs(t, err, ErrGuardTripped)
	assert.Equal(t, circuitbreaker.StateOpen, guard.GetState())

	_, ok := repo.last(fid(1))
	assert.False(t, ok, "no scores are written while tripped")
}

func TestRun_Cancelled(t *testing.T) {
	repo := newFakeRepo(farms())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(repo, testOptions()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := repo.last(fid(1))
	assert.False(t, ok)
}

func TestRun_MissingMetricsAreCounted(t *testing.T) {
	input := farms()
	input[0].TVLUSD = -1
	input[1].RewardAPR = -5
	repo := newFakeRepo(input)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	res, err := New(repo, testOptions()).WithMetrics(m).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Diagnostics)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.missingMetrics.WithLabelValues("tvl_usd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.missingMetrics.WithLabelValues("reward_apr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("success")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.populationSize))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.eligibleFarms))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.scoredFarms))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.migratedFarms))
}

func TestScheduler_RunsImmediately(t *testing.T) {
	repo := newFakeRepo(farms())
	e := New(repo, testOptions())
	s := NewScheduler(e, time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := e.LastPass()
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type recordingRepo struct {
	*fakeRepo
	passID string
	scored []model.FarmID
}

func (r *recordingRepo) RecordPass(ctx context.Context, passID string, completedAt time.Time, scored []model.FarmID) error {
	r.passID = passID
	r.scored = scored
	return nil
}

func TestEngine_RecordsWrittenFarms(t *testing.T) {
	repo := &recordingRepo{fakeRepo: newFakeRepo(farms())}
	repo.failures[2] = 10

	opts := testOptions()
	opts.PersistAttempts = 2
	res, err := New(repo, opts).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.PersistFailures, 1)

	assert.Equal(t, res.ID, repo.passID)
	assert.ElementsMatch(t, []model.FarmID{fid(1), fid(3)}, repo.scored)
}
