package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the scoring engine
type Metrics struct {
	passes             *prometheus.CounterVec
	passDuration       prometheus.Histogram
	populationSize     prometheus.Gauge
	eligibleFarms      prometheus.Gauge
	scoredFarms        prometheus.Counter
	migratedFarms      prometheus.Counter
	missingMetrics     *prometheus.CounterVec
	persistFailures    prometheus.Counter
	persistRetries     prometheus.Counter
	degeneratePasses   prometheus.Counter
	lastSuccessfulPass prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farm_score_passes_total",
				Help: "Scoring passes by outcome",
			},
			[]string{"status"},
		),
		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "farm_score_pass_duration_seconds",
				Help:    "Duration of a scoring pass in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		populationSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "farm_score_population_farms",
				Help: "Farms in the last fetched snapshot",
			},
		),
		eligibleFarms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "farm_score_eligible_farms",
				Help: "Farms eligible in the last pass",
			},
		),
		scoredFarms: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "farm_score_scored_farms_total",
				Help: "Farm scores successfully persisted",
			},
		),
		migratedFarms: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "farm_score_migrated_farms_total",
				Help: "Records given zero-initialised score fields",
			},
		),
		missingMetrics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farm_score_missing_metrics_total",
				Help: "Absent or malformed farm metrics scored as zero",
			},
			[]string{"metric"},
		),
		persistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "farm_score_persist_failures_total",
				Help: "Farm score writes that failed after all retries",
			},
		),
		persistRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "farm_score_persist_retries_total",
				Help: "Retried farm score writes",
			},
		),
		degeneratePasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "farm_score_degenerate_populations_total",
				Help: "Passes whose raw scores were all equal",
			},
		),
		lastSuccessfulPass: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "farm_score_last_successful_pass_timestamp",
				Help: "Unix time of the last successful pass",
			},
		),
	}

	reg.MustRegister(
		m.passes,
		m.passDuration,
		m.populationSize,
		m.eligibleFarms,
		m.scoredFarms,
		m.migratedFarms,
		m.missingMetrics,
		m.persistFailures,
		m.persistRetries,
		m.degeneratePasses,
		m.lastSuccessfulPass,
	)

	return m
}

// The helpers below are no-ops on a nil *Metrics so the engine can run
// without a registry.

func (m *Metrics) observePass(status string, seconds float64) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(status).Inc()
	m.passDuration.Observe(seconds)
}

func (m *Metrics) observePopulation(total, eligible int) {
	if m == nil {
		return
	}
	m.populationSize.Set(float64(total))
	m.eligibleFarms.Set(float64(eligible))
}

func (m *Metrics) addMigrated(n int) {
	if m == nil {
		return
	}
	m.migratedFarms.Add(float64(n))
}

func (m *Metrics) addMissingMetric(metric string) {
	if m == nil {
		return
	}
	m.missingMetrics.WithLabelValues(metric).Inc()
}

func (m *Metrics) addScored(n int) {
	if m == nil {
		return
	}
	m.scoredFarms.Add(float64(n))
}

func (m *Metrics) addPersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) addPersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}

func (m *Metrics) addDegenerate() {
	if m == nil {
		return
	}
	m.degeneratePasses.Inc()
}

func (m *Metrics) markSuccess(unix int64) {
	if m == nil {
		return
	}
	m.lastSuccessfulPass.Set(float64(unix))
}
