package main

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/yourorg/farm-score/internal/config"
	"github.com/yourorg/farm-score/internal/engine"
	"github.com/yourorg/farm-score/internal/model"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

const version = "1.0.0"

// Ranker serves the stored ranking; the SQLite store implements it
type Ranker interface {
	Ranking(ctx context.Context, limit int) ([]model.ScoredFarm, error)
}

// StatusReporter describes an optional component for /status
type StatusReporter interface {
	Status() map[string]interface{}
}

// Server exposes the scoring engine over HTTP
type Server struct {
	config    config.Config
	engine    *engine.Engine
	ranker    Ranker
	exporter  StatusReporter
	gatherer  prometheus.Gatherer
	rateLimit *rate.Limiter
	source    string
}

// NewServer creates the HTTP front of the engine. ranker and exporter may be nil.
func NewServer(cfg config.Config, e *engine.Engine, ranker Ranker, exporter StatusReporter, gatherer prometheus.Gatherer) *Server {
	source := "sqlite"
	if cfg.UpstreamURL != "" {
		source = "upstream"
	}
	return &Server{
		config:    cfg,
		engine:    e,
		ranker:    ranker,
		exporter:  exporter,
		gatherer:  gatherer,
		rateLimit: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		source:    source,
	}
}

// Routes registers the API endpoints
func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/scores", s.handleScores).Methods(http.MethodGet)
	router.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
	router.HandleFunc("/circuit", s.handleCircuit).Methods(http.MethodGet, http.MethodPost)
	return router
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus reports the last pass and the guard
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"source":  s.source,
		"configuration": map[string]interface{}{
			"score_interval":   s.config.ScoreInterval.String(),
			"workers":          s.config.Workers,
			"persist_attempts": s.config.PersistAttempts,
			"circuit_breaker":  s.config.EnableCircuitBreaker,
		},
	}

	if pass, ok := s.engine.LastPass(); ok {
		status["last_pass"] = summarize(pass)
	}
	if g := s.engine.Guard(); g != nil {
		status["circuit_state"] = g.GetState().String()
		if reason := g.Reason(); reason != "" {
			status["circuit_reason"] = reason
		}
	}
	if s.exporter != nil {
		status["export"] = s.exporter.Status()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleScores returns the ranking, best first. ?limit=N caps it.
func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	if s.ranker != nil {
		ranked, err := s.ranker.Ranking(r.Context(), limit)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, "Failed to read ranking: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"farms": ranked})
		return
	}

	pass, ok := s.engine.LastPass()
	if !ok {
		errorResponse(w, http.StatusServiceUnavailable, "No scoring pass has completed yet")
		return
	}
	ranked := make([]model.ScoredFarm, len(pass.Scored))
	copy(ranked, pass.Scored)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Total > ranked[j].Total })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"farms":     ranked,
		"scored_at": pass.StartedAt.UTC().Format(time.RFC3339),
	})
}

// handleRun triggers a pass outside the schedule
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimit.Allow() {
		errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	ctx := r.Context()
	if s.config.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PassTimeout)
		defer cancel()
	}

	pass, err := s.engine.Run(ctx)
	switch {
	case errors.Is(err, engine.ErrPassInProgress):
		errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrGuardTripped), errors.Is(err, engine.ErrPopulationFetch):
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		errorResponse(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, summarize(pass))
	}
}

// handleCircuit allows viewing and resetting the population guard
func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	g := s.engine.Guard()
	if g == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Circuit breaker not enabled")
		return
	}

	response := map[string]interface{}{}
	if r.Method == http.MethodPost {
		if action := r.URL.Query().Get("action"); action != "reset" {
			errorResponse(w, http.StatusBadRequest, "Unknown action "+strconv.Quote(action))
			return
		}
		g.Reset()
		response["message"] = "Circuit breaker reset"
	}

	response["state"] = g.GetState().String()
	if reason := g.Reason(); reason != "" {
		response["reason"] = reason
	}
	if tvl, ok := g.LastGoodTVL(); ok {
		response["last_good_tvl_usd"] = tvl
	}
	writeJSON(w, http.StatusOK, response)
}

// summarize is the JSON view of a pass, without the per-farm scores
func summarize(pass engine.PassResult) map[string]interface{} {
	failures := make([]string, len(pass.PersistFailures))
	for i, f := range pass.PersistFailures {
		failures[i] = f.Err.Error()
	}
	return map[string]interface{}{
		"id":               pass.ID,
		"started_at":       pass.StartedAt.UTC().Format(time.RFC3339),
		"duration":         pass.Duration.String(),
		"population":       pass.Population,
		"eligible":         pass.Eligible,
		"migrated":         pass.Migrated,
		"scored":           len(pass.Scored),
		"diagnostics":      pass.Diagnostics,
		"degenerate":       pass.Degenerate,
		"persist_failures": failures,
	}
}
