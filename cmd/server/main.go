// Package main runs the farm scoring service: a scheduler that rescores the
// farm population on a fixed cadence, plus an HTTP API over the results.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/farm-score/internal/circuitbreaker"
	"github.com/yourorg/farm-score/internal/config"
	"github.com/yourorg/farm-score/internal/eligibility"
	"github.com/yourorg/farm-score/internal/engine"
	"github.com/yourorg/farm-score/internal/export"
	"github.com/yourorg/farm-score/internal/fetch"
	"github.com/yourorg/farm-score/internal/otel"
	"github.com/yourorg/farm-score/internal/security"
	"github.com/yourorg/farm-score/internal/store"
)

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	shutdownTracer, err := otel.InitTracer(cfg)
	if err != nil {
		logrus.Warnf("Tracing disabled: %v", err)
	}
	defer shutdownTracer()

	var (
		repo   engine.Repository
		ranker Ranker
	)
	if cfg.UpstreamURL != "" {
		repo = fetch.NewMultiChainClient(cfg.UpstreamURL, cfg.UpstreamChains)
	} else {
		db, err := store.New(cfg.DBPath)
		if err != nil {
			logrus.Fatalf("Failed to open store: %v", err)
		}
		defer db.Close()
		repo, ranker = db, db
	}

	e := engine.New(repo, engine.Options{
		Eligibility:     eligibility.FromConfig(cfg.Eligibility),
		Workers:         cfg.Workers,
		PersistAttempts: cfg.PersistAttempts,
		PersistBackoff:  cfg.PersistBackoff,
	}).WithMetrics(engine.NewMetrics(prometheus.DefaultRegisterer))

	if cfg.EnableCircuitBreaker {
		e.WithGuard(circuitbreaker.New(circuitbreaker.Thresholds{
			MaxAPR:       cfg.GuardMaxAPR,
			MaxTVLChange: cfg.GuardMaxTVLChange,
			MinFarms:     cfg.GuardMinFarms,
		}).WithResetDelay(cfg.CircuitResetDelay).
			WithTripCallback(func(reason string) {
				logrus.WithField("reason", reason).Error("Scoring halted by population guard")
			}))
	}

	var exporter StatusReporter
	if cfg.WebhookURL != "" {
		signer, err := security.NewSigner(cfg.SigningKey, cfg.SignatureValidity)
		if err != nil {
			logrus.Fatalf("Failed to initialize report signer: %v", err)
		}
		hook, err := export.NewWebhook(export.Config{
			WebhookURL:    cfg.WebhookURL,
			WebhookAPIKey: cfg.WebhookAPIKey,
			TopN:          cfg.ReportTopN,
		}, signer)
		if err != nil {
			logrus.Fatalf("Failed to initialize report webhook: %v", err)
		}
		e.WithPublisher(hook)
		exporter = hook
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(cfg, e, ranker, exporter, prometheus.DefaultGatherer)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.PassTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	logrus.WithFields(logrus.Fields{
		"source":          srv.source,
		"interval":        cfg.ScoreInterval,
		"workers":         cfg.Workers,
		"circuit_breaker": cfg.EnableCircuitBreaker,
		"export":          exporter != nil,
	}).Info("Farm scoring service initialized")

	if err := engine.NewScheduler(e, cfg.ScoreInterval, cfg.PassTimeout).Run(ctx); err != nil {
		logrus.WithError(err).Debug("Scheduler stopped")
	}

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	logrus.Info("Server stopped")
}
