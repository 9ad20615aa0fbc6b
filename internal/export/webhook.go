// Package export publishes a signed ranking report after every scoring pass.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/farm-score/internal/engine"
	"github.com/yourorg/farm-score/internal/model"
	"github.com/yourorg/farm-score/internal/security"
)

// Config holds configuration for the webhook exporter
type Config struct {
	WebhookURL    string
	WebhookAPIKey string

	// TopN limits the ranking to the best farms; zero sends all of them
	TopN int
}

// Report is the payload signed and sent after a pass
type Report struct {
	PassID          string             `json:"pass_id"`
	PassStartedAt   time.Time          `json:"pass_started_at"`
	PassDuration    string             `json:"pass_duration"`
	Population      int                `json:"population"`
	Eligible        int                `json:"eligible"`
	Diagnostics     int                `json:"diagnostics"`
	Degenerate      bool               `json:"degenerate"`
	PersistFailures int                `json:"persist_failures"`
	Ranking         []model.ScoredFarm `json:"ranking"`
}

// Webhook posts signed reports to an HTTP endpoint. It implements
// engine.Publisher.
type Webhook struct {
	config     Config
	signer     *security.Signer
	httpClient *http.Client

	mutex      sync.RWMutex
	lastExport time.Time
	lastError  error
	exported   int
}

// NewWebhook creates a webhook exporter
func NewWebhook(cfg Config, signer *security.Signer) (*Webhook, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL not configured")
	}
	if signer == nil {
		return nil, fmt.Errorf("report signer not configured")
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	logrus.WithField("url", cfg.WebhookURL).Info("Report webhook initialized")
	return &Webhook{
		config:     cfg,
		signer:     signer,
		httpClient: retryClient.StandardClient(),
	}, nil
}

// BuildReport turns a pass into its report, ranking best first
func BuildReport(pass engine.PassResult, topN int) Report {
	ranking := make([]model.ScoredFarm, len(pass.Scored))
	copy(ranking, pass.Scored)
	sort.SliceStable(ranking, func(i, j int) bool { return ranking[i].Total > ranking[j].Total })
	if topN > 0 && len(ranking) > topN {
		ranking = ranking[:topN]
	}

	return Report{
		PassID:          pass.ID,
		PassStartedAt:   pass.StartedAt.UTC(),
		PassDuration:    pass.Duration.String(),
		Population:      pass.Population,
		Eligible:        pass.Eligible,
		Diagnostics:     pass.Diagnostics,
		Degenerate:      pass.Degenerate,
		PersistFailures: len(pass.PersistFailures),
		Ranking:         ranking,
	}
}

// Publish signs the pass report and posts it
func (w *Webhook) Publish(ctx context.Context, pass engine.PassResult) error {
	report := BuildReport(pass, w.config.TopN)
	err := w.send(ctx, report)

	w.mutex.Lock()
	w.lastError = err
	if err == nil {
		w.lastExport = time.Now()
		w.exported++
	}
	w.mutex.Unlock()

	if err != nil {
		return err
	}
	logrus.WithField("farms", len(report.Ranking)).Info("Published ranking report")
	return nil
}

func (w *Webhook) send(ctx context.Context, report Report) error {
	env, err := w.signer.Sign(report)
	if err != nil {
		return err
	}

	jsonData, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signer", env.Signer)
	if w.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.WebhookAPIKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Status returns the current state of the exporter
func (w *Webhook) Status() map[string]interface{} {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	status := map[string]interface{}{
		"webhook_url": w.config.WebhookURL,
		"signer":      w.signer.Address().Hex(),
		"exported":    w.exported,
	}
	if !w.lastExport.IsZero() {
		status["last_export"] = w.lastExport.Format(time.RFC3339)
	}
	if w.lastError != nil {
		status["last_error"] = w.lastError.Error()
	}
	return status
}
