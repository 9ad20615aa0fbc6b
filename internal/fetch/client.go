// Package fetch reads the farm population from an upstream ingestion service
// over HTTP and writes scores back to it, one endpoint per chain.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/yourorg/farm-score/internal/model"
	"github.com/yourorg/farm-score/internal/types"
)

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// Consecutive failed fetches after which a chain's endpoint is left alone
// until breakerTimeout has passed
const (
	breakerFailures = 3
	breakerTimeout  = time.Minute
)

// ChainProvider talks to the ingestion endpoint of one chain
type ChainProvider struct {
	chain      types.SupportedChain
	apiURL     string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewChainProvider creates a provider for one chain
func NewChainProvider(chain types.SupportedChain, apiURL, apiKey string) *ChainProvider {
	return &ChainProvider{
		chain:      chain,
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: StandardClient(newRetryClient()),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "upstream-" + string(chain),
			MaxRequests: 1,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Upstream breaker changed state")
			},
		}),
	}
}

// farmDTO is the wire form of a farm record. Metric fields are pointers so a
// missing field can be told apart from a zero.
type farmDTO struct {
	ID           int64          `json:"id"`
	Chef         string         `json:"chef"`
	Protocol     string         `json:"protocol"`
	AssetAddress string         `json:"asset_address"`
	AssetSymbol  string         `json:"asset_symbol"`
	FarmType     string         `json:"farm_type"`
	AllocPoint   *float64       `json:"alloc_point"`
	TVLUSD       *float64       `json:"tvl_usd"`
	BaseAPR      *float64       `json:"base_apr"`
	RewardAPR    *float64       `json:"reward_apr"`
	Rewards      []model.Reward `json:"rewards"`
	Scores       *model.Scores  `json:"scores"`
}

type scoreUpdate struct {
	model.FarmID
	Scores model.Scores `json:"scores"`
}

// Fetch retrieves the farm records of the provider's chain. While the
// chain's breaker is open it fails fast with gobreaker.ErrOpenState.
func (p *ChainProvider) Fetch(ctx context.Context) ([]model.Farm, error) {
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]model.Farm), nil
}

func (p *ChainProvider) fetch(ctx context.Context) ([]model.Farm, error) {
	u := p.apiURL + "/farms?chain=" + url.QueryEscape(string(p.chain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	p.authorize(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching farms from %s: %w", p.chain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s API error: status %d, body: %s", p.chain, resp.StatusCode, string(body))
	}

	var response struct {
		Data []farmDTO `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("error decoding %s response: %w", p.chain, err)
	}

	farms := make([]model.Farm, 0, len(response.Data))
	for _, d := range response.Data {
		farms = append(farms, d.toFarm(p.chain))
	}
	return farms, nil
}

// PersistScore posts a farm's scores back to the ingestion service
func (p *ChainProvider) PersistScore(ctx context.Context, id model.FarmID, scores model.Scores) error {
	body, err := json.Marshal(scoreUpdate{FarmID: id, Scores: scores})
	if err != nil {
		return fmt.Errorf("error encoding scores: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.apiURL+"/scores", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	p.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error writing scores of %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s API error: status %d, body: %s", p.chain, resp.StatusCode, string(msg))
	}
	return nil
}

func (p *ChainProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (d farmDTO) toFarm(chain types.SupportedChain) model.Farm {
	f := model.Farm{
		FarmID: model.FarmID{
			ID:           d.ID,
			Chef:         d.Chef,
			Chain:        chain,
			Protocol:     d.Protocol,
			AssetAddress: d.AssetAddress,
		},
		AssetSymbol: d.AssetSymbol,
		AllocPoint:  d.AllocPoint,
		TVLUSD:      orNaN(d.TVLUSD),
		BaseAPR:     orNaN(d.BaseAPR),
		RewardAPR:   orNaN(d.RewardAPR),
		Rewards:     d.Rewards,
		Scores:      d.Scores,
	}

	t, err := model.ParseFarmType(d.FarmType)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"farm":      f.FarmID.String(),
			"farm_type": d.FarmType,
		}).Debug("Unrecognised farm type from upstream")
		t = model.FarmTypeInvalid
	}
	f.Type = t
	return f
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
