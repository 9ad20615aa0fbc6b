package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/farm-score/internal/model"
	"github.com/yourorg/farm-score/internal/types"
)

// MultiChainClient assembles one population snapshot from every enabled
// chain and routes score writes to the chain a farm lives on
type MultiChainClient struct {
	providers map[types.SupportedChain]*ChainProvider

	mutex      sync.RWMutex
	cacheTTL   time.Duration
	cachedData map[types.SupportedChain][]model.Farm
	cacheTime  map[types.SupportedChain]time.Time
}

// NewMultiChainClient creates a client over the enabled chains. A chain
// without its own endpoint uses baseURL.
func NewMultiChainClient(baseURL string, chains map[types.SupportedChain]types.ChainConfig) *MultiChainClient {
	c := &MultiChainClient{
		providers:  make(map[types.SupportedChain]*ChainProvider),
		cacheTTL:   5 * time.Minute,
		cachedData: make(map[types.SupportedChain][]model.Farm),
		cacheTime:  make(map[types.SupportedChain]time.Time),
	}

	for chain, cfg := range chains {
		if !cfg.Enabled {
			continue
		}
		endpoint := cfg.APIEndpoint
		if endpoint == "" {
			endpoint = baseURL
		}
		c.providers[chain] = NewChainProvider(chain, endpoint, cfg.APIKey)
		logrus.WithFields(logrus.Fields{
			"chain":    chain,
			"endpoint": endpoint,
		}).Info("Registered chain provider")
	}
	return c
}

// WithCacheTTL sets how long a chain's last good response may stand in for a
// failed fetch. Zero disables the fallback.
func (c *MultiChainClient) WithCacheTTL(ttl time.Duration) *MultiChainClient {
	c.cacheTTL = ttl
	return c
}

// Chains returns the enabled chains in a stable order
func (c *MultiChainClient) Chains() []types.SupportedChain {
	chains := make([]types.SupportedChain, 0, len(c.providers))
	for chain := range c.providers {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

// FetchPopulation fetches every enabled chain concurrently. Scores are
// relative to the whole population, so a chain that fails without a fresh
// cached response fails the snapshot.
func (c *MultiChainClient) FetchPopulation(ctx context.Context) ([]model.Farm, error) {
	chains := c.Chains()

	type result struct {
		farms []model.Farm
		err   error
	}
	results := make([]result, len(chains))

	var wg sync.WaitGroup
	for i, chain := range chains {
		wg.Add(1)
		go func(i int, chain types.SupportedChain) {
			defer wg.Done()
			farms, err := c.fetchChainData(ctx, chain)
			results[i] = result{farms: farms, err: err}
		}(i, chain)
	}
	wg.Wait()

	var all []model.Farm
	for i, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("multi-chain fetch failed on %s: %w", chains[i], r.err)
		}
		all = append(all, r.farms...)
	}

	logrus.WithFields(logrus.Fields{
		"chains": len(chains),
		"farms":  len(all),
	}).Info("Fetched farm population")
	return all, nil
}

// PersistScore routes the write to the farm's chain
func (c *MultiChainClient) PersistScore(ctx context.Context, id model.FarmID, scores model.Scores) error {
	p, ok := c.providers[id.Chain]
	if !ok {
		return fmt.Errorf("chain %s not configured or disabled", id.Chain)
	}
	return p.PersistScore(ctx, id, scores)
}

// fetchChainData fetches one chain, falling back to a fresh cached response
func (c *MultiChainClient) fetchChainData(ctx context.Context, chain types.SupportedChain) ([]model.Farm, error) {
	farms, err := c.providers[chain].Fetch(ctx)
	if err == nil {
		c.mutex.Lock()
		c.cachedData[chain] = farms
		c.cacheTime[chain] = time.Now()
		c.mutex.Unlock()
		return farms, nil
	}

	c.mutex.RLock()
	cached, ok := c.cachedData[chain]
	fetchedAt := c.cacheTime[chain]
	c.mutex.RUnlock()

	if ok && time.Since(fetchedAt) < c.cacheTTL {
		logrus.WithFields(logrus.Fields{
			"chain": chain,
			"age":   time.Since(fetchedAt).Round(time.Second),
			"error": err,
		}).Warn("Chain fetch failed, using cached farms")
		return cached, nil
	}
	return nil, err
}
