// Package types contains shared type definitions used across multiple packages
package types

import "strings"

// SupportedChain represents a blockchain network farms are tracked on
type SupportedChain string

// Supported blockchain networks
const (
	ChainEthereum  SupportedChain = "ethereum"
	ChainPolygon   SupportedChain = "polygon"
	ChainArbitrum  SupportedChain = "arbitrum"
	ChainOptimism  SupportedChain = "optimism"
	ChainAvalanche SupportedChain = "avalanche"
	ChainBSC       SupportedChain = "binance"
	ChainBase      SupportedChain = "base"
	ChainFantom    SupportedChain = "fantom"
)

// KnownChains lists every chain the service recognises, in display order
var KnownChains = []SupportedChain{
	ChainEthereum,
	ChainPolygon,
	ChainArbitrum,
	ChainOptimism,
	ChainAvalanche,
	ChainBSC,
	ChainBase,
	ChainFantom,
}

// ParseChain normalises a chain name. Unknown names are returned lower-cased
// with ok=false so callers can decide whether to keep them.
func ParseChain(name string) (SupportedChain, bool) {
	c := SupportedChain(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range KnownChains {
		if c == known {
			return c, true
		}
	}
	return c, false
}

// ChainConfig holds upstream configuration for a specific blockchain network
type ChainConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	APIEndpoint string `json:"api_endpoint" yaml:"api_endpoint"`
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}
