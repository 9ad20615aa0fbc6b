// Package model defines the core data structures for the farm scoring service.
package model

import (
	"fmt"
	"strconv"

	"github.com/yourorg/farm-score/internal/types"
)

// FarmID is the identity of a farm. The full 5-tuple is unique across the
// whole system and is the key every score write is addressed by.
type FarmID struct {
	// ID is the numeric pool id inside the chef contract
	ID int64 `json:"id" db:"id"`

	// Chef is the masterchef / pool contract identifier
	Chef string `json:"chef" db:"chef"`

	// Chain the farm lives on
	Chain types.SupportedChain `json:"chain" db:"chain"`

	// Protocol name, lower-case (e.g. "sushiswap")
	Protocol string `json:"protocol" db:"protocol"`

	// AssetAddress is the staked asset (LP token or single asset)
	AssetAddress string `json:"asset_address" db:"asset_address"`
}

// String renders the identity for logs
func (id FarmID) String() string {
	return id.Protocol + "/" + string(id.Chain) + "/" + id.Chef + "#" + strconv.FormatInt(id.ID, 10) + "/" + id.AssetAddress
}

// Reward is one reward stream paid by a farm
type Reward struct {
	Amount      float64   `json:"amount"`
	AssetSymbol string    `json:"asset_symbol"`
	ValueUSD    float64   `json:"value_usd"`
	Frequency   Frequency `json:"frequency"`
}

// Farm is the input record for a scoring pass, one per farm, produced by the
// ingestion side. Metric fields are consumed as-is; malformed values (NaN,
// Inf, negative) are zeroed during extraction.
type Farm struct {
	FarmID

	// Type drives the per-type base APR handling
	Type FarmType `json:"farm_type"`

	// AssetSymbol of the staked asset, matched against the blacklist
	AssetSymbol string `json:"asset_symbol"`

	// AllocPoint is nil when the upstream record has no allocPoint field
	AllocPoint *float64 `json:"alloc_point,omitempty"`

	// TVLUSD is the total value locked in USD
	TVLUSD float64 `json:"tvl_usd"`

	// BaseAPR and RewardAPR are in percentage units (12.5 means 12.5%)
	BaseAPR   float64 `json:"base_apr"`
	RewardAPR float64 `json:"reward_apr"`

	Rewards []Reward `json:"rewards"`

	// Scores is nil when the record has never been given score fields
	Scores *Scores `json:"scores,omitempty"`
}

// Scores holds the persisted score fields of a farm
type Scores struct {
	TVL       float64 `json:"tvl_score" db:"tvl_score"`
	BaseAPR   float64 `json:"base_apr_score" db:"base_apr_score"`
	RewardAPR float64 `json:"reward_apr_score" db:"reward_apr_score"`
	Rewards   float64 `json:"rewards_score" db:"rewards_score"`
	Total     float64 `json:"total_score" db:"total_score"`
}

// ScoredFarm is the outcome of a scoring pass for one eligible farm
type ScoredFarm struct {
	FarmID
	Scores

	// RewardsUSD is the daily-equivalent reward value the rewards score was derived from
	RewardsUSD float64 `json:"rewards_usd"`

	// Raw is the weighted composite before population rescaling
	Raw float64 `json:"raw_score"`
}

// FarmType is the closed set of farm kinds
type FarmType int

// Farm types
const (
	FarmTypeStandardAmm FarmType = iota
	FarmTypeStableAmm
	FarmTypeSingleStaking
	FarmTypeConcentratedLiquidity
)

// FarmTypeInvalid stands in for a type name that could not be parsed.
// Extraction reports it and scores the farm as StandardAmm.
const FarmTypeInvalid FarmType = -1

var farmTypeNames = map[FarmType]string{
	FarmTypeStandardAmm:           "StandardAmm",
	FarmTypeStableAmm:             "StableAmm",
	FarmTypeSingleStaking:         "SingleStaking",
	FarmTypeConcentratedLiquidity: "ConcentratedLiquidity",
}

func (t FarmType) String() string {
	if name, ok := farmTypeNames[t]; ok {
		return name
	}
	return "FarmType(" + strconv.Itoa(int(t)) + ")"
}

// ParseFarmType maps a stored farm type name to its enum value
func ParseFarmType(s string) (FarmType, error) {
	for t, name := range farmTypeNames {
		if name == s {
			return t, nil
		}
	}
	return FarmTypeStandardAmm, fmt.Errorf("unknown farm type %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (t FarmType) MarshalText() ([]byte, error) {
	name, ok := farmTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("invalid farm type %d", int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *FarmType) UnmarshalText(b []byte) error {
	parsed, err := ParseFarmType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Frequency is how often a reward amount is paid out
type Frequency int

// Reward frequencies. FrequencyUnknown marks a value that could not be parsed.
const (
	FrequencyUnknown Frequency = iota
	FrequencyDaily
	FrequencyWeekly
	FrequencyMonthly
	FrequencyAnnually
)

var frequencyNames = map[Frequency]string{
	FrequencyDaily:    "Daily",
	FrequencyWeekly:   "Weekly",
	FrequencyMonthly:  "Monthly",
	FrequencyAnnually: "Annually",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return "Unknown"
}

// ParseFrequency maps a frequency name to its enum value. Unrecognised names
// yield FrequencyUnknown and an error.
func ParseFrequency(s string) (Frequency, error) {
	for f, name := range frequencyNames {
		if name == s {
			return f, nil
		}
	}
	return FrequencyUnknown, fmt.Errorf("unknown reward frequency %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (f Frequency) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText keeps unknown frequencies as FrequencyUnknown instead of
// failing the whole document; the normalizer reports them.
func (f *Frequency) UnmarshalText(b []byte) error {
	parsed, _ := ParseFrequency(string(b))
	*f = parsed
	return nil
}
