// Package config provides configuration loading and management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/farm-score/internal/types"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Path of the SQLite database holding the farm snapshot
	DBPath string

	// Base URL of an upstream ingestion service. When set it replaces the
	// local database as the population source and score sink.
	UpstreamURL    string
	UpstreamChains map[types.SupportedChain]types.ChainConfig

	// Scoring cadence and per-pass limits
	ScoreInterval   time.Duration
	PassTimeout     time.Duration
	Workers         int
	PersistAttempts int
	PersistBackoff  time.Duration

	// Population guard
	EnableCircuitBreaker bool
	GuardMinFarms        int
	GuardMaxAPR          float64
	GuardMaxTVLChange    float64
	CircuitResetDelay    time.Duration

	// Report export
	WebhookURL    string
	WebhookAPIKey string
	SigningKey    string

	// How long a signed report stays valid, and how many farms it carries (0 = all)
	SignatureValidity time.Duration
	ReportTopN        int

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Manual trigger limits
	RateLimitRPS   float64
	RateLimitBurst int

	// Eligibility exclusions
	Eligibility Eligibility
}

// Load creates a new Config from environment variables, after loading a
// .env file when one exists. The eligibility lists are read from
// ELIGIBILITY_FILE when set.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:                 GetEnvOrDefault("PORT", "8080"),
		DBPath:               GetEnvOrDefault("DB_PATH", "farms.db"),
		UpstreamURL:          strings.TrimRight(GetEnvOrDefault("UPSTREAM_URL", ""), "/"),
		ScoreInterval:        GetEnvAsDuration("SCORE_INTERVAL", 10*time.Minute),
		PassTimeout:          GetEnvAsDuration("PASS_TIMEOUT", 2*time.Minute),
		Workers:              GetEnvAsInt("SCORE_WORKERS", 4),
		PersistAttempts:      GetEnvAsInt("PERSIST_ATTEMPTS", 3),
		PersistBackoff:       GetEnvAsDuration("PERSIST_BACKOFF", 200*time.Millisecond),
		EnableCircuitBreaker: GetEnvAsBool("ENABLE_CIRCUIT_BREAKER", true),
		GuardMinFarms:        GetEnvAsInt("GUARD_MIN_FARMS", 1),
		GuardMaxAPR:          GetEnvAsFloat("GUARD_MAX_APR", 1_000_000), // percent
		GuardMaxTVLChange:    GetEnvAsFloat("GUARD_MAX_TVL_CHANGE", 0.9),
		CircuitResetDelay:    GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		WebhookURL:           GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:        GetEnvOrDefault("WEBHOOK_API_KEY", ""),
		SigningKey:           GetEnvOrDefault("SIGNING_KEY", ""),
		SignatureValidity:    GetEnvAsDuration("SIGNATURE_VALIDITY", 24*time.Hour),
		ReportTopN:           GetEnvAsInt("REPORT_TOP_N", 0),
		OtelEndpoint:         GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RateLimitRPS:         GetEnvAsFloat("RATE_LIMIT_RPS", 0.2),
		RateLimitBurst:       GetEnvAsInt("RATE_LIMIT_BURST", 1),
		Eligibility:          DefaultEligibility(),
	}

	cfg.UpstreamChains = upstreamChains(GetEnvOrDefault("UPSTREAM_CHAINS", "ethereum"))

	if path := GetEnvOrDefault("ELIGIBILITY_FILE", ""); path != "" {
		el, err := LoadEligibility(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Eligibility = el
	}

	return cfg, nil
}

// upstreamChains builds per-chain upstream settings from a comma separated
// chain list. Each chain may override its endpoint and key with
// CHAIN_<NAME>_API_ENDPOINT / CHAIN_<NAME>_API_KEY.
func upstreamChains(list string) map[types.SupportedChain]types.ChainConfig {
	chains := make(map[types.SupportedChain]types.ChainConfig)
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		chain, ok := types.ParseChain(name)
		if !ok {
			logrus.Warnf("Unknown chain %q in UPSTREAM_CHAINS, keeping it", name)
		}
		prefix := "CHAIN_" + strings.ToUpper(string(chain)) + "_"
		chains[chain] = types.ChainConfig{
			Enabled:     GetEnvAsBool(prefix+"ENABLED", true),
			APIEndpoint: GetEnvOrDefault(prefix+"API_ENDPOINT", ""),
			APIKey:      GetEnvOrDefault(prefix+"API_KEY", ""),
		}
	}
	return chains
}

// DeprecatedFarm names a retired (id, chef) pair that must never be scored
type DeprecatedFarm struct {
	ID   int64  `yaml:"id"`
	Chef string `yaml:"chef"`
}

// Eligibility holds the exclusion lists applied before scoring
type Eligibility struct {
	// Protocols whose farms are eligible without an allocPoint
	AlwaysEligibleProtocols []string `yaml:"always_eligible_protocols"`

	Deprecated []DeprecatedFarm `yaml:"deprecated"`

	// Asset symbols that are not real yield positions
	BlacklistedSymbols []string `yaml:"blacklisted_symbols"`
}

// DefaultEligibility returns the built-in exclusion lists
func DefaultEligibility() Eligibility {
	return Eligibility{
		AlwaysEligibleProtocols: []string{"sushiswap"},
		Deprecated:              nil,
		BlacklistedSymbols:      []string{"xSUSHI", "veCRV", "xJOE", "veJOE", "sJOE", "xBOO"},
	}
}

// LoadEligibility reads exclusion lists from a YAML file. Keys missing from
// the file keep their defaults.
func LoadEligibility(path string) (Eligibility, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Eligibility{}, fmt.Errorf("read eligibility file %q: %w", path, err)
	}

	el := DefaultEligibility()
	if err := yaml.Unmarshal(data, &el); err != nil {
		return Eligibility{}, fmt.Errorf("parse eligibility file %q: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"path":        path,
		"deprecated":  len(el.Deprecated),
		"blacklisted": len(el.BlacklistedSymbols),
	}).Info("Loaded eligibility configuration")
	return el, nil
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid boolean in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}
