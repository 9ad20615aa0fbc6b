// Package eligibility selects which farm records take part in a scoring pass.
package eligibility

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/farm-score/internal/config"
	"github.com/yourorg/farm-score/internal/model"
)

// Options holds the exclusion lists for the filter
type Options struct {
	// AlwaysEligibleProtocols are eligible even without an allocPoint
	AlwaysEligibleProtocols []string

	// Deprecated (id, chef) pairs are never eligible
	Deprecated []config.DeprecatedFarm

	// BlacklistedSymbols are never eligible
	BlacklistedSymbols []string
}

// DefaultOptions returns the built-in exclusion lists
func DefaultOptions() Options {
	return FromConfig(config.DefaultEligibility())
}

// FromConfig converts the loaded eligibility configuration into filter options
func FromConfig(el config.Eligibility) Options {
	return Options{
		AlwaysEligibleProtocols: el.AlwaysEligibleProtocols,
		Deprecated:              el.Deprecated,
		BlacklistedSymbols:      el.BlacklistedSymbols,
	}
}

// MigrateScores gives zero-initialised score fields to every record that has
// none, independent of eligibility. It returns the identities it touched so
// the caller can persist them.
func MigrateScores(farms []model.Farm) []model.FarmID {
	var migrated []model.FarmID
	for i := range farms {
		if farms[i].Scores != nil {
			continue
		}
		farms[i].Scores = &model.Scores{}
		migrated = append(migrated, farms[i].FarmID)
	}
	return migrated
}

// Eligible returns the subset of farms that takes part in this pass.
// The input slice is not modified.
func Eligible(farms []model.Farm, opts Options) []model.Farm {
	m := newMatcher(opts)
	eligible := make([]model.Farm, 0, len(farms))
	for _, f := range farms {
		if m.eligible(f) {
			eligible = append(eligible, f)
		}
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(farms),
		"eligible": len(eligible),
	}).Debug("Eligibility filtering complete")

	return eligible
}

// EligibleConcurrently filters in parallel chunks for large populations.
// The relative order of the input is kept.
func EligibleConcurrently(farms []model.Farm, opts Options, workerCount int) []model.Farm {
	if len(farms) < 500 || workerCount < 2 {
		return Eligible(farms, opts)
	}

	m := newMatcher(opts)
	chunkSize := (len(farms) + workerCount - 1) / workerCount
	chunks := make([][]model.Farm, workerCount)
	wg := sync.WaitGroup{}

	for i := 0; i < workerCount; i++ {
		start := i * chunkSize
		if start >= len(farms) {
			break
		}
		end := start + chunkSize
		if end > len(farms) {
			end = len(farms)
		}

		wg.Add(1)
		go func(i int, chunk []model.Farm) {
			defer wg.Done()
			kept := make([]model.Farm, 0, len(chunk))
			for _, f := range chunk {
				if m.eligible(f) {
					kept = append(kept, f)
				}
			}
			chunks[i] = kept
		}(i, farms[start:end])
	}

	wg.Wait()

	var eligible []model.Farm
	for _, chunk := range chunks {
		eligible = append(eligible, chunk...)
	}
	return eligible
}

type deprecatedKey struct {
	id   int64
	chef string
}

// matcher is the lookup form of Options, read-only once built
type matcher struct {
	protocols  map[string]struct{}
	deprecated map[deprecatedKey]struct{}
	symbols    map[string]struct{}
}

func newMatcher(opts Options) *matcher {
	m := &matcher{
		protocols:  make(map[string]struct{}, len(opts.AlwaysEligibleProtocols)),
		deprecated: make(map[deprecatedKey]struct{}, len(opts.Deprecated)),
		symbols:    make(map[string]struct{}, len(opts.BlacklistedSymbols)),
	}
	for _, p := range opts.AlwaysEligibleProtocols {
		m.protocols[strings.ToLower(p)] = struct{}{}
	}
	for _, d := range opts.Deprecated {
		m.deprecated[deprecatedKey{id: d.ID, chef: strings.ToLower(d.Chef)}] = struct{}{}
	}
	for _, s := range opts.BlacklistedSymbols {
		m.symbols[strings.ToLower(s)] = struct{}{}
	}
	return m
}

func (m *matcher) eligible(f model.Farm) bool {
	reason := m.exclusion(f)
	if reason == "" {
		return true
	}
	logrus.WithFields(logrus.Fields{
		"farm":   f.FarmID.String(),
		"reason": reason,
	}).Debug("Excluded farm from scoring")
	return false
}

// exclusion returns why a farm is excluded, or "" when it is eligible
func (m *matcher) exclusion(f model.Farm) string {
	if _, ok := m.protocols[strings.ToLower(f.Protocol)]; !ok {
		if f.AllocPoint == nil {
			return "no allocPoint"
		}
		if !(*f.AllocPoint > 0) {
			return "allocPoint not positive"
		}
	}

	if _, ok := m.deprecated[deprecatedKey{id: f.ID, chef: strings.ToLower(f.Chef)}]; ok {
		return "deprecated"
	}

	if _, ok := m.symbols[strings.ToLower(f.AssetSymbol)]; ok {
		return "blacklisted symbol"
	}

	return ""
}
