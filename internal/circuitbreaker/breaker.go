// Package circuitbreaker guards scoring passes against corrupt population
// snapshots: a snapshot that fails the thresholds trips the breaker and the
// pass is abandoned until the next cycle.
package circuitbreaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/farm-score/internal/model"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, passes are rejected
	StateHalfOpen              // Testing if the upstream data has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned while the breaker is open
var ErrOpen = errors.New("circuit breaker open")

// Thresholds defines the limits that will trip the circuit breaker
type Thresholds struct {
	// Maximum plausible base or reward APR, in percent
	MaxAPR float64 `json:"max_apr"`

	// Maximum change of total population TVL versus the last good snapshot (0.5 = 50%)
	MaxTVLChange float64 `json:"max_tvl_change"`

	// Minimum number of eligible farms for a pass to be meaningful
	MinFarms int `json:"min_farms"`
}

// snapshot summarises a population that passed the checks
type snapshot struct {
	farms     int
	totalTVL  float64
	checkedAt time.Time
}

// CircuitBreaker tracks population health across passes
type CircuitBreaker struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time
	reason   string

	// Duration before a half-open retry is allowed
	resetDelay time.Duration

	mu sync.RWMutex

	history []snapshot

	// Population rejected for a TVL shift; a half-open check that agrees
	// with it is accepted as the new baseline
	candidate *snapshot

	// Consecutive good checks while half-open
	successCount     int
	successThreshold int

	onTripCallback func(reason string)
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 1,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of good checks needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Check evaluates an eligible population against the thresholds. It returns
// an error when the breaker is open or the population trips it.
func (cb *CircuitBreaker) Check(farms []model.Farm) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastTrip) <= cb.resetDelay {
			return fmt.Errorf("%w: %s", ErrOpen, cb.reason)
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: testing snapshot recovery")
	}

	if len(farms) < cb.thresholds.MinFarms {
		return cb.trip(fmt.Sprintf("insufficient eligible farms: got %d, need %d",
			len(farms), cb.thresholds.MinFarms))
	}

	var totalTVL float64
	for _, f := range farms {
		if cb.thresholds.MaxAPR > 0 && (f.BaseAPR > cb.thresholds.MaxAPR || f.RewardAPR > cb.thresholds.MaxAPR) {
			return cb.trip(fmt.Sprintf("APR exceeds maximum threshold on %s: base %.2f, reward %.2f > %.2f",
				f.FarmID, f.BaseAPR, f.RewardAPR, cb.thresholds.MaxAPR))
		}
		if f.TVLUSD > 0 && !math.IsInf(f.TVLUSD, 0) {
			totalTVL += f.TVLUSD
		}
	}

	if len(cb.history) > 0 && cb.thresholds.MaxTVLChange > 0 {
		last := cb.history[len(cb.history)-1]
		// Only compare against substantial TVL to avoid noise on tiny populations
		if last.totalTVL > 1.0 {
			changeRatio := math.Abs(totalTVL-last.totalTVL) / last.totalTVL
			if changeRatio > cb.thresholds.MaxTVLChange {
				if !cb.confirmsCandidate(totalTVL) {
					cb.candidate = &snapshot{farms: len(farms), totalTVL: totalTVL, checkedAt: time.Now()}
					return cb.trip(fmt.Sprintf("TVL change too drastic: %.2f%% (threshold: %.2f%%)",
						changeRatio*100, cb.thresholds.MaxTVLChange*100))
				}
				logrus.Infof("Accepting new TVL baseline %.2f (was %.2f)", totalTVL, last.totalTVL)
			}
		}
	}

	cb.candidate = nil
	cb.addToHistory(snapshot{farms: len(farms), totalTVL: totalTVL, checkedAt: time.Now()})

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			cb.reason = ""
			logrus.Info("Circuit breaker closed: snapshots have recovered")
		}
	}

	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reason returns why the breaker last tripped, empty when closed
func (cb *CircuitBreaker) Reason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// Reset forcibly resets the circuit breaker to closed state. The TVL history
// is dropped so the next population becomes the baseline.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.reason = ""
	cb.history = nil
	cb.candidate = nil
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGoodTVL returns the total TVL of the last accepted population
func (cb *CircuitBreaker) LastGoodTVL() (float64, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if len(cb.history) == 0 {
		return 0, false
	}
	return cb.history[len(cb.history)-1].totalTVL, true
}

// confirmsCandidate reports whether a half-open population agrees with the
// one rejected for a TVL shift; callers hold the lock
func (cb *CircuitBreaker) confirmsCandidate(totalTVL float64) bool {
	if cb.state != StateHalfOpen || cb.candidate == nil || cb.candidate.totalTVL <= 0 {
		return false
	}
	return math.Abs(totalTVL-cb.candidate.totalTVL)/cb.candidate.totalTVL <= cb.thresholds.MaxTVLChange
}

// trip opens the breaker; callers hold the lock
func (cb *CircuitBreaker) trip(reason string) error {
	cb.state = StateOpen
	cb.lastTrip = time.Now()
	cb.reason = reason
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason)
	}
	return errors.New(reason)
}

// addToHistory keeps a bounded history of accepted snapshots
func (cb *CircuitBreaker) addToHistory(s snapshot) {
	cb.history = append(cb.history, s)

	const maxHistorySize = 100
	if len(cb.history) > maxHistorySize {
		cb.history = cb.history[len(cb.history)-maxHistorySize:]
	}
}
