// Package resilience provides retry and circuit breaker patterns for store
// writes and external service calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitState identifies the breaker position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CircuitBreakerConfig controls when the breaker opens and recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// trip-worthy failures. Default 5.
	FailureThreshold int

	// ResetTimeout is how long an open circuit waits before admitting
	// a probe. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is how many probes must succeed before the
	// circuit closes again. Default 1.
	HalfOpenMaxProbes int

	// ShouldTrip filters which errors count toward the threshold. Nil
	// counts every error.
	ShouldTrip func(err error) bool

	// OnStateChange is invoked after each transition is applied.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the stock thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker guards one external dependency, such as the remote
// OCR provider. It admits calls while closed, rejects them while open,
// and after the reset timeout lets probes through until enough succeed
// to close again.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	pos       CircuitState
	fails     int       // consecutive trip-worthy failures
	openedAt  time.Time // extended by every failure while open
	probeWins int       // successful probes while half-open

	// now allows test injection of time.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker, filling zero config fields with
// the defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open. The outcome feeds the
// breaker: trip-worthy errors count toward opening it, successes reset
// the count or close it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.observe(err)
	return err
}

// ExecuteVal is Execute for calls that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := cb.admit(); err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	cb.observe(err)
	return val, err
}

// State returns the breaker position, reading an open circuit whose
// reset timeout has elapsed as half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effective()
}

// Reset forces the circuit closed, for manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fails = 0
	cb.probeWins = 0
	if cb.pos != CircuitClosed {
		cb.shift(CircuitClosed)
	}
}

// effective folds the reset timeout into the stored position. Callers
// hold mu.
func (cb *CircuitBreaker) effective() CircuitState {
	if cb.pos == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.pos
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.effective() {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.pos == CircuitOpen {
			// Reset timeout elapsed; begin probing.
			cb.shift(CircuitHalfOpen)
		}
	}
	return nil
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	tripped := err != nil
	if tripped && cb.cfg.ShouldTrip != nil {
		tripped = cb.cfg.ShouldTrip(err)
	}

	if !tripped {
		switch cb.pos {
		case CircuitHalfOpen:
			cb.probeWins++
			if cb.probeWins >= cb.cfg.HalfOpenMaxProbes {
				cb.fails = 0
				cb.probeWins = 0
				cb.shift(CircuitClosed)
			}
		case CircuitClosed:
			cb.fails = 0
		}
		return
	}

	cb.fails++
	cb.openedAt = cb.now()
	switch cb.pos {
	case CircuitClosed:
		if cb.fails >= cb.cfg.FailureThreshold {
			cb.shift(CircuitOpen)
		}
	case CircuitHalfOpen:
		// A failed probe reopens immediately.
		cb.probeWins = 0
		cb.shift(CircuitOpen)
	}
}

// shift applies a transition. Callers hold mu.
func (cb *CircuitBreaker) shift(to CircuitState) {
	from := cb.pos
	cb.pos = to
	zap.L().Debug("resilience: circuit state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
