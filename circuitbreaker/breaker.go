// Package circuitbreaker implements the CLOSED/OPEN/HALF_OPEN failure
// isolation state machine used by the gateway's rate limiter.
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed allows calls; failures are counted.
	StateClosed State = iota
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the failure count that trips CLOSED -> OPEN.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays OPEN before admitting
	// probe calls.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls bounds the number of probes admitted in HALF_OPEN.
	HalfOpenMaxCalls int

	// OnStateChange, if set, is invoked on every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Stats is a point-in-time snapshot of the breaker.
type Stats struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	HalfOpenCalls int       `json:"half_open_calls"`
	LastFailureAt time.Time `json:"last_failure_at"`
}

// Breaker is the circuit breaker. Allow, OnSuccess and OnFailure must be
// paired: every call that Allow admits reports exactly one outcome, or
// returns its admission with ReleaseProbe when abandoned before the call.
type Breaker struct {
	config *Config
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenCalls   int
}

// New creates a Breaker, correcting invalid config values to defaults.
func New(config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
		state:  StateClosed,
	}
}

// SetClock overrides the breaker's clock. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a call may proceed, performing the OPEN ->
// HALF_OPEN transition when the recovery timeout has elapsed. The call
// that triggers the transition is admitted as the first probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCalls = 1
			b.logger.Info("circuit breaker half-open, admitting probes")
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true

	default:
		return false
	}
}

// ReleaseProbe returns an admission obtained from Allow that was
// abandoned before any call was made, so no outcome will follow. Without
// this, an abandoned HALF_OPEN probe would hold its slot forever and the
// breaker could wedge with every probe leaked. No-op outside HALF_OPEN.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

// OnSuccess records a successful call. In CLOSED it decays the failure
// count by one rather than resetting it, so a single success does not
// erase a burst of failures. A probe success in HALF_OPEN closes the
// circuit.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}

	case StateHalfOpen:
		b.logger.Info("circuit breaker recovered",
			zap.Int("half_open_calls", b.halfOpenCalls),
		)
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCalls = 0

	case StateOpen:
		// No calls should complete while open.
		b.logger.Warn("success reported while circuit open")
	}
}

// OnFailure records a failed call. Reaching the failure threshold in
// CLOSED trips the breaker; any probe failure in HALF_OPEN reopens it.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		b.logger.Warn("probe failed, circuit breaker reopened",
			zap.Int("half_open_calls", b.halfOpenCalls),
		)
		b.setState(StateOpen)
		b.halfOpenCalls = 0

	case StateOpen:
		b.logger.Warn("failure reported while circuit open")
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.state,
		FailureCount:  b.failureCount,
		HalfOpenCalls: b.halfOpenCalls,
		LastFailureAt: b.lastFailureTime,
	}
}

// Reset forces the breaker back to CLOSED and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCalls = 0

	b.logger.Info("circuit breaker reset", zap.String("from_state", old.String()))

	if b.config.OnStateChange != nil && old != StateClosed {
		go b.config.OnStateChange(old, StateClosed)
	}
}

// setState transitions state and fires the callback. Caller holds the lock.
func (b *Breaker) setState(newState State) {
	old := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(old, newState)
	}
}
