// Package breaker provides per-dependency circuit breakers that stop calls
// to a failing external service (AI API, news API, scrape target, database)
// for a cooldown period after repeated failures.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/civictrack/resilience-core/internal/apierror"
	"github.com/civictrack/resilience-core/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Operation is a guarded call against an external dependency. The payload is
// the raw response document; classification of the error has already happened
// at the network-adapter boundary.
type Operation func(ctx context.Context) ([]byte, error)

// Config holds per-dependency breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before the next
	// Execute call is allowed through as a half-open probe.
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive successful probes
	// required to close the breaker again.
	HalfOpenSuccesses int
}

// DefaultConfig returns the breaker settings used when a dependency has no
// explicit configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 3,
	}
}

// Breaker is a consecutive-failure-count circuit breaker for one dependency.
// One instance exists per guarded dependency, created at startup, mutated
// only by that dependency's Execute calls.
type Breaker struct {
	mu sync.Mutex

	name   string
	logger *slog.Logger

	state         State
	failureCount  int
	successCount  int
	totalRequests uint64
	lastFailure   time.Time

	failureThreshold  int
	resetTimeout      time.Duration
	halfOpenSuccesses int

	now func() time.Time // injectable for tests
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = DefaultConfig().HalfOpenSuccesses
	}
	return &Breaker{
		name:              name,
		logger:            logger,
		state:             StateClosed,
		failureThreshold:  cfg.FailureThreshold,
		resetTimeout:      cfg.ResetTimeout,
		halfOpenSuccesses: cfg.HalfOpenSuccesses,
		now:               time.Now,
	}
}

// Execute runs op under the breaker's protection. While open, op is never
// invoked and a SERVICE_UNAVAILABLE error is returned immediately. The
// open-to-half-open transition is evaluated lazily here, on the first call
// after the reset timeout has elapsed.
func (b *Breaker) Execute(ctx context.Context, op Operation) ([]byte, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	payload, err := op(ctx)
	if err != nil {
		b.onFailure()
		return nil, err
	}

	b.onSuccess()
	return payload, nil
}

// allow admits or rejects the call and counts it. Every Execute call counts
// toward totalRequests, including rejections.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) >= b.resetTimeout {
			b.transitionTo(StateHalfOpen)
			return nil
		}
		metrics.CircuitBreakerRejections.WithLabelValues(b.name).Inc()
		return apierror.New(apierror.KindServiceUnavailable, "circuit open for "+b.name)
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.halfOpenSuccesses {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.successCount = 0
}

// UpdateConfig updates thresholds at runtime (config hot-reload). Thread-safe.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg.FailureThreshold > 0 {
		b.failureThreshold = cfg.FailureThreshold
	}
	if cfg.ResetTimeout > 0 {
		b.resetTimeout = cfg.ResetTimeout
	}
	if cfg.HalfOpenSuccesses > 0 {
		b.halfOpenSuccesses = cfg.HalfOpenSuccesses
	}
}

// Snapshot is a point-in-time view of the breaker for the admin API.
type Snapshot struct {
	Dependency    string    `json:"dependency"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	TotalRequests uint64    `json:"total_requests"`
	LastFailure   time.Time `json:"last_failure,omitzero"`
}

// Snapshot returns the current counters and state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Dependency:    b.name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		TotalRequests: b.totalRequests,
		LastFailure:   b.lastFailure,
	}
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"dependency", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
	case StateOpen:
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
	}
}
