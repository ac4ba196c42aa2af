// Package retry executes operations with bounded retries, exponential
// backoff, and jitter. Per-key attempt counters are kept for operational
// introspection only — they are not locks, and concurrent calls sharing a
// key run independently.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/civictrack/resilience-core/internal/apierror"
	"github.com/civictrack/resilience-core/internal/metrics"
)

// maxJitter is the upper bound of the random component added to each backoff
// delay, spreading out synchronized retry storms.
const maxJitter = time.Second

// Operation is a retryable call against an external dependency.
type Operation func(ctx context.Context) ([]byte, error)

// Options controls a single retried call sequence.
type Options struct {
	// MaxRetries is the number of retries after the initial attempt, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries int

	// BaseDelay seeds the exponential backoff: delay for attempt n is
	// min(BaseDelay·2^n + jitter, MaxDelay).
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// RetryIf decides whether an error is worth retrying. Nil means the
	// default transient-kind predicate (network, timeout, unavailable,
	// rate-limited).
	RetryIf func(error) bool
}

// DefaultOptions returns the retry settings used when a caller passes the
// zero Options value.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		RetryIf:    apierror.Retryable,
	}
}

// Manager runs operations with retries and tracks cumulative attempt counts
// per operation key. A key's counter accumulates across separate exhausted
// call sequences and resets only when the key next succeeds.
type Manager struct {
	mu      sync.Mutex
	records map[string]int
	logger  *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewManager creates a retry manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		records: make(map[string]int),
		logger:  logger,
		sleep:   sleepContext,
		jitter:  func() time.Duration { return time.Duration(rand.Int63n(int64(maxJitter))) },
	}
}

// Do runs op with up to opts.MaxRetries retries. On success the key's attempt
// record is deleted and the payload returned. On a non-retryable error or
// exhaustion, the cumulative attempt count is persisted under key and the
// original error is returned unchanged.
func (m *Manager) Do(ctx context.Context, key string, op Operation, opts Options) ([]byte, error) {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions().BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultOptions().MaxDelay
	}
	retryIf := opts.RetryIf
	if retryIf == nil {
		retryIf = apierror.Retryable
	}

	for attempt := 0; ; attempt++ {
		payload, err := op(ctx)
		if err == nil {
			m.clear(key)
			return payload, nil
		}

		if !retryIf(err) || attempt >= opts.MaxRetries {
			m.record(key, attempt+1)
			return nil, err
		}

		delay := m.backoff(opts, attempt)
		m.logger.Warn("retrying operation",
			"key", key,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		metrics.RetryTotal.WithLabelValues(operationLabel(key)).Inc()

		if serr := m.sleep(ctx, delay); serr != nil {
			m.record(key, attempt+1)
			return nil, serr
		}
	}
}

// backoff computes min(base·2^attempt + jitter, max).
func (m *Manager) backoff(opts Options, attempt int) time.Duration {
	const maxShift = 32
	if attempt > maxShift {
		attempt = maxShift
	}
	d := opts.BaseDelay << uint(attempt)
	if d <= 0 || d > opts.MaxDelay {
		return opts.MaxDelay
	}
	d += m.jitter()
	if d > opts.MaxDelay {
		return opts.MaxDelay
	}
	return d
}

// record accumulates attempts under key. Counters grow across exhausted
// sequences on purpose; only a success clears them.
func (m *Manager) record(key string, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] += attempts
}

func (m *Manager) clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
}

// Attempts returns the cumulative failed attempt count recorded for key.
func (m *Manager) Attempts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key]
}

// Records returns a copy of all per-key attempt counters for the admin API.
func (m *Manager) Records() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// operationLabel keeps metric cardinality bounded by using only the key's
// type prefix (the segment before the first colon).
func operationLabel(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// sleepContext sleeps for d but returns early if ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
