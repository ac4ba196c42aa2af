// Package client composes the protective layers into the single
// protected-fetch contract consumed by the AI-summarization, news-search,
// scraper, and database integrations: cache, dedup/queue, circuit breaker
// wrapping retries, and last-resort stale fallback.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/civictrack/resilience-core/internal/apierror"
	"github.com/civictrack/resilience-core/internal/breaker"
	"github.com/civictrack/resilience-core/internal/cache"
	"github.com/civictrack/resilience-core/internal/coordinator"
	"github.com/civictrack/resilience-core/internal/fallback"
	"github.com/civictrack/resilience-core/internal/metrics"
	"github.com/civictrack/resilience-core/internal/retry"
)

// Operation is a network call against the client's dependency. Errors it
// returns must already be classified by the network adapter.
type Operation func(ctx context.Context) ([]byte, error)

// ResultCache is the cache surface the client needs; satisfied by both
// *cache.Cache and *cache.PersistentCache.
type ResultCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, payload []byte, ttl time.Duration)
}

// Result is a protected fetch outcome. Stale marks a payload served from the
// fallback store after all protective layers were exhausted; Cached marks a
// result cache hit that never reached the network.
type Result struct {
	Payload []byte
	Stale   bool
	Cached  bool
}

// Client guards one external dependency. The circuit breaker wraps the retry
// manager, never the reverse: a rejected-while-open call is not recorded as
// a fresh failure against the breaker.
type Client struct {
	dependency string
	cache      ResultCache
	coord      *coordinator.Coordinator
	breaker    *breaker.Breaker
	retries    *retry.Manager
	fallback   *fallback.Store
	retryOpts  retry.Options
	logger     *slog.Logger
}

// New assembles a protected client for the named dependency.
func New(
	dependency string,
	resultCache ResultCache,
	coord *coordinator.Coordinator,
	brk *breaker.Breaker,
	retries *retry.Manager,
	fb *fallback.Store,
	retryOpts retry.Options,
	logger *slog.Logger,
) *Client {
	return &Client{
		dependency: dependency,
		cache:      resultCache,
		coord:      coord,
		breaker:    brk,
		retries:    retries,
		fallback:   fb,
		retryOpts:  retryOpts,
		logger:     logger,
	}
}

// Fetch runs op through the full protective stack. The cache key doubles as
// the dedup signature, so identical logical requests share one in-flight
// call. On total failure a fallback payload younger than 24h is returned
// marked stale; only when none exists does an error propagate.
func (c *Client) Fetch(ctx context.Context, dataType string, params map[string]any, op Operation) (Result, error) {
	key := cache.Key(dataType, params)
	return c.execute(ctx, key, key, 0, op)
}

// execute is the shared protective pipeline: cache hit short-circuits, the
// coordinator dedups and queues, the breaker wraps the retry loop, and the
// fallback store is the last resort.
func (c *Client) execute(ctx context.Context, key, signature string, ttl time.Duration, op Operation) (Result, error) {
	start := time.Now()

	if payload, ok := c.cache.Get(key); ok {
		c.coord.RecordCacheHit()
		return Result{Payload: payload, Cached: true}, nil
	}

	payload, err := c.coord.Do(ctx, signature, func(ctx context.Context) ([]byte, error) {
		return c.breaker.Execute(ctx, func(ctx context.Context) ([]byte, error) {
			return c.retries.Do(ctx, key, retry.Operation(op), c.retryOpts)
		})
	})

	metrics.RequestDuration.WithLabelValues(c.dependency).Observe(time.Since(start).Seconds())

	if err == nil {
		c.cache.Set(key, payload, ttl)
		c.fallback.Set(key, payload)
		metrics.RequestsTotal.WithLabelValues(c.dependency, "success").Inc()
		return Result{Payload: payload}, nil
	}

	// Non-transient failures are the caller's problem; stale data is no
	// substitute for a validation or not-found response.
	if !apierror.Retryable(err) {
		metrics.RequestsTotal.WithLabelValues(c.dependency, "error").Inc()
		return Result{}, err
	}

	if payload, age, ok := c.fallback.Get(key); ok {
		c.logger.Warn("serving stale fallback",
			"dependency", c.dependency,
			"key", key,
			"age", age,
			"error", err,
		)
		metrics.RequestsTotal.WithLabelValues(c.dependency, "stale_fallback").Inc()
		metrics.FallbackServed.WithLabelValues(c.dependency).Inc()
		return Result{Payload: payload, Stale: true}, nil
	}

	metrics.RequestsTotal.WithLabelValues(c.dependency, "error").Inc()
	return Result{}, apierror.Wrap(apierror.KindServiceUnavailable, "service temporarily unavailable", err)
}
