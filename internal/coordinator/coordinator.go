// Package coordinator deduplicates identical in-flight requests, bounds
// concurrency, enforces minimum spacing between dispatches, and applies
// per-request timeouts for the client side of the resilience layer.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/civictrack/resilience-core/internal/apierror"
	"github.com/civictrack/resilience-core/internal/metrics"
)

// Operation is a network call managed by the coordinator.
type Operation func(ctx context.Context) ([]byte, error)

// Config holds coordinator settings.
type Config struct {
	// MaxConcurrent bounds how many dispatched operations run at once.
	MaxConcurrent int

	// MinSpacing is the minimum interval between successive dispatches.
	MinSpacing time.Duration

	// Timeout is the hard per-request deadline; exceeding it surfaces a
	// TIMEOUT error and abandons the operation.
	Timeout time.Duration

	// QueueCapacity bounds the dispatch queue. Requests beyond it are
	// rejected with a RATE_LIMIT error instead of queuing without limit.
	QueueCapacity int
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		MinSpacing:    100 * time.Millisecond,
		Timeout:       15 * time.Second,
		QueueCapacity: 256,
	}
}

type result struct {
	payload []byte
	err     error
}

type queued struct {
	op         Operation
	enqueuedAt time.Time
	done       chan result
}

// Coordinator owns a FIFO dispatch queue drained by a single dispatcher
// goroutine. Dispatch order is FIFO by enqueue time; completion order is
// unconstrained.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	spacing *rate.Limiter

	queue chan *queued
	sem   chan struct{}

	group   singleflight.Group
	pending map[string]struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	stopped    sync.Once

	mu        sync.Mutex
	latencies [100]time.Duration
	latCount  int
	latHead   int
	total     uint64
	cached    uint64
	deduped   uint64
	failed    uint64
	cancelled uint64
}

// New creates a coordinator and starts its dispatcher goroutine. Stop must
// be called when the owner shuts down.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = def.MinSpacing
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		logger:     logger,
		spacing:    rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		queue:      make(chan *queued, cfg.QueueCapacity),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		pending:    make(map[string]struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
		stopCh:     make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Signature builds the dedup identity for a request.
func Signature(method, url, body string) string {
	return method + ":" + url + ":" + body
}

// Do executes op, joining an identical in-flight request when one exists.
// At most one underlying call runs per signature; every caller sharing the
// signature observes the same resolved value or error.
func (c *Coordinator) Do(ctx context.Context, signature string, op Operation) ([]byte, error) {
	c.mu.Lock()
	c.total++
	c.mu.Unlock()

	ch := c.group.DoChan(signature, func() (any, error) {
		c.markPending(signature)
		defer c.unmarkPending(signature)
		return c.enqueue(op)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.mu.Lock()
			c.deduped++
			c.mu.Unlock()
			metrics.DedupHits.Inc()
		}
		if res.Err != nil {
			c.mu.Lock()
			c.failed++
			c.mu.Unlock()
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		// The shared call keeps running for other joiners; only this
		// caller gives up.
		return nil, apierror.Wrap(apierror.KindTimeout, "caller context done", ctx.Err())
	}
}

// enqueue places op on the dispatch queue and waits for its result. A full
// queue sheds the request instead of growing without bound.
func (c *Coordinator) enqueue(op Operation) (any, error) {
	q := &queued{op: op, enqueuedAt: time.Now(), done: make(chan result, 1)}

	select {
	case c.queue <- q:
		metrics.QueueDepth.Inc()
	default:
		metrics.QueueRejections.Inc()
		return nil, apierror.New(apierror.KindRateLimit, "dispatch queue full")
	}

	r := <-q.done
	if r.err != nil {
		return nil, r.err
	}
	return r.payload, nil
}

// dispatch drains the queue FIFO, enforcing spacing and the concurrency cap.
func (c *Coordinator) dispatch() {
	for {
		select {
		case <-c.stopCh:
			return
		case q := <-c.queue:
			metrics.QueueDepth.Dec()

			if err := c.spacing.Wait(c.baseCtx); err != nil {
				q.done <- result{err: cancelledErr()}
				return
			}

			select {
			case c.sem <- struct{}{}:
			case <-c.stopCh:
				q.done <- result{err: cancelledErr()}
				return
			}

			go c.run(q)
		}
	}
}

// run executes one dispatched operation under the hard timeout. The
// operation races the deadline: on timeout the caller gets a distinct
// TIMEOUT error, and the network call is left to its own devices — there is
// no cooperative cancellation beyond the context it was handed.
func (c *Coordinator) run(q *queued) {
	defer func() { <-c.sem }()

	start := time.Now()
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.Timeout)
	defer cancel()

	opDone := make(chan result, 1)
	go func() {
		payload, err := q.op(ctx)
		opDone <- result{payload: payload, err: err}
	}()

	select {
	case r := <-opDone:
		c.observe(time.Since(start))
		q.done <- r
	case <-ctx.Done():
		c.observe(time.Since(start))
		q.done <- result{err: apierror.Wrap(apierror.KindTimeout, "request timed out", ctx.Err())}
	}
}

// CancelAll drops every queued-but-undispatched request (each completes with
// a SERVICE_UNAVAILABLE cancellation error) and clears the dedup map. It does
// not abort operations already dispatched — only the per-request timeout can.
// Returns the number of dropped requests.
func (c *Coordinator) CancelAll() int {
	dropped := 0
	for {
		select {
		case q := <-c.queue:
			metrics.QueueDepth.Dec()
			q.done <- result{err: cancelledErr()}
			dropped++
		default:
			c.mu.Lock()
			c.cancelled += uint64(dropped)
			for sig := range c.pending {
				c.group.Forget(sig)
			}
			clear(c.pending)
			c.mu.Unlock()
			if dropped > 0 {
				c.logger.Info("cancelled queued requests", "dropped", dropped)
			}
			return dropped
		}
	}
}

// Stop cancels queued work and terminates the dispatcher. In-flight
// operations run to their timeout.
func (c *Coordinator) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
		c.baseCancel()
		c.CancelAll()
	})
}

// RecordCacheHit counts a request served from cache without reaching the
// coordinator's queue.
func (c *Coordinator) RecordCacheHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.cached++
}

func (c *Coordinator) markPending(sig string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[sig] = struct{}{}
}

func (c *Coordinator) unmarkPending(sig string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, sig)
}

// observe records a latency sample in the rolling window.
func (c *Coordinator) observe(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies[c.latHead] = d
	c.latHead = (c.latHead + 1) % len(c.latencies)
	if c.latCount < len(c.latencies) {
		c.latCount++
	}
}

// Stats is a point-in-time view of the coordinator for the admin API.
type Stats struct {
	TotalRequests uint64        `json:"total_requests"`
	CacheHits     uint64        `json:"cache_hits"`
	DedupHits     uint64        `json:"dedup_hits"`
	Failed        uint64        `json:"failed"`
	Cancelled     uint64        `json:"cancelled"`
	QueueDepth    int           `json:"queue_depth"`
	InFlight      int           `json:"in_flight"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
}

// Snapshot returns current counters and the rolling average of the last 100
// observed latencies.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sum time.Duration
	for i := 0; i < c.latCount; i++ {
		sum += c.latencies[i]
	}
	var avg time.Duration
	if c.latCount > 0 {
		avg = sum / time.Duration(c.latCount)
	}

	return Stats{
		TotalRequests: c.total,
		CacheHits:     c.cached,
		DedupHits:     c.deduped,
		Failed:        c.failed,
		Cancelled:     c.cancelled,
		QueueDepth:    len(c.queue),
		InFlight:      len(c.sem),
		AvgLatency:    avg,
	}
}

func cancelledErr() error {
	return apierror.New(apierror.KindServiceUnavailable, "request cancelled")
}
