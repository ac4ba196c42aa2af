package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/civictrack/resilience-core/internal/apierror"
	"github.com/civictrack/resilience-core/internal/breaker"
	"github.com/civictrack/resilience-core/internal/cache"
	"github.com/civictrack/resilience-core/internal/client"
	"github.com/civictrack/resilience-core/internal/config"
	"github.com/civictrack/resilience-core/internal/coordinator"
	"github.com/civictrack/resilience-core/internal/fallback"
	"github.com/civictrack/resilience-core/internal/retry"
)

// clientSet builds and caches one protected client per dependency. Clients
// are constructed lazily so dependencies added via hot reload work without a
// restart.
type clientSet struct {
	mu       sync.Mutex
	clients  map[string]*client.Client
	deps     map[string]config.DependencyConfig
	defaults retry.Options

	cache      *cache.Cache
	coord      *coordinator.Coordinator
	registry   *breaker.Registry
	retries    *retry.Manager
	fallback   *fallback.Store
	httpClient *http.Client
	logger     *slog.Logger
}

func newClientSet(
	cfg *config.Config,
	resultCache *cache.Cache,
	coord *coordinator.Coordinator,
	registry *breaker.Registry,
	retries *retry.Manager,
	fb *fallback.Store,
	logger *slog.Logger,
) *clientSet {
	cs := &clientSet{
		clients:    make(map[string]*client.Client),
		deps:       make(map[string]config.DependencyConfig),
		defaults:   retryOptions(cfg.Retry),
		cache:      resultCache,
		coord:      coord,
		registry:   registry,
		retries:    retries,
		fallback:   fb,
		httpClient: &http.Client{},
		logger:     logger,
	}
	for _, d := range cfg.Dependencies {
		cs.deps[d.Name] = d
	}
	return cs
}

// get returns the protected client for a dependency, building it on first
// use. Unconfigured dependencies get the default settings.
func (cs *clientSet) get(name string) *client.Client {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if c, ok := cs.clients[name]; ok {
		return c
	}

	opts := cs.defaults
	if dep, ok := cs.deps[name]; ok && dep.Retry != nil {
		opts = retryOptions(*dep.Retry)
	}

	c := client.New(name, cs.cache, cs.coord, cs.registry.Get(name), cs.retries, cs.fallback, opts, cs.logger)
	cs.clients[name] = c
	return c
}

// dependency returns the configured settings for a dependency, if any.
func (cs *clientSet) dependency(name string) (config.DependencyConfig, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	dep, ok := cs.deps[name]
	return dep, ok
}

// updateRetryOptions applies reloaded retry settings. Existing clients are
// discarded so the next request rebuilds them with the new options.
func (cs *clientSet) updateRetryOptions(cfg *config.Config) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.defaults = retryOptions(cfg.Retry)
	cs.deps = make(map[string]config.DependencyConfig, len(cfg.Dependencies))
	for _, d := range cfg.Dependencies {
		cs.deps[d.Name] = d
	}
	cs.clients = make(map[string]*client.Client)
}

// fetchHandler serves the fetch API: single protected fetches, batches, and
// queue cancellation.
type fetchHandler struct {
	clients *clientSet
	coord   *coordinator.Coordinator
	logger  *slog.Logger
}

func newFetchHandler(clients *clientSet, coord *coordinator.Coordinator, logger *slog.Logger) *fetchHandler {
	return &fetchHandler{clients: clients, coord: coord, logger: logger}
}

type fetchRequest struct {
	Dependency string            `json:"dependency"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	DataType   string            `json:"data_type"`
	TTLMs      int64             `json:"ttl_ms"`
}

type fetchResponse struct {
	Payload json.RawMessage `json:"payload"`
	Stale   bool            `json:"stale"`
	Cached  bool            `json:"cached"`
}

type batchRequest struct {
	Requests      []fetchRequest `json:"requests"`
	MaxConcurrent int            `json:"max_concurrent"`
	DelayMs       int64          `json:"delay_ms"`
	FailFast      bool           `json:"fail_fast"`
}

type batchItemResponse struct {
	Signature string          `json:"signature"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

func (h *fetchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/fetch" && r.Method == http.MethodPost:
		h.fetch(w, r)
	case r.URL.Path == "/fetch/batch" && r.Method == http.MethodPost:
		h.batch(w, r)
	case r.URL.Path == "/fetch/cancel" && r.Method == http.MethodPost:
		h.cancel(w, r)
	case r.URL.Path == "/fetch" || r.URL.Path == "/fetch/batch" || r.URL.Path == "/fetch/cancel":
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
	default:
		writeError(w, r, apierror.New(apierror.KindNotFound, "no such endpoint"))
	}
}

func (h *fetchHandler) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierror.Wrap(apierror.KindValidation, "decoding request", err))
		return
	}
	if req.Dependency == "" || req.URL == "" {
		writeError(w, r, apierror.New(apierror.KindValidation, "dependency and url are required"))
		return
	}

	url, headers := h.resolve(req)
	res, err := h.clients.get(req.Dependency).OptimizedFetch(r.Context(), url, client.FetchOptions{
		Method:     req.Method,
		Headers:    headers,
		Body:       req.Body,
		HTTPClient: h.clients.httpClient,
		DataType:   req.DataType,
		TTL:        time.Duration(req.TTLMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, fetchResponse{
		Payload: rawPayload(res.Payload),
		Stale:   res.Stale,
		Cached:  res.Cached,
	})
}

func (h *fetchHandler) batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierror.Wrap(apierror.KindValidation, "decoding request", err))
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, r, apierror.New(apierror.KindValidation, "requests is required"))
		return
	}

	items := make([]coordinator.BatchItem, len(req.Requests))
	for i, fr := range req.Requests {
		if fr.URL == "" {
			writeError(w, r, apierror.New(apierror.KindValidation, "every request needs a url"))
			return
		}
		url, headers := h.resolve(fr)
		method := fr.Method
		if method == "" {
			method = http.MethodGet
		}
		items[i] = coordinator.BatchItem{
			Signature: coordinator.Signature(method, url, fr.Body),
			Op:        coordinator.Operation(client.HTTPOperation(h.clients.httpClient, method, url, headers, fr.Body)),
		}
	}

	results, err := h.coord.Batch(r.Context(), items, coordinator.BatchOptions{
		MaxConcurrent:       req.MaxConcurrent,
		DelayBetweenBatches: time.Duration(req.DelayMs) * time.Millisecond,
		FailFast:            req.FailFast,
	})

	out := make([]batchItemResponse, len(results))
	for i, res := range results {
		out[i] = batchItemResponse{Signature: res.Signature}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
			out[i].ErrorCode = string(apierror.KindOf(res.Err))
			continue
		}
		out[i].Payload = rawPayload(res.Payload)
	}

	// Partial results are still returned when the batch stopped early.
	resp := map[string]interface{}{"results": out}
	if err != nil {
		resp["error"] = err.Error()
		resp["error_code"] = string(apierror.KindOf(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *fetchHandler) cancel(w http.ResponseWriter, r *http.Request) {
	dropped := h.coord.CancelAll()
	h.logger.Info("queued requests cancelled", "dropped", dropped)
	writeJSON(w, http.StatusOK, map[string]interface{}{"dropped": dropped})
}

// resolve joins a relative request URL onto the dependency's base URL and
// merges configured headers under the request's own.
func (h *fetchHandler) resolve(req fetchRequest) (string, map[string]string) {
	url := req.URL
	headers := req.Headers

	dep, ok := h.clients.dependency(req.Dependency)
	if !ok {
		return url, headers
	}

	if strings.HasPrefix(url, "/") && dep.BaseURL != "" {
		url = strings.TrimSuffix(dep.BaseURL, "/") + url
	}
	if len(dep.Headers) > 0 {
		merged := make(map[string]string, len(dep.Headers)+len(headers))
		for k, v := range dep.Headers {
			merged[k] = v
		}
		for k, v := range headers {
			merged[k] = v
		}
		headers = merged
	}
	return url, headers
}

// rawPayload embeds valid JSON documents directly; anything else is quoted
// as a JSON string.
func rawPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return json.RawMessage(quoted)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierror.KindOf(err)
	message := err.Error()
	var ae *apierror.Error
	if errors.As(err, &ae) {
		message = ae.Message
	}
	apierror.WriteJSON(w, r, kind, message)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
