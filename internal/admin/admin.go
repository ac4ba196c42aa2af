// Package admin provides admin API endpoints for runtime inspection and
// cache invalidation. All endpoints are protected by IP allowlist and,
// when a JWT secret is configured, by Bearer token.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"

	"github.com/civictrack/resilience-core/internal/auth"
	"github.com/civictrack/resilience-core/internal/breaker"
	"github.com/civictrack/resilience-core/internal/cache"
	"github.com/civictrack/resilience-core/internal/config"
	"github.com/civictrack/resilience-core/internal/coordinator"
	"github.com/civictrack/resilience-core/internal/metrics"
	"github.com/civictrack/resilience-core/internal/retry"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// CacheInspector is the cache surface the admin API needs; satisfied by both
// *cache.Cache and *cache.PersistentCache.
type CacheInspector interface {
	Stats() cache.Stats
	InvalidatePattern(pattern string) int
}

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	caches      map[string]CacheInspector
	registry    *breaker.Registry
	retries     *retry.Manager
	coord       *coordinator.Coordinator
	adminCfg    config.AdminConfig
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	reloader ConfigProvider,
	caches map[string]CacheInspector,
	registry *breaker.Registry,
	retries *retry.Manager,
	coord *coordinator.Coordinator,
	adminCfg config.AdminConfig,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(adminCfg.IPAllowlist))
	for _, cidr := range adminCfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		caches:      caches,
		registry:    registry,
		retries:     retries,
		coord:       coord,
		adminCfg:    adminCfg,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/cache/stats", h.guard(http.MethodGet, h.cacheStatsHandler))
	mux.HandleFunc("/admin/cache", h.guard(http.MethodDelete, h.cacheInvalidateHandler))
	mux.HandleFunc("/admin/breakers", h.guard(http.MethodGet, h.breakersHandler))
	mux.HandleFunc("/admin/breakers/reset", h.guard(http.MethodPost, h.breakerResetHandler))
	mux.HandleFunc("/admin/retries", h.guard(http.MethodGet, h.retriesHandler))
	mux.HandleFunc("/admin/coordinator", h.guard(http.MethodGet, h.coordinatorHandler))
}

// guard wraps a handler with method, IP allowlist, and bearer token checks.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			metrics.AdminAuthFailures.WithLabelValues("ip_denied").Inc()
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}

		if h.adminCfg.JWTSecret != "" {
			tokenStr, ok := auth.ExtractBearerToken(r)
			if !ok {
				metrics.AdminAuthFailures.WithLabelValues("missing_token").Inc()
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "Unauthorized",
				})
				return
			}
			if _, err := auth.ValidateToken(tokenStr, h.adminCfg); err != nil {
				h.logger.Warn("admin token rejected", "client_ip", ip, "error", err)
				metrics.AdminAuthFailures.WithLabelValues("invalid_token").Inc()
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "Unauthorized",
				})
				return
			}
		}

		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Admin.JWTSecret != "" {
		redacted.Admin.JWTSecret = "***"
	}
	if len(redacted.Dependencies) > 0 {
		deps := make([]config.DependencyConfig, len(redacted.Dependencies))
		copy(deps, redacted.Dependencies)
		for i := range deps {
			if len(deps[i].Headers) > 0 {
				masked := make(map[string]string, len(deps[i].Headers))
				for k := range deps[i].Headers {
					masked[k] = "***"
				}
				deps[i].Headers = masked
			}
		}
		redacted.Dependencies = deps
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]cache.Stats, len(h.caches))
	for name, c := range h.caches {
		stats[name] = c.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"caches": stats})
}

func (h *Handler) cacheInvalidateHandler(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "pattern query parameter is required",
		})
		return
	}

	removed := make(map[string]int, len(h.caches))
	total := 0
	for name, c := range h.caches {
		n := c.InvalidatePattern(pattern)
		removed[name] = n
		total += n
	}

	h.logger.Info("admin cache invalidation", "pattern", pattern, "removed", total)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pattern": pattern,
		"removed": removed,
		"total":   total,
	})
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": h.registry.Snapshots(),
	})
}

func (h *Handler) breakerResetHandler(w http.ResponseWriter, r *http.Request) {
	dependency := r.URL.Query().Get("dependency")
	if dependency == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "dependency query parameter is required",
		})
		return
	}

	b := h.registry.Get(dependency)
	b.Reset()
	h.logger.Info("admin breaker reset", "dependency", dependency)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dependency": dependency,
		"state":      b.Snapshot().State,
	})
}

// retryRecord is one per-key cumulative attempt count.
type retryRecord struct {
	Key      string `json:"key"`
	Attempts int    `json:"attempts"`
}

func (h *Handler) retriesHandler(w http.ResponseWriter, r *http.Request) {
	records := h.retries.Records()
	out := make([]retryRecord, 0, len(records))
	for key, attempts := range records {
		out = append(out, retryRecord{Key: key, Attempts: attempts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	writeJSON(w, http.StatusOK, map[string]interface{}{"retries": out})
}

func (h *Handler) coordinatorHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
