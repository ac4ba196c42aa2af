package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry holds one breaker per guarded dependency. It is constructed once
// at process start and injected into consumers; there is no package-level
// breaker map.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
	logger   *slog.Logger
}

// NewRegistry creates a registry with per-dependency overrides. Dependencies
// absent from configs fall back to defaults on first use.
func NewRegistry(defaults Config, configs map[string]Config, logger *slog.Logger) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker, len(configs)),
		defaults: defaults,
		logger:   logger,
	}
	for name, cfg := range configs {
		r.breakers[name] = New(name, cfg, logger)
	}
	return r
}

// Get returns the breaker for the named dependency, creating one with the
// default config if it does not exist yet.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaults, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every breaker, sorted by dependency name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

// UpdateConfig applies new per-dependency settings on config hot-reload.
// Breakers keep their current state and counters; only thresholds change.
func (r *Registry) UpdateConfig(defaults Config, configs map[string]Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = defaults
	for name, cfg := range configs {
		if b, ok := r.breakers[name]; ok {
			b.UpdateConfig(cfg)
		} else {
			r.breakers[name] = New(name, cfg, r.logger)
		}
	}
}
