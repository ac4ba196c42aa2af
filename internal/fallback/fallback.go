// Package fallback keeps last-known-good payloads so a previously successful
// result can be served, marked stale by the caller, when live retrieval
// fails entirely.
package fallback

import (
	"log/slog"
	"sync"
	"time"
)

// MaxAge is how long a stored payload remains servable. Older entries are
// purged lazily on read.
const MaxAge = 24 * time.Hour

type entry struct {
	payload  []byte
	storedAt time.Time
}

// Store is an in-memory last-known-good payload store. Every successful
// operation overwrites its key unconditionally; reads only consult it after
// retries and the circuit breaker have both failed.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	logger  *slog.Logger

	now func() time.Time // injectable for tests
}

// NewStore creates an empty fallback store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		entries: make(map[string]entry),
		logger:  logger,
		now:     time.Now,
	}
}

// Set stores payload under key with the current timestamp, overwriting any
// previous entry.
func (s *Store) Set(key string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{payload: payload, storedAt: s.now()}
}

// Get returns the stored payload and its age if it is younger than MaxAge.
// Entries past MaxAge are purged and reported absent.
func (s *Store) Get(key string) ([]byte, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, 0, false
	}

	age := s.now().Sub(e.storedAt)
	if age >= MaxAge {
		delete(s.entries, key)
		s.logger.Debug("fallback entry expired", "key", key, "age", age)
		return nil, 0, false
	}
	return e.payload, age, true
}

// Len returns the number of stored entries, including any not yet lazily
// purged.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
