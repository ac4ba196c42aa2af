package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SnapshotMaxAge is the oldest snapshot the client cache will restore on
// startup. Snapshots older than this are ignored wholesale; younger ones
// still have each entry's remaining TTL re-validated individually.
const SnapshotMaxAge = time.Hour

// snapshotNamespace is the fixed file name prefix for durable snapshots.
const snapshotNamespace = "civictrack-cache"

type snapshotEntry struct {
	Key      string    `json:"key"`
	Payload  []byte    `json:"payload"`
	StoredAt time.Time `json:"stored_at"`
	TTLMs    int64     `json:"ttl_ms"`
}

type snapshot struct {
	SavedAt time.Time       `json:"saved_at"`
	Entries []snapshotEntry `json:"entries"`
}

// PersistentCache is the client-side cache variant: a Cache whose contents
// survive restarts via a JSON snapshot in a local state directory.
type PersistentCache struct {
	*Cache

	path   string
	logger *slog.Logger

	stopCh  chan struct{}
	stopped sync.Once
}

// NewPersistent creates a client cache backed by a snapshot file under dir.
// If a snapshot younger than SnapshotMaxAge exists, its still-valid entries
// are restored; already-expired entries are dropped, not reinstated.
func NewPersistent(dir string, maxEntries int, ttls map[string]time.Duration, logger *slog.Logger) (*PersistentCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache state directory: %w", err)
	}

	p := &PersistentCache{
		Cache:  New("client", maxEntries, ttls, logger),
		path:   filepath.Join(dir, snapshotNamespace+".json"),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if err := p.load(); err != nil {
		// A corrupt or unreadable snapshot is not fatal; start cold.
		logger.Warn("cache snapshot not restored", "path", p.path, "error", err)
	}
	return p, nil
}

// StartSnapshots persists the cache every interval. No-op for interval <= 0.
func (p *PersistentCache) StartSnapshots(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := p.Save(); err != nil {
					p.logger.Error("cache snapshot failed", "path", p.path, "error", err)
				}
			case <-p.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop terminates the snapshot goroutine, writes a final snapshot, and stops
// the underlying cache janitor.
func (p *PersistentCache) Stop() {
	p.stopped.Do(func() { close(p.stopCh) })
	if err := p.Save(); err != nil {
		p.logger.Error("final cache snapshot failed", "path", p.path, "error", err)
	}
	p.Cache.Stop()
}

// Save writes the current entries to the snapshot file atomically
// (write-temp-then-rename).
func (p *PersistentCache) Save() error {
	p.mu.Lock()
	snap := snapshot{
		SavedAt: p.now(),
		Entries: make([]snapshotEntry, 0, len(p.data)),
	}
	for elem := p.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		snap.Entries = append(snap.Entries, snapshotEntry{
			Key:      e.key,
			Payload:  e.payload,
			StoredAt: e.storedAt,
			TTLMs:    e.ttl.Milliseconds(),
		})
	}
	p.mu.Unlock()

	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// load restores a snapshot if it is young enough, re-validating every entry's
// remaining TTL before reinstating it.
func (p *PersistentCache) load() error {
	b, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("parsing snapshot: %w", err)
	}

	age := p.now().Sub(snap.SavedAt)
	if age >= SnapshotMaxAge {
		p.logger.Info("cache snapshot too old, starting cold", "path", p.path, "age", age)
		return nil
	}

	restored := 0
	for _, e := range snap.Entries {
		if p.restore(e.Key, e.Payload, e.StoredAt, time.Duration(e.TTLMs)*time.Millisecond) {
			restored++
		}
	}
	p.logger.Info("cache snapshot restored",
		"path", p.path,
		"restored", restored,
		"dropped", len(snap.Entries)-restored,
	)
	return nil
}
