package cache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSnapshot(t *testing.T, dir string, snap snapshot) {
	t.Helper()
	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotNamespace+".json"), b, 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
}

func TestPersistent_SaveAndRestore(t *testing.T) {
	dir := t.TempDir()

	p, err := NewPersistent(dir, 10, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewPersistent: %v", err)
	}
	p.Set("bills:{}", []byte("X"), time.Hour)
	if err := p.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh instance restores the still-valid entry.
	p2, err := NewPersistent(dir, 10, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewPersistent (restore): %v", err)
	}
	payload, ok := p2.Get("bills:{}")
	if !ok || string(payload) != "X" {
		t.Fatalf("expected restored entry, got %q ok=%v", payload, ok)
	}
}

func TestPersistent_IgnoresOldSnapshot(t *testing.T) {
	dir := t.TempDir()

	writeSnapshot(t, dir, snapshot{
		SavedAt: time.Now().Add(-2 * time.Hour),
		Entries: []snapshotEntry{{
			Key:      "bills:{}",
			Payload:  []byte("X"),
			StoredAt: time.Now().Add(-2 * time.Hour),
			TTLMs:    (24 * time.Hour).Milliseconds(),
		}},
	})

	p, err := NewPersistent(dir, 10, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewPersistent: %v", err)
	}
	if _, ok := p.Get("bills:{}"); ok {
		t.Fatal("expected snapshot older than 1h to be ignored entirely")
	}
}

func TestPersistent_DropsIndividuallyExpiredEntries(t *testing.T) {
	dir := t.TempDir()

	// Snapshot is young enough, but one entry's TTL has already run out.
	writeSnapshot(t, dir, snapshot{
		SavedAt: time.Now().Add(-10 * time.Minute),
		Entries: []snapshotEntry{
			{
				Key:      "expired:{}",
				Payload:  []byte("old"),
				StoredAt: time.Now().Add(-10 * time.Minute),
				TTLMs:    (5 * time.Minute).Milliseconds(),
			},
			{
				Key:      "alive:{}",
				Payload:  []byte("new"),
				StoredAt: time.Now().Add(-10 * time.Minute),
				TTLMs:    time.Hour.Milliseconds(),
			},
		},
	})

	p, err := NewPersistent(dir, 10, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewPersistent: %v", err)
	}
	if _, ok := p.Get("expired:{}"); ok {
		t.Fatal("expected already-expired entry to be dropped, not restored")
	}
	if _, ok := p.Get("alive:{}"); !ok {
		t.Fatal("expected still-valid entry to be reinstated")
	}
}

func TestPersistent_RestoredEntryKeepsRemainingTTL(t *testing.T) {
	dir := t.TempDir()

	writeSnapshot(t, dir, snapshot{
		SavedAt: time.Now().Add(-10 * time.Minute),
		Entries: []snapshotEntry{{
			Key:      "bills:{}",
			Payload:  []byte("X"),
			StoredAt: time.Now().Add(-10 * time.Minute),
			TTLMs:    (11 * time.Minute).Milliseconds(),
		}},
	})

	p, err := NewPersistent(dir, 10, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewPersistent: %v", err)
	}

	// Valid now, but expired two minutes from now: the original storedAt
	// must be preserved, not reset to load time.
	if _, ok := p.Get("bills:{}"); !ok {
		t.Fatal("expected entry valid immediately after restore")
	}
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, ok := p.Get("bills:{}"); ok {
		t.Fatal("expected restored entry to expire on its original schedule")
	}
}

func TestPersistent_CorruptSnapshotStartsCold(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, snapshotNamespace+".json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt snapshot: %v", err)
	}

	p, err := NewPersistent(dir, 10, nil, slog.Default())
	if err != nil {
		t.Fatalf("expected corrupt snapshot to be non-fatal, got %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected cold start, len=%d", p.Len())
	}
}

func TestPersistent_StopWritesFinalSnapshot(t *testing.T) {
	dir := t.TempDir()

	p, err := NewPersistent(dir, 10, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewPersistent: %v", err)
	}
	p.Set("bills:{}", []byte("X"), time.Hour)
	p.Stop()

	b, err := os.ReadFile(filepath.Join(dir, snapshotNamespace+".json"))
	if err != nil {
		t.Fatalf("expected final snapshot on Stop: %v", err)
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		t.Fatalf("invalid snapshot JSON: %v", err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Key != "bills:{}" {
		t.Fatalf("unexpected snapshot contents: %+v", snap)
	}
}
