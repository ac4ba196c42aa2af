package cache

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/civictrack/resilience-core/internal/metrics"
)

func init() {
	metrics.Init()
}

func newTestCache(maxEntries int, ttls map[string]time.Duration) (*Cache, *time.Time) {
	c := New("server", maxEntries, ttls, slog.Default())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestKey_CanonicalAndOrderIndependent(t *testing.T) {
	k1 := Key("bills", map[string]any{"state": "CA", "session": 2026})
	k2 := Key("bills", map[string]any{"session": 2026, "state": "CA"})
	if k1 != k2 {
		t.Fatalf("parameter order affected key identity: %q vs %q", k1, k2)
	}
	if k1 != `bills:{"session":2026,"state":"CA"}` {
		t.Fatalf("unexpected canonical key: %q", k1)
	}
	if got := Key("bills", nil); got != "bills:{}" {
		t.Fatalf("expected bills:{} for nil params, got %q", got)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(10, nil)

	c.Set("bills:{}", []byte("X"), 0)
	payload, ok := c.Get("bills:{}")
	if !ok || string(payload) != "X" {
		t.Fatalf("expected immediate hit with X, got %q ok=%v", payload, ok)
	}
}

func TestGet_ExpiresLazilyAndRemovesEntry(t *testing.T) {
	ttls := map[string]time.Duration{"bills": 2 * time.Minute}
	c, now := newTestCache(10, ttls)

	c.Set("bills:{}", []byte("X"), 0)
	*now = now.Add(2*time.Minute + time.Second)

	if _, ok := c.Get("bills:{}"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry removed from storage, len=%d", c.Len())
	}

	stats := c.Stats()
	if stats.Expirations != 1 {
		t.Fatalf("expected 1 expiration, got %d", stats.Expirations)
	}
}

func TestSet_TTLResolvedFromTypePrefixTable(t *testing.T) {
	ttls := map[string]time.Duration{"news": 10 * time.Minute}
	c, now := newTestCache(10, ttls)

	c.Set("news:{}", []byte("n"), 0)
	c.Set("other:{}", []byte("o"), 0)

	// Past the 5m default but inside the news TTL.
	*now = now.Add(7 * time.Minute)
	if _, ok := c.Get("news:{}"); !ok {
		t.Fatal("expected news entry alive under its 10m table TTL")
	}
	if _, ok := c.Get("other:{}"); ok {
		t.Fatal("expected other entry expired under the default TTL")
	}
}

func TestSet_ExplicitTTLOverridesTable(t *testing.T) {
	c, now := newTestCache(10, map[string]time.Duration{"bills": time.Minute})

	c.Set("bills:{}", []byte("X"), time.Hour)
	*now = now.Add(30 * time.Minute)
	if _, ok := c.Get("bills:{}"); !ok {
		t.Fatal("expected explicit TTL to win over the table")
	}
}

func TestEviction_RemovesExactlyOneOldest(t *testing.T) {
	c, now := newTestCache(3, nil)

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("bills:{\"page\":%d}", i), []byte("x"), time.Hour)
		*now = now.Add(time.Second)
	}

	c.Set("bills:{\"page\":3}", []byte("x"), time.Hour)

	if c.Len() != 3 {
		t.Fatalf("expected size <= max after insert, got %d", c.Len())
	}
	if _, ok := c.Get("bills:{\"page\":0}"); ok {
		t.Fatal("expected the oldest entry to be evicted")
	}
	for i := 1; i <= 3; i++ {
		if _, ok := c.Get(fmt.Sprintf("bills:{\"page\":%d}", i)); !ok {
			t.Fatalf("expected entry %d to survive", i)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Fatalf("expected exactly 1 eviction, got %d", got)
	}
}

func TestEviction_IsInsertionOrderNotAccessOrder(t *testing.T) {
	c, now := newTestCache(2, nil)

	c.Set("a:{}", []byte("a"), time.Hour)
	*now = now.Add(time.Second)
	c.Set("b:{}", []byte("b"), time.Hour)
	*now = now.Add(time.Second)

	// Reading "a" must NOT protect it: eviction is FIFO, not LRU.
	c.Get("a:{}")
	c.Set("c:{}", []byte("c"), time.Hour)

	if _, ok := c.Get("a:{}"); ok {
		t.Fatal("expected oldest-by-storedAt eviction regardless of reads")
	}
	if _, ok := c.Get("b:{}"); !ok {
		t.Fatal("expected b to survive")
	}
}

func TestSet_OverwriteRefreshesAge(t *testing.T) {
	c, now := newTestCache(2, nil)

	c.Set("a:{}", []byte("a1"), time.Hour)
	*now = now.Add(time.Second)
	c.Set("b:{}", []byte("b"), time.Hour)
	*now = now.Add(time.Second)
	c.Set("a:{}", []byte("a2"), time.Hour) // overwrite: a becomes newest

	c.Set("c:{}", []byte("c"), time.Hour) // evicts b, now the oldest

	if _, ok := c.Get("b:{}"); ok {
		t.Fatal("expected b evicted after a was overwritten")
	}
	payload, ok := c.Get("a:{}")
	if !ok || string(payload) != "a2" {
		t.Fatalf("expected refreshed a2, got %q ok=%v", payload, ok)
	}
}

func TestSweep_PurgesUnreadExpiredEntries(t *testing.T) {
	c, now := newTestCache(10, nil)

	c.Set("a:{}", []byte("a"), time.Minute)
	c.Set("b:{}", []byte("b"), time.Hour)
	*now = now.Add(10 * time.Minute)

	c.sweep()

	if c.Len() != 1 {
		t.Fatalf("expected sweep to purge one expired entry, len=%d", c.Len())
	}
	if _, ok := c.Get("b:{}"); !ok {
		t.Fatal("expected unexpired entry to survive the sweep")
	}
}

func TestInvalidatePattern(t *testing.T) {
	c, _ := newTestCache(10, nil)

	c.Set(`bills:{"state":"CA"}`, []byte("1"), time.Hour)
	c.Set(`bills:{"state":"NY"}`, []byte("2"), time.Hour)
	c.Set(`billsearch:{}`, []byte("3"), time.Hour)
	c.Set(`news:{}`, []byte("4"), time.Hour)

	removed := c.InvalidatePattern("bills")
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, ok := c.Get("billsearch:{}"); !ok {
		t.Fatal("segment boundary must protect billsearch from the bills pattern")
	}
	if _, ok := c.Get("news:{}"); !ok {
		t.Fatal("unrelated entries must survive")
	}

	if removed := c.InvalidatePattern(`news:{}`); removed != 1 {
		t.Fatalf("expected exact-key invalidation to remove 1, got %d", removed)
	}
}

func TestStats_CountsHitsAndMisses(t *testing.T) {
	c, _ := newTestCache(10, nil)

	c.Set("a:{}", []byte("a"), time.Hour)
	c.Get("a:{}")
	c.Get("a:{}")
	c.Get("missing:{}")

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("expected 2 hits / 1 miss, got %d/%d", stats.Hits, stats.Misses)
	}
	if stats.Size != 1 || stats.MaxEntries != 10 {
		t.Fatalf("unexpected size fields: %+v", stats)
	}
}

func TestJanitor_StartStop(t *testing.T) {
	c := New("server", 10, nil, slog.Default())
	c.Set("a:{}", []byte("a"), time.Millisecond)

	c.StartJanitor(5 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	c.Stop()
	c.Stop() // second Stop must not panic

	if c.Len() != 0 {
		t.Fatalf("expected janitor to purge the expired entry, len=%d", c.Len())
	}
}
