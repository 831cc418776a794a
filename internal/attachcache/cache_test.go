package attachcache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/relaypost/relaypost/internal/config"
)

func testCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	cfg := config.CacheConfig{
		Enabled:      true,
		MemoryMaxMB:  1,
		MemoryTTL:    5 * time.Minute,
		DiskDir:      t.TempDir(),
		DiskMaxMB:    1,
		DiskTTL:      time.Hour,
		DiskMinBytes: 1024,
	}
	c := New(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestDisabledCacheIsNil(t *testing.T) {
	c := New(config.CacheConfig{Enabled: false}, slog.Default())
	if c != nil {
		t.Fatal("disabled cache should be nil")
	}
	if _, ok := c.Get("k"); ok {
		t.Error("nil cache reported a hit")
	}
	c.Put("k", []byte("x"))
	c.EvictExpired()

	calls := 0
	data, err := c.GetOrFill(context.Background(), "k", func(context.Context) ([]byte, error) {
		calls++
		return []byte("filled"), nil
	})
	if err != nil || string(data) != "filled" || calls != 1 {
		t.Errorf("GetOrFill on nil cache: data=%q err=%v calls=%d", data, err, calls)
	}
}

func TestSizeRouting(t *testing.T) {
	c, _ := testCache(t)

	small := []byte("small payload")
	big := bytes.Repeat([]byte("x"), 2048)

	c.Put("small", small)
	c.Put("big", big)

	if c.MemoryBytes() != int64(len(small)) {
		t.Errorf("memory bytes = %d, want %d", c.MemoryBytes(), len(small))
	}
	if _, err := os.Stat(c.diskPath("big")); err != nil {
		t.Errorf("large payload not on disk: %v", err)
	}
	if _, err := os.Stat(c.diskPath("small")); err == nil {
		t.Error("small payload written to disk")
	}

	for _, key := range []string{"small", "big"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("miss for %q after Put", key)
		}
	}
}

func TestDiskHitPromotesSmallPayload(t *testing.T) {
	c, _ := testCache(t)
	small := []byte("small payload")

	// After a restart the memory tier starts empty; a small payload can
	// then sit only on disk.
	c.diskPut("k", small)
	if c.MemoryBytes() != 0 {
		t.Fatal("memory tier populated before the first read")
	}

	data, ok := c.Get("k")
	if !ok || !bytes.Equal(data, small) {
		t.Fatalf("disk read = %q, %v", data, ok)
	}
	if c.MemoryBytes() != int64(len(small)) {
		t.Errorf("memory bytes = %d after disk hit, want promotion", c.MemoryBytes())
	}

	// The promoted copy now serves reads even without the disk file.
	if err := os.Remove(c.diskPath("k")); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("k"); !ok {
		t.Error("promoted payload not served from memory")
	}
}

func TestMemoryTTL(t *testing.T) {
	c, now := testCache(t)
	c.Put("k", []byte("v"))

	*now = now.Add(4 * time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired early")
	}
	*now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry survived past its TTL")
	}
	if c.MemoryBytes() != 0 {
		t.Errorf("memory bytes = %d after expiry", c.MemoryBytes())
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	c, _ := testCache(t)
	c.memMax = 100

	c.Put("a", bytes.Repeat([]byte("a"), 40))
	c.Put("b", bytes.Repeat([]byte("b"), 40))
	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("miss for a")
	}
	c.Put("c", bytes.Repeat([]byte("c"), 40))

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry survived eviction")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("%q evicted unexpectedly", key)
		}
	}
}

func TestDiskTTLEviction(t *testing.T) {
	c, now := testCache(t)
	payload := bytes.Repeat([]byte("x"), 2048)
	c.Put("k", payload)

	old := now.Add(-2 * time.Hour)
	if err := os.Chtimes(c.diskPath("k"), old, old); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("stale disk entry served")
	}
	if _, err := os.Stat(c.diskPath("k")); !errors.Is(err, os.ErrNotExist) {
		t.Error("stale disk entry not removed on read")
	}
}

func TestEvictExpired(t *testing.T) {
	c, now := testCache(t)
	c.Put("mem", []byte("v"))
	c.Put("disk", bytes.Repeat([]byte("x"), 2048))

	old := now.Add(-2 * time.Hour)
	if err := os.Chtimes(c.diskPath("disk"), old, old); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(10 * time.Minute)
	c.EvictExpired()

	if c.MemoryBytes() != 0 {
		t.Error("expired memory entry survived sweep")
	}
	if _, err := os.Stat(c.diskPath("disk")); !errors.Is(err, os.ErrNotExist) {
		t.Error("expired disk entry survived sweep")
	}
}

func TestGetOrFillSingleFlight(t *testing.T) {
	c, _ := testCache(t)

	var mu sync.Mutex
	calls := 0
	release := make(chan struct{})
	fill := func(context.Context) ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return []byte("payload"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := c.GetOrFill(context.Background(), "k", fill)
			if err != nil {
				t.Errorf("GetOrFill: %v", err)
			}
			results[i] = data
		}(i)
	}
	// Give the goroutines a moment to coalesce on the key.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("fill ran %d times, want 1", calls)
	}
	for i, data := range results {
		if string(data) != "payload" {
			t.Errorf("result %d = %q", i, data)
		}
	}
}

func TestGetOrFillError(t *testing.T) {
	c, _ := testCache(t)
	wantErr := errors.New("fetch failed")
	_, err := c.GetOrFill(context.Background(), "k", func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	// Failures are not cached.
	data, err := c.GetOrFill(context.Background(), "k", func(context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil || string(data) != "ok" {
		t.Errorf("retry after failure: data=%q err=%v", data, err)
	}
}
