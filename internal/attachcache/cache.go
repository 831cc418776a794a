// Package attachcache provides a two-tier content cache for attachment
// payloads. Small payloads live in an in-memory LRU, large payloads are
// spilled to disk, and both tiers expire entries by age.
package attachcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/metrics"
)

const (
	tierMemory = "memory"
	tierDisk   = "disk"

	resultHit  = "hit"
	resultMiss = "miss"
)

// Cache stores attachment payloads keyed by content identity. A nil *Cache
// is valid and behaves as a cache that never hits.
type Cache struct {
	memTTL   time.Duration
	memMax   int64
	diskTTL  time.Duration
	diskMax  int64
	diskMin  int64
	dir      string
	now      func() time.Time
	logger   *slog.Logger
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	memUsed int64
}

type memEntry struct {
	key     string
	data    []byte
	addedAt time.Time
}

// New builds a cache from configuration. It returns nil when caching is
// disabled, which every method tolerates. The disk directory is created on
// first use.
func New(cfg config.CacheConfig, logger *slog.Logger) *Cache {
	if !cfg.Enabled {
		return nil
	}
	return &Cache{
		memTTL:  cfg.MemoryTTL,
		memMax:  int64(cfg.MemoryMaxMB) * 1024 * 1024,
		diskTTL: cfg.DiskTTL,
		diskMax: int64(cfg.DiskMaxMB) * 1024 * 1024,
		diskMin: cfg.DiskMinBytes,
		dir:     cfg.DiskDir,
		now:     time.Now,
		logger:  logger,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// GetOrFill returns the cached payload for key, invoking fill on a miss.
// Concurrent callers for the same key share a single fill.
func (c *Cache) GetOrFill(ctx context.Context, key string, fill func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return fill(ctx)
	}
	if data, ok := c.Get(key); ok {
		return data, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if data, ok := c.Get(key); ok {
			return data, nil
		}
		data, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Get looks the key up in the memory tier and then on disk.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	if data, ok := c.memGet(key); ok {
		metrics.CacheLookups.WithLabelValues(tierMemory, resultHit).Inc()
		return data, true
	}
	metrics.CacheLookups.WithLabelValues(tierMemory, resultMiss).Inc()

	if data, ok := c.diskGet(key); ok {
		metrics.CacheLookups.WithLabelValues(tierDisk, resultHit).Inc()
		// Payloads below the disk threshold only sit on disk after a
		// restart; promote them so later reads hit memory.
		if int64(len(data)) < c.diskMin {
			c.memPut(key, data)
		}
		return data, true
	}
	metrics.CacheLookups.WithLabelValues(tierDisk, resultMiss).Inc()
	return nil, false
}

// Put stores the payload, routing by size: payloads at or above the disk
// threshold go to the disk tier, smaller ones to memory.
func (c *Cache) Put(key string, data []byte) {
	if c == nil || len(data) == 0 {
		return
	}
	if int64(len(data)) >= c.diskMin {
		c.diskPut(key, data)
		return
	}
	c.memPut(key, data)
}

func (c *Cache) memGet(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*memEntry)
	if c.now().Sub(entry.addedAt) > c.memTTL {
		c.removeLocked(elem)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.data, true
}

func (c *Cache) memPut(key string, data []byte) {
	size := int64(len(data))
	if size > c.memMax {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	for c.memUsed+size > c.memMax {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
	elem := c.order.PushFront(&memEntry{key: key, data: data, addedAt: c.now()})
	c.entries[key] = elem
	c.memUsed += size
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.memUsed -= int64(len(entry.data))
}

func (c *Cache) diskGet(key string) ([]byte, bool) {
	path := c.diskPath(key)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if c.now().Sub(info.ModTime()) > c.diskTTL {
		_ = os.Remove(path)
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) diskPut(key string, data []byte) {
	if int64(len(data)) > c.diskMax {
		return
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.logger.Warn("cache directory unavailable", "dir", c.dir, "error", err)
		return
	}
	path := c.diskPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("cache write failed", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		c.logger.Warn("cache write failed", "path", path, "error", err)
		return
	}
	c.enforceDiskCap()
}

// enforceDiskCap deletes the oldest cache files until the tier fits its
// size budget.
func (c *Cache) enforceDiskCap() {
	files, total := c.diskFiles()
	if total <= c.diskMax {
		return
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})
	for _, f := range files {
		if total <= c.diskMax {
			return
		}
		if os.Remove(f.path) == nil {
			total -= f.size
		}
	}
}

type diskFile struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cache) diskFiles() ([]diskFile, int64) {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, 0
	}
	var files []diskFile
	var total int64
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		files = append(files, diskFile{
			path:    filepath.Join(c.dir, d.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	return files, total
}

// EvictExpired drops entries past their tier TTL from both tiers. The
// cleanup loop calls it periodically; eviction never moves an entry
// between tiers.
func (c *Cache) EvictExpired() {
	if c == nil {
		return
	}
	now := c.now()

	c.mu.Lock()
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if now.Sub(elem.Value.(*memEntry).addedAt) > c.memTTL {
			c.removeLocked(elem)
		}
		elem = prev
	}
	c.mu.Unlock()

	files, _ := c.diskFiles()
	for _, f := range files {
		if now.Sub(f.modTime) > c.diskTTL {
			_ = os.Remove(f.path)
		}
	}
}

// MemoryBytes reports the current memory-tier footprint.
func (c *Cache) MemoryBytes() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memUsed
}

// diskPath maps an arbitrary key to a stable filename inside the cache
// directory. Keys are hashed so callers may use raw content identifiers.
func (c *Cache) diskPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}
