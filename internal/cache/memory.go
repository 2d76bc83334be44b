package cache

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/modelmux/dispatch/pkg/types"
)

// insertionEntry tracks when a key was inserted, for oldest-first eviction.
type insertionEntry struct {
	key        string
	insertedAt int64 // unix nano
}

// insertionHeap is a min-heap by insertion time.
type insertionHeap []*insertionEntry

func (h insertionHeap) Len() int           { return len(h) }
func (h insertionHeap) Less(i, j int) bool { return h[i].insertedAt < h[j].insertedAt }
func (h insertionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *insertionHeap) Push(x any) { *h = append(*h, x.(*insertionEntry)) }

func (h *insertionHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type memoryEntry struct {
	value      []byte
	insertedAt int64
	expiresAt  int64
}

// MemoryCacheConfig holds configuration for MemoryCache.
type MemoryCacheConfig struct {
	MaxSize         int           // maximum number of entries (default: 1000)
	TTL             time.Duration // entry lifetime from insertion (default: 1h)
	CleanupInterval time.Duration // background sweep interval (default: 1m)
}

// DefaultMemoryCacheConfig returns sensible defaults.
func DefaultMemoryCacheConfig() MemoryCacheConfig {
	return MemoryCacheConfig{
		MaxSize:         1000,
		TTL:             time.Hour,
		CleanupInterval: time.Minute,
	}
}

// MemoryCache is an in-memory response cache. Expiry is lazy on read, with a
// periodic background sweep; at capacity the entry with the oldest insertion
// timestamp is evicted first. Reads do not extend an entry's life.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]*memoryEntry
	ages insertionHeap

	maxSize int
	ttl     time.Duration

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// NewMemoryCache creates an in-memory cache and starts its sweep loop.
func NewMemoryCache(cfg MemoryCacheConfig) *MemoryCache {
	def := DefaultMemoryCacheConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	c := &MemoryCache{
		data:        make(map[string]*memoryEntry),
		maxSize:     cfg.MaxSize,
		ttl:         cfg.TTL,
		stopCleanup: make(chan struct{}),
	}
	heap.Init(&c.ages)

	c.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	go c.cleanupLoop()
	return c
}

func (c *MemoryCache) cleanupLoop() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.sweepExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

// sweepExpired removes expired entries in insertion order. Entries are
// inserted with a uniform TTL, so the insertion heap is also expiry-ordered.
func (c *MemoryCache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	for c.ages.Len() > 0 {
		oldest := c.ages[0]
		stored, ok := c.data[oldest.key]
		if !ok || stored.insertedAt != oldest.insertedAt {
			// Stale heap entry, the key was overwritten or removed.
			heap.Pop(&c.ages)
			continue
		}
		if stored.expiresAt > now {
			break
		}
		heap.Pop(&c.ages)
		delete(c.data, oldest.key)
	}
}

// evictOldest removes the single oldest surviving entry.
func (c *MemoryCache) evictOldest() {
	for c.ages.Len() > 0 {
		oldest := heap.Pop(&c.ages).(*insertionEntry)
		stored, ok := c.data[oldest.key]
		if !ok || stored.insertedAt != oldest.insertedAt {
			continue
		}
		delete(c.data, oldest.key)
		return
	}
}

// Get retrieves the cached result for the fingerprint.
func (c *MemoryCache) Get(ctx context.Context, fingerprint string) (*types.Result, error) {
	c.mu.RLock()
	entry, ok := c.data[fingerprint]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	if entry.expiresAt <= time.Now().UnixNano() {
		c.mu.Lock()
		if stored, ok := c.data[fingerprint]; ok && stored.insertedAt == entry.insertedAt {
			delete(c.data, fingerprint)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, nil
	}

	var result types.Result
	if err := json.Unmarshal(entry.value, &result); err != nil {
		return nil, err
	}
	c.hits.Add(1)
	return &result, nil
}

// Set stores the result under the fingerprint, evicting the oldest entry
// when at capacity.
func (c *MemoryCache) Set(ctx context.Context, fingerprint string, result *types.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[fingerprint]; !exists && len(c.data) >= c.maxSize {
		c.evictOldest()
	}
	c.data[fingerprint] = &memoryEntry{
		value:      raw,
		insertedAt: now,
		expiresAt:  now + c.ttl.Nanoseconds(),
	}
	heap.Push(&c.ages, &insertionEntry{key: fingerprint, insertedAt: now})
	c.sets.Add(1)
	return nil
}

// Delete removes the fingerprint from the cache.
func (c *MemoryCache) Delete(ctx context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, fingerprint)
	return nil
}

// Stats returns current cache counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.RLock()
	size := len(c.data)
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:   hits,
		Misses: misses,
		Sets:   c.sets.Load(),
		Size:   size,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Clear removes all entries and resets counters.
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.data = make(map[string]*memoryEntry)
	c.ages = c.ages[:0]
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	return nil
}

// Close stops the sweep loop.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		c.cleanupTicker.Stop()
		close(c.stopCleanup)
	})
	return nil
}
