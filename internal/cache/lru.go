package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Stats holds cache counters.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	Entries   int     `json:"entries"`
	Size      int64   `json:"size"`
	Capacity  int64   `json:"capacity"`
}

// Config represents cache configuration
type Config struct {
	MaxSize    int64         `yaml:"max_size"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// LRUCache is a thread-safe LRU cache of decoded values bounded by total
// key+value bytes and entry count.
type LRUCache struct {
	mu          sync.Mutex
	capacity    int64
	currentSize int64
	items       map[string]*cacheItem
	evictList   *list.List
	config      Config
	now         func() time.Time

	stats Stats
}

type cacheItem struct {
	key       string
	value     string
	size      int64
	timestamp time.Time
	element   *list.Element
}

// NewLRUCache creates a new LRU cache
func NewLRUCache(config Config) *LRUCache {
	if config.MaxSize <= 0 {
		config.MaxSize = 1 << 20
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 256
	}
	return &LRUCache{
		capacity:  config.MaxSize,
		items:     make(map[string]*cacheItem),
		evictList: list.New(),
		config:    config,
		now:       time.Now,
		stats:     Stats{Capacity: config.MaxSize},
	}
}

// Get returns the cached value for key.
func (c *LRUCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		c.updateHitRate()
		return "", false
	}
	if c.isExpired(item) {
		c.removeItem(item)
		c.stats.Misses++
		c.updateHitRate()
		return "", false
	}

	c.evictList.MoveToFront(item.element)
	c.stats.Hits++
	c.updateHitRate()
	return item.value, true
}

// Put stores value under key. Values larger than the whole cache are not stored.
func (c *LRUCache) Put(key, value string) {
	size := int64(len(key) + len(value))

	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
	if size > c.capacity {
		return
	}

	item := &cacheItem{
		key:       key,
		value:     value,
		size:      size,
		timestamp: c.now(),
	}
	item.element = c.evictList.PushFront(item)
	c.items[key] = item
	c.currentSize += size

	c.evictIfNeeded()
}

// Delete removes key.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
}

// Clear empties the cache. It satisfies types.Clearer so the cache can be
// registered for emergency cleanup.
func (c *LRUCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Evictions += uint64(len(c.items))
	c.items = make(map[string]*cacheItem)
	c.evictList.Init()
	c.currentSize = 0
	return nil
}

// Len returns the number of entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the current cache size
func (c *LRUCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Stats returns cache statistics
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.items)
	stats.Size = c.currentSize
	return stats
}

func (c *LRUCache) isExpired(item *cacheItem) bool {
	if c.config.TTL == 0 {
		return false
	}
	return c.now().Sub(item.timestamp) > c.config.TTL
}

func (c *LRUCache) removeItem(item *cacheItem) {
	c.evictList.Remove(item.element)
	delete(c.items, item.key)
	c.currentSize -= item.size
}

func (c *LRUCache) evictIfNeeded() {
	for (c.currentSize > c.capacity || len(c.items) > c.config.MaxEntries) && c.evictList.Len() > 0 {
		oldest := c.evictList.Back().Value.(*cacheItem)
		c.removeItem(oldest)
		c.stats.Evictions++
	}
}

func (c *LRUCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
