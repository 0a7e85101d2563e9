package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewLRUCache_Defaults(t *testing.T) {
	cache := NewLRUCache(Config{})
	if cache.capacity != 1<<20 {
		t.Errorf("expected default capacity 1MB, got %d", cache.capacity)
	}
	if cache.config.MaxEntries != 256 {
		t.Errorf("expected default max entries 256, got %d", cache.config.MaxEntries)
	}
}

func TestLRUCache_PutGet(t *testing.T) {
	cache := NewLRUCache(Config{MaxSize: 1024, MaxEntries: 10})

	if _, ok := cache.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}

	cache.Put("k", "value")
	got, ok := cache.Get("k")
	if !ok || got != "value" {
		t.Errorf("Get() = %q, %v; want value, true", got, ok)
	}

	cache.Put("k", "updated")
	got, _ = cache.Get("k")
	if got != "updated" {
		t.Errorf("Get() after overwrite = %q", got)
	}
	if size := cache.Size(); size != int64(len("k")+len("updated")) {
		t.Errorf("Size() = %d", size)
	}

	stats := cache.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("hits=%d misses=%d, want 2 and 1", stats.Hits, stats.Misses)
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewLRUCache(Config{MaxSize: 1024, MaxEntries: 2})

	cache.Put("a", "1")
	cache.Put("b", "2")
	cache.Get("a")
	cache.Put("c", "3")

	if _, ok := cache.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := cache.Get("a"); !ok {
		t.Error("expected a to survive")
	}
	if cache.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", cache.Stats().Evictions)
	}
}

func TestLRUCache_SizeBound(t *testing.T) {
	cache := NewLRUCache(Config{MaxSize: 20, MaxEntries: 100})

	cache.Put("a", "0123456789")
	cache.Put("b", "0123456789")
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cache.Len())
	}

	cache.Put("huge", "this value is far larger than the cache")
	if _, ok := cache.Get("huge"); ok {
		t.Error("oversized value should not be cached")
	}
}

func TestLRUCache_TTL(t *testing.T) {
	cache := NewLRUCache(Config{TTL: time.Minute})
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Put("k", "v")
	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("k"); ok {
		t.Error("expected expired entry to miss")
	}
	if cache.Len() != 0 {
		t.Errorf("expired entry not removed")
	}
}

func TestLRUCache_DeleteAndClear(t *testing.T) {
	cache := NewLRUCache(Config{})
	cache.Put("a", "1")
	cache.Put("b", "2")

	cache.Delete("a")
	cache.Delete("a")
	if _, ok := cache.Get("a"); ok {
		t.Error("expected a to be deleted")
	}

	if err := cache.Clear(context.Background()); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if cache.Len() != 0 || cache.Size() != 0 {
		t.Errorf("cache not empty after Clear: len=%d size=%d", cache.Len(), cache.Size())
	}
}

func TestLRUCache_Concurrent(t *testing.T) {
	cache := NewLRUCache(Config{MaxEntries: 50})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d-%d", id, j%20)
				cache.Put(key, "v")
				cache.Get(key)
				if j%7 == 0 {
					cache.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()

	if cache.Len() > 50 {
		t.Errorf("Len() = %d exceeds max entries", cache.Len())
	}
}
