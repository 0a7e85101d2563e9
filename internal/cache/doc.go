/*
Package cache provides the in-process read cache that sits in front of the
storage tiers.

LRUCache holds decoded values keyed by caller key. It is bounded both by total
key+value bytes and by entry count, evicting the least recently used entry
first. An optional TTL expires entries lazily on read.

The facade invalidates an entry on every Put and Delete of its key, and
registers the cache as a clearable cache so emergency cleanup can drop it:

	c := cache.NewLRUCache(cache.Config{MaxSize: 1 << 20, MaxEntries: 256})
	svc.RegisterCache("values", c)
*/
package cache
