package types

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Backend.Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// Backend is a raw key-value store sitting behind a tier.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete is idempotent: deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
	Close() error
}

// EnumerableBackend is a Backend that can list and wipe its contents.
type EnumerableBackend interface {
	Backend
	List(ctx context.Context, prefix string) ([]KeyInfo, error)
	Clear(ctx context.Context) error
}

// FullClassifier is implemented by backends that can recognise their own
// "out of space" errors from typed codes.
type FullClassifier interface {
	IsFull(err error) bool
}

// SizeClassifier is implemented by backends with a per-item size limit that
// can recognise their own "item too large" errors.
type SizeClassifier interface {
	IsTooLarge(err error) bool
}

// StatsReporter is implemented by backends and tiers that keep their own
// request statistics.
type StatsReporter interface {
	Stats() map[string]interface{}
}

// Clearer is anything Emergency cleanup can wipe.
type Clearer interface {
	Clear(ctx context.Context) error
}

// ClearerFunc adapts a function to Clearer.
type ClearerFunc func(ctx context.Context) error

// Clear calls f.
func (f ClearerFunc) Clear(ctx context.Context) error { return f(ctx) }

// MetricsCollector receives storage events.
type MetricsCollector interface {
	RecordOperation(operation string, tier Tier, duration time.Duration, size int64, success bool)
	RecordFallback(from, to Tier, reason string)
	RecordCleanup(policy string, evicted int, success bool)
	RecordProbe(tier Tier, healthy bool, code string)
	RecordUsage(used, total int64)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, Tier, time.Duration, int64, bool) {}
func (NopMetrics) RecordFallback(Tier, Tier, string)                       {}
func (NopMetrics) RecordCleanup(string, int, bool)                         {}
func (NopMetrics) RecordProbe(Tier, bool, string)                          {}
func (NopMetrics) RecordUsage(int64, int64)                                {}
