// Package store implements the storage facade: size-based routing between the
// secure and bulk tiers, chunking of oversized values, cascading reads, and
// recovery from a full bulk tier.
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tierstore/tierstore/internal/cache"
	"github.com/tierstore/tierstore/internal/chunk"
	"github.com/tierstore/tierstore/internal/compress"
	"github.com/tierstore/tierstore/internal/tier"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/retry"
	"github.com/tierstore/tierstore/pkg/types"
)

// ValueCacheName is the name the built-in read cache is registered under.
const ValueCacheName = "values"

// Limits are the size thresholds that drive routing.
type Limits struct {
	SecureSafeLimit      int
	CompressionThreshold int
	ChunkThreshold       int
}

// DefaultLimits returns the stock thresholds.
func DefaultLimits() Limits {
	return Limits{
		SecureSafeLimit:      tier.DefaultSecureSafeLimit,
		CompressionThreshold: compress.DefaultThreshold,
		ChunkThreshold:       chunk.DefaultChunkSize,
	}
}

// Recoverer frees space after the bulk tier reports BACKEND_FULL.
type Recoverer func(ctx context.Context) error

// Option configures a Store.
type Option func(*Store)

// WithCache enables the read cache.
func WithCache(c *cache.LRUCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithTracker records tier health on every write.
func WithTracker(t *health.Tracker) Option {
	return func(s *Store) { s.tracker = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m types.MetricsCollector) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithRecoverer sets the BACKEND_FULL recovery hook.
func WithRecoverer(r Recoverer) Option {
	return func(s *Store) { s.recoverer = r }
}

// Store is the storage facade.
type Store struct {
	secure     *tier.Secure
	bulk       *tier.Bulk
	chunks     *chunk.Manager
	compressor *compress.Compressor
	limits     Limits

	cache   *cache.LRUCache
	tracker *health.Tracker
	metrics types.MetricsCollector
	logger  *slog.Logger
	locks   *keyLocks

	mu        sync.RWMutex
	caches    map[string]types.Clearer
	recoverer Recoverer
}

// New builds a facade over the two tiers.
func New(secure *tier.Secure, bulk *tier.Bulk, chunks *chunk.Manager, limits Limits, opts ...Option) *Store {
	if limits.SecureSafeLimit <= 0 {
		limits.SecureSafeLimit = secure.Limit()
	}
	if limits.ChunkThreshold <= 0 {
		limits.ChunkThreshold = chunks.ChunkSize()
	}

	s := &Store{
		secure:     secure,
		bulk:       bulk,
		chunks:     chunks,
		compressor: compress.New(limits.CompressionThreshold),
		limits:     limits,
		metrics:    types.NopMetrics{},
		logger:     slog.Default().With("component", "store"),
		locks:      newKeyLocks(),
		caches:     make(map[string]types.Clearer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache != nil {
		s.caches[ValueCacheName] = s.cache
	}
	if s.tracker != nil {
		s.tracker.RegisterComponent(types.TierSecure.String())
		s.tracker.RegisterComponent(types.TierBulk.String())
	}
	return s
}

// SetRecoverer installs the BACKEND_FULL recovery hook after construction.
func (s *Store) SetRecoverer(r Recoverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverer = r
}

// Tiers returns the read cascade in order.
func (s *Store) Tiers() []tier.Adapter {
	return []tier.Adapter{s.secure, s.bulk}
}

// Secure returns the secure tier adapter.
func (s *Store) Secure() *tier.Secure { return s.secure }

// Bulk returns the bulk tier adapter.
func (s *Store) Bulk() *tier.Bulk { return s.bulk }

// Chunks returns the chunk manager.
func (s *Store) Chunks() *chunk.Manager { return s.chunks }

// Limits returns the routing thresholds.
func (s *Store) Limits() Limits { return s.limits }

// Compressor returns the compressor used on writes.
func (s *Store) Compressor() *compress.Compressor { return s.compressor }

func validateKey(op, key string) error {
	if key == "" {
		return errors.NewError(errors.ErrCodeInvalidKey, "key must not be empty").
			WithComponent("store").WithOperation(op)
	}
	if chunk.IsDerivedKey(key) {
		return errors.NewError(errors.ErrCodeInvalidKey, "key uses the reserved chunk suffix").
			WithComponent("store").WithOperation(op).WithKey(key)
	}
	return nil
}

// secureWritable gates Secure writes on the tier's breaker alone. The breaker
// half-opens on its own, so a recovered Secure tier gets small values back.
// The tracker only reports.
func (s *Store) secureWritable() bool {
	return s.secure.Available()
}

func (s *Store) recordHealth(t types.Tier, err error) {
	if s.tracker == nil {
		return
	}
	if err == nil {
		s.tracker.RecordSuccess(t.String())
	} else {
		s.tracker.RecordError(t.String(), err)
	}
}

// Put stores value under key, routing it by size.
func (s *Store) Put(ctx context.Context, key, value string) error {
	if err := validateKey("put", key); err != nil {
		return err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	if s.cache != nil {
		s.cache.Delete(key)
	}

	start := time.Now()
	stored, compressed := s.compressor.MaybeCompress(value)
	data := []byte(stored)
	if compressed {
		s.logger.Debug("Compressed value", "key", key, "before", len(value), "after", len(data))
	}

	if len(data) <= s.limits.SecureSafeLimit && s.secureWritable() {
		err := s.secure.Put(ctx, key, data)
		if err == nil {
			s.recordHealth(types.TierSecure, nil)
			s.metrics.RecordOperation("put", types.TierSecure, time.Since(start), int64(len(data)), true)
			s.removeBulk(ctx, key)
			return nil
		}

		s.logger.Warn("Secure tier write failed, falling back to bulk tier",
			"key", key, "size", len(data), "code", errors.CodeOf(err), "error", err)
		if !errors.IsCapacityExceeded(err) {
			s.recordHealth(types.TierSecure, err)
		}
		s.metrics.RecordFallback(types.TierSecure, types.TierBulk, string(errors.CodeOf(err)))
	} else if len(data) <= s.limits.SecureSafeLimit {
		s.metrics.RecordFallback(types.TierSecure, types.TierBulk, "secure_unavailable")
	}

	err := s.putBulkWithRecovery(ctx, key, data)
	s.recordHealth(types.TierBulk, err)
	s.metrics.RecordOperation("put", types.TierBulk, time.Since(start), int64(len(data)), err == nil)
	if err != nil {
		return err
	}

	if err := s.secure.Delete(ctx, key); err != nil {
		s.logger.Warn("Failed to remove stale secure entry", "key", key, "error", err)
	}
	return nil
}

func (s *Store) putBulkWithRecovery(ctx context.Context, key string, data []byte) error {
	s.mu.RLock()
	recoverer := s.recoverer
	s.mu.RUnlock()

	r := retry.New(retry.RecoverOnce(func(ctx context.Context, attempt int, err error) error {
		if recoverer == nil {
			return err
		}
		s.logger.Warn("Bulk tier full, running emergency cleanup before retry", "key", key, "size", len(data))
		return recoverer(ctx)
	})).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		s.logger.Debug("Bulk write will be retried", "key", key, "attempt", attempt, "delay", delay, "error", err)
	})

	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		return s.putBulk(ctx, key, data)
	})
	switch {
	case err == nil:
		return nil
	case errors.IsBackendFull(err):
		return errors.Wrap(errors.ErrCodeStorageUnavailable, "bulk tier is full", err).
			WithComponent("store").WithOperation("put").WithKey(key).WithTier(types.TierBulk.String())
	default:
		return err
	}
}

// putBulk writes data direct or chunked and removes the other representation.
func (s *Store) putBulk(ctx context.Context, key string, data []byte) error {
	if len(data) > s.limits.ChunkThreshold {
		if _, err := s.chunks.Split(ctx, key, data); err != nil {
			return err
		}
		if err := s.bulk.Delete(ctx, key); err != nil {
			s.logger.Warn("Failed to remove direct bulk entry", "key", key, "error", err)
		}
		return nil
	}

	if err := s.bulk.Put(ctx, key, data); err != nil {
		return err
	}
	if s.chunks.HasManifest(ctx, key) {
		if err := s.chunks.Cleanup(ctx, key); err != nil {
			s.logger.Warn("Failed to remove previous chunk set", "key", key, "error", err)
		}
	}
	return nil
}

func (s *Store) removeBulk(ctx context.Context, key string) {
	if err := s.bulk.Delete(ctx, key); err != nil {
		s.logger.Warn("Failed to remove stale bulk entry", "key", key, "error", err)
	}
	if s.chunks.HasManifest(ctx, key) {
		if err := s.chunks.Cleanup(ctx, key); err != nil {
			s.logger.Warn("Failed to remove stale chunk set", "key", key, "error", err)
		}
	}
}

// Get returns the value for key from the first tier that has it.
// Read errors are logged and treated as a miss for that tier.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	if validateKey("get", key) != nil {
		return "", false
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v, true
		}
	}

	unlock := s.locks.lock(key)
	defer unlock()

	start := time.Now()
	for _, t := range s.Tiers() {
		v, ok, err := t.Get(ctx, key)
		if err != nil {
			s.logger.Warn("Tier read failed", "key", key, "tier", t.Tier().String(), "error", err)
			continue
		}
		if ok {
			s.metrics.RecordOperation("get", t.Tier(), time.Since(start), int64(len(v)), true)
			return s.remember(key, string(v)), true
		}
	}

	v, ok, err := s.chunks.Reconstruct(ctx, key)
	if err != nil {
		s.logger.Warn("Chunk reconstruction failed", "key", key, "error", err)
		return "", false
	}
	if !ok {
		s.metrics.RecordOperation("get", types.TierBulk, time.Since(start), 0, false)
		return "", false
	}
	s.metrics.RecordOperation("get", types.TierBulk, time.Since(start), int64(len(v)), true)
	return s.remember(key, string(v)), true
}

func (s *Store) remember(key, value string) string {
	if s.cache != nil {
		s.cache.Put(key, value)
	}
	return value
}

// Delete removes key from every tier and its chunk set. Failures are logged.
// Reserved chunk keys are refused so a caller cannot corrupt a chunk set.
func (s *Store) Delete(ctx context.Context, key string) {
	if err := validateKey("delete", key); err != nil {
		s.logger.Warn("Delete refused", "key", key, "code", errors.CodeOf(err))
		return
	}

	unlock := s.locks.lock(key)
	defer unlock()

	if s.cache != nil {
		s.cache.Delete(key)
	}

	start := time.Now()
	ok := true
	for _, t := range s.Tiers() {
		if err := t.Delete(ctx, key); err != nil {
			ok = false
			s.logger.Warn("Tier delete failed", "key", key, "tier", t.Tier().String(), "error", err)
		}
	}
	if err := s.chunks.Cleanup(ctx, key); err != nil {
		ok = false
		s.logger.Warn("Chunk cleanup failed", "key", key, "error", err)
	}
	s.metrics.RecordOperation("delete", types.TierBulk, time.Since(start), 0, ok)
}

// RegisterCache adds a cache that emergency cleanup empties.
func (s *Store) RegisterCache(name string, c types.Clearer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caches[name] = c
}

// ClearCaches empties every registered cache, continuing past failures.
func (s *Store) ClearCaches(ctx context.Context) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	caches := make(map[string]types.Clearer, len(s.caches))
	for k, v := range s.caches {
		caches[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := caches[name].Clear(ctx); err != nil {
			s.logger.Warn("Failed to clear cache", "cache", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
