// Package tier adapts raw backends to the uniform put/get/delete contract used
// by the storage facade, and owns the translation of backend failures into
// BACKEND_FULL or BACKEND_ERROR.
package tier

import (
	"context"
	stderr "errors"
	"fmt"
	"log/slog"

	"github.com/tierstore/tierstore/internal/circuit"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// DefaultSecureSafeLimit leaves room under a 2048-byte hardware ceiling for
// the key name and backend overhead.
const DefaultSecureSafeLimit = 1800

// Adapter is one storage tier.
type Adapter interface {
	Tier() types.Tier
	Put(ctx context.Context, key string, value []byte) error
	// Get returns (nil, false, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
}

// Secure wraps a size-limited, non-enumerable backend.
type Secure struct {
	backend types.Backend
	limit   int
	breaker *circuit.CircuitBreaker
	logger  *slog.Logger
}

// SecureOption configures a Secure adapter.
type SecureOption func(*Secure)

// WithBreaker skips backend writes while the breaker is open.
func WithBreaker(cfg circuit.Config) SecureOption {
	return func(s *Secure) {
		if cfg.IsSuccessful == nil {
			cfg.IsSuccessful = func(err error) bool { return err == nil || errors.IsCapacityExceeded(err) }
		}
		if cfg.OnStateChange == nil {
			cfg.OnStateChange = func(name string, from, to circuit.State) {
				s.logger.Warn("Secure tier breaker changed state", "from", from.String(), "to", to.String())
			}
		}
		s.breaker = circuit.NewCircuitBreaker("secure", cfg)
	}
}

// WithSecureLogger sets the logger.
func WithSecureLogger(logger *slog.Logger) SecureOption {
	return func(s *Secure) { s.logger = logger }
}

// NewSecure returns a Secure adapter rejecting values above limit bytes.
func NewSecure(backend types.Backend, limit int, opts ...SecureOption) *Secure {
	if limit <= 0 {
		limit = DefaultSecureSafeLimit
	}
	s := &Secure{
		backend: backend,
		limit:   limit,
		logger:  slog.Default().With("component", "secure-tier"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tier returns types.TierSecure.
func (s *Secure) Tier() types.Tier { return types.TierSecure }

// Limit returns the per-item safe limit in bytes.
func (s *Secure) Limit() int { return s.limit }

// Backend returns the wrapped backend.
func (s *Secure) Backend() types.Backend { return s.backend }

// Put stores value, failing with CAPACITY_EXCEEDED above the safe limit
// without touching the backend.
func (s *Secure) Put(ctx context.Context, key string, value []byte) error {
	if len(value) > s.limit {
		return errors.NewError(errors.ErrCodeCapacityExceeded,
			fmt.Sprintf("value of %d bytes exceeds secure limit of %d", len(value), s.limit)).
			WithComponent(s.Tier().String()).WithOperation("put").WithKey(key).WithTier(s.Tier().String())
	}

	put := func(ctx context.Context) error {
		return Translate(s.backend.Put(ctx, key, value), s.backend)
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.ExecuteWithContext(ctx, put)
		if stderr.Is(err, circuit.ErrOpenState) || stderr.Is(err, circuit.ErrTooManyRequests) {
			err = errors.Wrap(errors.ErrCodeBackendError, "secure tier temporarily disabled", err)
		}
	} else {
		err = put(ctx)
	}
	return annotate(err, s.Tier(), "put", key)
}

// Get reads key from the backend.
func (s *Secure) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, s.backend, s.Tier(), key)
}

// Delete removes key.
func (s *Secure) Delete(ctx context.Context, key string) error {
	return del(ctx, s.backend, s.Tier(), key)
}

// Available reports whether the breaker currently lets writes through.
func (s *Secure) Available() bool {
	return s.breaker == nil || s.breaker.GetState() != circuit.StateOpen
}

// ResetBreaker closes the breaker so the next write reaches the backend.
func (s *Secure) ResetBreaker() {
	if s.breaker != nil {
		s.breaker.Reset()
	}
}

// Stats reports backend statistics and the breaker state.
func (s *Secure) Stats() map[string]interface{} {
	stats := backendStats(s.backend)
	if s.breaker != nil {
		counts := s.breaker.GetCounts()
		stats["breaker_state"] = s.breaker.GetState().String()
		stats["breaker_requests"] = counts.Requests
		stats["breaker_consecutive_failures"] = counts.ConsecutiveFailures
	}
	return stats
}

// Bulk wraps an enumerable backend with no per-item limit.
type Bulk struct {
	backend types.EnumerableBackend
}

// NewBulk returns a Bulk adapter.
func NewBulk(backend types.EnumerableBackend) *Bulk {
	return &Bulk{backend: backend}
}

// Tier returns types.TierBulk.
func (b *Bulk) Tier() types.Tier { return types.TierBulk }

// Backend returns the wrapped backend.
func (b *Bulk) Backend() types.EnumerableBackend { return b.backend }

// Put stores value.
func (b *Bulk) Put(ctx context.Context, key string, value []byte) error {
	return annotate(Translate(b.backend.Put(ctx, key, value), b.backend), b.Tier(), "put", key)
}

// Get reads key.
func (b *Bulk) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, b.backend, b.Tier(), key)
}

// Delete removes key.
func (b *Bulk) Delete(ctx context.Context, key string) error {
	return del(ctx, b.backend, b.Tier(), key)
}

// List enumerates keys starting with prefix.
func (b *Bulk) List(ctx context.Context, prefix string) ([]types.KeyInfo, error) {
	infos, err := b.backend.List(ctx, prefix)
	if err != nil {
		return nil, annotate(Translate(err, b.backend), b.Tier(), "list", "")
	}
	return infos, nil
}

// Clear wipes every key in the tier.
func (b *Bulk) Clear(ctx context.Context) error {
	return annotate(Translate(b.backend.Clear(ctx), b.backend), b.Tier(), "clear", "")
}

func get(ctx context.Context, backend types.Backend, t types.Tier, key string) ([]byte, bool, error) {
	v, err := backend.Get(ctx, key)
	switch {
	case err == nil:
		return v, true, nil
	case stderr.Is(err, types.ErrNotFound):
		return nil, false, nil
	default:
		return nil, false, annotate(Translate(err, backend), t, "get", key)
	}
}

func del(ctx context.Context, backend types.Backend, t types.Tier, key string) error {
	err := backend.Delete(ctx, key)
	if err == nil || stderr.Is(err, types.ErrNotFound) {
		return nil
	}
	return annotate(Translate(err, backend), t, "delete", key)
}

// Stats reports backend statistics.
func (b *Bulk) Stats() map[string]interface{} {
	return backendStats(b.backend)
}

func backendStats(backend any) map[string]interface{} {
	stats := make(map[string]interface{})
	if r, ok := backend.(types.StatsReporter); ok {
		for k, v := range r.Stats() {
			stats[k] = v
		}
	}
	return stats
}
