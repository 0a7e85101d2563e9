package tierstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierstore/tierstore/internal/capacity"
	"github.com/tierstore/tierstore/internal/config"
	"github.com/tierstore/tierstore/internal/storage/memory"
	"github.com/tierstore/tierstore/pkg/errors"
	pkghealth "github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/types"
)

func newService(t *testing.T, cfg *config.Configuration, opts ...Option) *Service {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Limits.SecureSafeLimit = 0

	_, err := New(cfg)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestService_Lifecycle(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	ctx := context.Background()

	err = s.Put(ctx, "k", "v")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotInitialized))
	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, s.CheckAndCleanupIfNeeded(ctx))

	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Put(ctx, "k", "v"))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	err = s.Put(ctx, "k", "v")
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyClosed))
	assert.True(t, errors.IsCode(s.Init(ctx), errors.ErrCodeAlreadyClosed))
}

func TestService_RoundTrips(t *testing.T) {
	secure := memory.New(memory.WithItemLimit(2048))
	bulk := memory.New()
	s := newService(t, nil, WithSecureBackend(secure), WithBulkBackend(bulk))
	ctx := context.Background()

	tests := []struct {
		name      string
		size      int
		inSecure  bool
		inBulk    bool
		chunkKeys int
	}{
		{"secure", 1800, true, false, 0},
		{"bulk", 3000, false, true, 0},
		{"chunked", 120000, false, false, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := strings.Repeat("v", tt.size)
			require.NoError(t, s.Put(ctx, tt.name, value))

			got, ok := s.Get(ctx, tt.name)
			require.True(t, ok)
			assert.Equal(t, value, got)
			assert.Equal(t, tt.inSecure, secure.Has(tt.name))
			assert.Equal(t, tt.inBulk, bulk.Has(tt.name))

			infos, err := bulk.List(ctx, tt.name+"_chunk_")
			require.NoError(t, err)
			assert.Len(t, infos, tt.chunkKeys)

			s.Delete(ctx, tt.name)
			_, ok = s.Get(ctx, tt.name)
			assert.False(t, ok)
			assert.False(t, secure.Has(tt.name))
			assert.False(t, bulk.Has(tt.name))
			infos, err = bulk.List(ctx, tt.name+"_chunk_")
			require.NoError(t, err)
			assert.Empty(t, infos)
		})
	}
}

func TestService_InitRunsEmergencyAtCriticalUsage(t *testing.T) {
	bulk := memory.New()
	require.NoError(t, bulk.Put(context.Background(), "stale", []byte("x")))

	estimator := capacity.UsageEstimatorFunc(func(ctx context.Context) (types.UsageSnapshot, error) {
		return types.UsageSnapshot{TotalCapacity: 100, UsedSize: 90}, nil
	})
	s := newService(t, nil, WithBulkBackend(bulk), WithUsageEstimator(estimator))

	assert.Equal(t, 0, bulk.Len())
	usage, err := s.Usage(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.9, usage.Ratio(), 1e-9)
}

func TestService_ProbeAndHealth(t *testing.T) {
	secure := memory.New()
	s := newService(t, nil, WithSecureBackend(secure))

	secure.SetFault(func(op, key string) error {
		if op == "put" {
			return memory.ErrNoSpace
		}
		return nil
	})
	results, err := s.Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Full())
	assert.True(t, results[1].Healthy)

	states := s.Health()
	assert.Equal(t, pkghealth.StateHealthy, states["bulk"])
}

func TestService_RunStopsOnCancel(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Monitor.Interval = 5 * time.Millisecond
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"
	s := newService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}

func TestService_DiskBackends(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  func(c *config.Configuration)
	}{
		{"sqlite", func(c *config.Configuration) {
			c.Bulk.Backend = config.BackendSQLite
			c.Bulk.Path = filepath.Join(dir, "sqlite", "bulk.db")
		}},
		{"badger", func(c *config.Configuration) {
			c.Bulk.Backend = config.BackendBadger
			c.Bulk.Path = filepath.Join(dir, "badger")
		}},
		{"sealed secure", func(c *config.Configuration) {
			c.Secure.Backend = config.BackendSealed
			c.Secure.Directory = filepath.Join(dir, "sealed")
			c.Secure.MasterKey = "0123456789abcdef0123456789abcdef"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefault()
			tt.cfg(cfg)
			s := newService(t, cfg)
			ctx := context.Background()

			for _, size := range []int{100, 5000, 120000} {
				key := strings.ReplaceAll(tt.name, " ", "-") + "-value"
				value := strings.Repeat("b", size)
				require.NoError(t, s.Put(ctx, key, value))
				got, ok := s.Get(ctx, key)
				require.True(t, ok, "size %d", size)
				assert.Equal(t, value, got)
			}
			assert.True(t, s.CheckAndCleanupIfNeeded(ctx))
		})
	}
}
