package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierstore/tierstore/internal/cache"
	"github.com/tierstore/tierstore/internal/chunk"
	"github.com/tierstore/tierstore/internal/circuit"
	"github.com/tierstore/tierstore/internal/storage/memory"
	"github.com/tierstore/tierstore/internal/tier"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/types"
)

type fixture struct {
	secureBackend *memory.Backend
	bulkBackend   *memory.Backend
	store         *Store
}

func newFixture(t *testing.T, bulkOpts []memory.Option, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		secureBackend: memory.New(),
		bulkBackend:   memory.New(bulkOpts...),
	}
	bulk := tier.NewBulk(f.bulkBackend)
	f.store = New(
		tier.NewSecure(f.secureBackend, tier.DefaultSecureSafeLimit),
		bulk,
		chunk.New(bulk, chunk.DefaultChunkSize),
		DefaultLimits(),
		opts...,
	)
	return f
}

func profileJSON(size int) string {
	var b strings.Builder
	b.WriteString("{\n  \"name\": \"profile\",\n  \"entries\": [\n")
	for i := 0; b.Len() < size; i++ {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "    {\"id\": %d,   \"label\": \"entry number %d\"}", i, i)
	}
	b.WriteString("\n  ]\n}")
	return b.String()
}

func TestPut_SmallValueGoesToSecureOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, "token", "abc123"))
	assert.True(t, f.secureBackend.Has("token"))
	assert.Equal(t, 0, f.bulkBackend.Len())

	v, ok := f.store.Get(ctx, "token")
	require.True(t, ok)
	assert.Equal(t, "abc123", v)
}

func TestPut_BoundaryValueStaysInSecure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	value := strings.Repeat("a", 1800)
	require.NoError(t, f.store.Put(ctx, "edge", value))
	assert.True(t, f.secureBackend.Has("edge"))
	assert.False(t, f.bulkBackend.Has("edge"))
}

func TestPut_LargeProfileIsCompressedIntoBulk(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	value := profileJSON(3000)
	require.Greater(t, len(value), 1800)
	require.NoError(t, f.store.Put(ctx, "profile", value))

	assert.False(t, f.secureBackend.Has("profile"))
	require.True(t, f.bulkBackend.Has("profile"))

	stored, err := f.bulkBackend.Get(ctx, "profile")
	require.NoError(t, err)
	assert.Less(t, len(stored), len(value))

	got, ok := f.store.Get(ctx, "profile")
	require.True(t, ok)
	assert.Equal(t, string(stored), got)
}

func TestPut_HugeValueIsChunked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	value := strings.Repeat("x", 120000)
	require.NoError(t, f.store.Put(ctx, "blob", value))

	assert.False(t, f.bulkBackend.Has("blob"))
	assert.True(t, f.bulkBackend.Has(chunk.ManifestKey("blob")))
	for i := 0; i < 3; i++ {
		assert.True(t, f.bulkBackend.Has(chunk.ChunkKey("blob", i)))
	}

	got, ok := f.store.Get(ctx, "blob")
	require.True(t, ok)
	assert.Equal(t, value, got)
}

func TestPut_OverwriteRemovesOtherRepresentations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, "k", strings.Repeat("x", 120000)))
	require.NoError(t, f.store.Put(ctx, "k", "small"))

	assert.True(t, f.secureBackend.Has("k"))
	assert.Equal(t, 0, f.bulkBackend.Len())

	require.NoError(t, f.store.Put(ctx, "k", strings.Repeat("y", 5000)))
	assert.False(t, f.secureBackend.Has("k"))
	assert.True(t, f.bulkBackend.Has("k"))

	got, ok := f.store.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("y", 5000), got)
}

func TestPut_RejectsInvalidKeys(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, key := range []string{"", "a_chunk_0", "a_chunk_count"} {
		err := f.store.Put(ctx, key, "v")
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidKey), "key %q: %v", key, err)
	}
	assert.Equal(t, 0, f.secureBackend.Len())
	assert.Equal(t, 0, f.bulkBackend.Len())
}

func TestPut_SecureFailureFallsBackToBulk(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig())
	f := newFixture(t, nil, WithTracker(tracker))
	f.secureBackend.SetFault(func(op, key string) error {
		if op == "put" {
			return fmt.Errorf("keychain locked")
		}
		return nil
	})
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, "token", "abc"))
	assert.False(t, f.secureBackend.Has("token"))
	assert.True(t, f.bulkBackend.Has("token"))

	v, ok := f.store.Get(ctx, "token")
	require.True(t, ok)
	assert.Equal(t, "abc", v)

	ch, err := tracker.GetComponentHealth(types.TierSecure.String())
	require.NoError(t, err)
	assert.Equal(t, 1, ch.ConsecutiveErrors)
}

func TestPut_SecureTierWinsBackSmallValuesAfterFaultClears(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig())
	f := newFixture(t, nil, WithTracker(tracker))
	ctx := context.Background()

	f.secureBackend.SetFault(func(op, key string) error {
		if op == "put" {
			return fmt.Errorf("write: %w", syscall.ENOSPC)
		}
		return nil
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.Put(ctx, fmt.Sprintf("k%d", i), "v"))
	}
	require.NotEqual(t, health.StateHealthy, tracker.GetState(types.TierSecure.String()))

	f.secureBackend.SetFault(nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Put(ctx, "token", "abc"))
	}
	assert.True(t, f.secureBackend.Has("token"))
	assert.False(t, f.bulkBackend.Has("token"))
	assert.Equal(t, health.StateHealthy, tracker.GetState(types.TierSecure.String()))
}

func TestPut_LongKeyAtItemLimitDoesNotDisableSecureTier(t *testing.T) {
	secureBackend := memory.New(memory.WithItemLimit(2048))
	bulkBackend := memory.New()
	bulk := tier.NewBulk(bulkBackend)
	secure := tier.NewSecure(secureBackend, tier.DefaultSecureSafeLimit,
		tier.WithBreaker(circuit.Config{FailureThreshold: 5, Timeout: time.Hour}))
	s := New(secure, bulk, chunk.New(bulk, chunk.DefaultChunkSize), DefaultLimits())
	ctx := context.Background()

	longKey := strings.Repeat("k", 300)
	value := strings.Repeat("v", 1800)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put(ctx, longKey, value))
	}
	assert.True(t, bulkBackend.Has(longKey))
	assert.True(t, secure.Available())

	require.NoError(t, s.Put(ctx, "token", "abc"))
	assert.True(t, secureBackend.Has("token"))
	assert.False(t, bulkBackend.Has("token"))

	got, ok := s.Get(ctx, longKey)
	require.True(t, ok)
	assert.Equal(t, value, got)
}

func TestPut_BulkFullRunsRecovererAndRetriesOnce(t *testing.T) {
	f := newFixture(t, []memory.Option{memory.WithCapacity(4000)})
	ctx := context.Background()

	require.NoError(t, f.bulkBackend.Put(ctx, "filler", make([]byte, 3000)))

	calls := 0
	f.store.SetRecoverer(func(ctx context.Context) error {
		calls++
		return f.bulkBackend.Clear(ctx)
	})

	require.NoError(t, f.store.Put(ctx, "big", strings.Repeat("z", 2500)))
	assert.Equal(t, 1, calls)
	assert.True(t, f.bulkBackend.Has("big"))
	assert.False(t, f.bulkBackend.Has("filler"))
}

func TestPut_BulkStillFullIsStorageUnavailable(t *testing.T) {
	f := newFixture(t, []memory.Option{memory.WithCapacity(100)})
	ctx := context.Background()

	calls := 0
	f.store.SetRecoverer(func(ctx context.Context) error {
		calls++
		return nil
	})

	err := f.store.Put(ctx, "big", strings.Repeat("z", 2500))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageUnavailable))
	assert.Contains(t, err.Error(), "bulk tier is full")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, f.bulkBackend.Len())
}

func TestPut_RecovererFailureAborts(t *testing.T) {
	f := newFixture(t, []memory.Option{memory.WithCapacity(100)})
	ctx := context.Background()

	hookErr := errors.NewError(errors.ErrCodeBackendError, "cleanup failed")
	f.store.SetRecoverer(func(ctx context.Context) error { return hookErr })

	err := f.store.Put(ctx, "big", strings.Repeat("z", 2500))
	assert.Equal(t, errors.ErrCodeBackendError, errors.CodeOf(err))
}

func TestGet_MissAndReadErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, ok := f.store.Get(ctx, "absent")
	assert.False(t, ok)

	require.NoError(t, f.store.Put(ctx, "k", strings.Repeat("q", 4000)))
	f.secureBackend.SetFault(func(op, key string) error { return fmt.Errorf("locked") })

	v, ok := f.store.Get(ctx, "k")
	require.True(t, ok, "secure read error must not hide the bulk value")
	assert.Equal(t, strings.Repeat("q", 4000), v)

	f.bulkBackend.SetFault(func(op, key string) error { return fmt.Errorf("io") })
	_, ok = f.store.Get(ctx, "k")
	assert.False(t, ok)
}

func TestDelete_RemovesEverything(t *testing.T) {
	c := cache.NewLRUCache(cache.Config{})
	f := newFixture(t, nil, WithCache(c))
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, "a", "small"))
	require.NoError(t, f.store.Put(ctx, "b", strings.Repeat("x", 120000)))
	_, _ = f.store.Get(ctx, "a")
	assert.Equal(t, 1, c.Len())

	f.store.Delete(ctx, "a")
	f.store.Delete(ctx, "b")
	f.store.Delete(ctx, "never-stored")

	assert.Equal(t, 0, f.secureBackend.Len())
	assert.Equal(t, 0, f.bulkBackend.Len())
	assert.Equal(t, 0, c.Len())

	_, ok := f.store.Get(ctx, "a")
	assert.False(t, ok)
}

func TestDelete_RefusesReservedChunkKeys(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	value := strings.Repeat("x", 120000)
	require.NoError(t, f.store.Put(ctx, "image", value))

	f.store.Delete(ctx, chunk.ChunkKey("image", 1))
	f.store.Delete(ctx, chunk.ManifestKey("image"))
	f.store.Delete(ctx, "")

	assert.True(t, f.bulkBackend.Has(chunk.ChunkKey("image", 1)))
	got, ok := f.store.Get(ctx, "image")
	require.True(t, ok)
	assert.Equal(t, value, got)
}

func TestGetAndDelete_HugeManifestCount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.bulkBackend.Put(ctx, chunk.ManifestKey("k"), []byte("4000000000")))
	require.NoError(t, f.bulkBackend.Put(ctx, chunk.ChunkKey("k", 0), []byte("x")))

	_, ok := f.store.Get(ctx, "k")
	assert.False(t, ok)

	f.store.Delete(ctx, "k")
	assert.Equal(t, 0, f.bulkBackend.Len())
}

func TestDelete_SwallowsBackendErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.bulkBackend.SetFault(func(op, key string) error { return fmt.Errorf("io") })
	assert.NotPanics(t, func() { f.store.Delete(context.Background(), "k") })
}

func TestClearCaches(t *testing.T) {
	c := cache.NewLRUCache(cache.Config{})
	f := newFixture(t, nil, WithCache(c))
	ctx := context.Background()

	cleared := false
	f.store.RegisterCache("derived", types.ClearerFunc(func(ctx context.Context) error {
		cleared = true
		return nil
	}))
	failing := fmt.Errorf("boom")
	f.store.RegisterCache("broken", types.ClearerFunc(func(ctx context.Context) error { return failing }))

	require.NoError(t, f.store.Put(ctx, "a", "v"))
	_, _ = f.store.Get(ctx, "a")

	err := f.store.ClearCaches(ctx)
	assert.Equal(t, failing, err)
	assert.True(t, cleared)
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentPutsOnSameKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	values := []string{"small", strings.Repeat("m", 3000), strings.Repeat("l", 60000)}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.store.Put(ctx, "shared", values[i%len(values)])
		}(i)
	}
	wg.Wait()

	got, ok := f.store.Get(ctx, "shared")
	require.True(t, ok)
	assert.Contains(t, values, got)
	assert.Equal(t, 0, f.store.locks.len())

	representations := 0
	if f.secureBackend.Has("shared") {
		representations++
	}
	if f.bulkBackend.Has("shared") {
		representations++
	}
	if f.bulkBackend.Has(chunk.ManifestKey("shared")) {
		representations++
	}
	assert.Equal(t, 1, representations)
}
