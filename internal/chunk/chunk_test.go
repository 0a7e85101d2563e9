package chunk

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierstore/tierstore/internal/storage/memory"
	"github.com/tierstore/tierstore/internal/tier"
	"github.com/tierstore/tierstore/pkg/errors"
)

func newManager(t *testing.T) (*Manager, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	return New(tier.NewBulk(backend), DefaultChunkSize), backend
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "img_chunk_count", ManifestKey("img"))
	assert.Equal(t, "img_chunk_2", ChunkKey("img", 2))

	tests := []struct {
		key     string
		derived bool
		parent  string
	}{
		{"img_chunk_0", true, "img"},
		{"img_chunk_count", true, "img"},
		{"a_chunk_b_chunk_12", true, "a_chunk_b"},
		{"img_chunk_", false, ""},
		{"img_chunk_x", false, ""},
		{"_chunk_0", false, ""},
		{"img", false, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.derived, IsDerivedKey(tt.key), tt.key)
		parent, ok := ParentKey(tt.key)
		assert.Equal(t, tt.derived, ok, tt.key)
		assert.Equal(t, tt.parent, parent, tt.key)
	}
}

func TestSplit_ImageOf120000Bytes(t *testing.T) {
	ctx := context.Background()
	m, backend := newManager(t)
	image := payload(120000)

	manifest, err := m.Split(ctx, "image", image)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), manifest.ChunkCount)

	sizes := []int{50000, 50000, 20000}
	for i, want := range sizes {
		v, err := backend.Get(ctx, ChunkKey("image", i))
		require.NoError(t, err)
		assert.Len(t, v, want)
	}
	raw, err := backend.Get(ctx, ManifestKey("image"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(raw))

	got, ok, err := m.Reconstruct(ctx, "image")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, bytes.Equal(image, got))
}

func TestSplit_ShrinkingRemovesSurplusChunks(t *testing.T) {
	ctx := context.Background()
	m, backend := newManager(t)

	_, err := m.Split(ctx, "k", payload(160000))
	require.NoError(t, err)
	assert.True(t, backend.Has(ChunkKey("k", 3)))

	small := payload(60000)
	manifest, err := m.Split(ctx, "k", small)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), manifest.ChunkCount)
	assert.False(t, backend.Has(ChunkKey("k", 2)))
	assert.False(t, backend.Has(ChunkKey("k", 3)))

	got, ok, err := m.Reconstruct(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, small, got)
}

func TestReconstruct_MissingChunkIsMiss(t *testing.T) {
	ctx := context.Background()
	m, backend := newManager(t)

	_, err := m.Split(ctx, "k", payload(120000))
	require.NoError(t, err)
	require.NoError(t, backend.Delete(ctx, ChunkKey("k", 1)))

	got, ok, err := m.Reconstruct(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestReconstruct_MalformedManifestIsMiss(t *testing.T) {
	ctx := context.Background()
	m, backend := newManager(t)

	for _, raw := range []string{"three", "", "0", "-1", "4000000000", "65537"} {
		require.NoError(t, backend.Put(ctx, ManifestKey("k"), []byte(raw)))
		_, ok, err := m.Reconstruct(ctx, "k")
		assert.NoError(t, err, raw)
		assert.False(t, ok, raw)
	}

	_, ok, err := m.Reconstruct(ctx, "absent")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("removes everything", func(t *testing.T) {
		m, backend := newManager(t)
		_, err := m.Split(ctx, "k", payload(120000))
		require.NoError(t, err)
		require.NoError(t, backend.Put(ctx, "k", []byte("direct")))

		require.NoError(t, m.Cleanup(ctx, "k"))
		infos, err := backend.List(ctx, "k_chunk_")
		require.NoError(t, err)
		assert.Empty(t, infos)
		assert.True(t, backend.Has("k"), "direct entry belongs to the caller")
		assert.False(t, m.HasManifest(ctx, "k"))
	})

	t.Run("tolerates partially deleted set", func(t *testing.T) {
		m, backend := newManager(t)
		_, err := m.Split(ctx, "k", payload(120000))
		require.NoError(t, err)
		require.NoError(t, backend.Delete(ctx, ChunkKey("k", 0)))

		require.NoError(t, m.Cleanup(ctx, "k"))
		assert.Equal(t, 0, backend.Len())
	})

	t.Run("malformed manifest falls back to listing", func(t *testing.T) {
		m, backend := newManager(t)
		require.NoError(t, backend.Put(ctx, ManifestKey("k"), []byte("garbage")))
		require.NoError(t, backend.Put(ctx, ChunkKey("k", 0), []byte("x")))
		require.NoError(t, backend.Put(ctx, ChunkKey("k", 7), []byte("y")))
		require.NoError(t, backend.Put(ctx, ChunkKey("kk", 0), []byte("other")))

		require.NoError(t, m.Cleanup(ctx, "k"))
		assert.Equal(t, 1, backend.Len())
		assert.True(t, backend.Has(ChunkKey("kk", 0)))
	})

	t.Run("no manifest is a no-op", func(t *testing.T) {
		m, _ := newManager(t)
		assert.NoError(t, m.Cleanup(ctx, "nothing"))
	})
}

func TestSplit_FailedChunkWriteLeavesNoSet(t *testing.T) {
	ctx := context.Background()
	m, backend := newManager(t)

	_, err := m.Split(ctx, "k", payload(120000))
	require.NoError(t, err)

	backend.SetFault(func(op, key string) error {
		if op == "put" && key == ChunkKey("k", 1) {
			return fmt.Errorf("no space left on device")
		}
		return nil
	})
	_, err = m.Split(ctx, "k", payload(110000))
	require.Error(t, err)

	backend.SetFault(nil)
	_, ok, err := m.Reconstruct(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, backend.Len())
}

func TestReadManifest_CountAboveLimitIsCorrupt(t *testing.T) {
	ctx := context.Background()
	m, backend := newManager(t)

	require.NoError(t, backend.Put(ctx, ManifestKey("k"), []byte("4000000000")))
	_, ok, err := m.ReadManifest(ctx, "k")
	assert.False(t, ok)
	assert.True(t, errors.IsCode(err, errors.ErrCodeChunkCorrupt))

	require.NoError(t, backend.Put(ctx, ManifestKey("k"), []byte("65536")))
	manifest, ok, err := m.ReadManifest(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(DefaultMaxChunks), manifest.ChunkCount)

	small := New(tier.NewBulk(backend), DefaultChunkSize, WithMaxChunks(2))
	assert.Equal(t, 2, small.MaxChunks())
	require.NoError(t, backend.Put(ctx, ManifestKey("k"), []byte("3")))
	_, _, err = small.ReadManifest(ctx, "k")
	assert.True(t, errors.IsCode(err, errors.ErrCodeChunkCorrupt))
}

func TestCleanup_HugeManifestCountUsesListing(t *testing.T) {
	ctx := context.Background()
	m, backend := newManager(t)

	require.NoError(t, backend.Put(ctx, ManifestKey("k"), []byte("4000000000")))
	require.NoError(t, backend.Put(ctx, ChunkKey("k", 0), []byte("x")))
	require.NoError(t, backend.Put(ctx, ChunkKey("k", 1), []byte("y")))

	require.NoError(t, m.Cleanup(ctx, "k"))
	assert.Equal(t, 0, backend.Len())
}

func TestSplit_RejectsValueAboveChunkLimit(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	m := New(tier.NewBulk(backend), 10, WithMaxChunks(3))

	_, err := m.Split(ctx, "k", payload(31))
	require.Error(t, err)
	assert.True(t, errors.IsCapacityExceeded(err))
	assert.Equal(t, 0, backend.Len())

	manifest, err := m.Split(ctx, "k", payload(30))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), manifest.ChunkCount)
}

func TestSplit_CorruptPreviousManifestSweepsOrphans(t *testing.T) {
	ctx := context.Background()
	m, backend := newManager(t)

	require.NoError(t, backend.Put(ctx, ManifestKey("k"), []byte("garbage")))
	for i := 0; i < 5; i++ {
		require.NoError(t, backend.Put(ctx, ChunkKey("k", i), []byte("old")))
	}
	require.NoError(t, backend.Put(ctx, ChunkKey("kx", 4), []byte("other")))

	value := payload(60000)
	manifest, err := m.Split(ctx, "k", value)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), manifest.ChunkCount)

	for i := 2; i < 5; i++ {
		assert.False(t, backend.Has(ChunkKey("k", i)), "chunk %d", i)
	}
	assert.True(t, backend.Has(ChunkKey("kx", 4)))

	got, ok, err := m.Reconstruct(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value, got)
}
