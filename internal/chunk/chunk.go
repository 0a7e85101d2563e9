// Package chunk splits values too large for a single bulk entry into ordered
// chunks plus a manifest, and reassembles them on read.
//
// For a parent key K the manager owns:
//
//	K_chunk_count   decimal chunk count N
//	K_chunk_0 .. K_chunk_{N-1}
//
// The manifest is written before the chunks. A reader that finds a manifest
// but not every chunk reports a miss, never a partial value.
package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// DefaultChunkSize is the largest slice stored under one chunk key.
const DefaultChunkSize = 50000

// DefaultMaxChunks bounds the chunk count a manifest may declare. Larger
// counts are treated as corrupt.
const DefaultMaxChunks = 1 << 16

const (
	chunkInfix     = "_chunk_"
	manifestSuffix = "_chunk_count"
)

var derivedKey = regexp.MustCompile(`^(.+)_chunk_(count|[0-9]+)$`)

// Store is the tier chunks live in.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]types.KeyInfo, error)
}

// Manifest records how many chunks make up a value.
type Manifest struct {
	Key        string
	ChunkCount uint32
}

// ManifestKey returns the manifest key for parent.
func ManifestKey(parent string) string {
	return parent + manifestSuffix
}

// ChunkKey returns the key of chunk i of parent.
func ChunkKey(parent string, i int) string {
	return parent + chunkInfix + strconv.Itoa(i)
}

// IsDerivedKey reports whether key has the shape of a chunk or manifest key.
func IsDerivedKey(key string) bool {
	return derivedKey.MatchString(key)
}

// ParentKey returns the parent of a chunk or manifest key.
func ParentKey(key string) (string, bool) {
	m := derivedKey.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Manager splits and reassembles chunked values.
type Manager struct {
	store     Store
	chunkSize int
	maxChunks int
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMaxChunks overrides DefaultMaxChunks.
func WithMaxChunks(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxChunks = n
		}
	}
}

// New returns a Manager writing chunks of at most chunkSize bytes to store.
func New(store Store, chunkSize int, opts ...Option) *Manager {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	m := &Manager{
		store:     store,
		chunkSize: chunkSize,
		maxChunks: DefaultMaxChunks,
		logger:    slog.Default().With("component", "chunk"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ChunkSize returns the configured chunk size.
func (m *Manager) ChunkSize() int { return m.chunkSize }

// MaxChunks returns the largest chunk count a manifest may declare.
func (m *Manager) MaxChunks() int { return m.maxChunks }

// Count returns the number of chunks a value of n bytes needs.
func (m *Manager) Count(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + m.chunkSize - 1) / m.chunkSize
}

// Split stores value as a chunk set under key, replacing any previous set.
func (m *Manager) Split(ctx context.Context, key string, value []byte) (Manifest, error) {
	count := m.Count(len(value))
	if count > m.maxChunks {
		return Manifest{}, errors.NewError(errors.ErrCodeCapacityExceeded,
			fmt.Sprintf("value of %d bytes needs %d chunks", len(value), count)).
			WithComponent("chunk").WithOperation("split").WithKey(key).
			WithDetail("max_chunks", m.maxChunks)
	}

	prev, hadPrev, prevErr := m.ReadManifest(ctx, key)
	manifest := Manifest{Key: key, ChunkCount: uint32(count)}

	if err := m.store.Put(ctx, ManifestKey(key), []byte(strconv.Itoa(count))); err != nil {
		return Manifest{}, err
	}

	for i := 0; i < count; i++ {
		start := i * m.chunkSize
		end := start + m.chunkSize
		if end > len(value) {
			end = len(value)
		}
		if err := m.store.Put(ctx, ChunkKey(key, i), value[start:end]); err != nil {
			m.logger.Warn("Chunk write failed, removing partial set",
				"key", key, "chunk", i, "count", count, "error", err)
			if cerr := m.Cleanup(ctx, key); cerr != nil {
				m.logger.Warn("Partial chunk set cleanup failed", "key", key, "error", cerr)
			}
			return Manifest{}, err
		}
	}

	switch {
	case prevErr != nil:
		// The old count is unknown, so find its chunks by listing.
		m.sweepFrom(ctx, key, count)
	case hadPrev && int(prev.ChunkCount) > count:
		for i := count; i < int(prev.ChunkCount); i++ {
			if err := m.store.Delete(ctx, ChunkKey(key, i)); err != nil {
				m.logger.Warn("Failed to delete surplus chunk", "key", key, "chunk", i, "error", err)
			}
		}
	}

	m.logger.Debug("Stored chunked value", "key", key, "size", len(value), "chunks", count)
	return manifest, nil
}

// ReadManifest loads the manifest for key. A missing manifest returns
// (Manifest{}, false, nil); an unparsable or out of range one returns
// CHUNK_CORRUPT.
func (m *Manager) ReadManifest(ctx context.Context, key string) (Manifest, bool, error) {
	raw, ok, err := m.store.Get(ctx, ManifestKey(key))
	if err != nil || !ok {
		return Manifest{}, false, err
	}

	n, perr := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if perr != nil || n == 0 || n > uint64(m.maxChunks) {
		return Manifest{}, false, errors.NewError(errors.ErrCodeChunkCorrupt,
			fmt.Sprintf("malformed chunk manifest %q", truncate(raw, 32))).
			WithComponent("chunk").WithOperation("read_manifest").WithKey(key).
			WithDetail("max_chunks", m.maxChunks)
	}
	return Manifest{Key: key, ChunkCount: uint32(n)}, true, nil
}

// HasManifest reports whether a manifest entry exists for key, parsable or not.
func (m *Manager) HasManifest(ctx context.Context, key string) bool {
	_, ok, err := m.store.Get(ctx, ManifestKey(key))
	return err == nil && ok
}

// Reconstruct reassembles the value stored under key. Any missing chunk or a
// malformed manifest yields a miss.
func (m *Manager) Reconstruct(ctx context.Context, key string) ([]byte, bool, error) {
	manifest, ok, err := m.ReadManifest(ctx, key)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeChunkCorrupt) {
			m.logger.Warn("Chunk manifest corrupt", "key", key, "error", err)
			return nil, false, nil
		}
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var out []byte
	for i := 0; i < int(manifest.ChunkCount); i++ {
		part, ok, err := m.store.Get(ctx, ChunkKey(key, i))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			m.logger.Warn("Chunk set incomplete",
				"key", key, "missing", i, "count", manifest.ChunkCount,
				"code", errors.ErrCodeChunkCorrupt)
			return nil, false, nil
		}
		out = append(out, part...)
	}
	return out, true, nil
}

// Cleanup deletes the manifest and every chunk of key. Chunks that are already
// gone are fine. When the manifest cannot be read, chunks are found by listing.
func (m *Manager) Cleanup(ctx context.Context, key string) error {
	manifest, ok, err := m.ReadManifest(ctx, key)

	var keys []string
	if err == nil && ok {
		for i := 0; i < int(manifest.ChunkCount); i++ {
			keys = append(keys, ChunkKey(key, i))
		}
	}

	// A previous larger set may have left chunks past the manifest count
	// if an earlier cleanup was interrupted.
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, listed := range m.listChunks(ctx, key, 0) {
		if _, dup := seen[listed]; !dup {
			keys = append(keys, listed)
		}
	}

	var firstErr error
	for _, k := range keys {
		if derr := m.store.Delete(ctx, k); derr != nil && firstErr == nil {
			firstErr = derr
		}
	}
	if derr := m.store.Delete(ctx, ManifestKey(key)); derr != nil && firstErr == nil {
		firstErr = derr
	}
	return firstErr
}

// sweepFrom deletes listed chunks of key with index from or above.
func (m *Manager) sweepFrom(ctx context.Context, key string, from int) {
	for _, k := range m.listChunks(ctx, key, from) {
		if err := m.store.Delete(ctx, k); err != nil {
			m.logger.Warn("Failed to delete surplus chunk", "key", key, "chunk_key", k, "error", err)
		}
	}
}

// listChunks returns the stored chunk keys of key with index from or above.
// A store that cannot list yields nothing.
func (m *Manager) listChunks(ctx context.Context, key string, from int) []string {
	listed, err := m.store.List(ctx, key+chunkInfix)
	if err != nil {
		m.logger.Debug("Chunk listing unavailable", "key", key, "error", err)
		return nil
	}
	var keys []string
	for _, info := range listed {
		if parent, ok := ParentKey(info.Key); !ok || parent != key || info.Key == ManifestKey(key) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimPrefix(info.Key, key+chunkInfix))
		if err != nil || i < from {
			continue
		}
		keys = append(keys, info.Key)
	}
	return keys
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
