// Package memory implements an in-process key-value backend. It serves as the
// default Secure and Bulk backend for development and as the fault-injecting
// double in tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/tierstore/tierstore/pkg/types"
)

var (
	// ErrNoSpace is returned when a write would exceed the configured capacity.
	ErrNoSpace = errors.New("memory: no space left on device")

	// ErrItemTooLarge is returned when key+value exceed the per-item limit.
	ErrItemTooLarge = errors.New("memory: item exceeds per-item limit")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("memory: backend closed")
)

// Fault lets tests fail individual operations. Returning nil lets the call through.
type Fault func(op, key string) error

// Option configures a Backend.
type Option func(*Backend)

// WithItemLimit rejects entries whose key+value exceed n bytes.
func WithItemLimit(n int) Option {
	return func(b *Backend) { b.itemLimit = n }
}

// WithCapacity rejects writes that would push total key+value bytes above n.
func WithCapacity(n int64) Option {
	return func(b *Backend) { b.capacity = n }
}

// Backend is a map-backed types.EnumerableBackend.
type Backend struct {
	mu        sync.RWMutex
	items     map[string][]byte
	used      int64
	itemLimit int
	capacity  int64
	fault     Fault
	closed    bool
}

var (
	_ types.EnumerableBackend = (*Backend)(nil)
	_ types.FullClassifier    = (*Backend)(nil)
)

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{items: make(map[string][]byte)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetFault installs or clears (nil) a fault hook.
func (b *Backend) SetFault(f Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = f
}

func (b *Backend) check(op, key string) error {
	if b.closed {
		return ErrClosed
	}
	if b.fault != nil {
		return b.fault(op, key)
	}
	return nil
}

// Get returns a copy of the stored value or types.ErrNotFound.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.check("get", key); err != nil {
		return nil, err
	}
	v, ok := b.items[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a copy of value.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check("put", key); err != nil {
		return err
	}

	size := int64(len(key) + len(value))
	if b.itemLimit > 0 && size > int64(b.itemLimit) {
		return ErrItemTooLarge
	}

	used := b.used + size
	if old, ok := b.items[key]; ok {
		used -= int64(len(key) + len(old))
	}
	if b.capacity > 0 && used > b.capacity {
		return ErrNoSpace
	}

	v := make([]byte, len(value))
	copy(v, value)
	b.items[key] = v
	b.used = used
	return nil
}

// Delete removes key; missing keys are not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check("delete", key); err != nil {
		return err
	}
	if old, ok := b.items[key]; ok {
		b.used -= int64(len(key) + len(old))
		delete(b.items, key)
	}
	return nil
}

// List returns entries whose key starts with prefix, sorted by key.
func (b *Backend) List(ctx context.Context, prefix string) ([]types.KeyInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.check("list", prefix); err != nil {
		return nil, err
	}
	var out []types.KeyInfo
	for k, v := range b.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, types.KeyInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Clear removes every entry.
func (b *Backend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check("clear", ""); err != nil {
		return err
	}
	b.items = make(map[string][]byte)
	b.used = 0
	return nil
}

// IsFull reports whether err is this backend's out-of-space error.
func (b *Backend) IsFull(err error) bool {
	return errors.Is(err, ErrNoSpace)
}

// IsTooLarge reports whether err is this backend's per-item limit error.
func (b *Backend) IsTooLarge(err error) bool {
	return errors.Is(err, ErrItemTooLarge)
}

// Len returns the number of stored entries.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Used returns total key+value bytes stored.
func (b *Backend) Used() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.used
}

// Has reports whether key is stored, bypassing fault hooks.
func (b *Backend) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.items[key]
	return ok
}

// Close marks the backend closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
