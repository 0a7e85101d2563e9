// Package sealed implements the secure tier backend: one encrypted file per
// key in a private directory.
//
// File layout:
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// File names are the hex SHA-256 of the key, and the key hash is bound into
// the AEAD additional data so a file cannot be swapped under another name.
package sealed

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/tierstore/tierstore/pkg/types"
)

const (
	// DefaultItemLimit is the nominal per-item ceiling of the secure store.
	DefaultItemLimit = 2048

	// MinSecretSize is the shortest accepted master secret.
	MinSecretSize = 16

	blobVersion byte = 0x01
	keySize          = 32
	fileSuffix       = ".sealed"
)

var hkdfInfo = []byte("tierstore.sealed.v1")

var (
	// ErrItemTooLarge is returned when key+value exceed the item limit.
	ErrItemTooLarge = errors.New("sealed: item exceeds per-item limit")

	// ErrCorrupt is returned when a file fails authentication.
	ErrCorrupt = errors.New("sealed: entry failed authentication")
)

// Option configures a Backend.
type Option func(*Backend)

// WithItemLimit overrides DefaultItemLimit.
func WithItemLimit(n int) Option {
	return func(b *Backend) { b.itemLimit = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// Backend is a directory of sealed files.
type Backend struct {
	dir       string
	key       []byte
	itemLimit int
	logger    *slog.Logger
}

var (
	_ types.Backend        = (*Backend)(nil)
	_ types.FullClassifier = (*Backend)(nil)
)

// Open prepares dir and derives the file encryption key from secret.
func Open(dir string, secret []byte, opts ...Option) (*Backend, error) {
	if dir == "" {
		return nil, fmt.Errorf("sealed: directory is required")
	}
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("sealed: master secret must be at least %d bytes", MinSecretSize)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sealed: create directory: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("sealed: derive key: %w", err)
	}

	b := &Backend{
		dir:       dir,
		key:       key,
		itemLimit: DefaultItemLimit,
		logger:    slog.Default().With("component", "sealed-backend"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// LoadSecret reads a master secret from path, trimming a trailing newline.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: read master key file: %w", err)
	}
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	return data, nil
}

func keyHash(key string) [sha256.Size]byte {
	return sha256.Sum256([]byte(key))
}

func (b *Backend) path(h [sha256.Size]byte) string {
	return filepath.Join(b.dir, hex.EncodeToString(h[:])+fileSuffix)
}

func aad(h [sha256.Size]byte) []byte {
	out := make([]byte, 1+len(h))
	out[0] = blobVersion
	copy(out[1:], h[:])
	return out
}

// Get decrypts the entry for key.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := keyHash(key)
	blob, err := os.ReadFile(b.path(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sealed: read: %w", err)
	}
	return b.open(blob, h)
}

func (b *Backend) open(blob []byte, h [sha256.Size]byte) ([]byte, error) {
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || blob[0] != blobVersion {
		return nil, ErrCorrupt
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("sealed: cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], aad(h))
	if err != nil {
		return nil, ErrCorrupt
	}
	return plain, nil
}

// Put encrypts value and replaces the entry for key atomically.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.itemLimit > 0 && len(key)+len(value) > b.itemLimit {
		return ErrItemTooLarge
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return fmt.Errorf("sealed: cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("sealed: nonce: %w", err)
	}

	h := keyHash(key)
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(value)+aead.Overhead())
	out[0] = blobVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], value, aad(h))

	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("sealed: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sealed: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sealed: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("sealed: close: %w", err)
	}
	if err := os.Rename(tmpName, b.path(h)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("sealed: rename: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(b.path(keyHash(key)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sealed: delete: %w", err)
	}
	return nil
}

// IsFull reports whether err came from a full or over-quota volume.
func (b *Backend) IsFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}

// IsTooLarge reports whether err is the per-item limit error.
func (b *Backend) IsTooLarge(err error) bool {
	return errors.Is(err, ErrItemTooLarge)
}

// Dir returns the storage directory.
func (b *Backend) Dir() string { return b.dir }

// Close wipes the derived key from memory.
func (b *Backend) Close() error {
	for i := range b.key {
		b.key[i] = 0
	}
	return nil
}
