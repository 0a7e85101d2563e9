package sealed

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierstore/tierstore/pkg/types"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func openTemp(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(t.TempDir(), testSecret)
	require.NoError(t, err)
	return b
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open("", testSecret)
	assert.Error(t, err)

	_, err = Open(t.TempDir(), []byte("short"))
	assert.Error(t, err)
}

func TestBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t)

	_, err := b.Get(ctx, "token")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, b.Put(ctx, "token", []byte("secret-value")))
	got, err := b.Get(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", string(got))

	entries, err := os.ReadDir(b.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "token")

	raw, err := os.ReadFile(filepath.Join(b.Dir(), entries[0].Name()))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("secret-value")))

	require.NoError(t, b.Delete(ctx, "token"))
	require.NoError(t, b.Delete(ctx, "token"))
	_, err = b.Get(ctx, "token")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBackend_ItemLimit(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t)

	err := b.Put(ctx, "k", make([]byte, DefaultItemLimit))
	assert.ErrorIs(t, err, ErrItemTooLarge)
	assert.NoError(t, b.Put(ctx, "k", make([]byte, 1800)))
}

func TestBackend_SwappedFileFailsAuthentication(t *testing.T) {
	ctx := context.Background()
	b := openTemp(t)

	require.NoError(t, b.Put(ctx, "a", []byte("alpha")))
	require.NoError(t, b.Put(ctx, "b", []byte("beta")))

	pa, pb := b.path(keyHash("a")), b.path(keyHash("b"))
	data, err := os.ReadFile(pa)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pb, data, 0o600))

	_, err = b.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestBackend_WrongSecret(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := Open(dir, testSecret)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "k", []byte("v")))

	other, err := Open(dir, []byte(strings.Repeat("x", 32)))
	require.NoError(t, err)
	_, err = other.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, append(testSecret, '\n'), 0o600))

	secret, err := LoadSecret(path)
	require.NoError(t, err)
	assert.Equal(t, testSecret, secret)
}

func TestBackend_IsFull(t *testing.T) {
	b := openTemp(t)
	assert.True(t, b.IsFull(fmt.Errorf("sealed: write: %w", syscall.ENOSPC)))
	assert.False(t, b.IsFull(ErrCorrupt))
}
