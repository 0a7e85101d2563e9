// Package sqlite implements a bulk tier backend on a single-table SQLite
// database using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/tierstore/tierstore/pkg/types"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB,
	updated_at INTEGER NOT NULL
)`

// Option configures a Backend.
type Option func(*options)

type options struct {
	maxPages int
	logger   *slog.Logger
}

// WithMaxPages caps the database file at n pages. Writes beyond that fail
// with SQLITE_FULL.
func WithMaxPages(n int) Option {
	return func(o *options) { o.maxPages = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Backend stores entries in table kv.
type Backend struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var (
	_ types.EnumerableBackend = (*Backend)(nil)
	_ types.FullClassifier    = (*Backend)(nil)
)

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	o := options{logger: slog.Default().With("component", "sqlite-backend")}
	for _, opt := range opts {
		opt(&o)
	}

	cleanPath := filepath.Clean(path)
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if o.maxPages > 0 {
		q.Add("_pragma", fmt.Sprintf("max_page_count(%d)", o.maxPages))
	}

	db, err := sql.Open("sqlite", "file:"+cleanPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", cleanPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	o.logger.Info("SQLite backend opened", "path", cleanPath, "max_pages", o.maxPages)
	return &Backend{db: db, path: cleanPath, logger: o.logger}, nil
}

// Get returns the value for key or types.ErrNotFound.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %q: %w", key, err)
	}
	return value, nil
}

// Put upserts key.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key; a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete %q: %w", key, err)
	}
	return nil
}

// List returns keys starting with prefix together with their value sizes.
func (b *Backend) List(ctx context.Context, prefix string) ([]types.KeyInfo, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, ifnull(length(value), 0) FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []types.KeyInfo
	for rows.Next() {
		var info types.KeyInfo
		if err := rows.Scan(&info.Key, &info.Size); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Clear deletes every row.
func (b *Backend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("sqlite: clear: %w", err)
	}
	return nil
}

// IsFull reports whether err carries SQLITE_FULL.
func (b *Backend) IsFull(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3lib.SQLITE_FULL
}

// Path returns the database file path.
func (b *Backend) Path() string { return b.path }

// Close closes the database.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
