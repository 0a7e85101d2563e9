// Package badger implements a bulk tier backend on Badger v3.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"

	"github.com/dgraph-io/badger/v3"

	"github.com/tierstore/tierstore/pkg/types"
)

// Config holds Badger options exposed through configuration.
type Config struct {
	// Dir is the data directory. Empty with InMemory set keeps everything in RAM.
	Dir        string
	InMemory   bool
	SyncWrites bool
}

// Backend stores entries in a Badger database.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
}

var (
	_ types.EnumerableBackend = (*Backend)(nil)
	_ types.FullClassifier    = (*Backend)(nil)
)

// Open opens the database described by cfg.
func Open(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger: dir is required")
	}
	if logger == nil {
		logger = slog.Default().With("component", "badger-backend")
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	logger.Info("Badger backend opened", "dir", cfg.Dir, "in_memory", cfg.InMemory)
	return &Backend{db: db, logger: logger}, nil
}

// Get returns the value for key or types.ErrNotFound.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger: get %q: %w", key, err)
	}
	return value, nil
}

// Put stores key.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger: delete %q: %w", key, err)
	}
	return nil
}

// List iterates keys with prefix without loading values.
func (b *Backend) List(ctx context.Context, prefix string) ([]types.KeyInfo, error) {
	var out []types.KeyInfo
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			out = append(out, types.KeyInfo{
				Key:  string(item.KeyCopy(nil)),
				Size: item.ValueSize(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list %q: %w", prefix, err)
	}
	return out, nil
}

// Clear drops all data.
func (b *Backend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("badger: drop all: %w", err)
	}
	return nil
}

// IsFull reports whether err means the volume holding the database is full.
// Text-only errors are left to the tier layer.
func (b *Backend) IsFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}

// Size returns the LSM and value log sizes in bytes.
func (b *Backend) Size() (lsm, vlog int64) {
	return b.db.Size()
}

// Close closes the database.
func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("badger: close db: %w", err)
	}
	return nil
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
