package tierstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tierstore/tierstore/internal/config"
	"github.com/tierstore/tierstore/internal/storage/badger"
	"github.com/tierstore/tierstore/internal/storage/memory"
	"github.com/tierstore/tierstore/internal/storage/s3"
	"github.com/tierstore/tierstore/internal/storage/sealed"
	"github.com/tierstore/tierstore/internal/storage/sqlite"
	"github.com/tierstore/tierstore/pkg/types"
)

// openSecureBackend builds the secure backend named in cfg.
func openSecureBackend(cfg config.SecureConfig, logger *slog.Logger) (types.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(memory.WithItemLimit(cfg.ItemLimit)), nil

	case config.BackendSealed:
		secret := []byte(cfg.MasterKey)
		if cfg.MasterKeyFile != "" {
			var err error
			if secret, err = sealed.LoadSecret(cfg.MasterKeyFile); err != nil {
				return nil, err
			}
		}
		return sealed.Open(cfg.Directory, secret,
			sealed.WithItemLimit(cfg.ItemLimit),
			sealed.WithLogger(logger.With("backend", "sealed")))

	default:
		return nil, fmt.Errorf("unknown secure backend %q", cfg.Backend)
	}
}

// openBulkBackend builds the bulk backend named in cfg.
func openBulkBackend(ctx context.Context, cfg config.BulkConfig, logger *slog.Logger) (types.EnumerableBackend, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(), nil

	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create bulk directory: %w", err)
		}
		return sqlite.Open(cfg.Path, sqlite.WithLogger(logger.With("backend", "sqlite")))

	case config.BackendBadger:
		return badger.Open(badger.Config{Dir: cfg.Path}, logger.With("backend", "badger"))

	case config.BackendS3:
		s3cfg := s3.NewDefaultConfig()
		s3cfg.Bucket = cfg.S3.Bucket
		s3cfg.Prefix = cfg.S3.Prefix
		s3cfg.Region = cfg.S3.Region
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.AccessKeyID = cfg.S3.AccessKeyID
		s3cfg.SecretAccessKey = cfg.S3.SecretAccessKey
		s3cfg.ForcePathStyle = cfg.S3.UsePathStyle
		s3cfg.UseCargoShip = cfg.S3.UseCargoShip
		if cfg.S3.MaxRetries > 0 {
			s3cfg.MaxRetries = cfg.S3.MaxRetries
		}
		if cfg.S3.RequestTimeout > 0 {
			s3cfg.RequestTimeout = cfg.S3.RequestTimeout
		}
		if cfg.S3.StorageClass != "" {
			s3cfg.StorageClass = cfg.S3.StorageClass
		}
		return s3.NewBackend(ctx, s3cfg)

	default:
		return nil, fmt.Errorf("unknown bulk backend %q", cfg.Backend)
	}
}
