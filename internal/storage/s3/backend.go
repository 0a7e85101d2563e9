package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/tierstore/tierstore/pkg/types"
)

// maxDeleteBatch is the DeleteObjects per-request key limit.
const maxDeleteBatch = 1000

// fullCodes are service error codes meaning the bucket or server has no room.
var fullCodes = map[string]struct{}{
	"XMinioStorageFull":              {},
	"XMinioAdminBucketQuotaExceeded": {},
	"QuotaExceeded":                  {},
	"InsufficientStorage":            {},
}

// Backend stores bulk tier entries as objects under a bucket prefix.
type Backend struct {
	client      API
	bucket      string
	prefix      string
	class       string
	timeout     time.Duration
	transporter *cargoships3.Transporter
	logger      *slog.Logger

	mu      sync.RWMutex
	metrics BackendMetrics
}

var (
	_ types.EnumerableBackend = (*Backend)(nil)
	_ types.FullClassifier    = (*Backend)(nil)
)

// NewBackend connects to the configured bucket, enabling the CargoShip
// upload path when requested, and verifies access with HeadBucket.
func NewBackend(ctx context.Context, cfg *Config) (*Backend, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	backend := New(client, cfg)

	if cfg.UseCargoShip {
		cargoConfig := awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       convertCargoShipStorageClass(cfg.StorageClass),
			MultipartThreshold: 32 * 1024 * 1024,
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        4,
		}
		backend.transporter = cargoships3.NewTransporter(client, cargoConfig)
		backend.logger.Info("CargoShip upload path enabled", "storage_class", cfg.StorageClass)
	}

	if err := backend.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("S3 backend health check failed: %w", err)
	}
	return backend, nil
}

// New wraps an existing client.
func New(client API, cfg *Config) *Backend {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Backend{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		class:   cfg.StorageClass,
		timeout: cfg.RequestTimeout,
		logger:  slog.Default().With("component", "s3-backend", "bucket", cfg.Bucket),
	}
}

func (b *Backend) objectKey(key string) string {
	return b.prefix + key
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout > 0 {
		return context.WithTimeout(ctx, b.timeout)
	}
	return ctx, func() {}
}

// Get downloads the object for key or returns types.ErrNotFound.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			b.recordMetrics(time.Since(start), false)
			return nil, types.ErrNotFound
		}
		b.recordError(time.Since(start), err)
		return nil, fmt.Errorf("GetObject failed for %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		b.recordError(time.Since(start), err)
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	b.recordMetrics(time.Since(start), false)
	b.mu.Lock()
	b.metrics.BytesDownloaded += int64(len(data))
	b.mu.Unlock()
	return data, nil
}

// Put uploads value, through CargoShip when enabled.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if b.transporter != nil {
		archive := cargoships3.Archive{
			Key:          b.objectKey(key),
			Reader:       bytes.NewReader(value),
			Size:         int64(len(value)),
			StorageClass: convertCargoShipStorageClass(b.class),
			Metadata: map[string]string{
				"tierstore-tier": types.TierBulk.String(),
			},
		}
		result, uploadErr := b.transporter.Upload(ctx, archive)
		if uploadErr == nil {
			b.logger.Debug("CargoShip upload completed",
				"key", key,
				"size", len(value),
				"throughput", result.Throughput,
				"duration", result.Duration)
			b.recordUpload(time.Since(start), len(value), true)
			return nil
		}
		if b.IsFull(uploadErr) {
			b.recordError(time.Since(start), uploadErr)
			return fmt.Errorf("PutObject failed for %s: %w", key, uploadErr)
		}
		b.logger.Warn("CargoShip upload failed, falling back to PutObject", "key", key, "error", uploadErr)
		b.mu.Lock()
		b.metrics.FallbackEvents++
		b.mu.Unlock()
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("application/octet-stream"),
		StorageClass:  convertStorageClass(b.class),
	})
	if err != nil {
		b.recordError(time.Since(start), err)
		return fmt.Errorf("PutObject failed for %s: %w", key, err)
	}
	b.recordUpload(time.Since(start), len(value), false)
	return nil
}

// Delete removes the object for key. S3 deletes are idempotent.
func (b *Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		b.recordError(time.Since(start), err)
		return fmt.Errorf("DeleteObject failed for %s: %w", key, err)
	}
	b.recordMetrics(time.Since(start), false)
	return nil
}

// List pages through every object under prefix.
func (b *Backend) List(ctx context.Context, prefix string) ([]types.KeyInfo, error) {
	start := time.Now()
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})

	var out []types.KeyInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			b.recordError(time.Since(start), err)
			return nil, fmt.Errorf("ListObjectsV2 failed for %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, types.KeyInfo{
				Key:  strings.TrimPrefix(aws.ToString(obj.Key), b.prefix),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	b.recordMetrics(time.Since(start), false)
	return out, nil
}

// Clear deletes every object under the backend prefix in batches.
func (b *Backend) Clear(ctx context.Context) error {
	infos, err := b.List(ctx, "")
	if err != nil {
		return err
	}

	for start := 0; start < len(infos); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(infos) {
			end = len(infos)
		}

		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, info := range infos[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(b.objectKey(info.Key))})
		}

		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("DeleteObjects failed: %w", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("DeleteObjects left %d objects, first %s: %s",
				len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}

	b.logger.Info("Cleared bulk objects", "count", len(infos))
	return nil
}

// IsFull reports whether err is a storage-full or quota error from the service.
func (b *Backend) IsFull(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	_, ok := fullCodes[apiErr.ErrorCode()]
	return ok
}

// HealthCheck verifies the bucket is reachable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

// GetMetrics returns current backend metrics
func (b *Backend) GetMetrics() BackendMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// Stats reports request counters for the health tracker.
func (b *Backend) Stats() map[string]interface{} {
	m := b.GetMetrics()
	stats := map[string]interface{}{
		"requests":          m.Requests,
		"errors":            m.Errors,
		"error_rate":        m.ErrorRate(),
		"bytes_uploaded":    m.BytesUploaded,
		"bytes_downloaded":  m.BytesDownloaded,
		"average_latency":   m.AverageLatency.String(),
		"cargoship_uploads": m.CargoShipUploads,
		"fallback_events":   m.FallbackEvents,
	}
	if m.LastError != "" {
		stats["last_error"] = m.LastError
		stats["last_error_time"] = m.LastErrorTime
	}
	return stats
}

// Close releases resources. The SDK client holds none that need closing.
func (b *Backend) Close() error {
	return nil
}

func isNotFound(err error) bool {
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
