package capacity

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tierstore/tierstore/internal/compress"
	"github.com/tierstore/tierstore/internal/health"
	"github.com/tierstore/tierstore/internal/store"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// Policy names used in logs and metrics.
const (
	PolicyRoutine   = "routine"
	PolicyEmergency = "emergency"
)

// PolicyConfig tunes the cleanup policies.
type PolicyConfig struct {
	Retention             time.Duration
	TransientPrefixes     []string
	TimestampFields       []string
	CompressTopN          int
	MinCompressionSavings float64
	SecureKeys            []string
}

// DefaultPolicyConfig returns the stock cleanup settings.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Retention: 7 * 24 * time.Hour,
		TransientPrefixes: []string{
			"temp", "tmp", "cache", "analytics", "debug", "log", "crash", "performance",
		},
		TimestampFields:       []string{"timestamp", "cachedAt", "cached_at", "updatedAt"},
		CompressTopN:          5,
		MinCompressionSavings: 0.10,
	}
}

// CleanupReport summarizes a Routine run.
type CleanupReport struct {
	Evicted    int   `json:"evicted"`
	Transient  int   `json:"transient"`
	Compressed int   `json:"compressed"`
	BytesFreed int64 `json:"bytes_freed"`
}

// Total returns the number of keys removed.
func (r CleanupReport) Total() int {
	return r.Evicted + r.Transient
}

// Cleaner runs the Routine and Emergency policies against a store.
type Cleaner struct {
	store     *store.Store
	prober    *health.Prober
	estimator UsageEstimator
	config    PolicyConfig
	metrics   types.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewCleaner creates a Cleaner. metrics and logger may be nil.
func NewCleaner(s *store.Store, prober *health.Prober, estimator UsageEstimator, config PolicyConfig, metrics types.MetricsCollector, logger *slog.Logger) *Cleaner {
	if config.Retention <= 0 {
		config.Retention = DefaultPolicyConfig().Retention
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default().With("component", "capacity")
	}
	return &Cleaner{
		store:     s,
		prober:    prober,
		estimator: estimator,
		config:    config,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Routine evicts stale cached entries and transient keys, then compresses the
// largest survivors in place. Failures on individual keys are logged and
// skipped.
func (c *Cleaner) Routine(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	snap, err := c.estimator.Estimate(ctx)
	if err != nil {
		c.metrics.RecordCleanup(PolicyRoutine, 0, false)
		return report, errors.Wrap(errors.ErrCodeBackendError, "failed to enumerate bulk tier", err).
			WithComponent("capacity").WithOperation(PolicyRoutine)
	}

	survivors := make([]types.ItemUsage, 0, len(snap.Items))
	for _, item := range snap.Items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if c.IsTransient(item.Key) {
			c.store.Delete(ctx, item.Key)
			report.Transient++
			report.BytesFreed += item.Size
			c.logger.Debug("Removed transient key", "key", item.Key, "size", item.Size)
			continue
		}

		value, ok := c.store.Get(ctx, item.Key)
		if !ok {
			continue
		}
		if c.IsExpired(value) {
			c.store.Delete(ctx, item.Key)
			report.Evicted++
			report.BytesFreed += item.Size
			c.logger.Debug("Evicted expired cache entry", "key", item.Key, "size", item.Size)
			continue
		}
		survivors = append(survivors, item)
	}

	largest := types.UsageSnapshot{Items: survivors}.Largest(c.config.CompressTopN)
	threshold := c.store.Limits().CompressionThreshold
	for _, item := range largest {
		value, ok := c.store.Get(ctx, item.Key)
		if !ok || compress.EstimateSize(value) <= threshold {
			continue
		}
		compressed := compress.Compress(value)
		if compress.Savings(value, compressed) < c.config.MinCompressionSavings {
			continue
		}
		if err := c.store.Put(ctx, item.Key, compressed); err != nil {
			c.logger.Warn("Failed to rewrite compressed value", "key", item.Key, "error", err)
			continue
		}
		report.Compressed++
		report.BytesFreed += int64(len(value) - len(compressed))
	}

	c.metrics.RecordCleanup(PolicyRoutine, report.Total(), true)
	c.logger.Info("Routine cleanup finished",
		"evicted", report.Evicted, "transient", report.Transient,
		"compressed", report.Compressed, "bytes_freed", report.BytesFreed)
	return report, nil
}

// Emergency wipes the bulk tier, drops the configured secure keys and every
// registered cache, re-arms the secure tier, then checks that the bulk tier
// accepts writes again.
func (c *Cleaner) Emergency(ctx context.Context) error {
	c.logger.Warn("Running emergency cleanup")

	if err := c.store.Bulk().Clear(ctx); err != nil {
		c.logger.Error("Failed to clear bulk tier", "error", err)
	}
	for _, key := range c.config.SecureKeys {
		if err := c.store.Secure().Delete(ctx, key); err != nil {
			c.logger.Warn("Failed to delete secure key", "key", key, "error", err)
		}
	}
	c.clearCaches(ctx)

	// The secure tier may have been taken out of rotation by the same
	// incident. Re-arm it and let a round trip decide.
	c.store.Secure().ResetBreaker()
	if sres := c.prober.ProbeTier(ctx, c.store.Secure()); !sres.Healthy {
		c.logger.Warn("Secure tier unwritable after emergency cleanup", "code", sres.Code, "error", sres.Err)
	}

	res := c.prober.Probe(ctx)
	// Reads that raced the wipe may have refilled a cache.
	c.clearCaches(ctx)
	if !res.Healthy {
		c.metrics.RecordCleanup(PolicyEmergency, 0, false)
		c.logger.Error("Bulk tier still unwritable after emergency cleanup", "code", res.Code, "error", res.Err)
		return errors.Wrap(errors.ErrCodeStorageUnavailable, "storage unavailable after emergency cleanup", res.Err).
			WithComponent("capacity").WithOperation(PolicyEmergency)
	}

	c.metrics.RecordCleanup(PolicyEmergency, 0, true)
	c.logger.Info("Emergency cleanup finished")
	return nil
}

func (c *Cleaner) clearCaches(ctx context.Context) {
	if err := c.store.ClearCaches(ctx); err != nil {
		c.logger.Warn("Failed to clear caches", "error", err)
	}
}

// IsTransient reports whether key starts with a transient prefix as a whole
// segment, ignoring case and a leading '@'.
func (c *Cleaner) IsTransient(key string) bool {
	k := strings.TrimPrefix(strings.ToLower(key), "@")
	for _, p := range c.config.TransientPrefixes {
		p = strings.ToLower(p)
		if !strings.HasPrefix(k, p) {
			continue
		}
		if len(k) == len(p) {
			return true
		}
		switch k[len(p)] {
		case '_', ':', '-', '.', '/':
			return true
		}
	}
	return false
}

// IsExpired reports whether value is a JSON object carrying a timestamp field
// older than the retention window. An unparsable timestamp counts as expired.
// Values without a timestamp field are not cache entries and never expire.
func (c *Cleaner) IsExpired(value string) bool {
	v := strings.TrimSpace(value)
	if !strings.HasPrefix(v, "{") || !gjson.Valid(v) {
		return false
	}

	for _, field := range c.config.TimestampFields {
		res := gjson.Get(v, field)
		if !res.Exists() {
			continue
		}
		ts, ok := parseTimestamp(res)
		if !ok {
			return true
		}
		return c.now().Sub(ts) > c.config.Retention
	}
	return false
}

// epochMillisCutoff separates epoch seconds from epoch milliseconds.
const epochMillisCutoff = 1e11

func parseTimestamp(res gjson.Result) (time.Time, bool) {
	switch res.Type {
	case gjson.Number:
		return fromEpoch(res.Float()), true
	case gjson.String:
		s := strings.TrimSpace(res.String())
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(n), true
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func fromEpoch(n float64) time.Time {
	if n > epochMillisCutoff {
		return time.UnixMilli(int64(n))
	}
	return time.Unix(int64(n), 0)
}
