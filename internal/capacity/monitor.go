// Package capacity watches bulk tier usage and frees space with the Routine
// and Emergency cleanup policies.
package capacity

import (
	"context"
	"log/slog"
	"time"

	"github.com/tierstore/tierstore/internal/health"
	"github.com/tierstore/tierstore/pkg/types"
)

// Config holds the usage thresholds and the background check interval.
type Config struct {
	Thresholds   types.Threshold
	MonitorRatio float64
	Interval     time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Thresholds:   types.Threshold{WarningRatio: 0.70, CriticalRatio: 0.85},
		MonitorRatio: 0.80,
		Interval:     30 * time.Minute,
	}
}

// Monitor decides when cleanup runs.
type Monitor struct {
	cleaner   *Cleaner
	prober    *health.Prober
	estimator UsageEstimator
	config    Config
	metrics   types.MetricsCollector
	logger    *slog.Logger
}

// NewMonitor creates a Monitor. metrics and logger may be nil.
func NewMonitor(cleaner *Cleaner, prober *health.Prober, estimator UsageEstimator, config Config, metrics types.MetricsCollector, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if config.Thresholds.WarningRatio <= 0 {
		config.Thresholds.WarningRatio = def.Thresholds.WarningRatio
	}
	if config.Thresholds.CriticalRatio <= 0 {
		config.Thresholds.CriticalRatio = def.Thresholds.CriticalRatio
	}
	if config.MonitorRatio <= 0 {
		config.MonitorRatio = def.MonitorRatio
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default().With("component", "capacity")
	}
	return &Monitor{
		cleaner:   cleaner,
		prober:    prober,
		estimator: estimator,
		config:    config,
		metrics:   metrics,
		logger:    logger,
	}
}

// Snapshot returns the current usage estimate and publishes it as metrics.
func (m *Monitor) Snapshot(ctx context.Context) (types.UsageSnapshot, error) {
	snap, err := m.estimator.Estimate(ctx)
	if err != nil {
		return snap, err
	}
	m.metrics.RecordUsage(snap.UsedSize, snap.TotalCapacity)
	return snap, nil
}

// CheckAndCleanupIfNeeded probes the bulk tier and runs whatever cleanup the
// result and current usage call for. It returns true when the bulk tier is
// writable afterwards.
func (m *Monitor) CheckAndCleanupIfNeeded(ctx context.Context) bool {
	res := m.prober.Probe(ctx)
	if res.Full() {
		m.logger.Warn("Bulk tier reports full, starting emergency cleanup")
		return m.cleaner.Emergency(ctx) == nil
	}
	if !res.Healthy {
		m.logger.Error("Bulk tier probe failed, skipping cleanup", "code", res.Code, "error", res.Err)
		return false
	}

	snap, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("Failed to estimate usage", "error", err)
		return true
	}

	ratio := snap.Ratio()
	switch {
	case ratio >= m.config.Thresholds.CriticalRatio:
		m.logger.Warn("Usage above critical ratio, starting emergency cleanup",
			"ratio", ratio, "used", snap.UsedSize, "capacity", snap.TotalCapacity)
		return m.cleaner.Emergency(ctx) == nil
	case ratio >= m.config.Thresholds.WarningRatio:
		m.logger.Info("Usage above warning ratio, starting routine cleanup",
			"ratio", ratio, "used", snap.UsedSize, "capacity", snap.TotalCapacity)
		if _, err := m.cleaner.Routine(ctx); err != nil {
			m.logger.Warn("Routine cleanup failed", "error", err)
		}
	}
	return true
}

// MonitorStorageUsage logs usage and runs Routine cleanup above the monitor
// ratio. It never probes.
func (m *Monitor) MonitorStorageUsage(ctx context.Context) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("Failed to estimate usage", "error", err)
		return
	}

	ratio := snap.Ratio()
	m.logger.Info("Storage usage", "ratio", ratio, "used", snap.UsedSize,
		"capacity", snap.TotalCapacity, "items", len(snap.Items))
	if ratio > m.config.MonitorRatio {
		if _, err := m.cleaner.Routine(ctx); err != nil {
			m.logger.Warn("Routine cleanup failed", "error", err)
		}
	}
}

// RecoverFromFull runs Emergency cleanup. It is the store's recoverer.
func (m *Monitor) RecoverFromFull(ctx context.Context) error {
	return m.cleaner.Emergency(ctx)
}

// Run calls MonitorStorageUsage every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.MonitorStorageUsage(ctx)
		}
	}
}
