// Package tierstore is the public entry point: it assembles backends, tiers,
// the storage facade and the capacity monitor from a Configuration.
package tierstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tierstore/tierstore/internal/cache"
	"github.com/tierstore/tierstore/internal/capacity"
	"github.com/tierstore/tierstore/internal/chunk"
	"github.com/tierstore/tierstore/internal/circuit"
	"github.com/tierstore/tierstore/internal/config"
	"github.com/tierstore/tierstore/internal/health"
	"github.com/tierstore/tierstore/internal/metrics"
	"github.com/tierstore/tierstore/internal/store"
	"github.com/tierstore/tierstore/internal/tier"
	"github.com/tierstore/tierstore/pkg/api"
	"github.com/tierstore/tierstore/pkg/errors"
	pkghealth "github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// Option configures a Service.
type Option func(*Service)

// WithSecureBackend uses b instead of the configured secure backend.
func WithSecureBackend(b types.Backend) Option {
	return func(s *Service) { s.secureBackend = b }
}

// WithBulkBackend uses b instead of the configured bulk backend.
func WithBulkBackend(b types.EnumerableBackend) Option {
	return func(s *Service) { s.bulkBackend = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics replaces the Prometheus collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithUsageEstimator replaces the enumerating bulk estimator.
func WithUsageEstimator(e capacity.UsageEstimator) Option {
	return func(s *Service) { s.estimator = e }
}

// Service is a tiered key-value store with capacity management.
type Service struct {
	cfg    *config.Configuration
	logger *slog.Logger

	secureBackend types.Backend
	bulkBackend   types.EnumerableBackend
	metrics       types.MetricsCollector
	estimator     capacity.UsageEstimator

	collector *metrics.Collector
	tracker   *pkghealth.Tracker
	store     *store.Store
	prober    *health.Prober
	probes    *health.Monitor
	monitor   *capacity.Monitor

	mu          sync.Mutex
	initialized bool
	closed      bool
}

// New validates cfg and prepares a Service. Backends are opened by Init.
func New(cfg *config.Configuration, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid configuration", err).
			WithComponent("tierstore").WithOperation("new")
	}

	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Init opens backends, wires the tiers and runs an initial capacity check.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewError(errors.ErrCodeAlreadyClosed, "service closed").WithComponent("tierstore").WithOperation("init")
	}
	if s.initialized {
		return nil
	}

	if err := s.openBackends(ctx); err != nil {
		return err
	}
	if err := s.wire(); err != nil {
		s.closeBackends()
		return err
	}
	s.initialized = true

	if !s.monitor.CheckAndCleanupIfNeeded(ctx) {
		s.logger.Warn("Bulk tier not writable after initial capacity check")
	}
	s.logger.Info("Tiered store ready",
		"secure_backend", s.cfg.Secure.Backend, "bulk_backend", s.cfg.Bulk.Backend)
	return nil
}

func (s *Service) openBackends(ctx context.Context) error {
	if s.secureBackend == nil {
		b, err := openSecureBackend(s.cfg.Secure, s.logger)
		if err != nil {
			return errors.Wrap(errors.ErrCodeBackendError, "failed to open secure backend", err).
				WithComponent("tierstore").WithOperation("init").WithTier(types.TierSecure.String())
		}
		s.secureBackend = b
	}
	if s.bulkBackend == nil {
		b, err := openBulkBackend(ctx, s.cfg.Bulk, s.logger)
		if err != nil {
			s.closeBackends()
			return errors.Wrap(errors.ErrCodeBackendError, "failed to open bulk backend", err).
				WithComponent("tierstore").WithOperation("init").WithTier(types.TierBulk.String())
		}
		s.bulkBackend = b
	}
	return nil
}

func (s *Service) wire() error {
	cfg := s.cfg

	if s.metrics == nil {
		mcfg := &metrics.Config{
			Enabled:   true,
			Address:   cfg.Metrics.Address,
			Path:      cfg.Metrics.Path,
			Namespace: cfg.Metrics.Namespace,
			Labels:    cfg.Metrics.Labels,
		}
		collector, err := metrics.NewCollector(mcfg, s.logger.With("component", "metrics"))
		if err != nil {
			return errors.Wrap(errors.ErrCodeInternalError, "failed to create metrics collector", err).
				WithComponent("tierstore").WithOperation("init")
		}
		s.collector = collector
		s.metrics = collector
	}

	s.tracker = pkghealth.NewTracker(pkghealth.DefaultConfig())
	if s.collector != nil {
		s.tracker.AddHealthListener(s.collector)
	}

	secure := tier.NewSecure(s.secureBackend, cfg.Limits.SecureSafeLimit,
		tier.WithBreaker(circuit.Config{
			FailureThreshold: uint32(cfg.Secure.BreakerFailures),
			Timeout:          cfg.Secure.BreakerTimeout,
		}),
		tier.WithSecureLogger(s.logger.With("component", "tier", "tier", "secure")))
	bulk := tier.NewBulk(s.bulkBackend)
	chunks := chunk.New(bulk, cfg.Limits.ChunkSize, chunk.WithLogger(s.logger.With("component", "chunk")))

	storeOpts := []store.Option{
		store.WithTracker(s.tracker),
		store.WithMetrics(s.metrics),
		store.WithLogger(s.logger.With("component", "store")),
	}
	if cfg.Cache.Enabled {
		maxSize, err := utils.ParseBytes(cfg.Cache.MaxSize)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid cache max_size", err)
		}
		storeOpts = append(storeOpts, store.WithCache(cache.NewLRUCache(cache.Config{
			MaxSize:    maxSize,
			MaxEntries: cfg.Cache.MaxEntries,
		})))
	}
	s.store = store.New(secure, bulk, chunks, store.Limits{
		SecureSafeLimit:      cfg.Limits.SecureSafeLimit,
		CompressionThreshold: cfg.Limits.CompressionThreshold,
		ChunkThreshold:       cfg.Limits.ChunkThreshold,
	}, storeOpts...)

	s.prober = health.NewProber(bulk, s.store.Tiers(),
		health.WithTracker(s.tracker),
		health.WithMetrics(s.metrics),
		health.WithTimeout(cfg.Monitor.ProbeTimeout),
		health.WithLogger(s.logger.With("component", "health")))
	s.probes = health.NewMonitor(s.prober, s.tracker, health.MonitorConfig{
		Enabled:         true,
		MonitorInterval: pkghealth.DefaultConfig().HealthCheckInterval,
	}, s.logger.With("component", "health"))

	if s.estimator == nil {
		capacityBytes, err := cfg.BulkCapacityBytes()
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid bulk capacity", err)
		}
		s.estimator = capacity.NewBulkEstimator(bulk, capacityBytes)
	}

	capLogger := s.logger.With("component", "capacity")
	cleaner := capacity.NewCleaner(s.store, s.prober, s.estimator, capacity.PolicyConfig{
		Retention:             cfg.Retention(),
		TransientPrefixes:     cfg.Cleanup.TransientPrefixes,
		TimestampFields:       cfg.Cleanup.TimestampFields,
		CompressTopN:          cfg.Cleanup.CompressTopN,
		MinCompressionSavings: cfg.Cleanup.MinCompressionSavings,
		SecureKeys:            cfg.Cleanup.SecureKeys,
	}, s.metrics, capLogger)
	s.monitor = capacity.NewMonitor(cleaner, s.prober, s.estimator, capacity.Config{
		Thresholds: types.Threshold{
			WarningRatio:  cfg.Cleanup.WarningRatio,
			CriticalRatio: cfg.Cleanup.CriticalRatio,
		},
		MonitorRatio: cfg.Monitor.Ratio,
		Interval:     cfg.Monitor.Interval,
	}, s.metrics, capLogger)

	s.store.SetRecoverer(s.monitor.RecoverFromFull)
	return nil
}

func (s *Service) ready(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return errors.NewError(errors.ErrCodeAlreadyClosed, "service closed").WithComponent("tierstore").WithOperation(op)
	case !s.initialized:
		return errors.NewError(errors.ErrCodeNotInitialized, "service not initialized").WithComponent("tierstore").WithOperation(op)
	}
	return nil
}

// Put stores value under key.
func (s *Service) Put(ctx context.Context, key, value string) error {
	if err := s.ready("put"); err != nil {
		return err
	}
	return s.store.Put(ctx, key, value)
}

// Get returns the value for key. A service that is not ready reports a miss.
func (s *Service) Get(ctx context.Context, key string) (string, bool) {
	if s.ready("get") != nil {
		return "", false
	}
	return s.store.Get(ctx, key)
}

// Delete removes key from every tier.
func (s *Service) Delete(ctx context.Context, key string) {
	if s.ready("delete") != nil {
		return
	}
	s.store.Delete(ctx, key)
}

// CheckAndCleanupIfNeeded probes the bulk tier and cleans up as usage demands.
func (s *Service) CheckAndCleanupIfNeeded(ctx context.Context) bool {
	if s.ready("check") != nil {
		return false
	}
	return s.monitor.CheckAndCleanupIfNeeded(ctx)
}

// MonitorStorageUsage logs usage and runs Routine cleanup when it is high.
func (s *Service) MonitorStorageUsage(ctx context.Context) {
	if s.ready("monitor") != nil {
		return
	}
	s.monitor.MonitorStorageUsage(ctx)
}

// Usage returns the current bulk usage estimate.
func (s *Service) Usage(ctx context.Context) (types.UsageSnapshot, error) {
	if err := s.ready("usage"); err != nil {
		return types.UsageSnapshot{}, err
	}
	return s.monitor.Snapshot(ctx)
}

// Probe checks every tier once.
func (s *Service) Probe(ctx context.Context) ([]health.Result, error) {
	if err := s.ready("probe"); err != nil {
		return nil, err
	}
	return s.probes.RunCycle(ctx), nil
}

// Health returns the tracked state of each tier.
func (s *Service) Health() map[string]pkghealth.HealthState {
	out := make(map[string]pkghealth.HealthState)
	if s.tracker == nil {
		return out
	}
	for name, ch := range s.tracker.GetAllComponents() {
		out[name] = ch.State
	}
	return out
}

// RegisterCache adds a cache that Emergency cleanup empties.
func (s *Service) RegisterCache(name string, c types.Clearer) {
	if s.ready("register_cache") != nil {
		return
	}
	s.store.RegisterCache(name, c)
}

// Run starts the usage monitor, the probe loop and, when enabled, the metrics
// and API endpoints, and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ready("run"); err != nil {
		return err
	}

	if s.cfg.Metrics.Enabled && s.collector != nil {
		if err := s.collector.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := s.collector.Stop(context.Background()); err != nil {
				s.logger.Warn("Failed to stop metrics server", "error", err)
			}
		}()
	}

	if err := s.probes.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = s.probes.Stop() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.monitor.Run(gctx)
	})
	if s.cfg.API.Enabled {
		server := s.apiServer()
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) apiServer() *api.Server {
	apiCfg := api.DefaultServerConfig()
	apiCfg.Address = s.cfg.API.Address

	opts := []api.Option{
		api.WithUsage(s.Usage),
		api.WithAlertsHandler(s.probes.Handler()),
		api.WithLogger(s.logger.With("component", "api")),
	}
	if s.collector != nil {
		opts = append(opts, api.WithMetricsHandler(promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{})))
	}
	return api.NewServer(apiCfg, s.tracker, opts...)
}

// Close releases backends. Further calls fail with ALREADY_CLOSED.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeBackends()
}

func (s *Service) closeBackends() error {
	var firstErr error
	for name, b := range map[string]types.Backend{"secure": s.secureBackend, "bulk": s.bulkBackend} {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			s.logger.Warn("Failed to close backend", "tier", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("close %s backend: %w", name, err)
			}
		}
	}
	return firstErr
}
