package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/types"
)

// Collector records storage events into its own Prometheus registry.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	fallbackCounter   *prometheus.CounterVec
	cleanupCounter    *prometheus.CounterVec
	evictedCounter    *prometheus.CounterVec
	probeCounter      *prometheus.CounterVec
	tierState         *prometheus.GaugeVec
	healthChecks      *prometheus.CounterVec
	usageRatio        prometheus.Gauge
	usedBytes         prometheus.Gauge
	capacityBytes     prometheus.Gauge

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server   *http.Server
	listener net.Listener
}

var (
	_ types.MetricsCollector = (*Collector)(nil)
	_ health.HealthListener  = (*Collector)(nil)
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the stock metrics settings.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Address:   ":9464",
		Path:      "/metrics",
		Namespace: "tierstore",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation on a specific tier
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default().With("component", "metrics")
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "operations_total",
		Help: "Storage operations by operation, tier and result",
	}, []string{"operation", "tier", "result"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_duration_seconds",
		Help:    "Storage operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_size_bytes",
		Help:    "Stored or returned value size",
		Buckets: prometheus.ExponentialBuckets(64, 4, 10),
	}, []string{"operation"})

	c.fallbackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "fallbacks_total",
		Help: "Writes redirected from one tier to another",
	}, []string{"from", "to", "reason"})

	c.cleanupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cleanups_total",
		Help: "Cleanup policy runs",
	}, []string{"policy", "result"})

	c.evictedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "evicted_keys_total",
		Help: "Keys removed by cleanup",
	}, []string{"policy"})

	c.probeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "probe_failures_total",
		Help: "Failed tier probes by error code",
	}, []string{"tier", "code"})

	c.tierState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "tier_state",
		Help: "Tracked tier state: 0 healthy, 1 degraded, 2 read-only, 3 unavailable",
	}, []string{"tier"})

	c.healthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "health_events_total",
		Help: "Write and probe outcomes recorded by the health tracker",
	}, []string{"tier", "result"})

	c.usageRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "usage_ratio",
		Help: "Bulk tier used bytes over nominal capacity",
	})

	c.usedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "used_bytes",
		Help: "Bulk tier used bytes",
	})

	c.capacityBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "capacity_bytes",
		Help: "Bulk tier nominal capacity",
	})
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.fallbackCounter,
		c.cleanupCounter,
		c.evictedCounter,
		c.probeCounter,
		c.tierState,
		c.healthChecks,
		c.usageRatio,
		c.usedBytes,
		c.capacityBytes,
	}
	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the collector's registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP mux serving metrics and debug endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves Handler on the configured address until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", c.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server stopped", "error", err)
		}
	}()
	c.logger.Info("Serving metrics", "address", ln.Addr().String(), "path", c.config.Path)
	return nil
}

// Addr returns the bound listen address once started.
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, tier types.Tier, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	key := operation + "/" + tier.String()
	c.mu.Lock()
	m, exists := c.operations[key]
	if !exists {
		m = &OperationMetrics{}
		c.operations[key] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	c.operationCounter.WithLabelValues(operation, tier.String(), resultLabel(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordFallback records a write redirected between tiers.
func (c *Collector) RecordFallback(from, to types.Tier, reason string) {
	if !c.config.Enabled {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	c.fallbackCounter.WithLabelValues(from.String(), to.String(), reason).Inc()
}

// RecordCleanup records a cleanup policy run.
func (c *Collector) RecordCleanup(policy string, evicted int, success bool) {
	if !c.config.Enabled {
		return
	}
	c.cleanupCounter.WithLabelValues(policy, resultLabel(success)).Inc()
	if evicted > 0 {
		c.evictedCounter.WithLabelValues(policy).Add(float64(evicted))
	}
}

// RecordProbe records a tier probe. Only failures are counted.
func (c *Collector) RecordProbe(tier types.Tier, healthy bool, code string) {
	if !c.config.Enabled || healthy {
		return
	}
	if code == "" {
		code = "unknown"
	}
	c.probeCounter.WithLabelValues(tier.String(), code).Inc()
}

// RecordUsage publishes the latest usage snapshot.
func (c *Collector) RecordUsage(used, total int64) {
	if !c.config.Enabled {
		return
	}
	c.usedBytes.Set(float64(used))
	c.capacityBytes.Set(float64(total))
	if total > 0 {
		c.usageRatio.Set(float64(used) / float64(total))
	}
}

// OnStateChange publishes the new tier state.
func (c *Collector) OnStateChange(component string, oldState, newState health.HealthState, err error) {
	if !c.config.Enabled {
		return
	}
	c.tierState.WithLabelValues(component).Set(float64(newState))
}

// OnHealthCheck counts tracker outcomes. It runs under the tracker lock and
// must not call back into it.
func (c *Collector) OnHealthCheck(component string, healthy bool, err error) {
	if !c.config.Enabled {
		return
	}
	c.healthChecks.WithLabelValues(component, resultLabel(healthy)).Inc()
}

// GetOperationMetrics returns a copy of the per operation and tier totals.
func (c *Collector) GetOperationMetrics() map[string]*OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ResetMetrics clears the per operation totals.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// debugOperationsHandler serves the per operation totals. DELETE resets them.
func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodDelete:
		c.ResetMetrics()
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "GET, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ops := c.GetOperationMetrics()
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c.mu.RLock()
	since := c.lastReset
	c.mu.RUnlock()

	type row struct {
		Operation string `json:"operation"`
		*OperationMetrics
	}
	rows := make([]row, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, row{Operation: k, OperationMetrics: ops[k]})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"since":      since,
		"operations": rows,
	})
}
