package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tierstore/tierstore/pkg/errors"
	pkghealth "github.com/tierstore/tierstore/pkg/health"
)

// MonitorConfig configures the periodic probe loop.
type MonitorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	MaxAlerts       int           `yaml:"max_alerts"`
}

// DefaultMonitorConfig returns the stock monitor settings.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:         true,
		MonitorInterval: time.Minute,
		MaxAlerts:       100,
	}
}

// Alert records a failed probe or a tracker transition to read-only or
// unavailable. It is resolved by the next healthy probe or a tracker return to
// healthy.
type Alert struct {
	ID         string     `json:"id"`
	Tier       string     `json:"tier"`
	Code       string     `json:"code,omitempty"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Monitor runs ProbeAll on an interval and keeps an alert history.
type Monitor struct {
	prober  *Prober
	tracker *pkghealth.Tracker
	config  MonitorConfig
	logger  *slog.Logger

	mu      sync.RWMutex
	alerts  []*Alert
	open    map[string]*Alert
	last    []Result
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a monitor. tracker may be nil.
func NewMonitor(prober *Prober, tracker *pkghealth.Tracker, config MonitorConfig, logger *slog.Logger) *Monitor {
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = time.Minute
	}
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = 100
	}
	if logger == nil {
		logger = slog.Default().With("component", "health")
	}
	m := &Monitor{
		prober:  prober,
		tracker: tracker,
		config:  config,
		logger:  logger,
		open:    make(map[string]*Alert),
	}
	if tracker != nil {
		for _, state := range []pkghealth.HealthState{pkghealth.StateReadOnly, pkghealth.StateUnavailable, pkghealth.StateHealthy} {
			tracker.AddStateChangeCallback(state, m.onStateChange)
		}
	}
	return m
}

// Start launches the probe loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.Enabled {
		return nil
	}
	if m.started {
		return fmt.Errorf("monitor already started")
	}

	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.monitorLoop(ctx, m.stopCh, m.doneCh)
	return nil
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("monitor not started")
	}
	m.started = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}

func (m *Monitor) monitorLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle probes every tier once and updates alerts.
func (m *Monitor) RunCycle(ctx context.Context) []Result {
	results := m.prober.ProbeAll(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = results
	for _, res := range results {
		name := res.Tier.String()
		if res.Healthy {
			m.resolveLocked(name)
			continue
		}
		msg := "probe failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		m.raiseLocked(name, string(res.Code), msg)
	}
	return results
}

// onStateChange raises or resolves alerts for state changes driven by
// regular reads and writes between probe cycles.
func (m *Monitor) onStateChange(component string, oldState, newState pkghealth.HealthState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newState == pkghealth.StateHealthy {
		m.resolveLocked(component)
		return
	}
	msg := fmt.Sprintf("tier %s after repeated failures", newState)
	if err != nil {
		msg = err.Error()
	}
	m.raiseLocked(component, string(errors.CodeOf(err)), msg)
}

func (m *Monitor) raiseLocked(tier, code, msg string) {
	if _, ok := m.open[tier]; ok {
		return
	}
	now := time.Now()
	alert := &Alert{
		ID:        fmt.Sprintf("%s-%d", tier, now.UnixNano()),
		Tier:      tier,
		Code:      code,
		Message:   msg,
		Timestamp: now,
	}
	m.open[tier] = alert
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.config.MaxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.config.MaxAlerts:]
	}
	m.logger.Warn("Tier unhealthy", "tier", tier, "code", code, "error", msg)
}

func (m *Monitor) resolveLocked(tier string) {
	alert, ok := m.open[tier]
	if !ok {
		return
	}
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(m.open, tier)
	m.logger.Info("Tier recovered", "tier", tier, "down_for", now.Sub(alert.Timestamp))
}

// GetRecentAlerts returns up to limit alerts, newest first.
func (m *Monitor) GetRecentAlerts(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		alerts = append(alerts, *a)
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Timestamp.After(alerts[j].Timestamp) })
	if limit >= 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts
}

// IsHealthy reports whether the last cycle found every tier healthy.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open) == 0
}

// GetDetailedStatus summarizes the last cycle and tracker state.
func (m *Monitor) GetDetailedStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tiers := make(map[string]interface{}, len(m.last))
	for _, res := range m.last {
		entry := map[string]interface{}{
			"healthy":    res.Healthy,
			"latency_ms": res.Latency.Milliseconds(),
		}
		if res.Code != "" {
			entry["code"] = string(res.Code)
		}
		if m.tracker != nil {
			if ch, err := m.tracker.GetComponentHealth(res.Tier.String()); err == nil {
				entry["state"] = ch.State.String()
				entry["consecutive_errors"] = ch.ConsecutiveErrors
				if ch.LastErrorMessage != "" {
					entry["last_error"] = ch.LastErrorMessage
				}
				if backend, ok := ch.Metadata["backend"]; ok {
					entry["backend"] = backend
				}
			}
		}
		tiers[res.Tier.String()] = entry
	}

	status := "healthy"
	if len(m.open) > 0 {
		status = "unhealthy"
	}
	return map[string]interface{}{
		"status":      status,
		"timestamp":   time.Now(),
		"tiers":       tiers,
		"open_alerts": len(m.open),
	}
}

// Handler serves the detailed status as JSON, with 503 while any tier is unhealthy.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !m.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(m.GetDetailedStatus())
	})
}
