package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	c, err := NewCollector(cfg, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if c.config.Namespace != "tierstore" {
			t.Errorf("default namespace = %q, want %q", c.config.Namespace, "tierstore")
		}
		if c.Registry() == nil {
			t.Error("registry is nil")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false}, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if c.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}
		// Recording on a disabled collector is a no-op.
		c.RecordOperation("put", types.TierBulk, time.Millisecond, 10, true)
		c.RecordFallback(types.TierSecure, types.TierBulk, "x")
		c.RecordCleanup("routine", 3, true)
		c.RecordProbe(types.TierBulk, false, "BACKEND_FULL")
		c.RecordUsage(1, 2)
		if err := c.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector = %v", err)
		}
	})

	t.Run("two collectors do not clash", func(t *testing.T) {
		if _, err := NewCollector(DefaultConfig(), nil); err != nil {
			t.Fatal(err)
		}
		if _, err := NewCollector(DefaultConfig(), nil); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordOperation("put", types.TierSecure, 2*time.Millisecond, 100, true)
	c.RecordOperation("put", types.TierSecure, 4*time.Millisecond, 300, false)
	c.RecordOperation("get", types.TierBulk, time.Millisecond, 0, true)

	if got := testutil.ToFloat64(c.operationCounter.WithLabelValues("put", "secure", "success")); got != 1 {
		t.Errorf("put/secure/success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.operationCounter.WithLabelValues("put", "secure", "error")); got != 1 {
		t.Errorf("put/secure/error = %v, want 1", got)
	}

	ops := c.GetOperationMetrics()
	put := ops["put/secure"]
	if put == nil {
		t.Fatal("missing put/secure totals")
	}
	if put.Count != 2 || put.Errors != 1 || put.TotalSize != 400 {
		t.Errorf("put/secure = %+v", put)
	}
	if put.AvgDuration != 3*time.Millisecond {
		t.Errorf("AvgDuration = %v, want 3ms", put.AvgDuration)
	}

	c.ResetMetrics()
	if len(c.GetOperationMetrics()) != 0 {
		t.Error("ResetMetrics() left totals behind")
	}
}

func TestRecordEvents(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordFallback(types.TierSecure, types.TierBulk, "BACKEND_ERROR")
	c.RecordFallback(types.TierSecure, types.TierBulk, "")
	c.RecordCleanup("routine", 4, true)
	c.RecordCleanup("emergency", 0, false)
	c.RecordProbe(types.TierBulk, true, "")
	c.RecordProbe(types.TierBulk, false, "BACKEND_FULL")
	c.RecordUsage(750, 1000)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"fallback", testutil.ToFloat64(c.fallbackCounter.WithLabelValues("secure", "bulk", "BACKEND_ERROR")), 1},
		{"fallback unknown", testutil.ToFloat64(c.fallbackCounter.WithLabelValues("secure", "bulk", "unknown")), 1},
		{"routine", testutil.ToFloat64(c.cleanupCounter.WithLabelValues("routine", "success")), 1},
		{"emergency failed", testutil.ToFloat64(c.cleanupCounter.WithLabelValues("emergency", "error")), 1},
		{"evicted", testutil.ToFloat64(c.evictedCounter.WithLabelValues("routine")), 4},
		{"probe failures", testutil.ToFloat64(c.probeCounter.WithLabelValues("bulk", "BACKEND_FULL")), 1},
		{"usage ratio", testutil.ToFloat64(c.usageRatio), 0.75},
		{"used bytes", testutil.ToFloat64(c.usedBytes), 750},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	c.RecordOperation("delete", types.TierBulk, time.Millisecond, 0, true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `tierstore_operations_total{operation="delete",result="success",tier="bulk"} 1`) {
		t.Errorf("metrics output missing operation counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/operations", nil))
	if !strings.Contains(rec.Body.String(), `"operation":"delete/bulk"`) {
		t.Errorf("debug output = %s", rec.Body.String())
	}
}

func TestHealthListener(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	tracker := health.NewTracker(health.TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 2, RecoveryThreshold: 1})
	tracker.RegisterComponent("secure")
	tracker.AddHealthListener(c)

	tracker.RecordError("secure", fmt.Errorf("io"))
	tracker.RecordSuccess("secure")

	if got := testutil.ToFloat64(c.healthChecks.WithLabelValues("secure", "error")); got != 1 {
		t.Errorf("health events error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.healthChecks.WithLabelValues("secure", "success")); got != 1 {
		t.Errorf("health events success = %v, want 1", got)
	}

	c.OnStateChange("bulk", health.StateHealthy, health.StateReadOnly, nil)
	if got := testutil.ToFloat64(c.tierState.WithLabelValues("bulk")); got != float64(health.StateReadOnly) {
		t.Errorf("tier state = %v, want %v", got, float64(health.StateReadOnly))
	}
}

func TestDebugOperationsReset(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	c.RecordOperation("put", types.TierSecure, time.Millisecond, 10, true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/debug/operations", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /debug/operations = %d", rec.Code)
	}
	if len(c.GetOperationMetrics()) != 0 {
		t.Error("DELETE left totals behind")
	}

	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/operations", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /debug/operations = %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := c.Addr()
	if addr == "" {
		t.Fatal("Addr() is empty after Start")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "tierstore_usage_ratio") {
		t.Errorf("served metrics missing usage ratio")
	}

	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if c.Addr() != "" {
		t.Error("Addr() should be empty after Stop")
	}
}
