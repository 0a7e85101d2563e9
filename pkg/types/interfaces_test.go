package types

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInterfaces(t *testing.T) {
	var (
		_ Backend           = (*mockBackend)(nil)
		_ EnumerableBackend = (*mockBackend)(nil)
		_ FullClassifier    = (*mockBackend)(nil)
		_ SizeClassifier    = (*mockBackend)(nil)
		_ StatsReporter     = (*mockBackend)(nil)
		_ Clearer           = (*mockBackend)(nil)
		_ Clearer           = ClearerFunc(nil)
		_ MetricsCollector  = NopMetrics{}
	)
}

type mockBackend struct{}

func (m *mockBackend) Get(ctx context.Context, key string) ([]byte, error) { return nil, ErrNotFound }
func (m *mockBackend) Put(ctx context.Context, key string, value []byte) error {
	return nil
}
func (m *mockBackend) Delete(ctx context.Context, key string) error { return nil }
func (m *mockBackend) Close() error                                 { return nil }
func (m *mockBackend) List(ctx context.Context, prefix string) ([]KeyInfo, error) {
	return nil, nil
}
func (m *mockBackend) Clear(ctx context.Context) error { return nil }
func (m *mockBackend) IsFull(err error) bool           { return false }
func (m *mockBackend) IsTooLarge(err error) bool       { return false }
func (m *mockBackend) Stats() map[string]interface{}   { return nil }

func TestClearerFunc(t *testing.T) {
	called := false
	var c Clearer = ClearerFunc(func(ctx context.Context) error {
		called = true
		return errors.New("boom")
	})
	if err := c.Clear(context.Background()); err == nil {
		t.Error("expected error from ClearerFunc")
	}
	if !called {
		t.Error("ClearerFunc did not call the function")
	}
}

func TestTierString(t *testing.T) {
	tests := []struct {
		tier Tier
		want string
	}{
		{TierSecure, "secure"},
		{TierBulk, "bulk"},
		{Tier(7), "tier(7)"},
	}
	for _, tt := range tests {
		if got := tt.tier.String(); got != tt.want {
			t.Errorf("Tier(%d).String() = %q, want %q", int(tt.tier), got, tt.want)
		}
	}
}

func TestUsageSnapshotRatio(t *testing.T) {
	tests := []struct {
		name string
		snap UsageSnapshot
		want float64
	}{
		{"empty capacity", UsageSnapshot{UsedSize: 10}, 0},
		{"half", UsageSnapshot{TotalCapacity: 100, UsedSize: 50}, 0.5},
		{"over", UsageSnapshot{TotalCapacity: 100, UsedSize: 150}, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.Ratio(); got != tt.want {
				t.Errorf("Ratio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUsageSnapshotLargest(t *testing.T) {
	snap := UsageSnapshot{Items: []ItemUsage{{"a", 5}, {"b", 50}, {"c", 20}, {"d", 1}}}

	got := snap.Largest(2)
	if len(got) != 2 || got[0].Key != "b" || got[1].Key != "c" {
		t.Errorf("Largest(2) = %v, want [b c]", got)
	}
	if snap.Items[0].Key != "a" {
		t.Error("Largest must not reorder the snapshot")
	}
	if len(snap.Largest(10)) != 4 {
		t.Error("Largest(10) should return every item")
	}
}

func TestNopMetrics(t *testing.T) {
	var m MetricsCollector = NopMetrics{}
	m.RecordOperation("put", TierBulk, time.Millisecond, 10, true)
	m.RecordFallback(TierSecure, TierBulk, "capacity")
	m.RecordCleanup("routine", 0, true)
	m.RecordProbe(TierBulk, true, "")
	m.RecordUsage(1, 2)
}
