package types

import (
	"fmt"
	"sort"
)

// Tier identifies where a value lives.
type Tier int

const (
	TierSecure Tier = iota
	TierBulk
)

// String returns the tier name used in logs and metrics.
func (t Tier) String() string {
	switch t {
	case TierSecure:
		return "secure"
	case TierBulk:
		return "bulk"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// KeyInfo is one enumerated backend entry.
type KeyInfo struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ItemUsage is the footprint of a single key.
type ItemUsage struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// UsageSnapshot is a best-effort picture of storage consumption.
type UsageSnapshot struct {
	TotalCapacity int64       `json:"total_capacity"`
	UsedSize      int64       `json:"used_size"`
	Items         []ItemUsage `json:"items"`
}

// Ratio returns UsedSize/TotalCapacity, or 0 when capacity is unknown.
func (s UsageSnapshot) Ratio() float64 {
	if s.TotalCapacity <= 0 {
		return 0
	}
	return float64(s.UsedSize) / float64(s.TotalCapacity)
}

// Largest returns up to n items ordered by descending size.
func (s UsageSnapshot) Largest(n int) []ItemUsage {
	items := make([]ItemUsage, len(s.Items))
	copy(items, s.Items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Size > items[j].Size })
	if n >= 0 && len(items) > n {
		items = items[:n]
	}
	return items
}

// Threshold holds the usage ratios that trigger cleanup.
type Threshold struct {
	WarningRatio  float64 `yaml:"warning_ratio" json:"warning_ratio"`
	CriticalRatio float64 `yaml:"critical_ratio" json:"critical_ratio"`
}
