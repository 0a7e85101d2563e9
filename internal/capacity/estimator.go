package capacity

import (
	"context"
	"sort"
	"strings"

	"github.com/tierstore/tierstore/internal/chunk"
	"github.com/tierstore/tierstore/internal/health"
	"github.com/tierstore/tierstore/internal/tier"
	"github.com/tierstore/tierstore/pkg/types"
)

// UsageEstimator reports how much of the bulk tier is in use.
type UsageEstimator interface {
	Estimate(ctx context.Context) (types.UsageSnapshot, error)
}

// UsageEstimatorFunc adapts a function to UsageEstimator.
type UsageEstimatorFunc func(ctx context.Context) (types.UsageSnapshot, error)

// Estimate calls f.
func (f UsageEstimatorFunc) Estimate(ctx context.Context) (types.UsageSnapshot, error) {
	return f(ctx)
}

// BulkEstimator sizes the bulk tier by enumerating it. Chunk sets are folded
// into their parent key so Items lists logical keys.
type BulkEstimator struct {
	bulk     *tier.Bulk
	capacity int64
}

// NewBulkEstimator reports usage against a nominal capacity in bytes.
func NewBulkEstimator(bulk *tier.Bulk, capacity int64) *BulkEstimator {
	return &BulkEstimator{bulk: bulk, capacity: capacity}
}

// Estimate lists every bulk key. Sizes count key and value bytes.
func (e *BulkEstimator) Estimate(ctx context.Context) (types.UsageSnapshot, error) {
	infos, err := e.bulk.List(ctx, "")
	if err != nil {
		return types.UsageSnapshot{}, err
	}

	sizes := make(map[string]int64, len(infos))
	var used int64
	for _, info := range infos {
		size := int64(len(info.Key)) + info.Size
		used += size
		if strings.HasPrefix(info.Key, health.ProbeKeyPrefix) {
			continue
		}
		key := info.Key
		if parent, ok := chunk.ParentKey(info.Key); ok {
			key = parent
		}
		sizes[key] += size
	}

	items := make([]types.ItemUsage, 0, len(sizes))
	for k, s := range sizes {
		items = append(items, types.ItemUsage{Key: k, Size: s})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })

	return types.UsageSnapshot{
		TotalCapacity: e.capacity,
		UsedSize:      used,
		Items:         items,
	}, nil
}
