package normalizer

import (
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/metrics"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// Normalizer converts energy deltas into average power
type Normalizer struct {
	minInterval time.Duration
	maxWatts    float64
}

// New creates a normalizer that rejects intervals shorter than minInterval
// and power above maxWatts
func New(minInterval time.Duration, maxWatts float64) *Normalizer {
	return &Normalizer{minInterval: minInterval, maxWatts: maxWatts}
}

// Normalize returns watts = joules / interval, or *errors.RejectedSampleError
func (n *Normalizer) Normalize(delta types.EnergyDelta) (types.PowerSample, error) {
	if delta.IntervalSeconds <= 0 || delta.IntervalSeconds < n.minInterval.Seconds() {
		metrics.SamplesDropped.WithLabelValues(common.DropReasonShortInterval).Inc()
		err := &errors.RejectedSampleError{Reason: "interval below minimum", Value: delta.IntervalSeconds}
		klog.V(2).InfoS("Rejected energy delta", "entity", delta.Key.String(), "metric", delta.MetricName, "err", err)
		return types.PowerSample{}, err
	}

	watts := delta.Joules / delta.IntervalSeconds
	if watts > n.maxWatts {
		metrics.SamplesDropped.WithLabelValues(common.DropReasonAboveCeiling).Inc()
		err := &errors.RejectedSampleError{Reason: "power above ceiling", Value: watts}
		klog.V(2).InfoS("Rejected energy delta", "entity", delta.Key.String(), "metric", delta.MetricName, "err", err)
		return types.PowerSample{}, err
	}
	if watts < 0 {
		watts = 0
	}

	return types.PowerSample{
		Key:             delta.Key,
		Component:       delta.Component,
		Watts:           watts,
		IntervalSeconds: delta.IntervalSeconds,
		Timestamp:       delta.Timestamp,
	}, nil
}

type coalesceKey struct {
	series    types.SeriesKey
	timestamp int64
}

// Coalesce merges samples of the same series taken at the same instant by
// summing their watts. Several counters can map to one component within a
// scrape (dram and other_host_components, or one counter per socket).
// Output is ordered by series then timestamp.
func Coalesce(samples []types.PowerSample) []types.PowerSample {
	merged := make(map[coalesceKey]*types.PowerSample, len(samples))
	order := make([]coalesceKey, 0, len(samples))

	for _, s := range samples {
		k := coalesceKey{series: s.Series(), timestamp: s.Timestamp.UnixNano()}
		if existing, ok := merged[k]; ok {
			existing.Watts += s.Watts
			if s.IntervalSeconds > existing.IntervalSeconds {
				existing.IntervalSeconds = s.IntervalSeconds
			}
			continue
		}
		copied := s
		merged[k] = &copied
		order = append(order, k)
	}

	out := make([]types.PowerSample, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Series().String(), out[j].Series().String()
		if a != b {
			return a < b
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
