package tracker

import (
	"sync"
	"time"

	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/clock"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/metrics"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// stateKey identifies one exporter series. Series that share an entity and a
// metric name but differ in other labels (mode, package) are tracked apart.
type stateKey struct {
	metricName string
	entity     types.EntityKey
	signature  uint64
}

// CounterState is the last observation of one counter
type CounterState struct {
	LastValue     float64
	LastTimestamp time.Time
	LastSeen      time.Time
}

// CounterDeltaTracker turns cumulative joule counters into per-interval deltas
type CounterDeltaTracker struct {
	mu     sync.Mutex
	states map[stateKey]*CounterState
	ttl    time.Duration
	target string
	clock  clock.Clock
}

// New creates a tracker whose idle states are evicted after ttl
func New(target string, ttl time.Duration, c clock.Clock) *CounterDeltaTracker {
	return &CounterDeltaTracker{
		states: make(map[stateKey]*CounterState),
		ttl:    ttl,
		target: target,
		clock:  c,
	}
}

// Update records sample and returns the energy consumed since the previous
// observation of the same series. The bool is false for a first observation.
// A non-positive interval returns *errors.ClockSkewError and leaves state as it was.
func (t *CounterDeltaTracker) Update(sample types.RawCounterSample, key types.EntityKey) (types.EnergyDelta, bool, error) {
	sk := stateKey{
		metricName: sample.MetricName,
		entity:     key,
		signature:  model.LabelsToSignature(sample.Labels),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[sk]
	if !ok {
		t.states[sk] = &CounterState{
			LastValue:     sample.Value,
			LastTimestamp: sample.Timestamp,
			LastSeen:      t.clock.Now(),
		}
		klog.V(4).InfoS("Stored counter baseline", "target", t.target, "metric", sample.MetricName, "entity", key.String())
		return types.EnergyDelta{}, false, nil
	}

	interval := sample.Timestamp.Sub(state.LastTimestamp)
	if interval <= 0 {
		return types.EnergyDelta{}, false, &errors.ClockSkewError{
			MetricName: sample.MetricName,
			Previous:   state.LastTimestamp,
			Current:    sample.Timestamp,
		}
	}

	component, _ := common.ComponentFor(sample.MetricName)
	delta := types.EnergyDelta{
		Key:             key,
		MetricName:      sample.MetricName,
		Component:       component,
		IntervalSeconds: interval.Seconds(),
		Timestamp:       sample.Timestamp,
	}

	if sample.Value >= state.LastValue {
		delta.Joules = sample.Value - state.LastValue
	} else {
		// Exporter restarted; everything counted since the restart is new energy
		delta.Joules = sample.Value
		delta.Reset = true
		metrics.CounterResets.WithLabelValues(t.target).Inc()
		klog.V(2).InfoS("Counter reset detected",
			"target", t.target,
			"metric", sample.MetricName,
			"entity", key.String(),
			"previous", state.LastValue,
			"current", sample.Value)
	}

	state.LastValue = sample.Value
	state.LastTimestamp = sample.Timestamp
	state.LastSeen = t.clock.Now()

	return delta, true, nil
}

// Evict drops states not updated within the TTL and returns how many were removed
func (t *CounterDeltaTracker) Evict(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for k, state := range t.states {
		if now.Sub(state.LastSeen) > t.ttl {
			delete(t.states, k)
			evicted++
		}
	}
	if evicted > 0 {
		klog.V(2).InfoS("Evicted idle counter states", "target", t.target, "evicted", evicted, "remaining", len(t.states))
	}
	metrics.TrackedCounters.WithLabelValues(t.target).Set(float64(len(t.states)))
	return evicted
}

// Len returns the number of tracked series
func (t *CounterDeltaTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
