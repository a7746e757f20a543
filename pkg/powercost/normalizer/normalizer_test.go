package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

var (
	ts  = time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)
	key = types.EntityKey{EntityType: types.EntityContainer, Namespace: "ml", PodName: "train-0", NodeID: "node-1"}
)

func TestNormalize(t *testing.T) {
	n := New(time.Second, 10000)

	tests := []struct {
		name      string
		joules    float64
		interval  float64
		watts     float64
		rejectErr bool
	}{
		{name: "steady draw", joules: 120, interval: 60, watts: 2.0},
		{name: "post-reset delta", joules: 40, interval: 60, watts: 40.0 / 60.0},
		{name: "idle", joules: 0, interval: 30, watts: 0},
		{name: "interval at minimum", joules: 5, interval: 1, watts: 5},
		{name: "interval below minimum", joules: 5, interval: 0.5, rejectErr: true},
		{name: "zero interval", joules: 5, interval: 0, rejectErr: true},
		{name: "above ceiling", joules: 700000, interval: 60, rejectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := n.Normalize(types.EnergyDelta{
				Key:             key,
				MetricName:      "kepler_container_package_joules_total",
				Component:       types.ComponentCPU,
				Joules:          tt.joules,
				IntervalSeconds: tt.interval,
				Timestamp:       ts,
			})
			if tt.rejectErr {
				var rejected *errors.RejectedSampleError
				assert.True(t, errors.As(err, &rejected), "expected RejectedSampleError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.watts, s.Watts, 1e-9)
			assert.Equal(t, key, s.Key)
			assert.Equal(t, types.ComponentCPU, s.Component)
			assert.Equal(t, tt.interval, s.IntervalSeconds)
			assert.Equal(t, ts, s.Timestamp)
		})
	}
}

func TestCoalesce(t *testing.T) {
	other := key
	other.PodName = "train-1"

	samples := []types.PowerSample{
		{Key: other, Component: types.ComponentOther, Watts: 3, IntervalSeconds: 30, Timestamp: ts},
		{Key: key, Component: types.ComponentOther, Watts: 1.5, IntervalSeconds: 30, Timestamp: ts},
		{Key: key, Component: types.ComponentCPU, Watts: 10, IntervalSeconds: 30, Timestamp: ts},
		{Key: key, Component: types.ComponentOther, Watts: 0.5, IntervalSeconds: 30, Timestamp: ts},
		{Key: key, Component: types.ComponentOther, Watts: 4, IntervalSeconds: 30, Timestamp: ts.Add(-30 * time.Second)},
	}

	out := Coalesce(samples)
	require.Len(t, out, 4)

	assert.Equal(t, types.ComponentCPU, out[0].Component)
	assert.Equal(t, 10.0, out[0].Watts)

	assert.Equal(t, types.ComponentOther, out[1].Component)
	assert.Equal(t, 4.0, out[1].Watts, "earlier timestamp is kept separate")
	assert.Equal(t, types.ComponentOther, out[2].Component)
	assert.Equal(t, 2.0, out[2].Watts, "dram and other host components are summed")

	assert.Equal(t, other, out[3].Key)
	assert.Equal(t, 3.0, out[3].Watts)

	assert.Equal(t, 1.5, samples[1].Watts, "input is not mutated")
}
