package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/clock"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

var (
	t0  = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	key = types.EntityKey{
		EntityType:    types.EntityContainer,
		Namespace:     "ml",
		PodName:       "train-0",
		ContainerName: "trainer",
		NodeID:        "node-1",
	}
)

func sample(value float64, ts time.Time, extra ...string) types.RawCounterSample {
	labels := map[string]string{"pod_name": "train-0"}
	for i := 0; i+1 < len(extra); i += 2 {
		labels[extra[i]] = extra[i+1]
	}
	return types.RawCounterSample{
		MetricName: common.MetricContainerPackageJoulesTotal,
		Labels:     labels,
		Value:      value,
		Timestamp:  ts,
	}
}

func TestUpdateResetScenario(t *testing.T) {
	tr := New("node-1", 10*time.Minute, clock.NewMockClock(t0))

	_, ok, err := tr.Update(sample(100, t0), key)
	require.NoError(t, err)
	assert.False(t, ok, "first observation only stores a baseline")

	d, ok, err := tr.Update(sample(220, t0.Add(60*time.Second)), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 120.0, d.Joules)
	assert.Equal(t, 60.0, d.IntervalSeconds)
	assert.Equal(t, types.ComponentCPU, d.Component)
	assert.False(t, d.Reset)

	d, ok, err = tr.Update(sample(40, t0.Add(120*time.Second)), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 40.0, d.Joules, "post-reset value is the full delta")
	assert.Equal(t, 60.0, d.IntervalSeconds)
	assert.True(t, d.Reset)

	d, ok, err = tr.Update(sample(70, t0.Add(180*time.Second)), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30.0, d.Joules, "deltas resume from the post-reset value")
}

func TestUpdateDuplicateDeliveryIsIdempotent(t *testing.T) {
	tr := New("node-1", 10*time.Minute, clock.NewMockClock(t0))

	_, _, err := tr.Update(sample(100, t0), key)
	require.NoError(t, err)
	_, _, err = tr.Update(sample(160, t0.Add(30*time.Second)), key)
	require.NoError(t, err)

	// Same observation delivered again
	_, ok, err := tr.Update(sample(160, t0.Add(30*time.Second)), key)
	assert.False(t, ok)
	var skew *errors.ClockSkewError
	require.True(t, errors.As(err, &skew))
	assert.Equal(t, common.MetricContainerPackageJoulesTotal, skew.MetricName)

	// Older observation delivered out of order
	_, _, err = tr.Update(sample(130, t0.Add(15*time.Second)), key)
	require.True(t, errors.As(err, &skew))

	d, ok, err := tr.Update(sample(190, t0.Add(60*time.Second)), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30.0, d.Joules, "state was untouched by rejected observations")
	assert.Equal(t, 30.0, d.IntervalSeconds)
	assert.False(t, d.Reset)
}

func TestResetBoundOnTotalEnergy(t *testing.T) {
	tr := New("node-1", 10*time.Minute, clock.NewMockClock(t0))

	// True consumption is 10 J per step; the exporter restarts twice and
	// restarts counting from a small non-zero value each time.
	values := []float64{500, 510, 520, 3, 13, 23, 33, 2, 12}
	trueTotal := 80.0
	resets := 0
	var reported float64
	for i, v := range values {
		d, ok, err := tr.Update(sample(v, t0.Add(time.Duration(i)*time.Minute)), key)
		require.NoError(t, err)
		if !ok {
			continue
		}
		if d.Reset {
			resets++
		}
		reported += d.Joules
	}

	assert.Equal(t, 2, resets)
	// Each reset interval reports the post-reset value instead of the true 10 J
	assert.GreaterOrEqual(t, reported, trueTotal-float64(resets)*10)
	assert.InDelta(t, trueTotal-20+3+2, reported, 1e-9)
}

func TestSeriesWithDifferentLabelsAreTrackedApart(t *testing.T) {
	tr := New("node-1", 10*time.Minute, clock.NewMockClock(t0))

	_, _, err := tr.Update(sample(100, t0, "mode", "dynamic"), key)
	require.NoError(t, err)
	_, _, err = tr.Update(sample(5000, t0, "mode", "idle"), key)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Len())

	d, ok, err := tr.Update(sample(130, t0.Add(30*time.Second), "mode", "dynamic"), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30.0, d.Joules)
	assert.False(t, d.Reset, "idle series must not look like a reset of the dynamic one")
}

func TestEvict(t *testing.T) {
	mc := clock.NewMockClock(t0)
	tr := New("node-1", 10*time.Minute, mc)

	other := key
	other.PodName = "train-1"

	_, _, _ = tr.Update(sample(100, t0), key)
	_, _, _ = tr.Update(sample(100, t0), other)

	mc.Advance(6 * time.Minute)
	_, _, err := tr.Update(sample(200, t0.Add(6*time.Minute)), key)
	require.NoError(t, err)

	assert.Equal(t, 0, tr.Evict(mc.Now()))

	now := mc.Advance(5 * time.Minute)
	assert.Equal(t, 1, tr.Evict(now), "only the series idle for more than the TTL is dropped")
	assert.Equal(t, 1, tr.Len())

	// An evicted series starts over with a fresh baseline
	_, ok, err := tr.Update(sample(300, now), other)
	require.NoError(t, err)
	assert.False(t, ok)
}
