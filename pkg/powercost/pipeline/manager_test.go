package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/clock"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

type fakeReplayer struct {
	calls int
}

func (f *fakeReplayer) Replay(ctx context.Context) (int, int, error) {
	f.calls++
	return 0, 0, nil
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func TestManagerHealth(t *testing.T) {
	clk := clock.NewMockClock(t0)
	healthy := &fakeSource{target: "http://a:9102/metrics"}
	failing := &fakeSource{
		target: "http://b:9102/metrics",
		PollFunc: func(ctx context.Context) ([]types.RawCounterSample, error) {
			return nil, &errors.ScrapeError{Target: "http://b:9102/metrics", Err: fmt.Errorf("connection refused")}
		},
	}

	pub := &recordingPublisher{}
	pa := newTestPipeline(healthy, pub, clk)
	pb := newTestPipeline(failing, pub, clk)
	m := NewManager([]*Pipeline{pb, pa}, nil, 0, 3*time.Minute, clk)

	// Both targets are within the startup grace period
	assert.True(t, m.Health(context.Background()).Healthy)

	clk.Advance(time.Minute)
	_, err := pa.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = pb.RunCycle(context.Background())
	require.Error(t, err)

	clk.Advance(3 * time.Minute)
	report := m.Health(context.Background())
	assert.False(t, report.Healthy)
	assert.Nil(t, report.Store)
	status := report.Targets
	require.Len(t, status, 2)

	assert.Equal(t, "http://a:9102/metrics", status[0].Target)
	assert.Equal(t, t0.Add(time.Minute), status[0].LastSuccess)
	assert.True(t, status[0].Healthy)
	assert.Empty(t, status[0].LastError)

	assert.Equal(t, "http://b:9102/metrics", status[1].Target)
	assert.True(t, status[1].LastSuccess.IsZero())
	assert.False(t, status[1].Healthy)
	assert.Contains(t, status[1].LastError, "connection refused")
}

func TestManagerHealthIncludesStore(t *testing.T) {
	clk := clock.NewMockClock(t0)
	src := &fakeSource{target: "http://a:9102/metrics"}
	p := newTestPipeline(src, &recordingPublisher{}, clk)

	m := NewManager([]*Pipeline{p}, nil, 0, 3*time.Minute, clk, WithStorePinger(fakePinger{}))
	report := m.Health(context.Background())
	assert.True(t, report.Healthy)
	require.NotNil(t, report.Store)
	assert.True(t, report.Store.Reachable)
	assert.Empty(t, report.Store.Error)

	// Targets are fresh, so only the store can make this unhealthy
	m = NewManager([]*Pipeline{p}, nil, 0, 3*time.Minute, clk,
		WithStorePinger(fakePinger{err: fmt.Errorf("sql: database is closed")}))
	report = m.Health(context.Background())
	assert.False(t, report.Healthy)
	require.Len(t, report.Targets, 1)
	assert.True(t, report.Targets[0].Healthy)
	require.NotNil(t, report.Store)
	assert.False(t, report.Store.Reachable)
	assert.Equal(t, "sql: database is closed", report.Store.Error)
}

func TestManagerRunStopsOnCancel(t *testing.T) {
	clk := clock.NewMockClock(t0)
	a := &fakeSource{target: "http://a:9102/metrics"}
	b := &fakeSource{target: "http://b:9102/metrics"}
	pub := &recordingPublisher{}
	m := NewManager(
		[]*Pipeline{newTestPipeline(a, pub, clk), newTestPipeline(b, pub, clk)},
		&fakeReplayer{},
		time.Minute,
		3*time.Minute,
		clk,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, m.Run(ctx))
	// Each pipeline finishes the cycle it started before observing cancellation
	assert.Equal(t, int32(1), a.polls.Load())
	assert.Equal(t, int32(1), b.polls.Load())
}

func TestManagerRequiresTargets(t *testing.T) {
	m := NewManager(nil, nil, 0, time.Minute, clock.NewMockClock(t0))
	assert.Error(t, m.Run(context.Background()))
}
