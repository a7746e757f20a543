package source

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/clock"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
)

type fakeQueryAPI struct {
	QueryFunc func(ctx context.Context, query string, ts time.Time) (model.Value, v1.Warnings, error)
}

func (f *fakeQueryAPI) Query(ctx context.Context, query string, ts time.Time, _ ...v1.Option) (model.Value, v1.Warnings, error) {
	return f.QueryFunc(ctx, query, ts)
}

func TestPrometheusSourcePoll(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	evalTime := model.TimeFromUnixNano(now.UnixNano())

	api := &fakeQueryAPI{
		QueryFunc: func(ctx context.Context, query string, ts time.Time) (model.Value, v1.Warnings, error) {
			assert.Equal(t, KeplerCountersQuery, query)
			assert.Equal(t, now, ts)
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline, "query must be bounded by the scrape timeout")

			return model.Vector{
				{
					Metric: model.Metric{
						model.MetricNameLabel: "kepler_node_package_joules_total",
						"instance":            "node-1",
						"package":             "0",
					},
					Value:     12345,
					Timestamp: evalTime,
				},
				{
					Metric: model.Metric{
						model.MetricNameLabel: "kepler_container_dram_joules_total",
						"container_namespace": "web",
						"pod_name":            "frontend-5d8f7c9b4-xyz12",
						"container_name":      "nginx",
						"instance":            "node-1",
					},
					Value:     900,
					Timestamp: evalTime,
				},
				{
					Metric: model.Metric{
						model.MetricNameLabel: "kepler_container_joules_total",
						"container_namespace": "web",
						"pod_name":            "frontend-5d8f7c9b4-xyz12",
						"container_name":      "nginx",
						"instance":            "node-1",
					},
					Value:     1500,
					Timestamp: evalTime,
				},
				{
					Metric: model.Metric{
						model.MetricNameLabel: "kepler_container_uncore_joules_total",
						"pod_name":            "frontend-5d8f7c9b4-xyz12",
					},
					Value:     10,
					Timestamp: evalTime,
				},
				{
					Metric: model.Metric{
						model.MetricNameLabel: "kepler_node_dram_joules_total",
						"instance":            "node-1",
					},
					Value:     model.SampleValue(math.Inf(1)),
					Timestamp: evalTime,
				},
			}, v1.Warnings{"partial response"}, nil
		},
	}

	src := NewPrometheusSourceWithAPI("http://prometheus:9090", api, time.Second, clock.NewMockClock(now))
	samples, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "kepler_container_dram_joules_total", samples[0].MetricName)
	assert.Equal(t, "nginx", samples[0].Labels["container_name"])
	assert.NotContains(t, samples[0].Labels, model.MetricNameLabel)
	assert.Equal(t, 900.0, samples[0].Value)
	assert.True(t, now.Equal(samples[0].Timestamp))

	assert.Equal(t, "kepler_node_package_joules_total", samples[1].MetricName)
	assert.Equal(t, "0", samples[1].Labels["package"])
}

func TestPrometheusSourceErrors(t *testing.T) {
	tests := []struct {
		name   string
		result model.Value
		err    error
	}{
		{name: "query error", err: fmt.Errorf("server unavailable")},
		{name: "matrix result", result: model.Matrix{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeQueryAPI{
				QueryFunc: func(context.Context, string, time.Time) (model.Value, v1.Warnings, error) {
					return tt.result, nil, tt.err
				},
			}
			src := NewPrometheusSourceWithAPI("http://prometheus:9090", api, time.Second, clock.RealClock{})

			_, err := src.Poll(context.Background())
			var se *errors.ScrapeError
			require.True(t, errors.As(err, &se), "expected ScrapeError, got %v", err)
			assert.Equal(t, "http://prometheus:9090", se.Target)
		})
	}
}
