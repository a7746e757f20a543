package source

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/clock"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// KeplerCountersQuery selects every Kepler joule counter in one instant query
const KeplerCountersQuery = `{__name__=~"kepler_(container|node)_.*joules_total"}`

// QueryAPI is the subset of v1.API the source needs
type QueryAPI interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

// PrometheusSource reads Kepler counters from a Prometheus server that scrapes them
type PrometheusSource struct {
	url          string
	client       QueryAPI
	query        string
	queryTimeout time.Duration
	clock        clock.Clock
}

// NewPrometheusSource creates a Prometheus-backed source
func NewPrometheusSource(prometheusURL string, timeout time.Duration) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating Prometheus client: %v", err)
	}

	klog.InfoS("Created Prometheus counter source", "prometheusURL", prometheusURL, "timeout", timeout)
	return NewPrometheusSourceWithAPI(prometheusURL, v1.NewAPI(client), timeout, clock.RealClock{}), nil
}

// NewPrometheusSourceWithAPI creates a source around an existing query client
func NewPrometheusSourceWithAPI(prometheusURL string, client QueryAPI, timeout time.Duration, c clock.Clock) *PrometheusSource {
	return &PrometheusSource{
		url:          prometheusURL,
		client:       client,
		query:        KeplerCountersQuery,
		queryTimeout: timeout,
		clock:        c,
	}
}

// Target returns the Prometheus server address
func (s *PrometheusSource) Target() string {
	return s.url
}

// Poll runs the counter query at the current time
func (s *PrometheusSource) Poll(ctx context.Context) ([]types.RawCounterSample, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, warnings, err := s.client.Query(queryCtx, s.query, s.clock.Now())
	if err != nil {
		return nil, &errors.ScrapeError{Target: s.url, Err: fmt.Errorf("error querying Prometheus: %v", err)}
	}

	if len(warnings) > 0 {
		klog.V(2).InfoS("Warnings received from Prometheus query",
			"warnings", warnings,
			"query", s.query)
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return nil, &errors.ScrapeError{
			Target: s.url,
			Err:    fmt.Errorf("unexpected result type %T", result),
		}
	}

	samples := make([]types.RawCounterSample, 0, len(vector))
	for _, sample := range vector {
		name := string(sample.Metric[model.MetricNameLabel])
		if !common.IsTrackedCounter(name) {
			continue
		}
		value := float64(sample.Value)
		if err := checkValue(name, value); err != nil {
			recordMalformed(s.url, err)
			continue
		}

		labels := make(map[string]string, len(sample.Metric))
		for k, v := range sample.Metric {
			if k == model.MetricNameLabel {
				continue
			}
			labels[string(k)] = string(v)
		}

		samples = append(samples, types.RawCounterSample{
			MetricName: name,
			Labels:     labels,
			Value:      value,
			Timestamp:  sample.Timestamp.Time(),
		})
	}

	sortSamples(samples)

	klog.V(4).InfoS("Queried Prometheus counters", "target", s.url, "series", len(vector), "samples", len(samples))
	return samples, nil
}
