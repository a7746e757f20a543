package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/clock"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

const acceptHeader = `text/plain;version=0.0.4;q=0.9,*/*;q=0.1`

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ExporterSource scrapes the text exposition of a single exporter endpoint
type ExporterSource struct {
	target     string
	instance   string
	timeout    time.Duration
	httpClient HTTPClient
	clock      clock.Clock
}

// ExporterOption allows customizing the source
type ExporterOption func(*ExporterSource)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(client HTTPClient) ExporterOption {
	return func(s *ExporterSource) {
		s.httpClient = client
	}
}

// WithClock sets the clock used to stamp samples that carry no timestamp
func WithClock(c clock.Clock) ExporterOption {
	return func(s *ExporterSource) {
		s.clock = c
	}
}

// WithInstance overrides the instance label added to series that carry no node identity
func WithInstance(instance string) ExporterOption {
	return func(s *ExporterSource) {
		s.instance = instance
	}
}

// NewExporterSource creates a source for one exporter /metrics endpoint
func NewExporterSource(target string, timeout time.Duration, opts ...ExporterOption) (*ExporterSource, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid exporter target %q: %v", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid exporter target %q: scheme must be http or https", target)
	}

	s := &ExporterSource{
		target:     target,
		instance:   u.Host,
		timeout:    timeout,
		httpClient: &http.Client{},
		clock:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}

	klog.V(2).InfoS("Created exporter source", "target", target, "timeout", timeout)
	return s, nil
}

// Target returns the scraped URL
func (s *ExporterSource) Target() string {
	return s.target
}

// Poll fetches and parses one snapshot. Families that are not tracked joule
// counters are skipped; series with unusable values are dropped and counted.
func (s *ExporterSource) Poll(ctx context.Context) ([]types.RawCounterSample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.target, nil)
	if err != nil {
		return nil, &errors.ScrapeError{Target: s.target, Err: fmt.Errorf("creating request: %v", err)}
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &errors.ScrapeError{Target: s.target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &errors.ScrapeError{
			Target: s.target,
			Err:    fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body)),
		}
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, &errors.ScrapeError{Target: s.target, Err: fmt.Errorf("parsing exposition: %v", err)}
	}

	scrapedAt := s.clock.Now()
	samples := make([]types.RawCounterSample, 0)
	for name, family := range families {
		if !common.IsTrackedCounter(name) {
			continue
		}
		for _, m := range family.GetMetric() {
			sample, err := s.toSample(name, family.GetType(), m, scrapedAt)
			if err != nil {
				recordMalformed(s.target, err)
				continue
			}
			samples = append(samples, sample)
		}
	}

	sortSamples(samples)

	klog.V(4).InfoS("Scraped exporter", "target", s.target, "families", len(families), "samples", len(samples))
	return samples, nil
}

func (s *ExporterSource) toSample(name string, kind dto.MetricType, m *dto.Metric, scrapedAt time.Time) (types.RawCounterSample, error) {
	var value float64
	switch kind {
	case dto.MetricType_COUNTER:
		value = m.GetCounter().GetValue()
	case dto.MetricType_UNTYPED:
		value = m.GetUntyped().GetValue()
	default:
		return types.RawCounterSample{}, &errors.MalformedSampleError{
			MetricName: name,
			Reason:     fmt.Sprintf("unexpected metric type %s", kind),
		}
	}
	if err := checkValue(name, value); err != nil {
		return types.RawCounterSample{}, err
	}

	labels := make(map[string]string, len(m.GetLabel())+1)
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if s.instance != "" && !hasNodeIdentity(labels) {
		labels[common.LabelInstance] = s.instance
	}

	ts := scrapedAt
	if m.TimestampMs != nil {
		ts = time.UnixMilli(m.GetTimestampMs())
	}

	return types.RawCounterSample{
		MetricName: name,
		Labels:     labels,
		Value:      value,
		Timestamp:  ts,
	}, nil
}

// hasNodeIdentity mirrors what a Prometheus server does when it attaches the
// instance label to a directly scraped series
func hasNodeIdentity(labels map[string]string) bool {
	for _, l := range []string{common.LabelInstance, common.LabelNode, common.LabelHostname} {
		if labels[l] != "" {
			return true
		}
	}
	return false
}
