package source

import (
	"context"
	"math"
	"sort"

	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/metrics"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// Source fetches one snapshot of raw joule counters from an upstream target.
// Poll returns a *errors.ScrapeError when the snapshot could not be read.
type Source interface {
	Poll(ctx context.Context) ([]types.RawCounterSample, error)
	Target() string
}

// checkValue rejects values that cannot come from a monotonic joule counter
func checkValue(metricName string, value float64) error {
	switch {
	case math.IsNaN(value):
		return &errors.MalformedSampleError{MetricName: metricName, Reason: "value is NaN"}
	case math.IsInf(value, 0):
		return &errors.MalformedSampleError{MetricName: metricName, Reason: "value is infinite"}
	case value < 0:
		return &errors.MalformedSampleError{MetricName: metricName, Reason: "negative counter value"}
	}
	return nil
}

func recordMalformed(target string, err error) {
	metrics.SamplesDropped.WithLabelValues(common.DropReasonMalformed).Inc()
	klog.V(3).InfoS("Dropping malformed sample", "target", target, "err", err)
}

// sortSamples orders samples by metric name, then by label set
func sortSamples(samples []types.RawCounterSample) {
	type keyed struct {
		labels string
		sample types.RawCounterSample
	}
	ordered := make([]keyed, len(samples))
	for i, s := range samples {
		ordered[i] = keyed{labels: labelSetString(s.Labels), sample: s}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].sample.MetricName != ordered[j].sample.MetricName {
			return ordered[i].sample.MetricName < ordered[j].sample.MetricName
		}
		return ordered[i].labels < ordered[j].labels
	})
	for i := range ordered {
		samples[i] = ordered[i].sample
	}
}

func labelSetString(labels map[string]string) string {
	ls := make(model.LabelSet, len(labels))
	for k, v := range labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return ls.String()
}
