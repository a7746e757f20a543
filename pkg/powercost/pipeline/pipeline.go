package pipeline

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/aggregator"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/classifier"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/clock"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/config"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/cost"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/metrics"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/normalizer"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/sink"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/source"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/tracker"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// Publisher delivers priced windows. *sink.Sink satisfies it.
type Publisher interface {
	Publish(ctx context.Context, rec types.CostRecord) sink.PublishResult
}

// CycleStats summarizes one tick
type CycleStats struct {
	Samples   int
	Deltas    int
	Dropped   int
	Windows   int
	Delivered int
	Spilled   int
	// Series is the number of series the aggregator holds after the cycle
	Series int
}

// Pipeline turns the counters of one target into priced windows. It owns the
// tracker and aggregator state of that target; the publisher may be shared.
type Pipeline struct {
	source     source.Source
	tracker    *tracker.CounterDeltaTracker
	classifier *classifier.Classifier
	normalizer *normalizer.Normalizer
	aggregator *aggregator.WindowAggregator
	calculator *cost.Calculator
	publisher  Publisher
	clock      clock.Clock

	pollInterval time.Duration
	evictionTTL  time.Duration

	mu          sync.RWMutex
	lastSuccess time.Time
	lastErr     error
}

// New creates the pipeline for src
func New(
	src source.Source,
	cfg config.CollectionConfig,
	cls *classifier.Classifier,
	calc *cost.Calculator,
	pub Publisher,
	c clock.Clock,
) *Pipeline {
	return &Pipeline{
		source:       src,
		tracker:      tracker.New(src.Target(), cfg.EvictionTTL, c),
		classifier:   cls,
		normalizer:   normalizer.New(cfg.MinInterval, cfg.MaxWatts),
		aggregator:   aggregator.New(cfg.WindowSize, cfg.LateSampleTolerance),
		calculator:   calc,
		publisher:    pub,
		clock:        c,
		pollInterval: cfg.PollInterval,
		evictionTTL:  cfg.EvictionTTL,
	}
}

// Target returns the upstream target this pipeline reads
func (p *Pipeline) Target() string {
	return p.source.Target()
}

// LastSuccess returns the time of the last cycle whose scrape succeeded, and
// the error of the most recent failed cycle if it came after that
func (p *Pipeline) LastSuccess() (time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSuccess, p.lastErr
}

// Run executes a cycle every poll interval until ctx is done. A cycle in
// progress is never interrupted.
func (p *Pipeline) Run(ctx context.Context) error {
	klog.InfoS("Starting collection pipeline", "target", p.Target(), "pollInterval", p.pollInterval)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunCycle(context.WithoutCancel(ctx)); err != nil {
			klog.ErrorS(err, "Collection cycle skipped", "target", p.Target())
		}

		select {
		case <-ctx.Done():
			klog.InfoS("Stopping collection pipeline", "target", p.Target())
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle performs one fetch through publish pass. A failed scrape returns
// the *errors.ScrapeError and leaves all state untouched.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	target := p.Target()

	start := p.clock.Now()
	raw, err := p.source.Poll(ctx)
	metrics.ScrapeDuration.WithLabelValues(target).Observe(p.clock.Since(start).Seconds())
	if err != nil {
		metrics.ScrapesTotal.WithLabelValues(target, common.ResultError).Inc()
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return stats, err
	}
	metrics.ScrapesTotal.WithLabelValues(target, common.ResultSuccess).Inc()
	stats.Samples = len(raw)

	powerSamples := make([]types.PowerSample, 0, len(raw))
	workloads := make(map[types.EntityKey]types.WorkloadInfo)

	for _, sample := range raw {
		key, err := classifier.ExtractEntityKey(sample.MetricName, sample.Labels)
		if err != nil {
			metrics.SamplesDropped.WithLabelValues(common.DropReasonNoEntityKey).Inc()
			klog.V(3).InfoS("Dropping sample without entity key", "target", target, "err", err)
			stats.Dropped++
			continue
		}

		delta, ok, err := p.tracker.Update(sample, key)
		if err != nil {
			var skew *errors.ClockSkewError
			if errors.As(err, &skew) {
				metrics.SamplesDropped.WithLabelValues(common.DropReasonClockSkew).Inc()
			}
			klog.V(2).InfoS("Dropping sample", "target", target, "entity", key.String(), "err", err)
			stats.Dropped++
			continue
		}
		if !ok {
			continue
		}
		stats.Deltas++

		if _, seen := workloads[key]; !seen {
			workloads[key] = p.classifier.Classify(key, sample.Labels)
		}

		ps, err := p.normalizer.Normalize(delta)
		if err != nil {
			stats.Dropped++
			continue
		}
		powerSamples = append(powerSamples, ps)
	}

	for _, ps := range normalizer.Coalesce(powerSamples) {
		if p.aggregator.Add(ps, workloads[ps.Key]) == aggregator.Dropped {
			stats.Dropped++
		}
	}

	now := p.clock.Now()
	windows := p.aggregator.CloseDue(now)
	stats.Windows = len(windows)

	for _, w := range windows {
		rec := p.calculator.Compute(w)
		result := p.publisher.Publish(ctx, rec)
		if result.Delivered {
			stats.Delivered++
		}
		if result.Spilled {
			stats.Spilled++
		}
		recordCost(rec)
	}

	trackerEvicted := p.tracker.Evict(now)
	seriesEvicted := p.aggregator.Evict(now, p.evictionTTL)
	stats.Series = p.aggregator.Series()
	metrics.OpenWindows.WithLabelValues(target).Set(float64(p.aggregator.OpenWindows()))
	metrics.AggregationSeries.WithLabelValues(target).Set(float64(stats.Series))

	p.mu.Lock()
	p.lastSuccess = now
	p.lastErr = nil
	p.mu.Unlock()

	klog.V(2).InfoS("Completed collection cycle",
		"target", target,
		"samples", stats.Samples,
		"deltas", stats.Deltas,
		"dropped", stats.Dropped,
		"windows", stats.Windows,
		"delivered", stats.Delivered,
		"spilled", stats.Spilled,
		"series", stats.Series,
		"evictedCounters", trackerEvicted,
		"evictedSeries", seriesEvicted)

	return stats, nil
}

func recordCost(rec types.CostRecord) {
	w := rec.Window
	metrics.WindowCost.WithLabelValues(w.Entity.Namespace, w.Workload.WorkloadType, rec.Currency).Add(rec.TotalCost)
	metrics.WindowEnergy.WithLabelValues(w.Entity.Namespace, w.Workload.WorkloadType).Add(rec.KWh)
	metrics.ElectricityRate.Set(rec.ElectricityRate)
}
