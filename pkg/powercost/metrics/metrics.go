package metrics

import (
	"k8s.io/component-base/metrics"
	"k8s.io/component-base/metrics/legacyregistry"
)

const (
	// Subsystem name used for collector metrics
	collectorSubsystem = "power_cost_collector"
)

var (
	// ScrapesTotal counts upstream fetches by target and result
	ScrapesTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      collectorSubsystem,
			Name:           "scrapes_total",
			Help:           "Number of upstream counter scrapes by target and result",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"target", "result"}, // "success", "error"
	)

	// ScrapeDuration measures how long a single upstream fetch takes
	ScrapeDuration = metrics.NewHistogramVec(
		&metrics.HistogramOpts{
			Subsystem:      collectorSubsystem,
			Name:           "scrape_duration_seconds",
			Help:           "Latency of upstream counter scrapes",
			Buckets:        metrics.ExponentialBuckets(0.005, 2, 12),
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"target"},
	)

	// SamplesDropped counts samples kept out of aggregates
	SamplesDropped = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      collectorSubsystem,
			Name:           "samples_dropped_total",
			Help:           "Number of samples dropped before aggregation by reason",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"reason"}, // "malformed", "clock_skew", "short_interval", "above_ceiling", "no_entity_key"
	)

	// CounterResets counts observed monotonic counter resets
	CounterResets = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      collectorSubsystem,
			Name:           "counter_resets_total",
			Help:           "Number of joule counter resets observed by target",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"target"},
	)

	// LateSamples counts samples that arrived after their window was emitted
	LateSamples = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      collectorSubsystem,
			Name:           "late_samples_total",
			Help:           "Number of samples arriving after their window closed",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"action"}, // "rerouted", "dropped"
	)

	// WindowsEmitted counts closed aggregation windows
	WindowsEmitted = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      collectorSubsystem,
			Name:           "windows_emitted_total",
			Help:           "Number of aggregation windows closed by component and whether they had samples",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"component", "empty"},
	)

	// PublishAttempts counts individual sink writes
	PublishAttempts = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      collectorSubsystem,
			Name:           "publish_attempts_total",
			Help:           "Number of write attempts per sink by result",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"sink", "result"}, // sink: "queue", "store", "spillover"; result: "success", "error", "permanent"
	)

	// SpilloverRecords tracks records waiting in the spillover buffer
	SpilloverRecords = metrics.NewGauge(
		&metrics.GaugeOpts{
			Subsystem:      collectorSubsystem,
			Name:           "spillover_records",
			Help:           "Number of records waiting in the spillover buffer",
			StabilityLevel: metrics.ALPHA,
		},
	)

	// TrackedCounters tracks live counter states per target
	TrackedCounters = metrics.NewGaugeVec(
		&metrics.GaugeOpts{
			Subsystem:      collectorSubsystem,
			Name:           "tracked_counters",
			Help:           "Number of counter series with retained state",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"target"},
	)

	// OpenWindows tracks windows not yet emitted per target
	OpenWindows = metrics.NewGaugeVec(
		&metrics.GaugeOpts{
			Subsystem:      collectorSubsystem,
			Name:           "open_windows",
			Help:           "Number of aggregation windows currently open",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"target"},
	)

	// AggregationSeries tracks live (entity, component) series per target
	AggregationSeries = metrics.NewGaugeVec(
		&metrics.GaugeOpts{
			Subsystem:      collectorSubsystem,
			Name:           "aggregation_series",
			Help:           "Number of (entity, component) series held by the window aggregator",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"target"},
	)

	// WindowCost accumulates priced cost by namespace and workload type
	WindowCost = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      collectorSubsystem,
			Name:           "window_cost_total",
			Help:           "Total cost of closed windows by namespace and workload type",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"namespace", "workload_type", "currency"},
	)

	// WindowEnergy accumulates closed window energy in kWh
	WindowEnergy = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      collectorSubsystem,
			Name:           "window_energy_kwh_total",
			Help:           "Total energy of closed windows in kWh by namespace and workload type",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"namespace", "workload_type"},
	)

	// ElectricityRate reports the rate applied to the most recent window
	ElectricityRate = metrics.NewGauge(
		&metrics.GaugeOpts{
			Subsystem:      collectorSubsystem,
			Name:           "electricity_rate",
			Help:           "Electricity rate (currency/kWh) applied to the most recently priced window",
			StabilityLevel: metrics.ALPHA,
		},
	)
)

func init() {
	// Register all metrics with the legacy registry
	legacyregistry.MustRegister(ScrapesTotal)
	legacyregistry.MustRegister(ScrapeDuration)
	legacyregistry.MustRegister(SamplesDropped)
	legacyregistry.MustRegister(CounterResets)
	legacyregistry.MustRegister(LateSamples)
	legacyregistry.MustRegister(WindowsEmitted)
	legacyregistry.MustRegister(PublishAttempts)
	legacyregistry.MustRegister(SpilloverRecords)
	legacyregistry.MustRegister(TrackedCounters)
	legacyregistry.MustRegister(OpenWindows)
	legacyregistry.MustRegister(AggregationSeries)
	legacyregistry.MustRegister(WindowCost)
	legacyregistry.MustRegister(WindowEnergy)
	legacyregistry.MustRegister(ElectricityRate)
}
