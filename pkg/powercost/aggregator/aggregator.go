package aggregator

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/metrics"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// AddResult reports what happened to a sample handed to Add
type AddResult int

const (
	// Accepted means the sample landed in the window containing its timestamp
	Accepted AddResult = iota
	// Rerouted means the sample's window was already emitted and it was added to the next open one
	Rerouted
	// Dropped means the sample was too late to be rerouted
	Dropped
)

func (r AddResult) String() string {
	switch r {
	case Rerouted:
		return common.LateActionRerouted
	case Dropped:
		return common.LateActionDropped
	default:
		return "accepted"
	}
}

// accumulator is an open window
type accumulator struct {
	start time.Time
	count int
	mean  float64
	min   float64
	max   float64
}

func (a *accumulator) add(watts float64) {
	a.count++
	if a.count == 1 {
		a.mean, a.min, a.max = watts, watts, watts
		return
	}
	a.mean += (watts - a.mean) / float64(a.count)
	a.min = math.Min(a.min, watts)
	a.max = math.Max(a.max, watts)
}

type seriesState struct {
	workload types.WorkloadInfo
	open     map[int64]*accumulator // keyed by window start in unix nanoseconds
	// nextStart is the start of the earliest window not yet emitted
	nextStart time.Time
	// emittedEnd is the end of the last emitted window, zero until the first emission
	emittedEnd time.Time
	lastSample time.Time
}

// WindowAggregator buckets power samples into fixed, epoch-aligned windows
// per series. Windows are half-open [start, end) and each is emitted exactly once.
type WindowAggregator struct {
	mu            sync.Mutex
	windowSize    time.Duration
	lateTolerance time.Duration
	series        map[types.SeriesKey]*seriesState
}

// New creates an aggregator. Samples older than lateTolerance behind the last
// emitted window end are dropped instead of rerouted.
func New(windowSize, lateTolerance time.Duration) *WindowAggregator {
	return &WindowAggregator{
		windowSize:    windowSize,
		lateTolerance: lateTolerance,
		series:        make(map[types.SeriesKey]*seriesState),
	}
}

// WindowStart returns the start of the window of size containing ts
func WindowStart(ts time.Time, size time.Duration) time.Time {
	ns := ts.UnixNano()
	rem := ns % int64(size)
	if rem < 0 {
		rem += int64(size)
	}
	return time.Unix(0, ns-rem).UTC()
}

// Add assigns sample to its window. Samples for already emitted windows go to
// the series' next open window, or are dropped when beyond the late tolerance.
func (a *WindowAggregator) Add(sample types.PowerSample, workload types.WorkloadInfo) AddResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := sample.Series()
	start := WindowStart(sample.Timestamp, a.windowSize)
	result := Accepted

	st, ok := a.series[key]
	if !ok {
		st = &seriesState{
			workload:  workload,
			open:      make(map[int64]*accumulator),
			nextStart: start,
		}
		a.series[key] = st
	}

	if !st.emittedEnd.IsZero() && start.Before(st.emittedEnd) {
		if st.emittedEnd.Sub(sample.Timestamp) > a.lateTolerance {
			metrics.LateSamples.WithLabelValues(common.LateActionDropped).Inc()
			klog.V(2).InfoS("Dropped late sample",
				"series", key.String(),
				"timestamp", sample.Timestamp,
				"emittedEnd", st.emittedEnd)
			return Dropped
		}
		metrics.LateSamples.WithLabelValues(common.LateActionRerouted).Inc()
		klog.V(3).InfoS("Rerouted late sample",
			"series", key.String(),
			"timestamp", sample.Timestamp,
			"window", st.emittedEnd)
		start = st.emittedEnd
		result = Rerouted
	}

	if st.emittedEnd.IsZero() && start.Before(st.nextStart) {
		st.nextStart = start
	}

	acc, ok := st.open[start.UnixNano()]
	if !ok {
		acc = &accumulator{start: start}
		st.open[start.UnixNano()] = acc
	}
	acc.add(sample.Watts)

	if !workload.IsUnclassified() || st.workload.IsUnclassified() {
		st.workload = workload
	}
	if sample.Timestamp.After(st.lastSample) {
		st.lastSample = sample.Timestamp
	}
	return result
}

// CloseDue emits every window with end <= now, including windows that received
// no samples, ordered by series and then by start
func (a *WindowAggregator) CloseDue(now time.Time) []types.AggregationWindow {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]types.SeriesKey, 0, len(a.series))
	for k := range a.series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var out []types.AggregationWindow
	for _, k := range keys {
		st := a.series[k]
		for end := st.nextStart.Add(a.windowSize); !end.After(now); end = st.nextStart.Add(a.windowSize) {
			w := a.finalize(k, st, st.nextStart)
			metrics.WindowsEmitted.WithLabelValues(string(k.Component), strconv.FormatBool(w.SampleCount == 0)).Inc()
			out = append(out, w)
			st.emittedEnd = end
			st.nextStart = end
		}
	}

	if len(out) > 0 {
		klog.V(3).InfoS("Closed aggregation windows", "windows", len(out), "now", now)
	}
	return out
}

func (a *WindowAggregator) finalize(k types.SeriesKey, st *seriesState, start time.Time) types.AggregationWindow {
	w := types.AggregationWindow{
		Entity:      k.Entity,
		Component:   k.Component,
		Workload:    st.workload,
		WindowStart: start,
		WindowEnd:   start.Add(a.windowSize),
	}
	if acc, ok := st.open[start.UnixNano()]; ok {
		w.SampleCount = acc.count
		w.AvgWatts = acc.mean
		w.MinWatts = acc.min
		w.MaxWatts = acc.max
		delete(st.open, start.UnixNano())
	}
	w.TotalJoules = w.AvgWatts * a.windowSize.Seconds()
	w.EnergyWh = w.TotalJoules / 3600
	return w
}

// Evict forgets series that have had no samples for ttl and have nothing left
// to emit as of now. It returns the number of series removed.
func (a *WindowAggregator) Evict(now time.Time, ttl time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	evicted := 0
	for k, st := range a.series {
		if now.Sub(st.lastSample) <= ttl || len(st.open) > 0 {
			continue
		}
		if !st.nextStart.Add(a.windowSize).After(now) {
			continue
		}
		delete(a.series, k)
		evicted++
	}
	if evicted > 0 {
		klog.V(2).InfoS("Evicted idle aggregation series", "evicted", evicted, "remaining", len(a.series))
	}
	return evicted
}

// OpenWindows returns the number of windows holding samples
func (a *WindowAggregator) OpenWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, st := range a.series {
		n += len(st.open)
	}
	return n
}

// Series returns the number of series tracked
func (a *WindowAggregator) Series() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.series)
}
