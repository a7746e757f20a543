package types

import (
	"fmt"
	"time"
)

// EntityType distinguishes container series from node series
type EntityType string

const (
	EntityContainer EntityType = "container"
	EntityNode      EntityType = "node"
)

// Component is the hardware domain a power figure belongs to
type Component string

const (
	ComponentCPU   Component = "cpu"
	ComponentGPU   Component = "gpu"
	ComponentOther Component = "other"
)

// RawCounterSample is one exporter series observed in one scrape
type RawCounterSample struct {
	MetricName string
	Labels     map[string]string
	Value      float64 // Cumulative joules
	Timestamp  time.Time
}

// EntityKey identifies a power-tracked resource. It is comparable and safe to use as a map key.
type EntityKey struct {
	EntityType    EntityType `json:"entityType"`
	Namespace     string     `json:"namespace,omitempty"`
	PodName       string     `json:"podName,omitempty"`
	ContainerName string     `json:"containerName,omitempty"`
	NodeID        string     `json:"nodeId,omitempty"`
}

// IsZero reports whether the key carries no identity at all
func (k EntityKey) IsZero() bool {
	return k == EntityKey{}
}

func (k EntityKey) String() string {
	if k.EntityType == EntityNode {
		return fmt.Sprintf("node/%s", k.NodeID)
	}
	return fmt.Sprintf("%s/%s/%s@%s", k.Namespace, k.PodName, k.ContainerName, k.NodeID)
}

// SeriesKey is the unit of aggregation: one entity, one component
type SeriesKey struct {
	Entity    EntityKey
	Component Component
}

func (k SeriesKey) String() string {
	return k.Entity.String() + "#" + string(k.Component)
}

// EnergyDelta is the energy an entity consumed between two consecutive scrapes
type EnergyDelta struct {
	Key             EntityKey
	MetricName      string
	Component       Component
	Joules          float64
	IntervalSeconds float64
	Timestamp       time.Time // Timestamp of the later observation
	Reset           bool      // Counter went backwards; Joules is the post-reset value
}

// PowerSample is the average power draw over one sampling interval
type PowerSample struct {
	Key             EntityKey
	Component       Component
	Watts           float64
	IntervalSeconds float64
	Timestamp       time.Time
}

// Series returns the aggregation key of the sample
func (s PowerSample) Series() SeriesKey {
	return SeriesKey{Entity: s.Key, Component: s.Component}
}

// WorkloadTypeUnclassified marks workloads the rule table could not place
const WorkloadTypeUnclassified = "unclassified"

// WorkloadInfo is the workload identity attached to an entity
type WorkloadInfo struct {
	WorkloadID   string `json:"workloadId"`
	WorkloadType string `json:"workloadType"`
	Image        string `json:"image,omitempty"`
	Command      string `json:"command,omitempty"`
}

// Unclassified is returned whenever labels are missing or no rule matches
var Unclassified = WorkloadInfo{
	WorkloadID:   WorkloadTypeUnclassified,
	WorkloadType: WorkloadTypeUnclassified,
}

// IsUnclassified reports whether the workload type is the sentinel
func (w WorkloadInfo) IsUnclassified() bool {
	return w.WorkloadType == WorkloadTypeUnclassified
}

// AggregationWindow is the rollup of one series over one fixed window.
// Once emitted it must not be mutated.
type AggregationWindow struct {
	Entity      EntityKey    `json:"entity"`
	Component   Component    `json:"component"`
	Workload    WorkloadInfo `json:"workload"`
	WindowStart time.Time    `json:"windowStart"`
	WindowEnd   time.Time    `json:"windowEnd"`
	SampleCount int          `json:"sampleCount"`
	AvgWatts    float64      `json:"avgWatts"`
	MinWatts    float64      `json:"minWatts"`
	MaxWatts    float64      `json:"maxWatts"`
	TotalJoules float64      `json:"totalJoules"` // AvgWatts * window seconds
	EnergyWh    float64      `json:"energyWh"`    // TotalJoules / 3600
}

// Series returns the aggregation key of the window
func (w AggregationWindow) Series() SeriesKey {
	return SeriesKey{Entity: w.Entity, Component: w.Component}
}

// Duration is WindowEnd - WindowStart
func (w AggregationWindow) Duration() time.Duration {
	return w.WindowEnd.Sub(w.WindowStart)
}

// CostRecord is the priced form of a closed window
type CostRecord struct {
	Window               AggregationWindow `json:"window"`
	ElectricityRate      float64           `json:"electricityRate"` // currency/kWh applied to this window
	KWh                  float64           `json:"kwh"`
	ElectricityCost      float64           `json:"electricityCost"`
	CoolingCost          float64           `json:"coolingCost"`
	CarbonCost           float64           `json:"carbonCost"`
	TotalCost            float64           `json:"totalCost"`
	CarbonEmissionsGrams float64           `json:"carbonEmissionsGrams"`
	Currency             string            `json:"currency"`
}

// StoreKey identifies a record in the durable store. Writes with the same key overwrite.
type StoreKey struct {
	Entity      EntityKey
	Component   Component
	WindowStart time.Time
	WindowEnd   time.Time
}

// Key returns the durable store key of the record
func (r CostRecord) Key() StoreKey {
	return StoreKey{
		Entity:      r.Window.Entity,
		Component:   r.Window.Component,
		WindowStart: r.Window.WindowStart.UTC(),
		WindowEnd:   r.Window.WindowEnd.UTC(),
	}
}
