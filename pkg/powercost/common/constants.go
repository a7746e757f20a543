package common

import (
	"strings"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// Kepler metric name prefixes
const (
	KeplerNamespace       = "kepler"
	KeplerContainerPrefix = KeplerNamespace + "_container_"
	KeplerNodePrefix      = KeplerNamespace + "_node_"
	JoulesTotalSuffix     = "joules_total"
)

// Kepler roll-up counters. Each one is the sum of the component counters below
// for the same entity, so they are never tracked.
const (
	MetricContainerJoulesTotal    = "kepler_container_joules_total"
	MetricNodePlatformJoulesTotal = "kepler_node_platform_joules_total"
)

// Kepler component counters this collector understands
const (
	MetricContainerPackageJoulesTotal   = "kepler_container_package_joules_total"
	MetricContainerCPUJoulesTotal       = "kepler_container_cpu_joules_total" // Older exporters
	MetricContainerDramJoulesTotal      = "kepler_container_dram_joules_total"
	MetricContainerGPUJoulesTotal       = "kepler_container_gpu_joules_total"
	MetricContainerOtherJoulesTotal     = "kepler_container_other_joules_total" // Older exporters
	MetricContainerOtherHostJoulesTotal = "kepler_container_other_host_components_joules_total"

	MetricNodePackageJoulesTotal   = "kepler_node_package_joules_total"
	MetricNodeCPUJoulesTotal       = "kepler_node_cpu_joules_total" // Older exporters
	MetricNodeDramJoulesTotal      = "kepler_node_dram_joules_total"
	MetricNodeGPUJoulesTotal       = "kepler_node_gpu_joules_total"
	MetricNodeOtherHostJoulesTotal = "kepler_node_other_host_components_joules_total"
)

// ComponentTable maps counter names to the component they are aggregated under.
// Roll-ups and counters that are subsets of another listed counter (core, uncore)
// are left out so one joule is never attributed twice. Exporters publish either
// the cpu_ or the package_ naming, never both.
var ComponentTable = map[string]types.Component{
	MetricContainerPackageJoulesTotal:   types.ComponentCPU,
	MetricContainerCPUJoulesTotal:       types.ComponentCPU,
	MetricContainerDramJoulesTotal:      types.ComponentOther,
	MetricContainerGPUJoulesTotal:       types.ComponentGPU,
	MetricContainerOtherJoulesTotal:     types.ComponentOther,
	MetricContainerOtherHostJoulesTotal: types.ComponentOther,

	MetricNodePackageJoulesTotal:   types.ComponentCPU,
	MetricNodeCPUJoulesTotal:       types.ComponentCPU,
	MetricNodeDramJoulesTotal:      types.ComponentOther,
	MetricNodeGPUJoulesTotal:       types.ComponentGPU,
	MetricNodeOtherHostJoulesTotal: types.ComponentOther,
}

// ComponentFor returns the component of a counter, or false if the counter is not tracked
func ComponentFor(metricName string) (types.Component, bool) {
	c, ok := ComponentTable[metricName]
	return c, ok
}

// IsTrackedCounter reports whether a family name should be kept from a scrape
func IsTrackedCounter(metricName string) bool {
	if !strings.HasSuffix(metricName, JoulesTotalSuffix) {
		return false
	}
	_, ok := ComponentTable[metricName]
	return ok
}

// Label names used by Kepler, plus the generic fallbacks some relabeling configs produce
const (
	LabelContainerNamespace = "container_namespace"
	LabelNamespace          = "namespace"
	LabelPodName            = "pod_name"
	LabelPod                = "pod"
	LabelContainerName      = "container_name"
	LabelContainer          = "container"
	LabelInstance           = "instance"
	LabelNode               = "node"
	LabelHostname           = "hostname"
	LabelCommand            = "command"
	LabelImage              = "image"
	LabelContainerImage     = "container_image"
)

// Workload types emitted by the default classification table
const (
	WorkloadTypeTraining  = "training"
	WorkloadTypeInference = "inference"
	WorkloadTypeBatch     = "batch"
	WorkloadTypeDatabase  = "database"
	WorkloadTypeWeb       = "web"
	WorkloadTypeSystem    = "system"
	WorkloadTypeNode      = "node"
)

// Self-metric label values
const (
	DropReasonMalformed     = "malformed"
	DropReasonClockSkew     = "clock_skew"
	DropReasonShortInterval = "short_interval"
	DropReasonAboveCeiling  = "above_ceiling"
	DropReasonNoEntityKey   = "no_entity_key"
	LateActionRerouted      = "rerouted"
	LateActionDropped       = "dropped"
	SinkQueue               = "queue"
	SinkStore               = "store"
	SinkSpillover           = "spillover"
	ResultSuccess           = "success"
	ResultError             = "error"
	ResultPermanent         = "permanent"
)
