package classifier

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// Fields a rule can match against
const (
	FieldImage     = "image"
	FieldCommand   = "command"
	FieldNamespace = "namespace"
	FieldPod       = "pod"
)

// DefaultRuleTableVersion identifies the built-in heuristics
const DefaultRuleTableVersion = "v1"

// Rule assigns WorkloadType when Field contains any of the substrings
type Rule struct {
	Name         string   `yaml:"name"`
	WorkloadType string   `yaml:"workloadType"`
	Field        string   `yaml:"field"`
	Contains     []string `yaml:"contains"`
}

// RuleTable is an ordered, versioned list of rules. The first matching rule wins.
type RuleTable struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultRuleTable returns the built-in v1 heuristics
func DefaultRuleTable() RuleTable {
	return RuleTable{
		Version: DefaultRuleTableVersion,
		Rules: []Rule{
			{Name: "system-namespaces", WorkloadType: common.WorkloadTypeSystem, Field: FieldNamespace,
				Contains: []string{"kube-system", "kube-public", "kube-node-lease", "monitoring", "kepler"}},
			{Name: "system-processes", WorkloadType: common.WorkloadTypeSystem, Field: FieldPod,
				Contains: []string{"system_processes", "kernel_processes"}},
			{Name: "database-images", WorkloadType: common.WorkloadTypeDatabase, Field: FieldImage,
				Contains: []string{"postgres", "mysql", "mariadb", "mongo", "redis", "cassandra", "etcd", "elasticsearch", "clickhouse"}},
			{Name: "inference-images", WorkloadType: common.WorkloadTypeInference, Field: FieldImage,
				Contains: []string{"triton", "vllm", "torchserve", "tensorflow-serving", "kserve", "inference"}},
			{Name: "inference-commands", WorkloadType: common.WorkloadTypeInference, Field: FieldCommand,
				Contains: []string{"tritonserver", "vllm", "torchserve", "inference", "predict"}},
			{Name: "training-images", WorkloadType: common.WorkloadTypeTraining, Field: FieldImage,
				Contains: []string{"pytorch", "tensorflow", "jax", "horovod", "deepspeed", "train"}},
			{Name: "training-commands", WorkloadType: common.WorkloadTypeTraining, Field: FieldCommand,
				Contains: []string{"train", "torchrun", "deepspeed", "accelerate"}},
			{Name: "batch-images", WorkloadType: common.WorkloadTypeBatch, Field: FieldImage,
				Contains: []string{"spark", "flink", "batch"}},
			{Name: "batch-pods", WorkloadType: common.WorkloadTypeBatch, Field: FieldPod,
				Contains: []string{"cron", "job", "batch"}},
			{Name: "web-images", WorkloadType: common.WorkloadTypeWeb, Field: FieldImage,
				Contains: []string{"nginx", "httpd", "envoy", "haproxy", "traefik", "caddy"}},
		},
	}
}

// Validate checks that every rule can match something
func (t RuleTable) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("rule table version is required")
	}
	for i, r := range t.Rules {
		switch r.Field {
		case FieldImage, FieldCommand, FieldNamespace, FieldPod:
		default:
			return fmt.Errorf("rule %d (%s): unknown field %q", i, r.Name, r.Field)
		}
		if r.WorkloadType == "" {
			return fmt.Errorf("rule %d (%s): workload type is required", i, r.Name)
		}
		if len(r.Contains) == 0 {
			return fmt.Errorf("rule %d (%s): at least one substring is required", i, r.Name)
		}
	}
	return nil
}

// LoadRuleTable reads a rule table from a YAML file
func LoadRuleTable(path string) (RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleTable{}, fmt.Errorf("failed to read classifier rules file: %v", err)
	}

	var table RuleTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return RuleTable{}, fmt.Errorf("failed to parse classifier rules: %v", err)
	}
	if err := table.Validate(); err != nil {
		return RuleTable{}, fmt.Errorf("invalid classifier rules: %v", err)
	}
	return table, nil
}

// Classifier attaches workload identity to entities using a rule table
type Classifier struct {
	table RuleTable
}

// New creates a classifier over table
func New(table RuleTable) *Classifier {
	klog.V(2).InfoS("Created workload classifier", "version", table.Version, "rules", len(table.Rules))
	return &Classifier{table: lowerTable(table)}
}

// Version returns the rule table version in use
func (c *Classifier) Version() string {
	return c.table.Version
}

// Classify is a pure function of key and labels. Missing labels give
// types.Unclassified; a container no rule matches keeps its identity with
// the unclassified workload type.
func (c *Classifier) Classify(key types.EntityKey, labels map[string]string) types.WorkloadInfo {
	if len(labels) == 0 || key.IsZero() {
		return types.Unclassified
	}

	if key.EntityType == types.EntityNode {
		return types.WorkloadInfo{
			WorkloadID:   "node/" + key.NodeID,
			WorkloadType: common.WorkloadTypeNode,
		}
	}

	info := types.WorkloadInfo{
		WorkloadID:   key.Namespace + "/" + OwnerName(key.PodName),
		WorkloadType: types.WorkloadTypeUnclassified,
		Image:        firstLabel(labels, common.LabelImage, common.LabelContainerImage),
		Command:      labels[common.LabelCommand],
	}

	fields := map[string]string{
		FieldImage:     strings.ToLower(info.Image),
		FieldCommand:   strings.ToLower(info.Command),
		FieldNamespace: strings.ToLower(key.Namespace),
		FieldPod:       strings.ToLower(key.PodName),
	}

	for _, rule := range c.table.Rules {
		value := fields[rule.Field]
		if value == "" {
			continue
		}
		for _, sub := range rule.Contains {
			if strings.Contains(value, sub) {
				info.WorkloadType = rule.WorkloadType
				return info
			}
		}
	}
	return info
}

func lowerTable(t RuleTable) RuleTable {
	out := RuleTable{Version: t.Version, Rules: make([]Rule, len(t.Rules))}
	for i, r := range t.Rules {
		r.Contains = append([]string(nil), r.Contains...)
		for j := range r.Contains {
			r.Contains[j] = strings.ToLower(r.Contains[j])
		}
		out.Rules[i] = r
	}
	return out
}
