package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Defaults for options that have no obvious zero value
const (
	DefaultExporterTarget = "http://localhost:8888/metrics"
	DefaultPrometheusURL  = "http://localhost:9090"
	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisListKey   = "power:cost:records"
	DefaultStorePath      = "/var/lib/power-cost/windows.db"
	DefaultSpilloverPath  = "/var/lib/power-cost/spillover.jsonl"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	windowSize := getSecondsOrDefault("WINDOW_SIZE_SECONDS", 300*time.Second)

	cfg := &Config{
		Cost: CostConfig{
			ElectricityRate: getFloatOrDefault("ELECTRICITY_RATE", 0.12),
			CoolingFactor:   getFloatOrDefault("COOLING_FACTOR", 1.3),
			CarbonRate:      getFloatOrDefault("CARBON_RATE", 0.05),
			CarbonIntensity: getFloatOrDefault("CARBON_INTENSITY", 0),
			Currency:        getEnvOrDefault("CURRENCY", "USD"),
		},
		Collection: CollectionConfig{
			PollInterval:        getSecondsOrDefault("POLL_INTERVAL_SECONDS", 30*time.Second),
			WindowSize:          windowSize,
			EvictionTTL:         getSecondsOrDefault("EVICTION_TTL_SECONDS", 600*time.Second),
			MinInterval:         getSecondsOrDefault("MIN_INTERVAL_SECONDS", 1*time.Second),
			MaxWatts:            getFloatOrDefault("MAX_WATTS", 10000),
			LateSampleTolerance: getSecondsOrDefault("LATE_SAMPLE_TOLERANCE_SECONDS", windowSize),
		},
		Source: SourceConfig{
			Mode:          getEnvOrDefault("SOURCE_MODE", SourceModeExporter),
			Targets:       getListOrDefault("EXPORTER_TARGETS", []string{DefaultExporterTarget}),
			PrometheusURL: getEnvOrDefault("PROMETHEUS_URL", DefaultPrometheusURL),
			ScrapeTimeout: getSecondsOrDefault("SCRAPE_TIMEOUT_SECONDS", 10*time.Second),
		},
		Sink: SinkConfig{
			MaxRetryAttempts: getIntOrDefault("MAX_RETRY_ATTEMPTS", 5),
			QueueMaxAttempts: getIntOrDefault("QUEUE_MAX_ATTEMPTS", 3),
			RetryBaseDelay:   getDurationOrDefault("RETRY_BASE_DELAY", 500*time.Millisecond),
			Redis: RedisConfig{
				Enabled:  getBoolOrDefault("REDIS_ENABLED", true),
				Addr:     getEnvOrDefault("REDIS_ADDR", DefaultRedisAddr),
				Password: os.Getenv("REDIS_PASSWORD"),
				DB:       getIntOrDefault("REDIS_DB", 0),
				ListKey:  getEnvOrDefault("REDIS_LIST_KEY", DefaultRedisListKey),
				MaxLen:   int64(getIntOrDefault("REDIS_MAX_LEN", 100000)),
			},
			StorePath:      getEnvOrDefault("STORE_PATH", DefaultStorePath),
			SpilloverPath:  getEnvOrDefault("SPILLOVER_PATH", DefaultSpilloverPath),
			ReplayInterval: getDurationOrDefault("REPLAY_INTERVAL", 1*time.Minute),
		},
		Pricing: PricingConfig{
			Enabled:   getBoolOrDefault("PRICING_ENABLED", false),
			Schedules: []Schedule{},
		},
		Classifier: ClassifierConfig{
			RulesPath: os.Getenv("CLASSIFIER_RULES_PATH"),
		},
		Observability: ObservabilityConfig{
			MetricsPort: getIntOrDefault("METRICS_PORT", 9100),
		},
	}

	// Load pricing schedules if enabled and path provided
	if cfg.Pricing.Enabled {
		if schedulePath := os.Getenv("PRICING_SCHEDULES_PATH"); schedulePath != "" {
			if err := loadPricingSchedules(cfg, schedulePath); err != nil {
				return nil, fmt.Errorf("failed to load pricing schedules: %v", err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"sourceMode", cfg.Source.Mode,
		"targets", len(cfg.Source.Targets),
		"pollInterval", cfg.Collection.PollInterval,
		"windowSize", cfg.Collection.WindowSize,
		"electricityRate", cfg.Cost.ElectricityRate,
		"coolingFactor", cfg.Cost.CoolingFactor,
		"carbonRate", cfg.Cost.CarbonRate,
		"pricingEnabled", cfg.Pricing.Enabled,
		"redisEnabled", cfg.Sink.Redis.Enabled)

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

// getSecondsOrDefault reads a plain number of seconds, fractional values allowed
func getSecondsOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil && value >= 0 {
			return time.Duration(value * float64(time.Second))
		}
		klog.V(2).InfoS("Invalid seconds value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

// getListOrDefault reads a comma separated list, ignoring empty entries
func getListOrDefault(key string, defaultValue []string) []string {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}

	var values []string
	for _, part := range strings.Split(strValue, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}

func loadPricingSchedules(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pricing schedules file: %v", err)
	}

	schedules := &PricingConfig{}
	if err := yaml.Unmarshal(data, schedules); err != nil {
		return fmt.Errorf("failed to parse pricing schedules: %v", err)
	}

	// All schedules share one off-peak rate
	if len(schedules.Schedules) > 1 {
		offPeakRate := schedules.Schedules[0].OffPeakRate
		for i, schedule := range schedules.Schedules[1:] {
			if schedule.OffPeakRate != offPeakRate {
				return fmt.Errorf("schedule at index %d has different off-peak rate than first schedule", i+1)
			}
		}
	}

	cfg.Pricing.Schedules = schedules.Schedules
	return nil
}
