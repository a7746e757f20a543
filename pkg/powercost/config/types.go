package config

import (
	"fmt"
	"time"
)

// Source modes
const (
	SourceModeExporter   = "exporter"
	SourceModePrometheus = "prometheus"
)

// Config holds all configuration for the power cost collector
type Config struct {
	Cost          CostConfig          `yaml:"cost"`
	Collection    CollectionConfig    `yaml:"collection"`
	Source        SourceConfig        `yaml:"source"`
	Sink          SinkConfig          `yaml:"sink"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CostConfig holds the rate constants applied to every closed window
type CostConfig struct {
	ElectricityRate float64 `yaml:"electricityRate"` // currency/kWh
	CoolingFactor   float64 `yaml:"coolingFactor"`   // Multiplier >= 1 applied to electricity cost
	CarbonRate      float64 `yaml:"carbonRate"`      // currency/kWh-equivalent carbon price
	CarbonIntensity float64 `yaml:"carbonIntensity"` // gCO2eq/kWh, informational emissions only
	Currency        string  `yaml:"currency"`
}

// CollectionConfig holds polling and windowing behavior
type CollectionConfig struct {
	PollInterval        time.Duration `yaml:"pollInterval"`
	WindowSize          time.Duration `yaml:"windowSize"`
	EvictionTTL         time.Duration `yaml:"evictionTTL"`
	MinInterval         time.Duration `yaml:"minInterval"` // Deltas over shorter intervals are rejected
	MaxWatts            float64       `yaml:"maxWatts"`    // Sanity ceiling for a single sample
	LateSampleTolerance time.Duration `yaml:"lateSampleTolerance"`
}

// SourceConfig identifies where raw counters come from
type SourceConfig struct {
	Mode          string        `yaml:"mode"`
	Targets       []string      `yaml:"targets"` // One pipeline per target
	PrometheusURL string        `yaml:"prometheusUrl"`
	ScrapeTimeout time.Duration `yaml:"scrapeTimeout"`
}

// RedisConfig holds the low-latency queue connection
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	ListKey  string `yaml:"listKey"`
	MaxLen   int64  `yaml:"maxLen"` // Queue is trimmed to this many records, 0 disables trimming
}

// SinkConfig holds publish and retry behavior
type SinkConfig struct {
	MaxRetryAttempts int           `yaml:"maxRetryAttempts"` // Durable store attempts before spilling
	QueueMaxAttempts int           `yaml:"queueMaxAttempts"`
	RetryBaseDelay   time.Duration `yaml:"retryBaseDelay"`
	Redis            RedisConfig   `yaml:"redis"`
	StorePath        string        `yaml:"storePath"`
	SpilloverPath    string        `yaml:"spilloverPath"`
	ReplayInterval   time.Duration `yaml:"replayInterval"`
}

// Schedule defines a time range with its peak and off-peak rates
type Schedule struct {
	DayOfWeek   string  `yaml:"dayOfWeek"`
	StartTime   string  `yaml:"startTime"`
	EndTime     string  `yaml:"endTime"`
	Timezone    string  `yaml:"timezone"`    // IANA zone the times are expressed in, UTC when empty
	PeakRate    float64 `yaml:"peakRate"`    // Rate in currency/kWh during this time period
	OffPeakRate float64 `yaml:"offPeakRate"` // Rate in currency/kWh outside this time period
}

// PricingConfig holds the optional time-of-use electricity schedule
type PricingConfig struct {
	Enabled   bool       `yaml:"enabled"`
	Schedules []Schedule `yaml:"schedules"`
}

// ClassifierConfig points at an optional replacement rule table
type ClassifierConfig struct {
	RulesPath string `yaml:"rulesPath"`
}

// ObservabilityConfig holds the self-metrics endpoint
type ObservabilityConfig struct {
	MetricsPort int `yaml:"metricsPort"`
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Cost.validate(); err != nil {
		return fmt.Errorf("invalid cost config: %v", err)
	}
	if err := c.Collection.validate(); err != nil {
		return fmt.Errorf("invalid collection config: %v", err)
	}

	switch c.Source.Mode {
	case SourceModeExporter:
		if len(c.Source.Targets) == 0 {
			return fmt.Errorf("at least one exporter target is required")
		}
	case SourceModePrometheus:
		if c.Source.PrometheusURL == "" {
			return fmt.Errorf("prometheus URL is required in prometheus source mode")
		}
	default:
		return fmt.Errorf("unknown source mode: %s", c.Source.Mode)
	}
	if c.Source.ScrapeTimeout <= 0 {
		return fmt.Errorf("scrape timeout must be positive")
	}
	if c.Source.ScrapeTimeout > c.Collection.PollInterval {
		return fmt.Errorf("scrape timeout (%s) must not exceed poll interval (%s)",
			c.Source.ScrapeTimeout, c.Collection.PollInterval)
	}

	if c.Sink.MaxRetryAttempts < 1 {
		return fmt.Errorf("max retry attempts must be at least 1")
	}
	if c.Sink.QueueMaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be at least 1")
	}
	if c.Sink.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive")
	}
	if c.Sink.StorePath == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Sink.SpilloverPath == "" {
		return fmt.Errorf("spillover path is required")
	}

	if c.Pricing.Enabled {
		if err := c.validatePricing(); err != nil {
			return fmt.Errorf("invalid pricing config: %v", err)
		}
	}

	return nil
}

func (c CostConfig) validate() error {
	if c.ElectricityRate < 0 {
		return fmt.Errorf("electricity rate must not be negative")
	}
	if c.CoolingFactor < 1 {
		return fmt.Errorf("cooling factor must be at least 1, got %g", c.CoolingFactor)
	}
	if c.CarbonRate < 0 {
		return fmt.Errorf("carbon rate must not be negative")
	}
	if c.CarbonIntensity < 0 {
		return fmt.Errorf("carbon intensity must not be negative")
	}
	if c.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	return nil
}

func (c CollectionConfig) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive")
	}
	if c.WindowSize%time.Second != 0 {
		return fmt.Errorf("window size must be a whole number of seconds, got %s", c.WindowSize)
	}
	if c.EvictionTTL <= 0 {
		return fmt.Errorf("eviction TTL must be positive")
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("min interval must not be negative")
	}
	if c.MaxWatts <= 0 {
		return fmt.Errorf("max watts must be positive")
	}
	if c.LateSampleTolerance < 0 {
		return fmt.Errorf("late sample tolerance must not be negative")
	}
	return nil
}

func (c *Config) validatePricing() error {
	if len(c.Pricing.Schedules) == 0 {
		return fmt.Errorf("pricing enabled but no schedules configured")
	}
	for i, schedule := range c.Pricing.Schedules {
		if err := validateSchedule(schedule); err != nil {
			return fmt.Errorf("invalid schedule at index %d: %v", i, err)
		}
		if schedule.PeakRate <= 0 {
			return fmt.Errorf("peak rate must be positive in schedule at index %d", i)
		}
		if schedule.OffPeakRate <= 0 {
			return fmt.Errorf("off-peak rate must be positive in schedule at index %d", i)
		}
		if schedule.PeakRate <= schedule.OffPeakRate {
			return fmt.Errorf("peak rate must be greater than off-peak rate in schedule at index %d", i)
		}
	}
	return nil
}

func validateSchedule(schedule Schedule) error {
	if _, err := ParseDays(schedule.DayOfWeek); err != nil {
		return err
	}

	for _, t := range []string{schedule.StartTime, schedule.EndTime} {
		if _, err := time.Parse("15:04", t); err != nil {
			return fmt.Errorf("invalid time format: %s (must be HH:MM in 24h format)", t)
		}
	}
	if _, err := time.LoadLocation(schedule.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %v", schedule.Timezone, err)
	}
	if schedule.EndTime <= schedule.StartTime {
		return fmt.Errorf("end time %s must be after start time %s", schedule.EndTime, schedule.StartTime)
	}

	return nil
}

// ParseDays reads a day-of-week expression such as "12345", "1,2,3" or "1-5"
// where 0 is Sunday
func ParseDays(days string) (map[time.Weekday]bool, error) {
	if days == "" {
		return nil, fmt.Errorf("day of week is required")
	}

	set := make(map[time.Weekday]bool)
	runes := []rune(days)
	for i := 0; i < len(runes); i++ {
		day := runes[i]
		if day == ',' {
			continue
		}
		if day < '0' || day > '6' {
			return nil, fmt.Errorf("invalid day of week: %c (must be 0-6)", day)
		}
		if i+2 < len(runes) && runes[i+1] == '-' {
			last := runes[i+2]
			if last < day || last > '6' {
				return nil, fmt.Errorf("invalid day range: %c-%c", day, last)
			}
			for d := day; d <= last; d++ {
				set[time.Weekday(d-'0')] = true
			}
			i += 2
			continue
		}
		set[time.Weekday(day-'0')] = true
	}
	return set, nil
}
