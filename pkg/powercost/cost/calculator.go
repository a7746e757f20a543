package cost

import (
	"math"
	"time"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/config"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// RateSource returns the electricity rate in currency/kWh in effect at a time
type RateSource interface {
	GetRate(t time.Time) float64
}

// Calculator prices aggregation windows
type Calculator struct {
	cfg   config.CostConfig
	rates RateSource
}

// Option allows customizing the calculator
type Option func(*Calculator)

// WithRateSource makes the electricity rate time dependent, evaluated at each
// window's start
func WithRateSource(r RateSource) Option {
	return func(c *Calculator) {
		c.rates = r
	}
}

// New creates a calculator using the flat electricity rate from cfg unless a
// rate source is supplied
func New(cfg config.CostConfig, opts ...Option) *Calculator {
	c := &Calculator{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute prices one window. It is deterministic in its input: the same window
// always yields the same record. Negative or non-finite average power is
// treated as zero.
func (c *Calculator) Compute(w types.AggregationWindow) types.CostRecord {
	avgWatts := w.AvgWatts
	if math.IsNaN(avgWatts) || math.IsInf(avgWatts, 0) || avgWatts < 0 {
		avgWatts = 0
	}

	rate := c.cfg.ElectricityRate
	if c.rates != nil {
		rate = c.rates.GetRate(w.WindowStart)
	}

	durationHours := w.WindowEnd.Sub(w.WindowStart).Hours()
	kwh := avgWatts * durationHours / 1000

	electricity := kwh * rate
	cooling := electricity * c.cfg.CoolingFactor
	carbon := kwh * c.cfg.CarbonRate

	return types.CostRecord{
		Window:               w,
		ElectricityRate:      rate,
		KWh:                  kwh,
		ElectricityCost:      electricity,
		CoolingCost:          cooling,
		CarbonCost:           carbon,
		TotalCost:            electricity + cooling + carbon,
		CarbonEmissionsGrams: kwh * c.cfg.CarbonIntensity,
		Currency:             c.cfg.Currency,
	}
}
