package tou

import (
	"fmt"
	"time"
	_ "time/tzdata" // Schedules name IANA zones; distroless images ship no zoneinfo

	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/config"
)

type schedule struct {
	days        map[time.Weekday]bool
	start       string
	end         string
	location    *time.Location
	peakRate    float64
	offPeakRate float64
}

// Scheduler handles time-of-use electricity pricing schedules
type Scheduler struct {
	schedules []schedule
}

// New creates a new TOU pricing scheduler from validated pricing config
func New(cfg config.PricingConfig) (*Scheduler, error) {
	s := &Scheduler{}
	for i, sc := range cfg.Schedules {
		days, err := config.ParseDays(sc.DayOfWeek)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %v", i, err)
		}
		loc, err := time.LoadLocation(sc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: invalid timezone %q: %v", i, sc.Timezone, err)
		}
		s.schedules = append(s.schedules, schedule{
			days:        days,
			start:       sc.StartTime,
			end:         sc.EndTime,
			location:    loc,
			peakRate:    sc.PeakRate,
			offPeakRate: sc.OffPeakRate,
		})
	}

	klog.V(2).InfoS("Created TOU pricing scheduler", "schedules", len(s.schedules))
	return s, nil
}

// GetRate returns the electricity rate in effect at t. A schedule covers
// [startTime, endTime) on its days; outside every schedule the shared
// off-peak rate applies.
func (s *Scheduler) GetRate(t time.Time) float64 {
	for _, sc := range s.schedules {
		local := t.In(sc.location)
		if !sc.days[local.Weekday()] {
			continue
		}

		clock := local.Format("15:04")
		if clock >= sc.start && clock < sc.end {
			return sc.peakRate
		}
	}

	// All schedules share one off-peak rate (validated in config)
	if len(s.schedules) > 0 {
		return s.schedules[0].offPeakRate
	}

	return 0 // No schedules configured
}
