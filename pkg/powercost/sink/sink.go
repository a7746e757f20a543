package sink

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/metrics"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// Options holds retry behavior for the two writes
type Options struct {
	StoreMaxAttempts int
	QueueMaxAttempts int
	RetryBaseDelay   time.Duration
}

// PublishResult describes what happened to one record
type PublishResult struct {
	Delivered bool // Written to the durable store
	Queued    bool
	Spilled   bool
	QueueErr  error
	StoreErr  error
}

// Sink dual-writes cost records to the queue and the durable store
type Sink struct {
	queue Queue // Optional
	store Store
	spill *Spillover
	opts  Options
}

// New creates a sink. queue may be nil when no queue is configured.
func New(queue Queue, store Store, spill *Spillover, opts Options) *Sink {
	if opts.StoreMaxAttempts < 1 {
		opts.StoreMaxAttempts = 1
	}
	if opts.QueueMaxAttempts < 1 {
		opts.QueueMaxAttempts = 1
	}
	return &Sink{queue: queue, store: store, spill: spill, opts: opts}
}

// Publish writes rec to the queue and the store concurrently. Queue failures
// never affect delivery. A record the store keeps rejecting with transient
// errors is appended to the spillover buffer for Replay.
func (s *Sink) Publish(ctx context.Context, rec types.CostRecord) PublishResult {
	if err := Validate(rec); err != nil {
		perm := errors.NewPermanent(common.SinkStore, err)
		metrics.PublishAttempts.WithLabelValues(common.SinkStore, common.ResultPermanent).Inc()
		klog.ErrorS(perm, "Discarding invalid cost record",
			"entity", rec.Window.Entity.String(),
			"component", rec.Window.Component,
			"windowStart", rec.Window.WindowStart)
		return PublishResult{StoreErr: perm}
	}

	var result PublishResult
	var wg sync.WaitGroup
	if s.queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result.QueueErr = s.retry(ctx, common.SinkQueue, s.opts.QueueMaxAttempts, func(ctx context.Context) error {
				return s.queue.Push(ctx, rec)
			})
			result.Queued = result.QueueErr == nil
		}()
	}

	storeErr := s.retry(ctx, common.SinkStore, s.opts.StoreMaxAttempts, func(ctx context.Context) error {
		return s.store.Upsert(ctx, rec)
	})
	wg.Wait()

	result.StoreErr = storeErr
	result.Delivered = storeErr == nil

	if result.QueueErr != nil {
		klog.V(2).InfoS("Queue write failed", "entity", rec.Window.Entity.String(), "err", result.QueueErr)
	}

	if errors.IsTransient(storeErr) {
		if err := s.spill.Append(rec); err != nil {
			metrics.PublishAttempts.WithLabelValues(common.SinkSpillover, common.ResultError).Inc()
			klog.ErrorS(err, "Failed to spill record, record lost",
				"entity", rec.Window.Entity.String(),
				"component", rec.Window.Component,
				"windowStart", rec.Window.WindowStart)
		} else {
			metrics.PublishAttempts.WithLabelValues(common.SinkSpillover, common.ResultSuccess).Inc()
			result.Spilled = true
			klog.V(2).InfoS("Spilled record after store retries were exhausted",
				"entity", rec.Window.Entity.String(),
				"component", rec.Window.Component,
				"windowStart", rec.Window.WindowStart,
				"err", storeErr)
		}
	} else if storeErr != nil {
		klog.ErrorS(storeErr, "Store rejected cost record",
			"entity", rec.Window.Entity.String(),
			"component", rec.Window.Component,
			"windowStart", rec.Window.WindowStart)
	}

	return result
}

// retry runs write with exponential backoff. Permanent errors stop at once.
func (s *Sink) retry(ctx context.Context, sink string, attempts int, write func(context.Context) error) error {
	backoff := wait.Backoff{
		Duration: s.opts.RetryBaseDelay,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    attempts,
	}

	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		lastErr = write(ctx)
		switch {
		case lastErr == nil:
			metrics.PublishAttempts.WithLabelValues(sink, common.ResultSuccess).Inc()
			return true, nil
		case errors.IsPermanent(lastErr):
			metrics.PublishAttempts.WithLabelValues(sink, common.ResultPermanent).Inc()
			return false, lastErr
		default:
			metrics.PublishAttempts.WithLabelValues(sink, common.ResultError).Inc()
			klog.V(3).InfoS("Write attempt failed", "sink", sink, "err", lastErr)
			return false, nil
		}
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return errors.NewTransient(sink, err)
}

// Replay re-drives spilled records to the store. It stops writing at the
// first failure and keeps that record and the rest for the next pass.
func (s *Sink) Replay(ctx context.Context) (replayed, remaining int, err error) {
	if s.spill.Len() == 0 {
		return 0, 0, nil
	}

	var storeErr error
	replayed, remaining, err = s.spill.Drain(func(rec types.CostRecord) error {
		if storeErr != nil {
			return storeErr
		}
		if err := s.store.Upsert(ctx, rec); err != nil {
			if errors.IsPermanent(err) {
				klog.ErrorS(err, "Dropping spilled record the store rejects", "entity", rec.Window.Entity.String())
				metrics.PublishAttempts.WithLabelValues(common.SinkStore, common.ResultPermanent).Inc()
				return nil
			}
			metrics.PublishAttempts.WithLabelValues(common.SinkStore, common.ResultError).Inc()
			storeErr = err
			return err
		}
		metrics.PublishAttempts.WithLabelValues(common.SinkStore, common.ResultSuccess).Inc()
		return nil
	})
	if err != nil {
		return replayed, remaining, fmt.Errorf("replay failed: %v", err)
	}

	klog.V(2).InfoS("Replayed spilled records", "replayed", replayed, "remaining", remaining, "storeErr", storeErr)
	return replayed, remaining, nil
}

// Validate rejects records that could never be stored
func Validate(rec types.CostRecord) error {
	w := rec.Window
	if w.Entity.IsZero() {
		return fmt.Errorf("record has an empty entity key")
	}
	if !w.WindowEnd.After(w.WindowStart) {
		return fmt.Errorf("window end %s is not after start %s", w.WindowEnd, w.WindowStart)
	}

	fields := map[string]float64{
		"avgWatts":             w.AvgWatts,
		"minWatts":             w.MinWatts,
		"maxWatts":             w.MaxWatts,
		"totalJoules":          w.TotalJoules,
		"energyWh":             w.EnergyWh,
		"electricityRate":      rec.ElectricityRate,
		"kwh":                  rec.KWh,
		"electricityCost":      rec.ElectricityCost,
		"coolingCost":          rec.CoolingCost,
		"carbonCost":           rec.CarbonCost,
		"totalCost":            rec.TotalCost,
		"carbonEmissionsGrams": rec.CarbonEmissionsGrams,
	}
	for name, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("field %s is not finite: %v", name, v)
		}
	}
	return nil
}
