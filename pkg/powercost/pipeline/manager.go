package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/clock"
)

// Replayer re-drives records that could not be delivered. *sink.Sink satisfies it.
type Replayer interface {
	Replay(ctx context.Context) (replayed, remaining int, err error)
}

// Pinger checks that a dependency is reachable. *sink.SQLiteStore satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TargetStatus is the health of one target
type TargetStatus struct {
	Target      string    `json:"target"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Healthy     bool      `json:"healthy"`
}

// StoreStatus is the reachability of the window store
type StoreStatus struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// HealthReport is what /healthz serves
type HealthReport struct {
	Healthy bool           `json:"healthy"`
	Store   *StoreStatus   `json:"store,omitempty"`
	Targets []TargetStatus `json:"targets"`
}

// Manager runs one pipeline per target plus the spillover replay loop
type Manager struct {
	pipelines      []*Pipeline
	replayer       Replayer
	store          Pinger
	replayInterval time.Duration
	staleAfter     time.Duration
	clock          clock.Clock
	started        time.Time
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithStorePinger makes health depend on the window store being reachable
func WithStorePinger(p Pinger) ManagerOption {
	return func(m *Manager) {
		m.store = p
	}
}

// NewManager creates a manager. A target is unhealthy once it has gone
// staleAfter without a successful cycle.
func NewManager(pipelines []*Pipeline, replayer Replayer, replayInterval, staleAfter time.Duration, c clock.Clock, opts ...ManagerOption) *Manager {
	m := &Manager{
		pipelines:      pipelines,
		replayer:       replayer,
		replayInterval: replayInterval,
		staleAfter:     staleAfter,
		clock:          c,
		started:        c.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run blocks until ctx is done and every pipeline has finished its cycle
func (m *Manager) Run(ctx context.Context) error {
	if len(m.pipelines) == 0 {
		return fmt.Errorf("no targets configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range m.pipelines {
		g.Go(func() error {
			return p.Run(ctx)
		})
	}

	if m.replayer != nil && m.replayInterval > 0 {
		g.Go(func() error {
			wait.UntilWithContext(ctx, m.replay, m.replayInterval)
			return nil
		})
	}

	klog.InfoS("Started collection manager", "targets", len(m.pipelines), "replayInterval", m.replayInterval)
	return g.Wait()
}

func (m *Manager) replay(ctx context.Context) {
	replayed, remaining, err := m.replayer.Replay(ctx)
	if err != nil {
		klog.ErrorS(err, "Spillover replay failed", "remaining", remaining)
		return
	}
	if replayed > 0 || remaining > 0 {
		klog.InfoS("Spillover replay pass", "replayed", replayed, "remaining", remaining)
	}
}

// Health reports every target ordered by name, plus the store when one is set.
// The report is healthy only if every target is within its stale period and
// the store answers.
func (m *Manager) Health(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Targets: m.targetStatus()}
	for _, st := range report.Targets {
		if !st.Healthy {
			report.Healthy = false
		}
	}

	if m.store != nil {
		st := &StoreStatus{Reachable: true}
		if err := m.store.Ping(ctx); err != nil {
			klog.V(2).InfoS("Window store ping failed", "err", err)
			st.Reachable = false
			st.Error = err.Error()
			report.Healthy = false
		}
		report.Store = st
	}
	return report
}

func (m *Manager) targetStatus() []TargetStatus {
	now := m.clock.Now()
	out := make([]TargetStatus, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		last, err := p.LastSuccess()
		st := TargetStatus{Target: p.Target(), LastSuccess: last}
		if err != nil {
			st.LastError = err.Error()
		}

		// A target gets one stale period of grace after startup
		reference := last
		if reference.IsZero() {
			reference = m.started
		}
		st.Healthy = now.Sub(reference) <= m.staleAfter
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
