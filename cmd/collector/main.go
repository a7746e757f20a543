package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/component-base/metrics/legacyregistry"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/classifier"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/clock"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/config"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/cost"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/pipeline"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/pricing/tou"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/sink"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/source"
)

// Targets count as unhealthy after this many poll intervals without a successful cycle
const staleIntervals = 3

func main() {
	var metricsPort int

	flag.IntVar(&metricsPort, "metrics-port", 0, "Metrics and health server port (overrides METRICS_PORT)")
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration")
		os.Exit(1)
	}
	if metricsPort > 0 {
		cfg.Observability.MetricsPort = metricsPort
	}

	klog.InfoS("Starting power cost collector",
		"sourceMode", cfg.Source.Mode,
		"targets", cfg.Source.Targets,
		"windowSize", cfg.Collection.WindowSize,
		"metricsPort", cfg.Observability.MetricsPort)

	cls, err := buildClassifier(cfg.Classifier)
	if err != nil {
		klog.ErrorS(err, "Failed to load classifier rules")
		os.Exit(1)
	}

	calc, err := buildCalculator(cfg)
	if err != nil {
		klog.ErrorS(err, "Failed to create cost calculator")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sink.NewSQLiteStore(cfg.Sink.StorePath)
	if err != nil {
		klog.ErrorS(err, "Failed to open window store", "path", cfg.Sink.StorePath)
		os.Exit(1)
	}
	defer store.Close()

	spill, err := sink.NewSpillover(cfg.Sink.SpilloverPath)
	if err != nil {
		klog.ErrorS(err, "Failed to open spillover buffer", "path", cfg.Sink.SpilloverPath)
		os.Exit(1)
	}

	var queue sink.Queue
	if cfg.Sink.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Sink.Redis.Addr,
			Password: cfg.Sink.Redis.Password,
			DB:       cfg.Sink.Redis.DB,
		})
		defer client.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			// Queue writes are best effort; delivery only depends on the store
			klog.ErrorS(err, "Redis is not reachable, queue writes will fail until it is", "addr", cfg.Sink.Redis.Addr)
		}
		pingCancel()
		queue = sink.NewRedisQueue(client, cfg.Sink.Redis.ListKey, cfg.Sink.Redis.MaxLen)
	}

	publisher := sink.New(queue, store, spill, sink.Options{
		StoreMaxAttempts: cfg.Sink.MaxRetryAttempts,
		QueueMaxAttempts: cfg.Sink.QueueMaxAttempts,
		RetryBaseDelay:   cfg.Sink.RetryBaseDelay,
	})

	sources, err := buildSources(cfg.Source)
	if err != nil {
		klog.ErrorS(err, "Failed to create counter sources")
		os.Exit(1)
	}

	clk := clock.RealClock{}
	pipelines := make([]*pipeline.Pipeline, 0, len(sources))
	for _, src := range sources {
		pipelines = append(pipelines, pipeline.New(src, cfg.Collection, cls, calc, publisher, clk))
	}
	manager := pipeline.NewManager(pipelines, publisher, cfg.Sink.ReplayInterval,
		staleIntervals*cfg.Collection.PollInterval, clk, pipeline.WithStorePinger(store))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler:      newMux(manager),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		klog.InfoS("Starting metrics server", "port", cfg.Observability.MetricsPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "Metrics server error")
			cancel()
		}
	}()

	if err := manager.Run(ctx); err != nil {
		klog.ErrorS(err, "Collection manager stopped with error")
	}

	klog.InfoS("Shutting down metrics server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Error shutting down metrics server")
	}

	klog.InfoS("Power cost collector stopped", "spilledRecords", spill.Len())
}

func buildClassifier(cfg config.ClassifierConfig) (*classifier.Classifier, error) {
	table := classifier.DefaultRuleTable()
	if cfg.RulesPath != "" {
		loaded, err := classifier.LoadRuleTable(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	cls := classifier.New(table)
	klog.InfoS("Loaded workload classifier", "version", cls.Version(), "rulesPath", cfg.RulesPath)
	return cls, nil
}

func buildCalculator(cfg *config.Config) (*cost.Calculator, error) {
	if !cfg.Pricing.Enabled || len(cfg.Pricing.Schedules) == 0 {
		return cost.New(cfg.Cost), nil
	}

	scheduler, err := tou.New(cfg.Pricing)
	if err != nil {
		return nil, fmt.Errorf("failed to create TOU scheduler: %v", err)
	}
	klog.InfoS("Using time-of-use electricity pricing", "schedules", len(cfg.Pricing.Schedules))
	return cost.New(cfg.Cost, cost.WithRateSource(scheduler)), nil
}

// buildSources creates one source per exporter target, or a single source for the Prometheus server
func buildSources(cfg config.SourceConfig) ([]source.Source, error) {
	switch cfg.Mode {
	case config.SourceModePrometheus:
		src, err := source.NewPrometheusSource(cfg.PrometheusURL, cfg.ScrapeTimeout)
		if err != nil {
			return nil, err
		}
		return []source.Source{src}, nil

	case config.SourceModeExporter:
		seen := make(map[string]bool, len(cfg.Targets))
		sources := make([]source.Source, 0, len(cfg.Targets))
		for _, target := range cfg.Targets {
			if seen[target] {
				klog.InfoS("Ignoring duplicate exporter target", "target", target)
				continue
			}
			seen[target] = true

			src, err := source.NewExporterSource(target, cfg.ScrapeTimeout)
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		}
		return sources, nil
	}
	return nil, fmt.Errorf("unknown source mode %q", cfg.Mode)
}

type healthReporter interface {
	Health(ctx context.Context) pipeline.HealthReport
}

func newMux(health healthReporter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", legacyregistry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := health.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			klog.V(2).InfoS("Failed to write health response", "err", err)
		}
	})
	return mux
}
