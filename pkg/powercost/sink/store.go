package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// Store is the durable time-series store. Upsert must be idempotent on the record key.
type Store interface {
	Upsert(ctx context.Context, rec types.CostRecord) error
}

// SQLiteStore keeps one row per (entity, component, window) in a local SQLite database
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	prepared map[string]*sql.Stmt
}

// NewSQLiteStore opens or creates the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	store := &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %v", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	klog.V(2).InfoS("Opened window store", "path", dbPath)
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS power_cost_windows (
		entity_type TEXT NOT NULL,
		namespace TEXT NOT NULL,
		pod_name TEXT NOT NULL,
		container_name TEXT NOT NULL,
		node_id TEXT NOT NULL,
		component TEXT NOT NULL,
		window_start INTEGER NOT NULL, -- unix nanoseconds
		window_end INTEGER NOT NULL,
		workload_id TEXT NOT NULL,
		workload_type TEXT NOT NULL,
		image TEXT,
		command TEXT,
		sample_count INTEGER NOT NULL,
		avg_watts REAL NOT NULL,
		min_watts REAL NOT NULL,
		max_watts REAL NOT NULL,
		total_joules REAL NOT NULL,
		energy_wh REAL NOT NULL,
		electricity_rate REAL NOT NULL,
		kwh REAL NOT NULL,
		electricity_cost REAL NOT NULL,
		cooling_cost REAL NOT NULL,
		carbon_cost REAL NOT NULL,
		total_cost REAL NOT NULL,
		carbon_emissions_grams REAL NOT NULL,
		currency TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (entity_type, namespace, pod_name, container_name, node_id, component, window_start, window_end)
	);

	CREATE INDEX IF NOT EXISTS idx_window_start ON power_cost_windows(window_start);
	CREATE INDEX IF NOT EXISTS idx_workload ON power_cost_windows(workload_type, namespace);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	statements := map[string]string{
		"upsert": `
			INSERT INTO power_cost_windows (
				entity_type, namespace, pod_name, container_name, node_id, component,
				window_start, window_end, workload_id, workload_type, image, command,
				sample_count, avg_watts, min_watts, max_watts, total_joules, energy_wh,
				electricity_rate, kwh, electricity_cost, cooling_cost, carbon_cost,
				total_cost, carbon_emissions_grams, currency
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity_type, namespace, pod_name, container_name, node_id, component, window_start, window_end)
			DO UPDATE SET
				workload_id = excluded.workload_id,
				workload_type = excluded.workload_type,
				image = excluded.image,
				command = excluded.command,
				sample_count = excluded.sample_count,
				avg_watts = excluded.avg_watts,
				min_watts = excluded.min_watts,
				max_watts = excluded.max_watts,
				total_joules = excluded.total_joules,
				energy_wh = excluded.energy_wh,
				electricity_rate = excluded.electricity_rate,
				kwh = excluded.kwh,
				electricity_cost = excluded.electricity_cost,
				cooling_cost = excluded.cooling_cost,
				carbon_cost = excluded.carbon_cost,
				total_cost = excluded.total_cost,
				carbon_emissions_grams = excluded.carbon_emissions_grams,
				currency = excluded.currency,
				updated_at = CURRENT_TIMESTAMP
		`,
		"select_key": `
			SELECT workload_id, workload_type, image, command,
				   sample_count, avg_watts, min_watts, max_watts, total_joules, energy_wh,
				   electricity_rate, kwh, electricity_cost, cooling_cost, carbon_cost,
				   total_cost, carbon_emissions_grams, currency
			FROM power_cost_windows
			WHERE entity_type = ? AND namespace = ? AND pod_name = ? AND container_name = ?
			  AND node_id = ? AND component = ? AND window_start = ? AND window_end = ?
		`,
		"count": `
			SELECT COUNT(*) FROM power_cost_windows
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// Upsert writes rec, overwriting any row with the same key
func (s *SQLiteStore) Upsert(ctx context.Context, rec types.CostRecord) error {
	k := rec.Key()
	w := rec.Window

	_, err := s.prepared["upsert"].ExecContext(ctx,
		string(k.Entity.EntityType),
		k.Entity.Namespace,
		k.Entity.PodName,
		k.Entity.ContainerName,
		k.Entity.NodeID,
		string(k.Component),
		k.WindowStart.UnixNano(),
		k.WindowEnd.UnixNano(),
		w.Workload.WorkloadID,
		w.Workload.WorkloadType,
		w.Workload.Image,
		w.Workload.Command,
		w.SampleCount,
		w.AvgWatts,
		w.MinWatts,
		w.MaxWatts,
		w.TotalJoules,
		w.EnergyWh,
		rec.ElectricityRate,
		rec.KWh,
		rec.ElectricityCost,
		rec.CoolingCost,
		rec.CarbonCost,
		rec.TotalCost,
		rec.CarbonEmissionsGrams,
		rec.Currency,
	)
	if err != nil {
		klog.V(2).InfoS("Failed to store window", "entity", k.Entity.String(), "component", k.Component, "err", err)
		return classifySQLiteError(fmt.Errorf("failed to store window: %w", err))
	}

	klog.V(4).InfoS("Stored window",
		"entity", k.Entity.String(),
		"component", k.Component,
		"windowStart", k.WindowStart,
		"totalCost", rec.TotalCost)
	return nil
}

// Get reads back the record stored under key
func (s *SQLiteStore) Get(ctx context.Context, key types.StoreKey) (types.CostRecord, bool, error) {
	start, end := key.WindowStart.UTC(), key.WindowEnd.UTC()
	rec := types.CostRecord{
		Window: types.AggregationWindow{
			Entity:      key.Entity,
			Component:   key.Component,
			WindowStart: start,
			WindowEnd:   end,
		},
	}
	w := &rec.Window

	var image, command sql.NullString
	err := s.prepared["select_key"].QueryRowContext(ctx,
		string(key.Entity.EntityType),
		key.Entity.Namespace,
		key.Entity.PodName,
		key.Entity.ContainerName,
		key.Entity.NodeID,
		string(key.Component),
		start.UnixNano(),
		end.UnixNano(),
	).Scan(
		&w.Workload.WorkloadID,
		&w.Workload.WorkloadType,
		&image,
		&command,
		&w.SampleCount,
		&w.AvgWatts,
		&w.MinWatts,
		&w.MaxWatts,
		&w.TotalJoules,
		&w.EnergyWh,
		&rec.ElectricityRate,
		&rec.KWh,
		&rec.ElectricityCost,
		&rec.CoolingCost,
		&rec.CarbonCost,
		&rec.TotalCost,
		&rec.CarbonEmissionsGrams,
		&rec.Currency,
	)
	if err == sql.ErrNoRows {
		return types.CostRecord{}, false, nil
	}
	if err != nil {
		return types.CostRecord{}, false, fmt.Errorf("failed to read window: %v", err)
	}

	w.Workload.Image = image.String
	w.Workload.Command = command.String
	return rec, true, nil
}

// Count returns the number of stored windows
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.prepared["count"].QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count windows: %v", err)
	}
	return n, nil
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	for _, stmt := range s.prepared {
		stmt.Close()
	}
	return s.db.Close()
}

// classifySQLiteError marks constraint and type errors as permanent; lock
// contention and I/O failures stay retryable
func classifySQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig, sqlite3.ErrRange:
			return errors.NewPermanent(common.SinkStore, err)
		}
	}
	return errors.NewTransient(common.SinkStore, err)
}
