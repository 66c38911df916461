// Package transform maintains the bronze, silver and gold layers of the
// asset inventory. Every layer is rebuilt from its upstream layer by
// computing into a staging table and atomically swapping it in, so a failed
// rebuild never disturbs the previous materialization and repeated runs are
// idempotent.
package transform

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jschuller/rf-asset-discovery/band"
	"github.com/jschuller/rf-asset-discovery/metrics"
)

// Layer tables. Raw survey tables live outside these prefixes; bronze is a
// snapshot of raw for lineage separation.
const (
	BronzeSignals  = "bronze_signals"
	BronzeSurveys  = "bronze_surveys"
	BronzeSegments = "bronze_survey_segments"
	SilverSignals  = "silver_verified_signals"
	SilverBands    = "silver_band_inventory"
	GoldAssets     = "gold_rf_assets"
)

// Config holds the quality gate thresholds.
type Config struct {
	// VerificationThreshold is the minimum detection count for silver.
	VerificationThreshold int
	// MinSilverPowerDB is the minimum power for silver.
	MinSilverPowerDB float64
	// GoldMinPowerDB is the minimum power for gold.
	GoldMinPowerDB float64
	// ExcludeBands are band labels silver filters out.
	ExcludeBands []string
	// IncludeUnknownProtocols keeps UNKNOWN-protocol rows in gold. Off by
	// default: an asset record needs a protocol to be actionable.
	IncludeUnknownProtocols bool
}

// DefaultConfig matches the documented quality gates.
func DefaultConfig() Config {
	return Config{
		VerificationThreshold: 2,
		MinSilverPowerDB:      0,
		GoldMinPowerDB:        10,
		ExcludeBands:          []string{"unknown", "gap"},
	}
}

// Result describes one layer transform invocation.
type Result struct {
	Layer       string
	Table       string
	RowsSource  int
	RowsCreated int
	Duration    time.Duration
	Success     bool
	DryRun      bool
	Err         string
}

// Transformer rebuilds the layers. Rebuilds of the same layer are exclusive;
// different layers may rebuild concurrently.
type Transformer struct {
	DB       *sql.DB
	Registry *band.Registry
	Config   Config
	// Driver selects the SQL dialect for generated expressions. Empty
	// means sqlite3.
	Driver string

	bronzeMu sync.Mutex
	silverMu sync.Mutex
	goldMu   sync.Mutex
}

// New wires a transformer. A nil registry selects the built-in rules.
func New(db *sql.DB, reg *band.Registry, cfg Config) *Transformer {
	if reg == nil {
		reg = band.NewRegistry(nil)
	}
	def := DefaultConfig()
	if cfg.VerificationThreshold == 0 {
		cfg.VerificationThreshold = def.VerificationThreshold
	}
	if cfg.GoldMinPowerDB == 0 {
		cfg.GoldMinPowerDB = def.GoldMinPowerDB
	}
	if len(cfg.ExcludeBands) == 0 {
		cfg.ExcludeBands = def.ExcludeBands
	}
	return &Transformer{DB: db, Registry: reg, Config: cfg}
}

// Bronze snapshots the raw survey tables into the bronze layer.
func (t *Transformer) Bronze(ctx context.Context, dryRun bool) ([]Result, error) {
	t.bronzeMu.Lock()
	defer t.bronzeMu.Unlock()

	copies := []struct{ source, target string }{
		{"signals", BronzeSignals},
		{"surveys", BronzeSurveys},
		{"survey_segments", BronzeSegments},
	}
	var results []Result
	for _, c := range copies {
		res := t.rebuild(ctx, "bronze", c.target, `SELECT * FROM `+c.source, dryRun)
		results = append(results, res)
		if !res.Success {
			return results, fmt.Errorf("bronze %s: %s", c.source, res.Err)
		}
	}
	return results, nil
}

// silverSelect is the generating query for the silver layer: verified
// signals only, annotated with the protocol from the classification
// registry.
func (t *Transformer) silverSelect() string {
	excludes := make([]string, len(t.Config.ExcludeBands))
	for i, b := range t.Config.ExcludeBands {
		excludes[i] = "'" + strings.ReplaceAll(b, "'", "''") + "'"
	}
	return fmt.Sprintf(`SELECT
		signal_id, survey_id, segment_id, frequency_hz, power_db, bandwidth_hz,
		freq_band, detection_count, first_seen, last_seen, state,
		%s AS rf_protocol
	FROM %s
	WHERE detection_count >= %d
	  AND power_db >= %g
	  AND freq_band NOT IN (%s)`,
		t.Registry.ProtocolCaseSQL("freq_band"), BronzeSignals,
		t.Config.VerificationThreshold, t.Config.MinSilverPowerDB,
		strings.Join(excludes, ", "))
}

// Silver rebuilds the verified-signal layer from bronze.
func (t *Transformer) Silver(ctx context.Context, dryRun bool) (Result, error) {
	t.silverMu.Lock()
	defer t.silverMu.Unlock()

	res := t.rebuild(ctx, "silver", SilverSignals, t.silverSelect(), dryRun)
	if !res.Success {
		return res, fmt.Errorf("silver: %s", res.Err)
	}
	return res, nil
}

// BandInventory rebuilds the per-band aggregate that rides along with the
// silver layer.
func (t *Transformer) BandInventory(ctx context.Context, dryRun bool) (Result, error) {
	t.silverMu.Lock()
	defer t.silverMu.Unlock()

	query := fmt.Sprintf(`SELECT
		freq_band,
		COUNT(*) AS signal_count,
		MIN(frequency_hz) AS min_freq_hz,
		MAX(frequency_hz) AS max_freq_hz,
		AVG(power_db) AS avg_power_db,
		MAX(power_db) AS max_power_db,
		MIN(first_seen) AS earliest_detection,
		MAX(last_seen) AS latest_detection,
		SUM(detection_count) AS total_detections
	FROM %s
	GROUP BY freq_band`, BronzeSignals)

	res := t.rebuild(ctx, "silver", SilverBands, query, dryRun)
	if !res.Success {
		return res, fmt.Errorf("band inventory: %s", res.Err)
	}
	return res, nil
}

// concatSQL renders string concatenation for the active driver. MySQL has
// no || operator in its default SQL mode.
func (t *Transformer) concatSQL(parts ...string) string {
	if t.Driver == "mysql" {
		return "CONCAT(" + strings.Join(parts, ", ") + ")"
	}
	return strings.Join(parts, " || ")
}

// mhzSQL renders col as a one-decimal MHz string.
func (t *Transformer) mhzSQL(col string) string {
	if t.Driver == "mysql" {
		return fmt.Sprintf("CAST(%s / 1000000.0 AS DECIMAL(10,1))", col)
	}
	return fmt.Sprintf("printf('%%.1f', %s / 1000000.0)", col)
}

// goldSelect is the generating query for the gold layer: silver rows past
// the power gate, enriched with CMDB class, Purdue level and risk. Asset
// identity derives from the source signal id so rebuilds are stable.
func (t *Transformer) goldSelect() string {
	purdue := t.Registry.PurdueCaseSQL("freq_band")
	known := ""
	if !t.Config.IncludeUnknownProtocols {
		known = fmt.Sprintf(" AND rf_protocol != '%s'", band.UnknownProtocol)
	}
	return fmt.Sprintf(`SELECT
		%s AS asset_id,
		%s AS name,
		frequency_hz, power_db, bandwidth_hz, rf_protocol,
		%s AS cmdb_ci_class,
		%s AS purdue_level,
		CASE
			WHEN %s <= 1 THEN '%s'
			WHEN rf_protocol = '%s' THEN '%s'
			ELSE '%s'
		END AS risk_level,
		signal_id AS source_signal_id,
		first_seen, last_seen
	FROM %s
	WHERE power_db >= %g%s`,
		t.concatSQL("'asset-'", "signal_id"),
		t.concatSQL("freq_band", "'_'", t.mhzSQL("frequency_hz"), "'MHz'"),
		t.Registry.CMDBCaseSQL("freq_band"), purdue, purdue,
		band.RiskHigh, band.UnknownProtocol, band.RiskMedium, band.RiskLow,
		SilverSignals, t.Config.GoldMinPowerDB, known)
}

// Gold rebuilds the asset layer from silver.
func (t *Transformer) Gold(ctx context.Context, dryRun bool) (Result, error) {
	t.goldMu.Lock()
	defer t.goldMu.Unlock()

	res := t.rebuild(ctx, "gold", GoldAssets, t.goldSelect(), dryRun)
	if !res.Success {
		return res, fmt.Errorf("gold: %s", res.Err)
	}
	return res, nil
}

// Full runs bronze, silver (with band inventory) and gold in order, so gold
// never reads a silver layer built from a different bronze snapshot.
func (t *Transformer) Full(ctx context.Context, dryRun bool) ([]Result, error) {
	results, err := t.Bronze(ctx, dryRun)
	if err != nil {
		return results, err
	}
	silver, err := t.Silver(ctx, dryRun)
	results = append(results, silver)
	if err != nil {
		return results, err
	}
	inventory, err := t.BandInventory(ctx, dryRun)
	results = append(results, inventory)
	if err != nil {
		return results, err
	}
	gold, err := t.Gold(ctx, dryRun)
	results = append(results, gold)
	if err != nil {
		return results, err
	}
	return results, nil
}

// rebuild computes query into a staging table, then swaps it in. The drop of
// the previous table happens only after the generating query succeeded. In
// dry-run mode it only counts the source rows.
func (t *Transformer) rebuild(ctx context.Context, layer, table, query string, dryRun bool) Result {
	started := time.Now()
	res := Result{Layer: layer, Table: table, DryRun: dryRun}

	finish := func() Result {
		res.Duration = time.Since(started)
		status := "success"
		if !res.Success {
			status = "error"
		}
		if dryRun {
			status = "dry_run"
		}
		metrics.TransformRuns.WithLabelValues(layer, status).Inc()
		metrics.TransformDuration.WithLabelValues(layer).Observe(res.Duration.Seconds())
		return res
	}

	var source int
	if err := t.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+query+`) AS src`).Scan(&source); err != nil {
		res.Err = err.Error()
		return finish()
	}
	res.RowsSource = source

	if dryRun {
		res.Success = true
		return finish()
	}

	staging := table + "_staging"
	if _, err := t.DB.ExecContext(ctx, `DROP TABLE IF EXISTS `+staging); err != nil {
		res.Err = err.Error()
		return finish()
	}
	if _, err := t.DB.ExecContext(ctx, `CREATE TABLE `+staging+` AS `+query); err != nil {
		res.Err = err.Error()
		return finish()
	}

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		res.Err = err.Error()
		return finish()
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
		res.Err = err.Error()
		return finish()
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE `+staging+` RENAME TO `+table); err != nil {
		res.Err = err.Error()
		return finish()
	}
	if err := tx.Commit(); err != nil {
		res.Err = err.Error()
		return finish()
	}

	var created int
	if err := t.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&created); err != nil {
		res.Err = err.Error()
		return finish()
	}
	res.RowsCreated = created
	res.Success = true
	glog.Infof("rebuilt %s: %d rows (from %d source)", table, created, source)
	return finish()
}

// Status reports row counts per layer table. Tables that have never been
// materialized are reported with count -1.
func (t *Transformer) Status(ctx context.Context) map[string]int {
	counts := map[string]int{}
	for _, table := range []string{
		"surveys", "survey_segments", "signals", "assets",
		BronzeSignals, BronzeSurveys, BronzeSegments,
		SilverSignals, SilverBands, GoldAssets,
	} {
		var n int
		if err := t.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			counts[table] = -1
			continue
		}
		counts[table] = n
	}
	return counts
}
