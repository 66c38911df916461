// Package store is the durable segment store: surveys, segments, signals and
// assets with atomic status transitions over database/sql (sqlite or MySQL).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

const (
	createSurveysTmpl = `CREATE TABLE IF NOT EXISTS surveys (
		survey_id          VARCHAR(64) NOT NULL PRIMARY KEY,
		name               TEXT NOT NULL,
		status             VARCHAR(32) NOT NULL,
		start_hz           BIGINT NOT NULL,
		end_hz             BIGINT NOT NULL,
		created_at         BIGINT NOT NULL,
		started_at         BIGINT,
		completed_at       BIGINT,
		last_activity_at   BIGINT,
		total_segments     INTEGER NOT NULL DEFAULT 0,
		completed_segments INTEGER NOT NULL DEFAULT 0,
		completion_pct     REAL NOT NULL DEFAULT 0,
		total_signals      INTEGER NOT NULL DEFAULT 0,
		unique_frequencies INTEGER NOT NULL DEFAULT 0,
		config             TEXT NOT NULL,
		results_summary    TEXT NOT NULL,
		location_name      TEXT,
		gps_lat            REAL,
		gps_lon            REAL,
		antenna_type       TEXT,
		sdr_device         TEXT,
		gain_setting       TEXT,
		run_number         INTEGER,
		conditions_notes   TEXT,
		baseline_survey_id VARCHAR(64)
	);`

	createSegmentsTmpl = `CREATE TABLE IF NOT EXISTS survey_segments (
		segment_id        VARCHAR(64) NOT NULL PRIMARY KEY,
		survey_id         VARCHAR(64) NOT NULL,
		name              TEXT NOT NULL,
		start_hz          BIGINT NOT NULL,
		end_hz            BIGINT NOT NULL,
		priority          INTEGER NOT NULL,
		step_hz           BIGINT NOT NULL,
		dwell_ms          BIGINT NOT NULL,
		status            VARCHAR(32) NOT NULL,
		scan_id           VARCHAR(64),
		scheduled_at      BIGINT,
		started_at        BIGINT,
		completed_at      BIGINT,
		signals_found     INTEGER NOT NULL DEFAULT 0,
		noise_floor_db    REAL,
		scan_time_seconds REAL,
		error_message     TEXT
	);`

	createSignalsTmpl = `CREATE TABLE IF NOT EXISTS signals (
		signal_id         VARCHAR(64) NOT NULL PRIMARY KEY,
		survey_id         VARCHAR(64) NOT NULL,
		segment_id        VARCHAR(64) NOT NULL,
		scan_id           VARCHAR(64),
		frequency_hz      BIGINT NOT NULL,
		power_db          REAL NOT NULL,
		bandwidth_hz      BIGINT,
		freq_band         VARCHAR(64) NOT NULL,
		detection_count   INTEGER NOT NULL DEFAULT 1,
		first_seen        BIGINT NOT NULL,
		last_seen         BIGINT NOT NULL,
		state             VARCHAR(32) NOT NULL,
		promoted_asset_id VARCHAR(64),
		notes             TEXT
	);`

	createAssetsTmpl = `CREATE TABLE IF NOT EXISTS assets (
		asset_id         VARCHAR(64) NOT NULL PRIMARY KEY,
		name             TEXT NOT NULL,
		frequency_hz     BIGINT NOT NULL,
		power_db         REAL NOT NULL,
		bandwidth_hz     BIGINT,
		rf_protocol      VARCHAR(64) NOT NULL,
		cmdb_ci_class    VARCHAR(64) NOT NULL,
		purdue_level     INTEGER NOT NULL,
		risk_level       VARCHAR(16) NOT NULL,
		source_signal_id VARCHAR(64) NOT NULL,
		first_seen       BIGINT NOT NULL,
		last_seen        BIGINT NOT NULL,
		metadata         TEXT NOT NULL
	);`

	surveyColumns = `survey_id, name, status, start_hz, end_hz, created_at, started_at,
		completed_at, last_activity_at, total_segments, completed_segments,
		completion_pct, total_signals, unique_frequencies, config, results_summary,
		location_name, gps_lat, gps_lon, antenna_type, sdr_device, gain_setting,
		run_number, conditions_notes, baseline_survey_id`

	segmentColumns = `segment_id, survey_id, name, start_hz, end_hz, priority, step_hz,
		dwell_ms, status, scan_id, scheduled_at, started_at, completed_at,
		signals_found, noise_floor_db, scan_time_seconds, error_message`

	signalColumns = `signal_id, survey_id, segment_id, scan_id, frequency_hz, power_db,
		bandwidth_hz, freq_band, detection_count, first_seen, last_seen, state,
		promoted_asset_id, notes`
)

// Store wraps the SQL engine holding all survey state. It is the sole shared
// mutable resource; claims and terminal transitions use compare-and-swap
// updates so concurrent callers stay serialized.
type Store struct {
	DB *sql.DB

	now func() time.Time
}

// Open connects to the backing engine. Supported drivers: sqlite3, mysql
// (blind-imported by the caller).
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s DB %q: %w", driver, dsn, err)
	}
	switch driver {
	case "mysql":
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
	case "sqlite3":
		// sqlite serializes writers. A single pooled connection avoids
		// SQLITE_BUSY under concurrent claims.
		db.SetMaxOpenConns(1)
	}
	return New(db), nil
}

// New wraps an existing DB handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

// Init creates the raw tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, tmpl := range []string{createSurveysTmpl, createSegmentsTmpl, createSignalsTmpl, createAssetsTmpl} {
		if _, err := s.DB.ExecContext(ctx, tmpl); err != nil {
			return fmt.Errorf("unable to create table: %w", err)
		}
	}
	return nil
}

func (s *Store) nowMilli() int64 {
	return s.now().UnixMilli()
}

// CreateSurvey persists a survey and its segment plan in one transaction.
// Rejects inverted frequency ranges and empty plans before any write.
func (s *Store) CreateSurvey(ctx context.Context, survey *Survey, segments []Segment) error {
	if survey.StartHz >= survey.EndHz {
		return fmt.Errorf("%w: start_hz %d >= end_hz %d", ErrValidation, survey.StartHz, survey.EndHz)
	}
	if len(segments) == 0 {
		return fmt.Errorf("%w: survey has no segments", ErrValidation)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %s", ErrStorage, err)
	}
	defer tx.Rollback()

	// Run numbers increment per location.
	if survey.LocationName.Valid {
		var next int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(run_number), 0) + 1 FROM surveys WHERE location_name = ?`,
			survey.LocationName.String,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("%w: run number: %s", ErrStorage, err)
		}
		survey.RunNumber = sql.NullInt64{Int64: next, Valid: true}
	}

	survey.Status = SurveyPending
	survey.TotalSegments = len(segments)
	if survey.CreatedAt == 0 {
		survey.CreatedAt = s.nowMilli()
	}
	if survey.Config == "" {
		survey.Config = "{}"
	}
	if survey.ResultsSummary == "" {
		survey.ResultsSummary = "{}"
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO surveys (`+surveyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		survey.ID, survey.Name, survey.Status, survey.StartHz, survey.EndHz,
		survey.CreatedAt, survey.StartedAt, survey.CompletedAt, survey.LastActivityAt,
		survey.TotalSegments, survey.CompletedSegments, survey.CompletionPct,
		survey.TotalSignals, survey.UniqueFrequencies, survey.Config, survey.ResultsSummary,
		survey.LocationName, survey.GPSLat, survey.GPSLon, survey.AntennaType,
		survey.SDRDevice, survey.GainSetting, survey.RunNumber, survey.ConditionsNotes,
		survey.BaselineSurveyID,
	); err != nil {
		return fmt.Errorf("%w: insert survey: %s", ErrStorage, err)
	}

	for i := range segments {
		seg := &segments[i]
		seg.SurveyID = survey.ID
		if seg.Status == "" {
			seg.Status = SegmentPending
		}
		if !seg.ScheduledAt.Valid {
			seg.ScheduledAt = sql.NullInt64{Int64: survey.CreatedAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO survey_segments (`+segmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.ID, seg.SurveyID, seg.Name, seg.StartHz, seg.EndHz, seg.Priority,
			seg.StepHz, seg.DwellMS, seg.Status, seg.ScanID, seg.ScheduledAt,
			seg.StartedAt, seg.CompletedAt, seg.SignalsFound, seg.NoiseFloorDB,
			seg.ScanTimeSeconds, seg.ErrorMessage,
		); err != nil {
			return fmt.Errorf("%w: insert segment: %s", ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %s", ErrStorage, err)
	}
	glog.Infof("created survey %q with %d segments", survey.Name, len(segments))
	return nil
}

// GetSurvey returns a survey by id.
func (s *Store) GetSurvey(ctx context.Context, surveyID string) (*Survey, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+surveyColumns+` FROM surveys WHERE survey_id = ?`, surveyID)
	survey, err := scanSurvey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: survey %s", ErrNotFound, surveyID)
	}
	return survey, err
}

// ListSurveys returns surveys newest first, optionally filtered by status.
func (s *Store) ListSurveys(ctx context.Context, status string, limit int) ([]*Survey, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + surveyColumns + ` FROM surveys `
	args := []any{}
	if status != "" {
		query += `WHERE status = ? `
		args = append(args, status)
	}
	query += `ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list surveys: %s", ErrStorage, err)
	}
	defer rows.Close()
	return collectSurveys(rows)
}

// ListSurveysByLocation returns surveys at a location, newest run first.
func (s *Store) ListSurveysByLocation(ctx context.Context, location string, limit int) ([]*Survey, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+surveyColumns+` FROM surveys WHERE location_name = ?
		 ORDER BY run_number DESC, created_at DESC LIMIT ?`, location, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list surveys by location: %s", ErrStorage, err)
	}
	defer rows.Close()
	return collectSurveys(rows)
}

// UpdateSurveyStatus applies a survey status transition, enforcing the
// lifecycle state machine. started_at is set on the first transition to
// in_progress, completed_at on completion.
func (s *Store) UpdateSurveyStatus(ctx context.Context, surveyID, status string) error {
	survey, err := s.GetSurvey(ctx, surveyID)
	if err != nil {
		return err
	}
	if err := checkSurveyTransition(survey.Status, status); err != nil {
		return err
	}
	now := s.nowMilli()

	var res sql.Result
	switch status {
	case SurveyInProgress:
		res, err = s.DB.ExecContext(ctx,
			`UPDATE surveys SET status = ?, last_activity_at = ?,
			 started_at = COALESCE(started_at, ?) WHERE survey_id = ? AND status = ?`,
			status, now, now, surveyID, survey.Status)
	case SurveyCompleted:
		res, err = s.DB.ExecContext(ctx,
			`UPDATE surveys SET status = ?, last_activity_at = ?, completed_at = ?
			 WHERE survey_id = ? AND status = ?`,
			status, now, now, surveyID, survey.Status)
	default:
		res, err = s.DB.ExecContext(ctx,
			`UPDATE surveys SET status = ?, last_activity_at = ? WHERE survey_id = ? AND status = ?`,
			status, now, surveyID, survey.Status)
	}
	if err != nil {
		return fmt.Errorf("%w: update survey status: %s", ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 && survey.Status != status {
		// Lost a race with a concurrent transition.
		return fmt.Errorf("%w: survey %s changed concurrently", ErrState, surveyID)
	}
	return nil
}

// ClaimNextSegment atomically selects the highest-priority pending segment
// and marks it in_progress with the given scan execution id. Returns
// (nil, nil) when no pending segment remains. Only one concurrent claim can
// succeed per segment.
func (s *Store) ClaimNextSegment(ctx context.Context, surveyID, scanID string) (*Segment, error) {
	if _, err := s.GetSurvey(ctx, surveyID); err != nil {
		return nil, err
	}
	for {
		row := s.DB.QueryRowContext(ctx,
			`SELECT `+segmentColumns+` FROM survey_segments
			 WHERE survey_id = ? AND status = ?
			 ORDER BY priority, start_hz LIMIT 1`, surveyID, SegmentPending)
		seg, err := scanSegment(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := s.nowMilli()
		res, err := s.DB.ExecContext(ctx,
			`UPDATE survey_segments SET status = ?, started_at = ?, scan_id = ?
			 WHERE segment_id = ? AND status = ?`,
			SegmentInProgress, now, scanID, seg.ID, SegmentPending)
		if err != nil {
			return nil, fmt.Errorf("%w: claim segment: %s", ErrStorage, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another caller claimed it first; pick the next candidate.
			continue
		}
		seg.Status = SegmentInProgress
		seg.StartedAt = sql.NullInt64{Int64: now, Valid: true}
		seg.ScanID = sql.NullString{String: scanID, Valid: true}
		return seg, nil
	}
}

// GetSegment returns a segment by id.
func (s *Store) GetSegment(ctx context.Context, segmentID string) (*Segment, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM survey_segments WHERE segment_id = ?`, segmentID)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: segment %s", ErrNotFound, segmentID)
	}
	return seg, err
}

// Segments returns all segments of a survey in execution order.
func (s *Store) Segments(ctx context.Context, surveyID string) ([]*Segment, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM survey_segments WHERE survey_id = ?
		 ORDER BY priority, start_hz`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("%w: list segments: %s", ErrStorage, err)
	}
	defer rows.Close()

	var segs []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// CompleteSegment records a successful scan result. Completing an already
// completed segment is a no-op; completing a segment in any other terminal
// status is an ErrState.
func (s *Store) CompleteSegment(ctx context.Context, segmentID string, result SegmentResult) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE survey_segments SET status = ?, completed_at = ?, signals_found = ?,
		 noise_floor_db = ?, scan_time_seconds = ?
		 WHERE segment_id = ? AND status = ?`,
		SegmentCompleted, s.nowMilli(), result.SignalsFound,
		result.NoiseFloorDB, result.ScanTimeSeconds, segmentID, SegmentInProgress)
	if err != nil {
		return fmt.Errorf("%w: complete segment: %s", ErrStorage, err)
	}
	return s.checkTerminalTransition(ctx, segmentID, SegmentCompleted, res)
}

// FailSegment records a failed scan. The segment stays out of the pending
// pool until explicitly reset.
func (s *Store) FailSegment(ctx context.Context, segmentID, errorMessage string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE survey_segments SET status = ?, completed_at = ?, error_message = ?
		 WHERE segment_id = ? AND status = ?`,
		SegmentFailed, s.nowMilli(), errorMessage, segmentID, SegmentInProgress)
	if err != nil {
		return fmt.Errorf("%w: fail segment: %s", ErrStorage, err)
	}
	return s.checkTerminalTransition(ctx, segmentID, SegmentFailed, res)
}

// SkipSegment marks a pending segment skipped.
func (s *Store) SkipSegment(ctx context.Context, segmentID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE survey_segments SET status = ?, completed_at = ?
		 WHERE segment_id = ? AND status = ?`,
		SegmentSkipped, s.nowMilli(), segmentID, SegmentPending)
	if err != nil {
		return fmt.Errorf("%w: skip segment: %s", ErrStorage, err)
	}
	return s.checkTerminalTransition(ctx, segmentID, SegmentSkipped, res)
}

// ResetSegment puts a failed segment back into the pending pool. This is the
// only backward segment transition and requires explicit operator intent.
func (s *Store) ResetSegment(ctx context.Context, segmentID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE survey_segments SET status = ?, scan_id = NULL, started_at = NULL,
		 completed_at = NULL, error_message = NULL
		 WHERE segment_id = ? AND status = ?`,
		SegmentPending, segmentID, SegmentFailed)
	if err != nil {
		return fmt.Errorf("%w: reset segment: %s", ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		seg, err := s.GetSegment(ctx, segmentID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot reset segment in status %s", ErrState, seg.Status)
	}
	return nil
}

// checkTerminalTransition resolves a zero-row terminal update: same terminal
// status twice is idempotent, a conflicting terminal status is illegal.
func (s *Store) checkTerminalTransition(ctx context.Context, segmentID, want string, res sql.Result) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	seg, err := s.GetSegment(ctx, segmentID)
	if err != nil {
		return err
	}
	if seg.Status == want {
		return nil // idempotent repeat
	}
	return fmt.Errorf("%w: segment %s is %s, cannot mark %s", ErrState, segmentID, seg.Status, want)
}

// RefreshSurveyProgress recomputes the survey aggregate counters from its
// segments and signals. When every segment completed, the survey is marked
// completed.
func (s *Store) RefreshSurveyProgress(ctx context.Context, surveyID string) (*Survey, error) {
	survey, err := s.GetSurvey(ctx, surveyID)
	if err != nil {
		return nil, err
	}

	var completed, signalsFound int
	err = s.DB.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COALESCE(SUM(CASE WHEN status = ? THEN signals_found ELSE 0 END), 0)
		 FROM survey_segments WHERE survey_id = ?`,
		SegmentCompleted, SegmentCompleted, surveyID).Scan(&completed, &signalsFound)
	if err != nil {
		return nil, fmt.Errorf("%w: segment stats: %s", ErrStorage, err)
	}

	var uniqueFreqs int
	err = s.DB.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT frequency_hz) FROM signals WHERE survey_id = ?`, surveyID).Scan(&uniqueFreqs)
	if err != nil {
		return nil, fmt.Errorf("%w: signal stats: %s", ErrStorage, err)
	}

	pct := 0.0
	if survey.TotalSegments > 0 {
		pct = float64(completed) / float64(survey.TotalSegments) * 100
	}
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE surveys SET completed_segments = ?, total_signals = ?,
		 unique_frequencies = ?, completion_pct = ?, last_activity_at = ?
		 WHERE survey_id = ?`,
		completed, signalsFound, uniqueFreqs, pct, s.nowMilli(), surveyID); err != nil {
		return nil, fmt.Errorf("%w: update progress: %s", ErrStorage, err)
	}

	if completed >= survey.TotalSegments && survey.Status == SurveyInProgress {
		if err := s.UpdateSurveyStatus(ctx, surveyID, SurveyCompleted); err != nil {
			return nil, err
		}
	}
	return s.GetSurvey(ctx, surveyID)
}

// PendingSegments reports how many segments remain claimable.
func (s *Store) PendingSegments(ctx context.Context, surveyID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM survey_segments WHERE survey_id = ? AND status = ?`,
		surveyID, SegmentPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: pending segments: %s", ErrStorage, err)
	}
	return n, nil
}
