package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/jschuller/rf-asset-discovery/band"
)

// UpsertSignal merges a detection into the survey's signal set.
//
// A candidate matches an existing signal when the frequencies are within
// toleranceHz and the derived bands agree. On match the power and bandwidth
// are overwritten with the latest observation (most recent snapshot, not an
// average) and last_seen extends. detection_count increments only when the
// detection comes from a different scan execution than the one that last
// contributed, so repeats within one scan never inflate the count.
func (s *Store) UpsertSignal(ctx context.Context, cand SignalCandidate, toleranceHz int64) (*Signal, error) {
	if toleranceHz < 0 {
		return nil, fmt.Errorf("%w: negative tolerance %d", ErrValidation, toleranceHz)
	}
	freqBand := band.Derive(cand.FrequencyHz)
	if cand.SeenAt == 0 {
		cand.SeenAt = s.nowMilli()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %s", ErrStorage, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE survey_id = ? AND freq_band = ?
		   AND frequency_hz BETWEEN ? AND ?
		 ORDER BY ABS(frequency_hz - ?) LIMIT 1`,
		cand.SurveyID, freqBand,
		cand.FrequencyHz-toleranceHz, cand.FrequencyHz+toleranceHz,
		cand.FrequencyHz)
	existing, err := scanSignal(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sig := &Signal{
			ID:             uuid.NewString(),
			SurveyID:       cand.SurveyID,
			SegmentID:      cand.SegmentID,
			ScanID:         sql.NullString{String: cand.ScanID, Valid: cand.ScanID != ""},
			FrequencyHz:    cand.FrequencyHz,
			PowerDB:        cand.PowerDB,
			BandwidthHz:    nullInt64(cand.BandwidthHz),
			FreqBand:       freqBand,
			DetectionCount: 1,
			FirstSeen:      cand.SeenAt,
			LastSeen:       cand.SeenAt,
			State:          SignalDiscovered,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO signals (`+signalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sig.ID, sig.SurveyID, sig.SegmentID, sig.ScanID, sig.FrequencyHz,
			sig.PowerDB, sig.BandwidthHz, sig.FreqBand, sig.DetectionCount,
			sig.FirstSeen, sig.LastSeen, sig.State, sig.PromotedAssetID, sig.Notes,
		); err != nil {
			return nil, fmt.Errorf("%w: insert signal: %s", ErrStorage, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("%w: commit: %s", ErrStorage, err)
		}
		return sig, nil

	case err != nil:
		return nil, err
	}

	// Matched: latest observation wins, count increments once per scan.
	count := existing.DetectionCount
	if !existing.ScanID.Valid || existing.ScanID.String != cand.ScanID {
		count++
	}
	lastSeen := existing.LastSeen
	if cand.SeenAt > lastSeen {
		lastSeen = cand.SeenAt
	}
	bw := existing.BandwidthHz
	if cand.BandwidthHz > 0 {
		bw = nullInt64(cand.BandwidthHz)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE signals SET power_db = ?, bandwidth_hz = ?, detection_count = ?,
		 last_seen = ?, segment_id = ?, scan_id = ? WHERE signal_id = ?`,
		cand.PowerDB, bw, count, lastSeen, cand.SegmentID,
		sql.NullString{String: cand.ScanID, Valid: cand.ScanID != ""}, existing.ID,
	); err != nil {
		return nil, fmt.Errorf("%w: update signal: %s", ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %s", ErrStorage, err)
	}

	existing.PowerDB = cand.PowerDB
	existing.BandwidthHz = bw
	existing.DetectionCount = count
	existing.LastSeen = lastSeen
	existing.SegmentID = cand.SegmentID
	existing.ScanID = sql.NullString{String: cand.ScanID, Valid: cand.ScanID != ""}
	return existing, nil
}

// GetSignal returns a signal by id.
func (s *Store) GetSignal(ctx context.Context, signalID string) (*Signal, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE signal_id = ?`, signalID)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: signal %s", ErrNotFound, signalID)
	}
	return sig, err
}

// Signals lists a survey's signals by ascending frequency, optionally
// filtered by state and minimum detection count.
func (s *Store) Signals(ctx context.Context, surveyID, state string, minDetections int) ([]*Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE survey_id = ? AND detection_count >= ?`
	args := []any{surveyID, minDetections}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY frequency_hz`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list signals: %s", ErrStorage, err)
	}
	defer rows.Close()

	var sigs []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// UpdateSignalState applies a lifecycle transition. Promotion must go through
// PromoteSignal so the asset is synthesized in the same transaction.
func (s *Store) UpdateSignalState(ctx context.Context, signalID, state string) error {
	sig, err := s.GetSignal(ctx, signalID)
	if err != nil {
		return err
	}
	if err := checkSignalTransition(sig.State, state); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE signals SET state = ? WHERE signal_id = ?`, state, signalID); err != nil {
		return fmt.Errorf("%w: update signal state: %s", ErrStorage, err)
	}
	return nil
}

// PromotableSignals returns signals eligible for auto-promotion: discovered
// or confirmed with at least threshold distinct-scan detections.
func (s *Store) PromotableSignals(ctx context.Context, surveyID string, threshold int) ([]*Signal, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE survey_id = ? AND state IN (?, ?) AND detection_count >= ?
		 ORDER BY frequency_hz`,
		surveyID, SignalDiscovered, SignalConfirmed, threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: promotable signals: %s", ErrStorage, err)
	}
	defer rows.Close()

	var sigs []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// PromoteSignal transitions a signal to promoted and inserts its asset in
// one transaction. Promotion is one-way: a second call is an ErrState.
func (s *Store) PromoteSignal(ctx context.Context, signalID string, asset *Asset) error {
	sig, err := s.GetSignal(ctx, signalID)
	if err != nil {
		return err
	}
	if sig.State == SignalPromoted {
		return fmt.Errorf("%w: signal %s already promoted", ErrState, signalID)
	}
	if err := checkSignalTransition(sig.State, SignalPromoted); err != nil {
		return err
	}
	if asset.Metadata == "" {
		asset.Metadata = "{}"
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %s", ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assets (asset_id, name, frequency_hz, power_db, bandwidth_hz,
		 rf_protocol, cmdb_ci_class, purdue_level, risk_level, source_signal_id,
		 first_seen, last_seen, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		asset.ID, asset.Name, asset.FrequencyHz, asset.PowerDB, asset.BandwidthHz,
		asset.Protocol, asset.CMDBClass, asset.PurdueLevel, asset.RiskLevel,
		asset.SourceSignalID, asset.FirstSeen, asset.LastSeen, asset.Metadata,
	); err != nil {
		return fmt.Errorf("%w: insert asset: %s", ErrStorage, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE signals SET state = ?, promoted_asset_id = ?
		 WHERE signal_id = ? AND state = ?`,
		SignalPromoted, asset.ID, signalID, sig.State)
	if err != nil {
		return fmt.Errorf("%w: promote signal: %s", ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: signal %s changed concurrently", ErrState, signalID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %s", ErrStorage, err)
	}
	glog.Infof("promoted signal %s at %.3f MHz to asset %s", signalID, float64(sig.FrequencyHz)/1e6, asset.ID)
	return nil
}

// GetAsset returns an asset by id.
func (s *Store) GetAsset(ctx context.Context, assetID string) (*Asset, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT asset_id, name, frequency_hz, power_db, bandwidth_hz, rf_protocol,
		 cmdb_ci_class, purdue_level, risk_level, source_signal_id, first_seen,
		 last_seen, metadata FROM assets WHERE asset_id = ?`, assetID)
	a := &Asset{}
	err := row.Scan(&a.ID, &a.Name, &a.FrequencyHz, &a.PowerDB, &a.BandwidthHz,
		&a.Protocol, &a.CMDBClass, &a.PurdueLevel, &a.RiskLevel, &a.SourceSignalID,
		&a.FirstSeen, &a.LastSeen, &a.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan asset: %s", ErrStorage, err)
	}
	return a, nil
}

// Assets lists the raw asset inventory by ascending frequency.
func (s *Store) Assets(ctx context.Context) ([]*Asset, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT asset_id, name, frequency_hz, power_db, bandwidth_hz, rf_protocol,
		 cmdb_ci_class, purdue_level, risk_level, source_signal_id, first_seen,
		 last_seen, metadata FROM assets ORDER BY frequency_hz`)
	if err != nil {
		return nil, fmt.Errorf("%w: list assets: %s", ErrStorage, err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		a := &Asset{}
		if err := rows.Scan(&a.ID, &a.Name, &a.FrequencyHz, &a.PowerDB, &a.BandwidthHz,
			&a.Protocol, &a.CMDBClass, &a.PurdueLevel, &a.RiskLevel, &a.SourceSignalID,
			&a.FirstSeen, &a.LastSeen, &a.Metadata); err != nil {
			return nil, fmt.Errorf("%w: scan asset: %s", ErrStorage, err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// CountAssets reports the raw asset inventory size.
func (s *Store) CountAssets(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count assets: %s", ErrStorage, err)
	}
	return n, nil
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v > 0}
}
