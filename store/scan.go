package store

import (
	"database/sql"
	"errors"
	"fmt"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSurvey(row rowScanner) (*Survey, error) {
	s := &Survey{}
	err := row.Scan(
		&s.ID, &s.Name, &s.Status, &s.StartHz, &s.EndHz, &s.CreatedAt,
		&s.StartedAt, &s.CompletedAt, &s.LastActivityAt, &s.TotalSegments,
		&s.CompletedSegments, &s.CompletionPct, &s.TotalSignals,
		&s.UniqueFrequencies, &s.Config, &s.ResultsSummary, &s.LocationName,
		&s.GPSLat, &s.GPSLon, &s.AntennaType, &s.SDRDevice, &s.GainSetting,
		&s.RunNumber, &s.ConditionsNotes, &s.BaselineSurveyID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan survey: %s", ErrStorage, err)
	}
	return s, nil
}

func scanSegment(row rowScanner) (*Segment, error) {
	s := &Segment{}
	err := row.Scan(
		&s.ID, &s.SurveyID, &s.Name, &s.StartHz, &s.EndHz, &s.Priority,
		&s.StepHz, &s.DwellMS, &s.Status, &s.ScanID, &s.ScheduledAt,
		&s.StartedAt, &s.CompletedAt, &s.SignalsFound, &s.NoiseFloorDB,
		&s.ScanTimeSeconds, &s.ErrorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan segment: %s", ErrStorage, err)
	}
	return s, nil
}

func scanSignal(row rowScanner) (*Signal, error) {
	s := &Signal{}
	err := row.Scan(
		&s.ID, &s.SurveyID, &s.SegmentID, &s.ScanID, &s.FrequencyHz,
		&s.PowerDB, &s.BandwidthHz, &s.FreqBand, &s.DetectionCount,
		&s.FirstSeen, &s.LastSeen, &s.State, &s.PromotedAssetID, &s.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan signal: %s", ErrStorage, err)
	}
	return s, nil
}

func collectSurveys(rows *sql.Rows) ([]*Survey, error) {
	var surveys []*Survey
	for rows.Next() {
		s, err := scanSurvey(rows)
		if err != nil {
			return nil, err
		}
		surveys = append(surveys, s)
	}
	return surveys, rows.Err()
}
