package store

import (
	"database/sql"
	"fmt"
)

// Survey lifecycle status.
const (
	SurveyPending    = "pending"
	SurveyInProgress = "in_progress"
	SurveyPaused     = "paused"
	SurveyCompleted  = "completed"
	SurveyFailed     = "failed"
)

// Segment scan status.
const (
	SegmentPending    = "pending"
	SegmentInProgress = "in_progress"
	SegmentCompleted  = "completed"
	SegmentFailed     = "failed"
	SegmentSkipped    = "skipped"
)

// Signal lifecycle state.
const (
	SignalDiscovered = "discovered"
	SignalConfirmed  = "confirmed"
	SignalDismissed  = "dismissed"
	SignalPromoted   = "promoted"
)

// Survey is a bounded frequency-coverage job. It is the sole owner of its
// segments. Timestamps are unix milliseconds.
type Survey struct {
	ID     string
	Name   string
	Status string

	StartHz int64
	EndHz   int64

	CreatedAt      int64
	StartedAt      sql.NullInt64
	CompletedAt    sql.NullInt64
	LastActivityAt sql.NullInt64

	TotalSegments     int
	CompletedSegments int
	CompletionPct     float64

	TotalSignals      int
	UniqueFrequencies int

	Config         string // free-form JSON
	ResultsSummary string // free-form JSON

	// Location/run context.
	LocationName     sql.NullString
	GPSLat           sql.NullFloat64
	GPSLon           sql.NullFloat64
	AntennaType      sql.NullString
	SDRDevice        sql.NullString
	GainSetting      sql.NullString
	RunNumber        sql.NullInt64
	ConditionsNotes  sql.NullString
	BaselineSurveyID sql.NullString
}

// Segment is one bounded scan unit within a survey.
type Segment struct {
	ID       string
	SurveyID string
	Name     string

	StartHz  int64
	EndHz    int64
	Priority int
	StepHz   int64
	DwellMS  int64

	Status string
	ScanID sql.NullString

	ScheduledAt sql.NullInt64
	StartedAt   sql.NullInt64
	CompletedAt sql.NullInt64

	SignalsFound    int
	NoiseFloorDB    sql.NullFloat64
	ScanTimeSeconds sql.NullFloat64
	ErrorMessage    sql.NullString
}

// EstimatedSteps is the number of frequency steps the segment covers.
func (s *Segment) EstimatedSteps() int {
	if s.StepHz <= 0 {
		return 0
	}
	return int((s.EndHz-s.StartHz)/s.StepHz) + 1
}

// EstimatedSeconds approximates scan duration at ~150ms per step
// (dwell + tune + process).
func (s *Segment) EstimatedSeconds() float64 {
	return float64(s.EstimatedSteps()) * 0.15
}

// SegmentResult captures the outcome recorded when a segment terminates.
type SegmentResult struct {
	SignalsFound    int
	NoiseFloorDB    float64
	ScanTimeSeconds float64
}

// Signal is a deduplicated detection tracked across repeated scans.
type Signal struct {
	ID        string
	SurveyID  string
	SegmentID string
	// ScanID is the scan execution that last contributed a detection.
	// detection_count only increments when a new detection arrives from a
	// different scan execution.
	ScanID sql.NullString

	FrequencyHz int64
	PowerDB     float64
	BandwidthHz sql.NullInt64
	FreqBand    string

	DetectionCount int
	FirstSeen      int64
	LastSeen       int64

	State           string
	PromotedAssetID sql.NullString
	Notes           sql.NullString
}

// SignalCandidate is one detection handed to UpsertSignal.
type SignalCandidate struct {
	SurveyID    string
	SegmentID   string
	ScanID      string
	FrequencyHz int64
	PowerDB     float64
	BandwidthHz int64 // 0 = unknown
	SeenAt      int64 // unix milli
}

// Asset is the canonical enriched record synthesized from a promoted signal.
type Asset struct {
	ID   string
	Name string

	FrequencyHz int64
	PowerDB     float64
	BandwidthHz sql.NullInt64

	Protocol    string
	CMDBClass   string
	PurdueLevel int
	RiskLevel   string

	SourceSignalID string
	FirstSeen      int64
	LastSeen       int64
	Metadata       string // free-form JSON
}

// surveyTransitions enumerates the legal survey status edges.
var surveyTransitions = map[string][]string{
	SurveyPending:    {SurveyInProgress},
	SurveyInProgress: {SurveyPaused, SurveyCompleted, SurveyFailed},
	SurveyPaused:     {SurveyInProgress},
}

// signalTransitions enumerates the legal signal state edges. dismissed and
// promoted are terminal.
var signalTransitions = map[string][]string{
	SignalDiscovered: {SignalConfirmed, SignalDismissed, SignalPromoted},
	SignalConfirmed:  {SignalPromoted},
}

func validTransition(table map[string][]string, from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkSurveyTransition(from, to string) error {
	if !validTransition(surveyTransitions, from, to) {
		return fmt.Errorf("%w: survey status %s -> %s", ErrState, from, to)
	}
	return nil
}

func checkSignalTransition(from, to string) error {
	if !validTransition(signalTransitions, from, to) {
		return fmt.Errorf("%w: signal state %s -> %s", ErrState, from, to)
	}
	return nil
}
