package survey

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/jschuller/rf-asset-discovery/band"
	"github.com/jschuller/rf-asset-discovery/metrics"
	"github.com/jschuller/rf-asset-discovery/notify"
	"github.com/jschuller/rf-asset-discovery/sdr"
	"github.com/jschuller/rf-asset-discovery/store"
)

// Config holds the scheduler tunables. Tolerance scales with the segment's
// step size because coarse sweeps place detections less precisely.
type Config struct {
	// ToleranceFactor scales the segment step size into a frequency
	// matching window for deduplication.
	ToleranceFactor float64
	// ToleranceMinHz / ToleranceMaxHz clamp the window.
	ToleranceMinHz int64
	ToleranceMaxHz int64
	// AutoPromoteThreshold is the detection count at which a signal becomes
	// an asset.
	AutoPromoteThreshold int
	// DetectionThresholdDB is handed to the detector as the power floor.
	DetectionThresholdDB float64
	// ScanTimeout bounds each detector invocation. A timeout is a segment
	// failure, not a scheduler crash.
	ScanTimeout time.Duration
}

// DefaultConfig matches a small indoor RTL-SDR setup.
func DefaultConfig() Config {
	return Config{
		ToleranceFactor:      0.5,
		ToleranceMinHz:       10_000,
		ToleranceMaxHz:       100_000,
		AutoPromoteThreshold: 3,
		DetectionThresholdDB: -30,
		ScanTimeout:          5 * time.Minute,
	}
}

// Scheduler drives a survey one segment at a time. All state lives in the
// store, so any step can happen in a fresh process. Exactly one segment is
// in flight per survey because the detector is an exclusive resource.
type Scheduler struct {
	Store    *store.Store
	Detector sdr.Detector
	Notifier notify.Notifier
	Registry *band.Registry
	Config   Config
}

// NewScheduler wires a scheduler with default config where zero values were
// given.
func NewScheduler(st *store.Store, det sdr.Detector, n notify.Notifier, reg *band.Registry, cfg Config) *Scheduler {
	if n == nil {
		n = notify.Log{}
	}
	if reg == nil {
		reg = band.NewRegistry(nil)
	}
	def := DefaultConfig()
	if cfg.ToleranceFactor == 0 {
		cfg.ToleranceFactor = def.ToleranceFactor
	}
	if cfg.ToleranceMinHz == 0 {
		cfg.ToleranceMinHz = def.ToleranceMinHz
	}
	if cfg.ToleranceMaxHz == 0 {
		cfg.ToleranceMaxHz = def.ToleranceMaxHz
	}
	if cfg.AutoPromoteThreshold == 0 {
		cfg.AutoPromoteThreshold = def.AutoPromoteThreshold
	}
	if cfg.DetectionThresholdDB == 0 {
		cfg.DetectionThresholdDB = def.DetectionThresholdDB
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = def.ScanTimeout
	}
	return &Scheduler{Store: st, Detector: det, Notifier: n, Registry: reg, Config: cfg}
}

// CreateOptions describe a new survey.
type CreateOptions struct {
	Name         string
	StartHz      int64
	EndHz        int64
	Plan         PlanOptions
	LocationName string
	AntennaType  string
	SDRDevice    string
	GainSetting  string
	Baseline     string
}

// Create plans and persists a new survey.
func (s *Scheduler) Create(ctx context.Context, opts CreateOptions) (*store.Survey, error) {
	if opts.StartHz >= opts.EndHz {
		return nil, fmt.Errorf("%w: start_hz %d >= end_hz %d", store.ErrValidation, opts.StartHz, opts.EndHz)
	}
	surveyID := uuid.NewString()
	segments := Plan(surveyID, opts.StartHz, opts.EndHz, opts.Plan)

	cfg, _ := json.Marshal(map[string]any{
		"include_gaps":   opts.Plan.IncludeGaps,
		"coarse_step_hz": opts.Plan.CoarseStepHz,
		"dwell_ms":       opts.Plan.DwellMS,
	})
	sv := &store.Survey{
		ID:               surveyID,
		Name:             opts.Name,
		StartHz:          opts.StartHz,
		EndHz:            opts.EndHz,
		Config:           string(cfg),
		LocationName:     nullString(opts.LocationName),
		AntennaType:      nullString(opts.AntennaType),
		SDRDevice:        nullString(opts.SDRDevice),
		GainSetting:      nullString(opts.GainSetting),
		BaselineSurveyID: nullString(opts.Baseline),
	}
	if err := s.Store.CreateSurvey(ctx, sv, segments); err != nil {
		return nil, err
	}
	glog.Infof("survey %s planned: %d segments, ~%.0fs estimated", sv.ID, len(segments), EstimateSeconds(segments))
	return sv, nil
}

// StepResult is the outcome of executing one segment.
type StepResult struct {
	SegmentID    string
	SegmentName  string
	SignalsFound int
	NoiseFloorDB float64
	ScanTime     time.Duration
	Promoted     int
	Done         bool // no pending segment remained
}

// Step claims and executes the next pending segment. Returns a result with
// Done=true when no pending segment remains (the survey is then terminal if
// everything completed). Detector failures mark the segment failed and are
// returned wrapped; the survey stays resumable.
func (s *Scheduler) Step(ctx context.Context, surveyID string) (*StepResult, error) {
	sv, err := s.Store.GetSurvey(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	if sv.Status == store.SurveyPaused {
		return nil, fmt.Errorf("%w: survey %s is paused", store.ErrState, surveyID)
	}

	scanID := uuid.NewString()
	seg, err := s.Store.ClaimNextSegment(ctx, surveyID, scanID)
	if err != nil {
		return nil, err
	}
	if seg == nil {
		// Nothing left to claim. Completion happens through
		// RefreshSurveyProgress once every segment completed; failed
		// segments keep the survey open for reset+resume.
		if _, err := s.Store.RefreshSurveyProgress(ctx, surveyID); err != nil {
			return nil, err
		}
		return &StepResult{Done: true}, nil
	}

	if sv.Status == store.SurveyPending {
		if err := s.Store.UpdateSurveyStatus(ctx, surveyID, store.SurveyInProgress); err != nil {
			return nil, err
		}
	}

	glog.Infof("scanning segment %q (%.1f-%.1f MHz, step %d Hz)",
		seg.Name, float64(seg.StartHz)/1e6, float64(seg.EndHz)/1e6, seg.StepHz)

	scanCtx, cancel := context.WithTimeout(ctx, s.Config.ScanTimeout)
	defer cancel()
	started := time.Now()
	res, scanErr := s.Detector.Scan(scanCtx, sdr.Options{
		StartHz:     seg.StartHz,
		EndHz:       seg.EndHz,
		StepHz:      seg.StepHz,
		DwellTime:   time.Duration(seg.DwellMS) * time.Millisecond,
		ThresholdDB: s.Config.DetectionThresholdDB,
	})
	elapsed := time.Since(started)
	metrics.ScanDuration.Observe(elapsed.Seconds())

	if scanErr != nil {
		metrics.SegmentsFailed.Inc()
		if err := s.Store.FailSegment(ctx, seg.ID, scanErr.Error()); err != nil {
			return nil, err
		}
		if _, err := s.Store.RefreshSurveyProgress(ctx, surveyID); err != nil {
			return nil, err
		}
		s.send(ctx, notify.Event{
			Type:     notify.EventSegmentFailed,
			SurveyID: surveyID,
			Fields:   map[string]string{"segment_id": seg.ID, "segment": seg.Name, "error": scanErr.Error()},
		})
		return nil, fmt.Errorf("segment %s failed: %w", seg.ID, scanErr)
	}

	tol := s.tolerance(seg.StepHz)
	for _, det := range res.Detections {
		metrics.Detections.Inc()
		sig, err := s.Store.UpsertSignal(ctx, store.SignalCandidate{
			SurveyID:    surveyID,
			SegmentID:   seg.ID,
			ScanID:      scanID,
			FrequencyHz: det.FrequencyHz,
			PowerDB:     det.PowerDB,
			BandwidthHz: det.BandwidthHz,
		}, tol)
		if err != nil {
			return nil, err
		}
		if sig.DetectionCount == 1 {
			metrics.SignalsDiscovered.Inc()
		}
	}

	if err := s.Store.CompleteSegment(ctx, seg.ID, store.SegmentResult{
		SignalsFound:    len(res.Detections),
		NoiseFloorDB:    res.NoiseFloorDB,
		ScanTimeSeconds: elapsed.Seconds(),
	}); err != nil {
		return nil, err
	}
	metrics.SegmentsCompleted.Inc()

	promoted, err := s.promote(ctx, surveyID)
	if err != nil {
		return nil, err
	}

	sv, err = s.Store.RefreshSurveyProgress(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	if sv.Status == store.SurveyCompleted {
		s.send(ctx, notify.Event{
			Type:     notify.EventSurveyCompleted,
			SurveyID: surveyID,
			Fields:   map[string]string{"signals": fmt.Sprintf("%d", sv.TotalSignals)},
		})
	}

	return &StepResult{
		SegmentID:    seg.ID,
		SegmentName:  seg.Name,
		SignalsFound: len(res.Detections),
		NoiseFloorDB: res.NoiseFloorDB,
		ScanTime:     elapsed,
		Promoted:     promoted,
	}, nil
}

// RunResult aggregates a multi-segment run.
type RunResult struct {
	SegmentsRun  int
	SignalsFound int
	Promoted     int
	Complete     bool
}

// Run executes segments until the survey has no pending work, maxSegments is
// reached (0 = unlimited), or a segment fails. A failed segment stops the
// run; the survey stays resumable and the failure is the returned error.
func (s *Scheduler) Run(ctx context.Context, surveyID string, maxSegments int) (*RunResult, error) {
	out := &RunResult{}
	for {
		if maxSegments > 0 && out.SegmentsRun >= maxSegments {
			return out, nil
		}
		step, err := s.Step(ctx, surveyID)
		if err != nil {
			return out, err
		}
		if step.Done {
			sv, err := s.Store.GetSurvey(ctx, surveyID)
			if err != nil {
				return out, err
			}
			out.Complete = sv.Status == store.SurveyCompleted
			return out, nil
		}
		out.SegmentsRun++
		out.SignalsFound += step.SignalsFound
		out.Promoted += step.Promoted
	}
}

// Pause stops a survey between segments. The in-flight segment, if any,
// finishes or fails on its own.
func (s *Scheduler) Pause(ctx context.Context, surveyID string) error {
	return s.Store.UpdateSurveyStatus(ctx, surveyID, store.SurveyPaused)
}

// Resume reopens a paused survey and continues the run.
func (s *Scheduler) Resume(ctx context.Context, surveyID string, maxSegments int) (*RunResult, error) {
	sv, err := s.Store.GetSurvey(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	if sv.Status == store.SurveyPaused {
		if err := s.Store.UpdateSurveyStatus(ctx, surveyID, store.SurveyInProgress); err != nil {
			return nil, err
		}
	}
	return s.Run(ctx, surveyID, maxSegments)
}

// promote turns every signal past the threshold into an asset. Asset ids are
// derived from the signal id so repeated promotion attempts and gold rebuilds
// agree on identity.
func (s *Scheduler) promote(ctx context.Context, surveyID string) (int, error) {
	sigs, err := s.Store.PromotableSignals(ctx, surveyID, s.Config.AutoPromoteThreshold)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, sig := range sigs {
		asset := s.synthesize(sig)
		if err := s.Store.PromoteSignal(ctx, sig.ID, asset); err != nil {
			if errors.Is(err, store.ErrState) {
				continue // raced with another promoter
			}
			return promoted, err
		}
		promoted++
		metrics.SignalsPromoted.Inc()
		s.send(ctx, notify.Event{
			Type:     notify.EventSignalPromoted,
			SurveyID: surveyID,
			Fields: map[string]string{
				"signal_id": sig.ID,
				"asset_id":  asset.ID,
				"frequency": fmt.Sprintf("%d", sig.FrequencyHz),
			},
		})
	}
	return promoted, nil
}

func (s *Scheduler) synthesize(sig *store.Signal) *store.Asset {
	rule := s.Registry.Lookup(sig.FreqBand)
	meta, _ := json.Marshal(map[string]any{
		"survey_id":       sig.SurveyID,
		"detection_count": sig.DetectionCount,
		"modulation":      rule.Modulation,
	})
	return &store.Asset{
		ID:             AssetID(sig.ID),
		Name:           fmt.Sprintf("%s_%.1fMHz", sig.FreqBand, float64(sig.FrequencyHz)/1e6),
		FrequencyHz:    sig.FrequencyHz,
		PowerDB:        sig.PowerDB,
		BandwidthHz:    sig.BandwidthHz,
		Protocol:       rule.Protocol,
		CMDBClass:      rule.CMDBClass,
		PurdueLevel:    rule.PurdueLevel,
		RiskLevel:      band.Risk(rule.PurdueLevel, rule.Protocol),
		SourceSignalID: sig.ID,
		FirstSeen:      sig.FirstSeen,
		LastSeen:       sig.LastSeen,
		Metadata:       string(meta),
	}
}

// AssetID derives the stable asset id for a signal. The gold layer derives
// the same id in SQL, so a signal maps to one asset identity everywhere.
func AssetID(signalID string) string {
	return "asset-" + signalID
}

// tolerance converts a segment step size into the matching window.
func (s *Scheduler) tolerance(stepHz int64) int64 {
	tol := int64(float64(stepHz) * s.Config.ToleranceFactor)
	if tol < s.Config.ToleranceMinHz {
		tol = s.Config.ToleranceMinHz
	}
	if tol > s.Config.ToleranceMaxHz {
		tol = s.Config.ToleranceMaxHz
	}
	return tol
}

func (s *Scheduler) send(ctx context.Context, event notify.Event) {
	if err := s.Notifier.Send(ctx, event); err != nil {
		glog.Warningf("dropping %s event: %s", event.Type, err)
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
