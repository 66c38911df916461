// Package survey plans and drives resumable spectrum surveys.
package survey

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/jschuller/rf-asset-discovery/band"
	"github.com/jschuller/rf-asset-discovery/store"
)

// PlanOptions tune segment generation.
type PlanOptions struct {
	// IncludeGaps adds coarse sweeps over spectrum between known bands.
	IncludeGaps bool
	// CoarseStepHz is the step size for gap segments.
	CoarseStepHz int64
	// DwellMS is the per-step dwell time applied to every segment.
	DwellMS int64
}

// DefaultPlanOptions mirror a full-coverage survey.
func DefaultPlanOptions() PlanOptions {
	return PlanOptions{
		IncludeGaps:  true,
		CoarseStepHz: 2_000_000,
		DwellMS:      100,
	}
}

// Plan partitions [startHz, endHz) into an ordered segment plan: known
// high-value bands get their catalog step size and priority, gaps between
// them a coarse sweep at priority 3. Ordering is priority then ascending
// start frequency, so an interrupted survey has already covered the most
// valuable spectrum.
func Plan(surveyID string, startHz, endHz int64, opts PlanOptions) []store.Segment {
	if opts.CoarseStepHz <= 0 {
		opts.CoarseStepHz = 2_000_000
	}
	if opts.DwellMS <= 0 {
		opts.DwellMS = 100
	}

	var segments []store.Segment
	for _, def := range band.Catalog() {
		if def.EndHz <= startHz || def.StartHz >= endHz {
			continue
		}
		clippedStart := max64(def.StartHz, startHz)
		clippedEnd := min64(def.EndHz, endHz)
		segments = append(segments, store.Segment{
			ID:       uuid.NewString(),
			SurveyID: surveyID,
			Name:     def.Name,
			StartHz:  clippedStart,
			EndHz:    clippedEnd,
			Priority: def.Priority,
			StepHz:   def.StepHz,
			DwellMS:  opts.DwellMS,
			Status:   store.SegmentPending,
		})
	}

	if opts.IncludeGaps {
		segments = append(segments, gapSegments(surveyID, startHz, endHz, opts)...)
	}

	sort.Slice(segments, func(i, j int) bool {
		if segments[i].Priority != segments[j].Priority {
			return segments[i].Priority < segments[j].Priority
		}
		return segments[i].StartHz < segments[j].StartHz
	})
	return segments
}

// gapSegments covers the spectrum between known bands with coarse sweeps.
// Gaps narrower than one coarse step are not worth a segment.
func gapSegments(surveyID string, startHz, endHz int64, opts PlanOptions) []store.Segment {
	var gaps []store.Segment
	pos := startHz
	for _, def := range band.Catalog() {
		if def.EndHz <= startHz {
			continue
		}
		if def.StartHz >= endHz {
			break
		}
		gapStart := pos
		gapEnd := min64(def.StartHz, endHz)
		if gapEnd > gapStart+opts.CoarseStepHz {
			gaps = append(gaps, gapSegment(surveyID, gapStart, gapEnd, opts))
		}
		pos = max64(pos, def.EndHz)
	}
	if pos < endHz-opts.CoarseStepHz {
		gaps = append(gaps, gapSegment(surveyID, pos, endHz, opts))
	}
	return gaps
}

func gapSegment(surveyID string, startHz, endHz int64, opts PlanOptions) store.Segment {
	return store.Segment{
		ID:       uuid.NewString(),
		SurveyID: surveyID,
		Name:     fmt.Sprintf("Gap %d-%d MHz", startHz/1_000_000, endHz/1_000_000),
		StartHz:  startHz,
		EndHz:    endHz,
		Priority: band.PriorityCoarse,
		StepHz:   opts.CoarseStepHz,
		DwellMS:  opts.DwellMS,
		Status:   store.SegmentPending,
	}
}

// EstimateSeconds sums the per-segment duration estimates.
func EstimateSeconds(segments []store.Segment) float64 {
	var total float64
	for i := range segments {
		total += segments[i].EstimatedSeconds()
	}
	return total
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
