package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func candidate(surveyID, scanID string, freqHz int64, powerDB float64) SignalCandidate {
	return SignalCandidate{
		SurveyID:    surveyID,
		SegmentID:   "seg-0",
		ScanID:      scanID,
		FrequencyHz: freqHz,
		PowerDB:     powerDB,
		BandwidthHz: 200_000,
	}
}

func TestUpsertSignalDedup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "dedup", 1)
	const tolerance = 50_000

	first, err := st.UpsertSignal(ctx, candidate(sv.ID, "scan-1", 87_900_000, -20), tolerance)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.DetectionCount != 1 || first.State != SignalDiscovered {
		t.Fatalf("new signal count=%d state=%s, want 1 discovered", first.DetectionCount, first.State)
	}
	if first.FreqBand != "fm_broadcast" {
		t.Fatalf("band = %s, want fm_broadcast", first.FreqBand)
	}

	// 500 Hz away from the first detection in a later scan: same signal,
	// count increments, power is the latest observation rather than an
	// average.
	second, err := st.UpsertSignal(ctx, candidate(sv.ID, "scan-2", 87_900_500, -18), tolerance)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("detection within tolerance created a new signal")
	}
	if second.DetectionCount != 2 {
		t.Errorf("count = %d, want 2", second.DetectionCount)
	}
	if second.PowerDB != -18 {
		t.Errorf("power = %.1f, want -18 (latest observation)", second.PowerDB)
	}
	// The original frequency anchors the signal.
	if second.FrequencyHz != 87_900_000 {
		t.Errorf("frequency = %d, want 87900000", second.FrequencyHz)
	}

	// Outside tolerance: distinct signal.
	third, err := st.UpsertSignal(ctx, candidate(sv.ID, "scan-2", 88_100_000, -25), tolerance)
	if err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	if third.ID == first.ID {
		t.Error("detection outside tolerance merged into existing signal")
	}
}

func TestUpsertSignalSameScanDoesNotCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "samescan", 1)

	for i := 0; i < 3; i++ {
		if _, err := st.UpsertSignal(ctx, candidate(sv.ID, "scan-1", 433_920_000, -30), 50_000); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	sig, err := st.UpsertSignal(ctx, candidate(sv.ID, "scan-2", 433_920_000, -28), 50_000)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Three detections in scan-1 count once, scan-2 adds the second.
	if sig.DetectionCount != 2 {
		t.Errorf("count = %d, want 2", sig.DetectionCount)
	}
}

func TestUpsertSignalBandBoundary(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "boundary", 1)

	// 107.99 MHz (fm_broadcast) and 108.01 MHz (aircraft) are within 50 kHz
	// of each other but belong to different bands, so they never merge.
	a, err := st.UpsertSignal(ctx, candidate(sv.ID, "scan-1", 107_990_000, -20), 50_000)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	b, err := st.UpsertSignal(ctx, candidate(sv.ID, "scan-1", 108_010_000, -20), 50_000)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if a.ID == b.ID {
		t.Error("signals from different bands merged")
	}
	if a.FreqBand == b.FreqBand {
		t.Errorf("bands both %q", a.FreqBand)
	}
}

func TestUpsertSignalNegativeTolerance(t *testing.T) {
	st := newTestStore(t)
	sv := mustCreateSurvey(t, st, "negtol", 1)
	_, err := st.UpsertSignal(context.Background(), candidate(sv.ID, "scan-1", 100_000_000, -20), -1)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestUpsertSignalOrderIndependence(t *testing.T) {
	// The signal set and the detection counts must not depend on the order
	// detections arrive within a scan batch. Power is defined as the latest
	// observation, so it is deliberately excluded from the comparison.
	batch := []SignalCandidate{
		{ScanID: "scan-1", FrequencyHz: 98_100_000, PowerDB: -20},
		{ScanID: "scan-1", FrequencyHz: 98_100_300, PowerDB: -18},
		{ScanID: "scan-2", FrequencyHz: 98_099_800, PowerDB: -19},
		{ScanID: "scan-1", FrequencyHz: 433_920_000, PowerDB: -30},
		{ScanID: "scan-2", FrequencyHz: 433_920_100, PowerDB: -29},
	}
	orders := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 1, 3},
	}

	var baseline map[string]int
	for n, order := range orders {
		st := newTestStore(t)
		ctx := context.Background()
		sv := mustCreateSurvey(t, st, fmt.Sprintf("perm-%d", n), 1)

		for _, idx := range order {
			cand := batch[idx]
			cand.SurveyID = sv.ID
			cand.SegmentID = "seg-0"
			if _, err := st.UpsertSignal(ctx, cand, 50_000); err != nil {
				t.Fatalf("order %d upsert: %v", n, err)
			}
		}
		sigs, err := st.Signals(ctx, sv.ID, "", 0)
		if err != nil {
			t.Fatalf("signals: %v", err)
		}
		counts := map[string]int{}
		for _, sig := range sigs {
			counts[sig.FreqBand] += sig.DetectionCount
		}
		if baseline == nil {
			baseline = counts
			if len(sigs) != 2 {
				t.Fatalf("got %d signals, want 2", len(sigs))
			}
			continue
		}
		if fmt.Sprint(counts) != fmt.Sprint(baseline) {
			t.Errorf("order %d counts = %v, baseline %v", n, counts, baseline)
		}
	}
}

func TestSignalStateTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "sigfsm", 1)

	for i, tc := range []struct {
		name string
		path []string
		ok   bool
	}{
		{"confirm", []string{SignalConfirmed}, true},
		{"dismiss", []string{SignalDismissed}, true},
		{"confirm then dismiss", []string{SignalConfirmed, SignalDismissed}, false},
		{"dismissed is terminal", []string{SignalDismissed, SignalConfirmed}, false},
		{"repeat confirm", []string{SignalConfirmed, SignalConfirmed}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// Each subtest gets its own frequency so upserts never merge
			// into a signal another subtest already transitioned.
			freq := int64(433_000_000) + int64(i)*1_000_000
			sig, err := st.UpsertSignal(ctx, candidate(sv.ID, "scan-1", freq, -20), 0)
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			for _, state := range tc.path {
				err = st.UpdateSignalState(ctx, sig.ID, state)
				if err != nil {
					break
				}
			}
			if tc.ok && err != nil {
				t.Fatalf("path %v: %v", tc.path, err)
			}
			if !tc.ok && !errors.Is(err, ErrState) {
				t.Fatalf("path %v: got %v, want ErrState", tc.path, err)
			}
		})
	}
}

func TestPromoteSignal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "promote", 1)

	sig, err := st.UpsertSignal(ctx, candidate(sv.ID, "scan-1", 98_100_000, -12), 0)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	asset := &Asset{
		ID:             "asset-" + sig.ID,
		Name:           "fm_broadcast_98.1MHz",
		FrequencyHz:    sig.FrequencyHz,
		PowerDB:        sig.PowerDB,
		Protocol:       "FM_BROADCAST",
		CMDBClass:      "RF_BROADCAST_TRANSMITTER",
		PurdueLevel:    5,
		RiskLevel:      "LOW",
		SourceSignalID: sig.ID,
		FirstSeen:      sig.FirstSeen,
		LastSeen:       sig.LastSeen,
		Metadata:       "{}",
	}
	if err := st.PromoteSignal(ctx, sig.ID, asset); err != nil {
		t.Fatalf("promote: %v", err)
	}

	got, err := st.GetSignal(ctx, sig.ID)
	if err != nil {
		t.Fatalf("get signal: %v", err)
	}
	if got.State != SignalPromoted {
		t.Errorf("state = %s, want promoted", got.State)
	}
	if got.PromotedAssetID.String != asset.ID {
		t.Errorf("promoted_asset_id = %q, want %q", got.PromotedAssetID.String, asset.ID)
	}
	if _, err := st.GetAsset(ctx, asset.ID); err != nil {
		t.Errorf("get asset: %v", err)
	}

	// Promotion is one-way.
	if err := st.PromoteSignal(ctx, sig.ID, asset); !errors.Is(err, ErrState) {
		t.Errorf("second promote: got %v, want ErrState", err)
	}
	if n, _ := st.CountAssets(ctx); n != 1 {
		t.Errorf("asset count = %d, want 1", n)
	}
}

func TestPromotableSignals(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "promotable", 1)

	// Signal A seen in 3 scans, B in 2, C dismissed after 3.
	for i, scans := range map[int64]int{433_000_000: 3, 434_000_000: 2, 433_500_000: 3} {
		for s := 0; s < scans; s++ {
			if _, err := st.UpsertSignal(ctx, candidate(sv.ID, string(rune('a'+s)), i, -20), 0); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}
	}
	sigs, err := st.Signals(ctx, sv.ID, "", 0)
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	for _, sig := range sigs {
		if sig.FrequencyHz == 433_500_000 {
			if err := st.UpdateSignalState(ctx, sig.ID, SignalDismissed); err != nil {
				t.Fatalf("dismiss: %v", err)
			}
		}
	}

	promotable, err := st.PromotableSignals(ctx, sv.ID, 3)
	if err != nil {
		t.Fatalf("promotable: %v", err)
	}
	if len(promotable) != 1 || promotable[0].FrequencyHz != 433_000_000 {
		t.Errorf("promotable = %v, want only 433.000 MHz", promotable)
	}
}
