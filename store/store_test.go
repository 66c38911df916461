package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.DB.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return st
}

func testSegments(surveyID string, n int) []Segment {
	segs := make([]Segment, n)
	for i := range segs {
		segs[i] = Segment{
			ID:       fmt.Sprintf("%s-seg-%d", surveyID, i),
			SurveyID: surveyID,
			Name:     fmt.Sprintf("Band %d", i),
			StartHz:  int64(100_000_000 + i*10_000_000),
			EndHz:    int64(105_000_000 + i*10_000_000),
			Priority: 1 + i%3,
			StepHz:   25_000,
			DwellMS:  100,
		}
	}
	return segs
}

func mustCreateSurvey(t *testing.T, st *Store, id string, segments int) *Survey {
	t.Helper()
	sv := &Survey{ID: id, Name: "test " + id, StartHz: 88_000_000, EndHz: 1_000_000_000}
	if err := st.CreateSurvey(context.Background(), sv, testSegments(id, segments)); err != nil {
		t.Fatalf("create survey: %v", err)
	}
	return sv
}

func TestCreateSurveyValidation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.CreateSurvey(ctx, &Survey{ID: "s1", Name: "inverted", StartHz: 200, EndHz: 100}, testSegments("s1", 1))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("inverted range: got %v, want ErrValidation", err)
	}
	err = st.CreateSurvey(ctx, &Survey{ID: "s2", Name: "empty", StartHz: 100, EndHz: 200}, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("empty plan: got %v, want ErrValidation", err)
	}
}

func TestCreateSurveyRunNumbers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i, want := range []int64{1, 2, 3} {
		sv := &Survey{
			ID: fmt.Sprintf("lab-%d", i), Name: "lab sweep",
			StartHz: 88_000_000, EndHz: 108_000_000,
			LocationName: sql.NullString{String: "lab", Valid: true},
		}
		if err := st.CreateSurvey(ctx, sv, testSegments(sv.ID, 1)); err != nil {
			t.Fatalf("create survey %d: %v", i, err)
		}
		if sv.RunNumber.Int64 != want {
			t.Errorf("survey %d run number = %d, want %d", i, sv.RunNumber.Int64, want)
		}
	}

	// A different location starts its own sequence.
	other := &Survey{
		ID: "roof-0", Name: "roof sweep",
		StartHz: 88_000_000, EndHz: 108_000_000,
		LocationName: sql.NullString{String: "roof", Valid: true},
	}
	if err := st.CreateSurvey(ctx, other, testSegments(other.ID, 1)); err != nil {
		t.Fatalf("create survey: %v", err)
	}
	if other.RunNumber.Int64 != 1 {
		t.Errorf("roof run number = %d, want 1", other.RunNumber.Int64)
	}

	byLoc, err := st.ListSurveysByLocation(ctx, "lab", 0)
	if err != nil {
		t.Fatalf("list by location: %v", err)
	}
	if len(byLoc) != 3 {
		t.Fatalf("lab has %d surveys, want 3", len(byLoc))
	}
	if byLoc[0].RunNumber.Int64 != 3 {
		t.Errorf("newest run first: got run %d", byLoc[0].RunNumber.Int64)
	}
}

func TestSurveyStatusTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		path []string
		ok   bool
	}{
		{"happy path", []string{SurveyInProgress, SurveyCompleted}, true},
		{"pause resume", []string{SurveyInProgress, SurveyPaused, SurveyInProgress}, true},
		{"fail", []string{SurveyInProgress, SurveyFailed}, true},
		{"skip pending", []string{SurveyCompleted}, false},
		{"completed is terminal", []string{SurveyInProgress, SurveyCompleted, SurveyInProgress}, false},
		{"pause before start", []string{SurveyPaused}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sv := mustCreateSurvey(t, st, "fsm-"+tc.name, 1)
			var err error
			for _, status := range tc.path {
				if err = st.UpdateSurveyStatus(ctx, sv.ID, status); err != nil {
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

func TestUpdateSurveyStatusSetsTimestamps(t *testing.T) {
	st := newTestStore(t)
	st.now = func() time.Time { return time.UnixMilli(5_000) }
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "ts", 1)

	// Persisting the plan stamps each segment's schedule time.
	segs, err := st.Segments(ctx, sv.ID)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if !segs[0].ScheduledAt.Valid || segs[0].ScheduledAt.Int64 != sv.CreatedAt {
		t.Errorf("scheduled_at = %+v, want %d", segs[0].ScheduledAt, sv.CreatedAt)
	}

	if err := st.UpdateSurveyStatus(ctx, sv.ID, SurveyInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	st.now = func() time.Time { return time.UnixMilli(9_000) }
	if err := st.UpdateSurveyStatus(ctx, sv.ID, SurveyPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := st.UpdateSurveyStatus(ctx, sv.ID, SurveyInProgress); err != nil {
		t.Fatalf("resume: %v", err)
	}

	got, err := st.GetSurvey(ctx, sv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// started_at keeps the first start, not the resume.
	if got.StartedAt.Int64 != 5_000 {
		t.Errorf("started_at = %d, want 5000", got.StartedAt.Int64)
	}
	if got.LastActivityAt.Int64 != 9_000 {
		t.Errorf("last_activity_at = %d, want 9000", got.LastActivityAt.Int64)
	}
}

func TestClaimNextSegmentOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "order", 6)

	// testSegments assigns priorities 1,2,3,1,2,3 over ascending frequency.
	// Claims must come back priority first, then frequency.
	var got []string
	for {
		seg, err := st.ClaimNextSegment(ctx, sv.ID, "scan-1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if seg == nil {
			break
		}
		got = append(got, seg.ID)
		if err := st.CompleteSegment(ctx, seg.ID, SegmentResult{}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	want := []string{"order-seg-0", "order-seg-3", "order-seg-1", "order-seg-4", "order-seg-2", "order-seg-5"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("claim order mismatch (-want +got):\n%s", diff)
	}
}

func TestClaimNextSegmentConcurrent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "race", 4)

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				seg, err := st.ClaimNextSegment(ctx, sv.ID, fmt.Sprintf("scan-%d", worker))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if seg == nil {
					return
				}
				mu.Lock()
				claimed[seg.ID]++
				mu.Unlock()
				if err := st.CompleteSegment(ctx, seg.ID, SegmentResult{}); err != nil {
					t.Errorf("complete: %v", err)
				}
			}
		}(worker)
	}
	wg.Wait()

	if len(claimed) != 4 {
		t.Fatalf("claimed %d distinct segments, want 4", len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("segment %s claimed %d times", id, n)
		}
	}
}

func TestSegmentTerminalTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "terminal", 2)

	seg, err := st.ClaimNextSegment(ctx, sv.ID, "scan-1")
	if err != nil || seg == nil {
		t.Fatalf("claim: seg=%v err=%v", seg, err)
	}
	if err := st.CompleteSegment(ctx, seg.ID, SegmentResult{SignalsFound: 3}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Completing twice is idempotent.
	if err := st.CompleteSegment(ctx, seg.ID, SegmentResult{}); err != nil {
		t.Errorf("repeat complete: %v", err)
	}
	// But failing a completed segment is a state conflict.
	if err := st.FailSegment(ctx, seg.ID, "boom"); !errors.Is(err, ErrState) {
		t.Errorf("fail after complete: got %v, want ErrState", err)
	}

	// Skip only applies to pending segments.
	pending, err := st.ClaimNextSegment(ctx, sv.ID, "scan-1")
	if err != nil || pending == nil {
		t.Fatalf("claim: seg=%v err=%v", pending, err)
	}
	if err := st.SkipSegment(ctx, pending.ID); !errors.Is(err, ErrState) {
		t.Errorf("skip in_progress: got %v, want ErrState", err)
	}
}

func TestResetSegment(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "reset", 1)

	seg, err := st.ClaimNextSegment(ctx, sv.ID, "scan-1")
	if err != nil || seg == nil {
		t.Fatalf("claim: seg=%v err=%v", seg, err)
	}
	if err := st.FailSegment(ctx, seg.ID, "device unplugged"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := st.ResetSegment(ctx, seg.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err := st.GetSegment(ctx, seg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != SegmentPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.ErrorMessage.Valid || got.ScanID.Valid || got.StartedAt.Valid {
		t.Errorf("reset left execution state behind: %+v", got)
	}

	// The segment is claimable again, and resetting a pending segment is a
	// state conflict.
	if err := st.ResetSegment(ctx, seg.ID); !errors.Is(err, ErrState) {
		t.Errorf("reset pending: got %v, want ErrState", err)
	}
	if seg, err := st.ClaimNextSegment(ctx, sv.ID, "scan-2"); err != nil || seg == nil {
		t.Errorf("reclaim after reset: seg=%v err=%v", seg, err)
	}
}

func TestRefreshSurveyProgress(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "progress", 2)

	if err := st.UpdateSurveyStatus(ctx, sv.ID, SurveyInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	seg, _ := st.ClaimNextSegment(ctx, sv.ID, "scan-1")
	if err := st.CompleteSegment(ctx, seg.ID, SegmentResult{SignalsFound: 2}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := st.RefreshSurveyProgress(ctx, sv.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.CompletedSegments != 1 || got.CompletionPct != 50 {
		t.Errorf("progress = %d segments %.0f%%, want 1 segment 50%%", got.CompletedSegments, got.CompletionPct)
	}
	if got.Status != SurveyInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}

	seg, _ = st.ClaimNextSegment(ctx, sv.ID, "scan-1")
	if err := st.CompleteSegment(ctx, seg.ID, SegmentResult{SignalsFound: 1}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err = st.RefreshSurveyProgress(ctx, sv.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.Status != SurveyCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if !got.CompletedAt.Valid {
		t.Error("completed_at not set")
	}
	if got.TotalSignals != 3 {
		t.Errorf("total signals = %d, want 3", got.TotalSignals)
	}
}

func TestRefreshKeepsSurveyOpenOnFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sv := mustCreateSurvey(t, st, "open", 2)

	if err := st.UpdateSurveyStatus(ctx, sv.ID, SurveyInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	seg, _ := st.ClaimNextSegment(ctx, sv.ID, "scan-1")
	st.CompleteSegment(ctx, seg.ID, SegmentResult{})
	seg, _ = st.ClaimNextSegment(ctx, sv.ID, "scan-1")
	st.FailSegment(ctx, seg.ID, "boom")

	// No pending segments remain, but a failed one does. The survey must
	// stay open so the operator can reset and resume.
	got, err := st.RefreshSurveyProgress(ctx, sv.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.Status != SurveyInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
}

func TestGetSurveyNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetSurvey(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if _, err := st.GetSegment(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
