package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jschuller/rf-asset-discovery/sdr"
	"github.com/jschuller/rf-asset-discovery/store"
	"github.com/jschuller/rf-asset-discovery/survey"
	"github.com/jschuller/rf-asset-discovery/transform"
)

type staticDetector struct{}

func (staticDetector) Name() string { return "static" }

func (staticDetector) Scan(_ context.Context, opts sdr.Options) (*sdr.Result, error) {
	res := &sdr.Result{NoiseFloorDB: -40}
	if opts.StartHz <= 98_100_000 && 98_100_000 < opts.EndHz {
		res.Detections = append(res.Detections, sdr.Detection{FrequencyHz: 98_100_000, PowerDB: -15, BandwidthHz: 200_000})
	}
	return res, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.DB.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return &Server{
		Store:       st,
		Scheduler:   survey.NewScheduler(st, staticDetector{}, nil, nil, survey.Config{}),
		Transformer: transform.New(st.DB, nil, transform.Config{}),
	}
}

func do(t *testing.T, router http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: invalid JSON response %q", method, path, w.Body.String())
		}
	}
	return w, decoded
}

func TestSurveyLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	w, created := do(t, router, http.MethodPost, "/api/v1/surveys",
		`{"name": "office sweep", "start_hz": 87500000, "end_hz": 108000000, "include_gaps": false}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	id, _ := created["ID"].(string)
	if id == "" {
		t.Fatalf("create response has no id: %v", created)
	}

	w, _ = do(t, router, http.MethodPost, "/api/v1/surveys/"+id+"/step", "")
	if w.Code != http.StatusOK {
		t.Fatalf("step: %d %s", w.Code, w.Body.String())
	}

	w, got := do(t, router, http.MethodGet, "/api/v1/surveys/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	if got["Status"] != store.SurveyCompleted {
		t.Errorf("status = %v, want completed", got["Status"])
	}

	w, signals := do(t, router, http.MethodGet, "/api/v1/surveys/"+id+"/signals", "")
	if w.Code != http.StatusOK {
		t.Fatalf("signals: %d", w.Code)
	}
	if list, _ := signals["signals"].([]any); len(list) != 1 {
		t.Errorf("signals = %v, want 1 entry", signals["signals"])
	}
}

func TestPauseResumeOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	w, created := do(t, router, http.MethodPost, "/api/v1/surveys",
		`{"name": "vhf sweep", "start_hz": 87500000, "end_hz": 137000000, "include_gaps": true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	id, _ := created["ID"].(string)

	// One step leaves the survey in_progress with segments remaining.
	if w, _ := do(t, router, http.MethodPost, "/api/v1/surveys/"+id+"/step", ""); w.Code != http.StatusOK {
		t.Fatalf("step: %d %s", w.Code, w.Body.String())
	}
	if w, _ := do(t, router, http.MethodPost, "/api/v1/surveys/"+id+"/pause", ""); w.Code != http.StatusOK {
		t.Fatalf("pause: %d %s", w.Code, w.Body.String())
	}
	if w, _ := do(t, router, http.MethodPost, "/api/v1/surveys/"+id+"/step", ""); w.Code != http.StatusConflict {
		t.Errorf("step while paused: %d, want 409", w.Code)
	}

	w, resumed := do(t, router, http.MethodPost, "/api/v1/surveys/"+id+"/resume", "")
	if w.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", w.Code, w.Body.String())
	}
	if done, _ := resumed["Complete"].(bool); !done {
		t.Errorf("resume result = %v, want Complete", resumed)
	}

	w, got := do(t, router, http.MethodGet, "/api/v1/surveys/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	if got["Status"] != store.SurveyCompleted {
		t.Errorf("status = %v, want completed", got["Status"])
	}
}

func TestErrorTaxonomyOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	// Unknown survey id maps to 404.
	if w, _ := do(t, router, http.MethodGet, "/api/v1/surveys/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing survey: %d, want 404", w.Code)
	}

	// Inverted range maps to 400.
	w, _ := do(t, router, http.MethodPost, "/api/v1/surveys",
		`{"name": "bad", "start_hz": 200, "end_hz": 100}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("inverted range: %d, want 400", w.Code)
	}

	// Pausing a pending survey is an illegal transition and maps to 409.
	w, created := do(t, router, http.MethodPost, "/api/v1/surveys",
		`{"name": "pending", "start_hz": 87500000, "end_hz": 108000000}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}
	id, _ := created["ID"].(string)
	if w, _ := do(t, router, http.MethodPost, "/api/v1/surveys/"+id+"/pause", ""); w.Code != http.StatusConflict {
		t.Errorf("pause pending: %d, want 409", w.Code)
	}
}

func TestTransformOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	w, status := do(t, router, http.MethodGet, "/api/v1/transform/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if _, ok := status["tables"]; !ok {
		t.Errorf("status response missing tables: %v", status)
	}

	if w, _ := do(t, router, http.MethodPost, "/api/v1/transform/copper", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad layer: %d, want 400", w.Code)
	}

	w, run := do(t, router, http.MethodPost, "/api/v1/transform/bronze?dry_run=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dry run: %d %s", w.Code, w.Body.String())
	}
	if _, ok := run["results"]; !ok {
		t.Errorf("run response missing results: %v", run)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rfdiscovery_") {
		t.Error("metrics output missing rfdiscovery collectors")
	}
}
