package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"terra-engine/internal/coord"
	"terra-engine/internal/logger"
	"terra-engine/internal/regions"
	"terra-engine/internal/selection"
	"terra-engine/internal/session"
	"terra-engine/internal/viewstate"

	"github.com/paulmach/orb/geojson"
)

func init() { logger.SetupWriter(io.Discard, "error", "text") }

type backend struct{}

func (backend) ListRegions(context.Context) ([]regions.Region, error) {
	return []regions.Region{{Name: "Utopia", Latitude: coord.Text("46.7N"), Longitude: coord.Text("117.6E")}}, nil
}

func (backend) MatchCrop(_ context.Context, crop string, topN int) (*regions.CropMatchResult, error) {
	if crop != "Tomato" {
		return nil, &regions.StatusError{Op: "match_crop", Code: 404, Message: "Crop not found"}
	}
	return &regions.CropMatchResult{Crop: crop, TopN: topN, Matches: []regions.RankedMatch{
		{Region: &regions.Region{Name: "Gale Crater", Latitude: coord.Text("4.5895°S"), Longitude: coord.Text("137.4417°E")}, Score: 6, Reasons: []string{"Good water availability", "Poor drainage"}},
		{Region: &regions.Region{Name: "Jezero", Latitude: coord.Number(18.4), Longitude: coord.Number(77.5)}, Score: 2},
	}}, nil
}

func (backend) AnalyzeLocation(_ context.Context, lat, lon float64, crop string) (*regions.LocationAnalysis, error) {
	return &regions.LocationAnalysis{
		Location:           regions.Region{Name: "Site", Latitude: coord.Number(lat), Longitude: coord.Number(lon)},
		CompatibilityScore: 4,
		Insight:            &regions.Insight{Analysis: "ok", Enabled: true},
	}, nil
}

func (backend) AnalyzeRegion(_ context.Context, req regions.AnalysisRequest) (*regions.Insight, error) {
	if req.RegionName == "Jezero" {
		return nil, &regions.StatusError{Op: "analyze_region", Code: 500, Message: "model offline"}
	}
	return &regions.Insight{Analysis: "fine", Enabled: true}, nil
}

func (backend) AnalyzeCosts(context.Context, regions.AnalysisRequest) (*regions.CostBreakdown, error) {
	return &regions.CostBreakdown{Note: "estimate"}, nil
}

func (backend) AskQuestion(_ context.Context, req regions.QuestionRequest) (string, error) {
	return "answer: " + req.Question, nil
}

func (backend) ListCrops(context.Context) ([]regions.Crop, error) {
	return []regions.Crop{{ID: 1, Name: "Tomato"}, {ID: 2, Name: "Rye"}}, nil
}

type harness struct {
	t   *testing.T
	srv *httptest.Server
	mgr *session.Manager
	id  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr := session.NewManager(func(id string) (*selection.Machine, *viewstate.Recorder) {
		cam := viewstate.NewRecorder(viewstate.ViewState{Zoom: 2})
		return selection.New(backend{}, backend{}, cam, selection.Options{}), cam
	}, time.Minute, 0)
	srv := httptest.NewServer(BuildRoutes(Deps{Sessions: mgr, Crops: backend{}, LongPoll: time.Second}))
	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown()
	})
	h := &harness{t: t, srv: srv, mgr: mgr}
	var st stateView
	if code := h.do(http.MethodPost, "/session", nil, &st); code != http.StatusCreated {
		t.Fatalf("create session: %d", code)
	}
	h.id = st.Session
	return h
}

func (h *harness) do(method, path string, body any, out any) int {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, h.srv.URL+path, rd)
	if h.id != "" {
		req.Header.Set("X-Session-ID", h.id)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		h.t.Fatal(err)
	}
	defer resp.Body.Close()
	if sv, ok := out.(*stateView); ok {
		*sv = stateView{}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			h.t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (h *harness) settle() {
	s, err := h.mgr.Get(h.id)
	if err != nil {
		h.t.Fatal(err)
	}
	s.Machine.Wait()
}

func TestRankedFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	var st stateView
	if code := h.do(http.MethodPost, "/query", map[string]string{"crop": "Tomato"}, &st); code != http.StatusAccepted {
		t.Fatalf("query: %d", code)
	}
	h.settle()
	h.do(http.MethodGet, "/state", nil, &st)
	if st.State != selection.Listing || st.List.Result == nil || len(st.List.Result.Matches) != 2 {
		t.Fatalf("unexpected listing %+v", st.Snapshot)
	}

	if code := h.do(http.MethodPost, "/select", map[string]string{"name": "Gale Crater"}, &st); code != http.StatusOK {
		t.Fatalf("select: %d", code)
	}
	if st.Selected == nil || st.Selected.Band != "Excellent" || st.Camera.Animation == nil || st.Camera.Animation.Target.Zoom != selection.SelectZoom {
		t.Fatalf("unexpected selection %+v", st)
	}
	if len(st.Selected.KeyFactors) != 2 || len(st.Selected.Reasons) != 2 || st.Selected.Reasons[0].Tone != "good" || st.Selected.Reasons[1].Tone != "poor" {
		t.Fatalf("selection should carry toned reasons: %+v", st.Selected)
	}
	h.settle()
	if code := h.do(http.MethodPost, "/ask", map[string]string{"question": "Water?"}, nil); code != http.StatusAccepted {
		t.Fatalf("ask: %d", code)
	}
	h.settle()
	h.do(http.MethodGet, "/state", nil, &st)
	if len(st.Enrichment.Conversation) != 1 || st.Enrichment.Conversation[0].Answer != "answer: Water?" {
		t.Fatalf("unexpected conversation %+v", st.Enrichment.Conversation)
	}

	var fc geojson.FeatureCollection
	if code := h.do(http.MethodGet, "/markers", nil, &fc); code != http.StatusOK || len(fc.Features) != 2 {
		t.Fatalf("markers: %d %d", code, len(fc.Features))
	}
	if len(fc.BBox) != 4 || fc.BBox[0] != 77.5 || fc.BBox[3] != 18.4 {
		t.Fatalf("markers should carry the listing extent as bbox: %v", fc.BBox)
	}

	if code := h.do(http.MethodPost, "/close", nil, &st); code != http.StatusOK || st.Selected != nil || st.ViewDepth != 0 {
		t.Fatalf("close: %d %+v", code, st.Snapshot)
	}
}

func TestAskBeforeInsightReadyConflicts(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/query?crop=Tomato", nil, nil)
	h.settle()
	h.do(http.MethodPost, "/select", map[string]string{"name": "Jezero"}, nil)
	h.settle()
	var e map[string]string
	if code := h.do(http.MethodPost, "/ask", map[string]string{"question": "Why?"}, &e); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	var st stateView
	h.do(http.MethodGet, "/state", nil, &st)
	if st.Enrichment.Insight.Error == "" || st.Enrichment.Cost.Value == nil {
		t.Fatalf("insight failure must stay scoped: %+v", st.Enrichment)
	}
}

func TestClickAcceptsDirectionalCoordinates(t *testing.T) {
	h := newHarness(t)
	var st stateView
	if code := h.do(http.MethodPost, "/click", map[string]string{"latitude": "10°N", "longitude": "20°W"}, &st); code != http.StatusOK {
		t.Fatalf("click without crop should be a no-op, got %d", code)
	}
	h.do(http.MethodPost, "/query", map[string]string{"crop": "Tomato"}, nil)
	h.settle()
	if code := h.do(http.MethodPost, "/click", map[string]string{"latitude": "10°N", "longitude": "20°W"}, &st); code != http.StatusAccepted {
		t.Fatalf("click: %d", code)
	}
	h.settle()
	h.do(http.MethodGet, "/state", nil, &st)
	if st.Selected == nil || !st.Selected.UserResearched || st.Camera.View.Center[0] != -20 || st.Camera.View.Center[1] != 10 {
		t.Fatalf("unexpected state %+v", st)
	}
	var e map[string]string
	if code := h.do(http.MethodPost, "/click", map[string]string{"latitude": "north", "longitude": "20"}, &e); code != http.StatusBadRequest || e["error"] == "" {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	h := newHarness(t)
	var e map[string]string
	if code := h.do(http.MethodPost, "/select", map[string]string{"name": "Nope"}, &e); code != http.StatusNotFound {
		t.Fatalf("unknown region: %d", code)
	}
	h.do(http.MethodPost, "/query", map[string]string{"crop": "Kale"}, nil)
	h.settle()
	var st stateView
	h.do(http.MethodGet, "/state", nil, &st)
	if st.List.Status != selection.LoadFailed || st.List.Error == "" {
		t.Fatalf("expected list error %+v", st.List)
	}
	h.id = "missing"
	if code := h.do(http.MethodGet, "/state", nil, &e); code != http.StatusNotFound {
		t.Fatalf("missing session: %d", code)
	}
}

func TestLongPollReturnsOnChange(t *testing.T) {
	h := newHarness(t)
	var st stateView
	h.do(http.MethodGet, "/state", nil, &st)
	since := st.Version
	go func() {
		time.Sleep(50 * time.Millisecond)
		s, _ := h.mgr.Get(h.id)
		_ = s.Machine.Query(context.Background(), "")
	}()
	h.do(http.MethodGet, "/state?since="+itoa(since), nil, &st)
	if st.Version <= since {
		t.Fatalf("long poll returned without a change: %d <= %d", st.Version, since)
	}
	h.settle()
}

func TestCropsAndCamera(t *testing.T) {
	h := newHarness(t)
	var crops []regions.Crop
	if code := h.do(http.MethodGet, "/crops", nil, &crops); code != http.StatusOK || len(crops) != 2 {
		t.Fatalf("crops: %d %v", code, crops)
	}
	if code := h.do(http.MethodPost, "/camera", map[string]any{"center": []float64{30, 40}, "zoom": 3}, nil); code != http.StatusNoContent {
		t.Fatalf("camera: %d", code)
	}
	var st stateView
	h.do(http.MethodGet, "/state", nil, &st)
	if st.Camera.View.Zoom != 3 || st.Camera.View.Center[0] != 30 {
		t.Fatalf("camera not synced: %+v", st.Camera)
	}
}

func TestClickOnceWithoutRedisAlwaysAllows(t *testing.T) {
	for i := 0; i < 2; i++ {
		ok, err := clickOnce(context.Background(), nil, "s", 1, 2)
		if !ok || err != nil {
			t.Fatal("nil redis must allow")
		}
	}
	a := bloomPositions([]byte("1.0000,2.0000"), clickBloomBits, clickBloomK)
	b := bloomPositions([]byte("1.0000,2.0000"), clickBloomBits, clickBloomK)
	for i := range a {
		if a[i] != b[i] || a[i] < 0 || a[i] >= clickBloomBits {
			t.Fatalf("positions not stable or out of range: %v %v", a, b)
		}
	}
}

func itoa(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestRepeatOnlyWhilePendingOrSelected(t *testing.T) {
	sel := &selection.Selection{
		Region:         &regions.Region{Name: "Site", Latitude: coord.Number(10), Longitude: coord.Number(-20)},
		UserResearched: true,
	}
	cases := []struct {
		name string
		snap selection.Snapshot
		want bool
	}{
		{"nothing in flight", selection.Snapshot{}, false},
		{"pending same point", selection.Snapshot{Click: &selection.ClickView{Latitude: 10, Longitude: -20, Status: selection.LoadPending}}, true},
		{"pending other point", selection.Snapshot{Click: &selection.ClickView{Latitude: 11, Longitude: -20, Status: selection.LoadPending}}, false},
		{"failed same point", selection.Snapshot{Click: &selection.ClickView{Latitude: 10, Longitude: -20, Status: selection.LoadFailed, Error: "boom"}}, false},
		{"selected same point", selection.Snapshot{Selected: sel}, true},
		{"selected catalog region", selection.Snapshot{Selected: &selection.Selection{Region: sel.Region}}, false},
	}
	for _, tc := range cases {
		if got := repeatOf(tc.snap, 10, -20); got != tc.want {
			t.Errorf("%s: repeatOf=%v want %v", tc.name, got, tc.want)
		}
	}
}
