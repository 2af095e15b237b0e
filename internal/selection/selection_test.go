package selection

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"terra-engine/internal/coord"
	"terra-engine/internal/enrichment"
	"terra-engine/internal/logger"
	"terra-engine/internal/metrics"
	"terra-engine/internal/regions"
	"terra-engine/internal/viewstate"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func init() { logger.SetupWriter(io.Discard, "error", "text") }

type fakeBackend struct {
	mu        sync.Mutex
	matches   map[string]*regions.CropMatchResult
	catalog   []regions.Region
	gates     map[string]chan struct{}
	locGate   chan struct{}
	matchErr  error
	locCalls  int
	insCalls  int
	costCalls int
}

func newFake() *fakeBackend {
	tomato := &regions.CropMatchResult{Crop: "Tomato", TopN: 5, Matches: []regions.RankedMatch{
		{Region: &regions.Region{Name: "Gale Crater", Latitude: coord.Text("4.5895°S"), Longitude: coord.Text("137.4417°E")}, Score: 6, Reasons: []string{"Good water availability"}},
		{Region: &regions.Region{Name: "Jezero", Latitude: coord.Number(18.4), Longitude: coord.Number(77.5)}, Score: 2},
		{Region: &regions.Region{Name: "Nowhere", Latitude: coord.Text("unknown"), Longitude: coord.Number(1)}, Score: -1},
	}}
	return &fakeBackend{
		matches: map[string]*regions.CropMatchResult{"Tomato": tomato, "Rye": {Crop: "Rye", TopN: 5, Matches: []regions.RankedMatch{}}},
		catalog: []regions.Region{{Name: "Utopia", Latitude: coord.Text("46.7N"), Longitude: coord.Text("117.6E")}},
		gates:   map[string]chan struct{}{},
	}
}

func (f *fakeBackend) gate(crop string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gates[crop]
}

func (f *fakeBackend) ListRegions(context.Context) ([]regions.Region, error) {
	return f.catalog, nil
}

func (f *fakeBackend) MatchCrop(_ context.Context, crop string, _ int) (*regions.CropMatchResult, error) {
	if g := f.gate(crop); g != nil {
		<-g
	}
	if f.matchErr != nil {
		return nil, f.matchErr
	}
	res, ok := f.matches[crop]
	if !ok {
		return nil, &regions.StatusError{Op: "match_crop", Code: 404, Message: "not found"}
	}
	return res, nil
}

func (f *fakeBackend) AnalyzeLocation(_ context.Context, lat, lon float64, crop string) (*regions.LocationAnalysis, error) {
	f.mu.Lock()
	f.locCalls++
	gate := f.locGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return &regions.LocationAnalysis{
		Location:           regions.Region{Latitude: coord.Number(lat), Longitude: coord.Number(lon)},
		CompatibilityScore: 3,
		Reasons:            []string{"Moderate climate"},
		Insight:            &regions.Insight{Analysis: "analysis for " + crop, Enabled: true},
		Cost:               &regions.CostBreakdown{Note: "estimate"},
	}, nil
}

func (f *fakeBackend) AnalyzeRegion(_ context.Context, req regions.AnalysisRequest) (*regions.Insight, error) {
	f.mu.Lock()
	f.insCalls++
	f.mu.Unlock()
	return &regions.Insight{Analysis: req.RegionName, Enabled: true}, nil
}

func (f *fakeBackend) AnalyzeCosts(_ context.Context, req regions.AnalysisRequest) (*regions.CostBreakdown, error) {
	f.mu.Lock()
	f.costCalls++
	f.mu.Unlock()
	return &regions.CostBreakdown{Note: req.RegionName}, nil
}

func (f *fakeBackend) AskQuestion(_ context.Context, req regions.QuestionRequest) (string, error) {
	return "re: " + req.Question, nil
}

var root = viewstate.ViewState{Center: orb.Point{0, 0}, Zoom: 2}

func newMachine(t *testing.T, f *fakeBackend, opts Options) (*Machine, *viewstate.Recorder) {
	t.Helper()
	cam := viewstate.NewRecorder(root)
	m := New(f, f, cam, opts)
	t.Cleanup(m.Shutdown)
	return m, cam
}

func TestSelectThenSwitchThenCloseLeavesNoState(t *testing.T) {
	f := newFake()
	m, cam := newMachine(t, f, Options{})
	ctx := context.Background()
	if err := m.Query(ctx, "Tomato"); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	if s := m.Snapshot(); s.State != Listing || s.List.Status != LoadReady || len(s.List.Result.Matches) != 3 {
		t.Fatalf("unexpected listing %+v", s)
	}
	if err := m.Select("Gale Crater"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkerActivated("Jezero"); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	s := m.Snapshot()
	if s.State != Selected || s.Selected.Region.Name != "Jezero" || s.ViewDepth != 1 {
		t.Fatalf("unexpected selection %+v", s)
	}
	if s.Enrichment.Key == nil || s.Enrichment.Key.Region != "Jezero" || s.Enrichment.Insight.Value.Analysis != "Jezero" {
		t.Fatalf("bundle should belong to Jezero: %+v", s.Enrichment)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	s = m.Snapshot()
	if s.State != Listing || s.Selected != nil || s.ViewDepth != 0 {
		t.Fatalf("close left state behind: %+v", s)
	}
	if s.Enrichment.Key != nil || s.Enrichment.Insight.Status != enrichment.StatusEmpty || len(s.Enrichment.Conversation) != 0 {
		t.Fatalf("bundle not reset: %+v", s.Enrichment)
	}
	if cam.View() != root {
		t.Fatalf("camera not restored: %+v", cam.View())
	}
	anims := cam.Animations()
	if len(anims) != 3 {
		t.Fatalf("expected 3 animations, got %d", len(anims))
	}
	if anims[0].Target.Center != (orb.Point{137.4417, -4.5895}) || anims[0].Target.Zoom != SelectZoom || anims[0].Duration != AnimateDuration {
		t.Fatalf("unexpected drill-in %+v", anims[0])
	}
	if anims[2].Target != root {
		t.Fatalf("back-out should target the saved root view: %+v", anims[2])
	}
}

func TestBandsFollowScores(t *testing.T) {
	f := newFake()
	m, cam := newMachine(t, f, Options{})
	_ = m.Query(context.Background(), "Tomato")
	m.Wait()
	want := map[string]string{"Gale Crater": "Excellent", "Jezero": "Moderate", "Nowhere": "Poor"}
	for name, band := range want {
		if err := m.Select(name); err != nil {
			t.Fatal(err)
		}
		if got := m.Snapshot().Selected.Band; got != band {
			t.Fatalf("%s band=%s want %s", name, got, band)
		}
	}
	m.Wait()
	// 坐标不可解析的区域可以选中，但不移动相机
	if n := len(cam.Animations()); n != 2 {
		t.Fatalf("expected 2 animations, got %d", n)
	}
}

func TestEmptyAreaWithoutCropDoesNothing(t *testing.T) {
	f := newFake()
	m, _ := newMachine(t, f, Options{})
	_ = m.Query(context.Background(), "")
	m.Wait()
	if s := m.Snapshot(); len(s.List.Catalog) != 1 || s.Crop != "" {
		t.Fatalf("expected catalog mode %+v", s)
	}
	if m.EmptyAreaActivated(context.Background(), 10, 20) {
		t.Fatal("no request expected without a crop")
	}
	m.Wait()
	if f.locCalls != 0 || m.Snapshot().Click != nil {
		t.Fatal("no clicked location expected")
	}
}

func TestEmptyAreaWithCropSelectsResearchedLocationOnce(t *testing.T) {
	f := newFake()
	var logged []ResearchedRegion
	m, _ := newMachine(t, f, Options{OnResearched: func(r ResearchedRegion) { logged = append(logged, r) }})
	ctx := context.Background()
	_ = m.Query(ctx, "Rye")
	m.Wait()
	if s := m.Snapshot(); s.List.Status != LoadReady || len(s.List.Result.Matches) != 0 {
		t.Fatalf("empty match result must be a valid listing: %+v", s.List)
	}
	for i := 0; i < 2; i++ {
		if !m.EmptyAreaActivated(ctx, 10, -20) {
			t.Fatal("expected analyze_location request")
		}
		m.Wait()
	}
	s := m.Snapshot()
	if s.State != Selected || !s.Selected.UserResearched {
		t.Fatalf("clicked location should be selected: %+v", s)
	}
	if s.Selected.Region.Name != "Custom Location (10.0000, -20.0000)" || s.Selected.Band != "Good" {
		t.Fatalf("unexpected selected location %+v", s.Selected)
	}
	if f.locCalls != 2 || m.Researched().Len() != 1 || len(logged) != 1 || len(s.List.Researched) != 1 {
		t.Fatalf("calls=%d researched=%d logged=%d", f.locCalls, m.Researched().Len(), len(logged))
	}
	if s.Enrichment.Insight.Status != enrichment.StatusReady || s.Enrichment.Insight.Value.RecommendationLevel != "recommended" {
		t.Fatalf("seeded insight expected: %+v", s.Enrichment.Insight)
	}
	if f.insCalls != 0 || f.costCalls != 0 {
		t.Fatal("seeded location must not refetch enrichment")
	}
	if err := m.Ask(ctx, "How much water?"); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	if c := m.Snapshot().Enrichment.Conversation; len(c) != 1 || c[0].Answer != "re: How much water?" {
		t.Fatalf("unexpected conversation %+v", c)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Select("custom location (10.0000, -20.0000)"); err != nil {
		t.Fatalf("researched location should be selectable again: %v", err)
	}
}

func TestSupersededQueryIsDropped(t *testing.T) {
	f := newFake()
	gate := make(chan struct{})
	f.gates["Tomato"] = gate
	m, _ := newMachine(t, f, Options{})
	ctx := context.Background()
	_ = m.Query(ctx, "Tomato")
	_ = m.Query(ctx, "Rye")
	close(gate)
	m.Wait()
	s := m.Snapshot()
	if s.Crop != "Rye" || s.List.Result == nil || s.List.Result.Crop != "Rye" {
		t.Fatalf("stale list applied: %+v", s.List)
	}
}

func TestQueryClearsSelectionAndRestoresCamera(t *testing.T) {
	f := newFake()
	m, cam := newMachine(t, f, Options{})
	ctx := context.Background()
	_ = m.Query(ctx, "Tomato")
	m.Wait()
	_ = m.Select("Gale Crater")
	_ = m.Query(ctx, "Rye")
	m.Wait()
	s := m.Snapshot()
	if s.State != Listing || s.Selected != nil || s.ViewDepth != 0 || s.Enrichment.Key != nil {
		t.Fatalf("query must discard the selection: %+v", s)
	}
	if cam.View() != root {
		t.Fatal("camera should be back at the root view")
	}
}

func TestListErrorKeepsMachineUsable(t *testing.T) {
	f := newFake()
	m, _ := newMachine(t, f, Options{})
	ctx := context.Background()
	_ = m.Query(ctx, "Kale")
	m.Wait()
	s := m.Snapshot()
	if s.List.Status != LoadFailed || s.List.Error == "" {
		t.Fatalf("expected list error: %+v", s.List)
	}
	if err := m.Select("Gale Crater"); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("expected ErrUnknownRegion, got %v", err)
	}
	_ = m.Query(ctx, "Tomato")
	m.Wait()
	if m.Snapshot().List.Status != LoadReady {
		t.Fatal("machine should recover on the next query")
	}
}

func TestCatalogSelectionHasNoEnrichment(t *testing.T) {
	f := newFake()
	m, _ := newMachine(t, f, Options{})
	_ = m.Query(context.Background(), "")
	m.Wait()
	if err := m.Select("Utopia"); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	s := m.Snapshot()
	if s.Selected.Match != nil || s.Enrichment.Key != nil || f.insCalls != 0 {
		t.Fatalf("catalog selection must not enrich: %+v", s)
	}
	_ = m.Close()
	if m.Snapshot().State != Idle {
		t.Fatal("close without crop context returns to idle")
	}
}

func TestWatchAndShutdown(t *testing.T) {
	f := newFake()
	m, _ := newMachine(t, f, Options{})
	ch, cancel := m.Watch()
	defer cancel()
	v := m.Version()
	_ = m.Query(context.Background(), "Tomato")
	<-ch
	m.Wait()
	if m.Version() <= v {
		t.Fatal("version should advance")
	}
	m.Shutdown()
	m.Shutdown()
	for range ch {
	}
	if err := m.Query(context.Background(), "Rye"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLateLocationResultIsDropped(t *testing.T) {
	cases := []struct {
		name      string
		supersede func(m *Machine) error
		wantSel   string
		wantCrop  string
	}{
		{"marker selected", func(m *Machine) error { return m.Select("Gale Crater") }, "Gale Crater", "Tomato"},
		{"new query", func(m *Machine) error { return m.Query(context.Background(), "Rye") }, "", "Rye"},
		{"panel closed", func(m *Machine) error { return m.Close() }, "", "Tomato"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFake()
			gate := make(chan struct{})
			f.locGate = gate
			m, _ := newMachine(t, f, Options{})
			ctx := context.Background()
			_ = m.Query(ctx, "Tomato")
			m.Wait()
			before := testutil.ToFloat64(metrics.StaleResultsTotal.WithLabelValues("location"))
			if !m.EmptyAreaActivated(ctx, 10, 20) {
				t.Fatal("expected analyze_location request")
			}
			if err := tc.supersede(m); err != nil {
				t.Fatal(err)
			}
			close(gate)
			m.Wait()
			s := m.Snapshot()
			sel := ""
			if s.Selected != nil {
				sel = s.Selected.Region.Name
				if s.Selected.UserResearched {
					t.Fatal("late location must not become the selection")
				}
			}
			if sel != tc.wantSel || s.Crop != tc.wantCrop || s.Click != nil {
				t.Fatalf("selected=%q crop=%q click=%+v", sel, s.Crop, s.Click)
			}
			if m.Researched().Len() != 0 || len(s.List.Researched) != 0 {
				t.Fatal("late location must not be added to the researched set")
			}
			if d := testutil.ToFloat64(metrics.StaleResultsTotal.WithLabelValues("location")) - before; d != 1 {
				t.Fatalf("stale location counter delta=%v", d)
			}
		})
	}
}

func TestCropContextFollowsBackendName(t *testing.T) {
	f := newFake()
	f.matches["tomato"] = f.matches["Tomato"]
	m, _ := newMachine(t, f, Options{})
	_ = m.Query(context.Background(), "tomato")
	m.Wait()
	if err := m.Select("Gale Crater"); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	s := m.Snapshot()
	if s.Crop != "Tomato" || s.Enrichment.Key == nil || s.Enrichment.Key.Crop != "Tomato" {
		t.Fatalf("crop context should be the backend name: crop=%q key=%+v", s.Crop, s.Enrichment.Key)
	}
}
