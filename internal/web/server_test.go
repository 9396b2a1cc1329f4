package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/govpanel/govpanel/internal/analysis"
)

type fakeView struct {
	phase      analysis.Phase
	transcript []analysis.DiscussionMessage
	iterations []analysis.IterationResult
	decision   *analysis.DecisionResult
	events     chan analysis.Event
	cancelled  bool
}

func newFakeView() *fakeView {
	return &fakeView{
		phase:  analysis.PhaseAnalyzing,
		events: make(chan analysis.Event, 8),
	}
}

func (f *fakeView) Phase() analysis.Phase                           { return f.phase }
func (f *fakeView) CurrentTranscript() []analysis.DiscussionMessage { return f.transcript }
func (f *fakeView) Iterations() []analysis.IterationResult          { return f.iterations }
func (f *fakeView) Decision() *analysis.DecisionResult              { return f.decision }
func (f *fakeView) Subscribe() (<-chan analysis.Event, func()) {
	return f.events, func() { f.cancelled = true }
}

func testServer(t *testing.T, view runView) (*Server, *httptest.Server) {
	t.Helper()
	srv := &Server{
		runID:     "run-test",
		startedAt: time.Now(),
		view:      view,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/decision", srv.handleDecision)
	mux.HandleFunc("/ws/events", srv.handleEvents)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestStatusReportsPhaseAndCounts(t *testing.T) {
	view := newFakeView()
	view.transcript = []analysis.DiscussionMessage{{Text: "a"}, {Text: "b"}}
	view.iterations = []analysis.IterationResult{{Index: 1, FeasibilityScore: 72}}
	_, ts := testServer(t, view)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["runId"] != "run-test" {
		t.Errorf("runId = %v, want run-test", status["runId"])
	}
	if status["phase"] != string(analysis.PhaseAnalyzing) {
		t.Errorf("phase = %v, want %s", status["phase"], analysis.PhaseAnalyzing)
	}
	if status["messages"] != float64(2) {
		t.Errorf("messages = %v, want 2", status["messages"])
	}
	if status["iterations"] != float64(1) {
		t.Errorf("iterations = %v, want 1", status["iterations"])
	}
}

func TestDecisionNotFoundWhileInFlight(t *testing.T) {
	_, ts := testServer(t, newFakeView())

	resp, err := http.Get(ts.URL + "/api/decision")
	if err != nil {
		t.Fatalf("GET /api/decision: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestDecisionServedWhenFinished(t *testing.T) {
	view := newFakeView()
	view.phase = analysis.PhaseFinished
	view.decision = &analysis.DecisionResult{
		Decision:    analysis.DecisionProceed,
		MedianScore: 88,
	}
	_, ts := testServer(t, view)

	resp, err := http.Get(ts.URL + "/api/decision")
	if err != nil {
		t.Fatalf("GET /api/decision: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var decision analysis.DecisionResult
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.Decision != analysis.DecisionProceed {
		t.Errorf("decision = %s, want %s", decision.Decision, analysis.DecisionProceed)
	}
}

func TestEventsStreamOverWebsocket(t *testing.T) {
	view := newFakeView()
	view.events <- analysis.Event{
		Type: analysis.EventMessageAppended,
		Message: &analysis.DiscussionMessage{
			ParticipantID:   "economist",
			ParticipantName: "Dr. Economist",
			Text:            "opening statement",
		},
	}
	view.events <- analysis.Event{
		Type:      analysis.EventIterationScored,
		Iteration: 1,
		Score:     72,
	}
	_, ts := testServer(t, view)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first analysis.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if first.Type != analysis.EventMessageAppended {
		t.Errorf("first event type = %s, want %s", first.Type, analysis.EventMessageAppended)
	}
	if first.Message == nil || first.Message.ParticipantName != "Dr. Economist" {
		t.Errorf("first event message = %+v, want Dr. Economist", first.Message)
	}

	var second analysis.Event
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second event: %v", err)
	}
	if second.Type != analysis.EventIterationScored || second.Iteration != 1 {
		t.Errorf("second event = %+v, want iteration 1 scored", second)
	}
}

func TestFindAvailablePortStaysInRange(t *testing.T) {
	port := findAvailablePort(3000, 3100)
	if port == 0 {
		t.Skip("no free port in 3000-3100 on this machine")
	}
	if port < 3000 || port >= 3100 {
		t.Errorf("port %d outside range", port)
	}
}
