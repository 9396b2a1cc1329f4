// Package web serves a live read-only view of a run: a small dashboard,
// JSON status endpoints, and a websocket event stream.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/govpanel/govpanel/internal/analysis"
)

// runView is the read-only slice of the run the server needs.
type runView interface {
	Phase() analysis.Phase
	CurrentTranscript() []analysis.DiscussionMessage
	Iterations() []analysis.IterationResult
	Decision() *analysis.DecisionResult
	Subscribe() (<-chan analysis.Event, func())
}

// Server exposes a RunState over HTTP. It never mutates the run.
type Server struct {
	runID     string
	startedAt time.Time
	view      runView
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	port      int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a live-view server for the given run state.
func NewServer(state *analysis.RunState, opts ...Option) *Server {
	s := &Server{
		runID:     state.ID,
		startedAt: state.StartedAt,
		view:      state,
		logger:    slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the first free port in 3000-3100 and serves in the background.
// Returns the chosen port, or 0 if the whole range is taken (the live view
// is then disabled, not fatal).
func (s *Server) Start() int {
	port := findAvailablePort(3000, 3100)
	if port == 0 {
		s.logger.Warn("no available port in range 3000-3100, live view disabled")
		return 0
	}
	s.port = port

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/decision", s.handleDecision)
	mux.HandleFunc("/ws/events", s.handleEvents)

	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			s.logger.Error("live view server stopped", "err", err)
		}
	}()
	s.logger.Info("live view available", "url", fmt.Sprintf("http://localhost:%d", port))
	return port
}

func findAvailablePort(from, to int) int {
	for port := from; port < to; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			ln.Close()
			return port
		}
	}
	return 0
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"runId":      s.runID,
		"phase":      s.view.Phase(),
		"messages":   len(s.view.CurrentTranscript()),
		"iterations": len(s.view.Iterations()),
		"startedAt":  s.startedAt.Format(time.RFC3339),
		"uptime":     time.Since(s.startedAt).String(),
		"port":       s.port,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleDecision serves the final decision; 404 while the run is in flight.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	decision := s.view.Decision()
	if decision == nil {
		http.Error(w, "run still in flight", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

// handleEvents streams run-state events over a websocket. The subscription
// drops events for slow readers, so a stalled browser tab never blocks the
// pipeline.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, cancel := s.view.Subscribe()
	defer cancel()

	// Read pump: we never expect client messages, but reading is how the
	// websocket surfaces a close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, dashboardHTML, s.runID)
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<title>govpanel — run %s</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "SF Mono", monospace; background: #0d1117; color: #c9d1d9; padding: 20px; }
  h1 { font-size: 1.3em; margin-bottom: 16px; color: #58a6ff; }
  .status { display: flex; gap: 24px; margin-bottom: 20px; flex-wrap: wrap; }
  .badge { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 12px 16px; }
  .badge .label { font-size: 0.75em; color: #8b949e; text-transform: uppercase; margin-bottom: 4px; }
  .badge .value { font-size: 1.1em; }
  .finished { color: #3fb950; }
  .failed { color: #f85149; }
  .analyzing { color: #d29922; }
  #feed { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; height: calc(100vh - 180px); overflow-y: auto; font-size: 0.85em; line-height: 1.6; }
  .msg { white-space: pre-wrap; word-break: break-word; margin-bottom: 8px; }
  .msg .who { color: #58a6ff; }
  .score { color: #d29922; }
  .verdict { color: #3fb950; font-weight: bold; }
</style>
</head>
<body>
<h1>govpanel live view</h1>
<div class="status">
  <div class="badge"><div class="label">Phase</div><div class="value" id="phase">—</div></div>
  <div class="badge"><div class="label">Iterations</div><div class="value" id="iterations">0</div></div>
  <div class="badge"><div class="label">Messages</div><div class="value" id="messages">0</div></div>
</div>
<div id="feed"></div>
<script>
const feedEl = document.getElementById('feed');

function addLine(html, cls) {
  const div = document.createElement('div');
  div.className = 'msg' + (cls ? ' ' + cls : '');
  div.innerHTML = html;
  feedEl.appendChild(div);
  feedEl.scrollTop = feedEl.scrollHeight;
}

function esc(s) {
  const d = document.createElement('div');
  d.textContent = s;
  return d.innerHTML;
}

const ws = new WebSocket('ws://' + location.host + '/ws/events');
ws.onmessage = (e) => {
  const ev = JSON.parse(e.data);
  if (ev.type === 'message_appended' && ev.message) {
    addLine('<span class="who">' + esc(ev.message.participantName) + ':</span> ' + esc(ev.message.text));
  } else if (ev.type === 'iteration_scored') {
    addLine('iteration ' + ev.iteration + ' scored ' + ev.score, 'score');
  } else if (ev.type === 'run_finished' && ev.decision) {
    addLine(esc(ev.decision.decision) + ' — ' + esc(ev.decision.justification), 'verdict');
  }
};

setInterval(async () => {
  try {
    const r = await fetch('/api/status');
    const s = await r.json();
    const phaseEl = document.getElementById('phase');
    phaseEl.textContent = s.phase;
    phaseEl.className = 'value ' + s.phase;
    document.getElementById('iterations').textContent = s.iterations;
    document.getElementById('messages').textContent = s.messages;
  } catch {}
}, 2000);
</script>
</body>
</html>`
