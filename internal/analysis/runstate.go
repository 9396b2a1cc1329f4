package analysis

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the observable stage of a run.
type Phase string

const (
	PhasePreparing Phase = "preparing" // classification + summarization
	PhaseAnalyzing Phase = "analyzing" // discussion + scoring iterations
	PhaseFinished  Phase = "finished"
	PhaseFailed    Phase = "failed"
)

// EventType identifies a run-state change notification.
type EventType string

const (
	EventPhaseChanged    EventType = "phase_changed"
	EventMessageAppended EventType = "message_appended"
	EventIterationScored EventType = "iteration_scored"
	EventRunFinished     EventType = "run_finished"
)

// Event is one run-state change. Fields beyond Type are set per event type.
type Event struct {
	Type      EventType          `json:"type"`
	Phase     Phase              `json:"phase,omitempty"`
	Iteration int                `json:"iteration,omitempty"`
	Message   *DiscussionMessage `json:"message,omitempty"`
	Score     float64            `json:"score,omitempty"`
	Decision  *DecisionResult    `json:"decision,omitempty"`
}

// RunState is the explicit, UI-free run state. The pipeline mutates it; UI
// layers subscribe to change events and read snapshots. The pipeline itself
// is single-threaded sequential; the lock exists for concurrent readers
// (the web view).
type RunState struct {
	ID        string
	StartedAt time.Time

	mu          sync.RWMutex
	phase       Phase
	current     []DiscussionMessage // the live (last iteration's) transcript
	iterations  []IterationResult
	metrics     *RunMetrics
	decision    *DecisionResult
	subscribers map[int]chan Event
	nextSubID   int
}

// NewRunState creates a run state with a fresh run id.
func NewRunState(start time.Time) *RunState {
	return &RunState{
		ID:          uuid.NewString(),
		StartedAt:   start,
		phase:       PhasePreparing,
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers an event listener. The returned cancel func must be
// called when the listener goes away. Slow listeners drop events rather than
// block the pipeline.
func (s *RunState) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, 64)
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// publish must be called with s.mu held.
func (s *RunState) publish(ev Event) {
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default: // drop for slow listeners
		}
	}
}

// Phase returns the current phase.
func (s *RunState) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *RunState) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	s.publish(Event{Type: EventPhaseChanged, Phase: p})
}

// appendMessage records a live discussion message and notifies subscribers.
func (s *RunState) appendMessage(msg DiscussionMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = append(s.current, msg)
	s.publish(Event{Type: EventMessageAppended, Message: &msg})
}

// beginIteration resets the live transcript view. Prior iterations'
// transcripts stay queryable from Iterations().
func (s *RunState) beginIteration(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.publish(Event{Type: EventPhaseChanged, Phase: s.phase, Iteration: index})
}

// recordIteration appends a completed iteration result.
func (s *RunState) recordIteration(res IterationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations = append(s.iterations, res)
	s.publish(Event{Type: EventIterationScored, Iteration: res.Index, Score: res.FeasibilityScore})
}

// finish records the final decision and finalized metrics, and flips the
// phase. The metrics are read-only from here on.
func (s *RunState) finish(decision *DecisionResult, metrics *RunMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decision = decision
	s.metrics = metrics
	s.phase = PhaseFinished
	s.publish(Event{Type: EventRunFinished, Phase: PhaseFinished, Decision: decision})
}

func (s *RunState) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseFailed
	s.publish(Event{Type: EventPhaseChanged, Phase: PhaseFailed})
}

// CurrentTranscript returns a copy of the live transcript view.
func (s *RunState) CurrentTranscript() []DiscussionMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DiscussionMessage, len(s.current))
	copy(out, s.current)
	return out
}

// Iterations returns a copy of the completed iteration results.
func (s *RunState) Iterations() []IterationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IterationResult, len(s.iterations))
	copy(out, s.iterations)
	return out
}

// Metrics returns the finalized run metrics, or nil while the run is in
// flight. The pipeline owns the accumulator until the run finishes.
func (s *RunState) Metrics() *RunMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Decision returns the final decision, or nil while the run is in flight.
func (s *RunState) Decision() *DecisionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decision
}
