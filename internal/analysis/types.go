// Package analysis implements the proposal analysis pipeline: proposal
// intake (classification + summarization), N independent discussion+scoring
// iterations, per-agent telemetry accumulation, and the statistical decision
// over the iteration scores.
//
// Execution is sequential on purpose: every expert turn depends on the
// transcript of all prior turns, iterations must stay statistically
// independent of each other, and the generation gateway is a rate-limited
// shared resource. See RunAll.
package analysis

import (
	"time"

	"github.com/govpanel/govpanel/internal/genai"
)

// DiscussionMessage is one participant's contribution to a round. A round's
// transcript is the ordered, append-only sequence of these.
type DiscussionMessage struct {
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	Text            string `json:"text"`
}

// SearchUsage aggregates the web-search activity of one participant.
type SearchUsage struct {
	Used        bool           `json:"used"`
	QueryCount  int            `json:"queryCount"`
	SourceCount int            `json:"sourceCount"`
	Queries     []string       `json:"queries,omitempty"`
	Sources     []genai.Source `json:"sources,omitempty"`
}

// AgentMetrics is the per-participant telemetry accumulator. Values are
// accumulated by addition across calls and iterations, never overwritten, so
// duration and token counts are monotonically non-decreasing within a run.
type AgentMetrics struct {
	DurationMS   int64       `json:"durationMs"`
	InputTokens  int         `json:"inputTokens"`
	OutputTokens int         `json:"outputTokens"`
	Search       SearchUsage `json:"searchUsage"`
}

// Add merges another sample into m: durations and token counts sum, search
// Used is OR'd, query/source lists concatenate.
func (m *AgentMetrics) Add(other AgentMetrics) {
	m.DurationMS += other.DurationMS
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens

	m.Search.Used = m.Search.Used || other.Search.Used
	m.Search.QueryCount += other.Search.QueryCount
	m.Search.SourceCount += other.Search.SourceCount
	m.Search.Queries = append(m.Search.Queries, other.Search.Queries...)
	m.Search.Sources = append(m.Search.Sources, other.Search.Sources...)
}

// IterationResult is one iteration's structured outcome. Created once,
// immutable afterwards. A parse-failure placeholder (score 50) is a
// first-class result, never filtered out downstream.
type IterationResult struct {
	Index            int                 `json:"iterationIndex"` // 1-based
	FeasibilityScore float64             `json:"feasibilityScore"`
	Rationale        string              `json:"rationale"`
	KeyFactors       []string            `json:"keyFactors"`
	Transcript       []DiscussionMessage `json:"transcript"`
}

// SearchSummary is the run-level rollup of search activity.
type SearchSummary struct {
	TotalUsageCount  int      `json:"totalUsageCount"` // calls that used search
	TotalQueries     int      `json:"totalQueries"`
	TotalSources     int      `json:"totalSources"`
	ParticipantsUsed []string `json:"participantsUsed"`
}

// RunMetrics is the process-scoped telemetry aggregate. It is created at run
// start, mutated by Merge after every call/iteration, finalized once at run
// end, and read-only thereafter.
type RunMetrics struct {
	TotalDurationMS   int64                    `json:"totalDurationMs"`
	TotalInputTokens  int                      `json:"totalInputTokens"`
	TotalOutputTokens int                      `json:"totalOutputTokens"`
	PerParticipant    map[string]*AgentMetrics `json:"perParticipant"`
	SearchSummary     SearchSummary            `json:"searchSummary"`

	startedAt time.Time
}

// NewRunMetrics creates an empty accumulator stamped with the run start.
func NewRunMetrics(start time.Time) *RunMetrics {
	return &RunMetrics{
		PerParticipant: make(map[string]*AgentMetrics),
		startedAt:      start,
	}
}

// Merge folds one call's metrics for a participant into the run aggregate.
func (r *RunMetrics) Merge(participantID string, m AgentMetrics) {
	agent, ok := r.PerParticipant[participantID]
	if !ok {
		agent = &AgentMetrics{}
		r.PerParticipant[participantID] = agent
	}
	agent.Add(m)

	r.TotalInputTokens += m.InputTokens
	r.TotalOutputTokens += m.OutputTokens

	if m.Search.Used {
		r.SearchSummary.TotalUsageCount++
		r.SearchSummary.TotalQueries += m.Search.QueryCount
		r.SearchSummary.TotalSources += m.Search.SourceCount
		if !contains(r.SearchSummary.ParticipantsUsed, participantID) {
			r.SearchSummary.ParticipantsUsed = append(r.SearchSummary.ParticipantsUsed, participantID)
		}
	}
}

// Finalize stamps the total wall-clock duration. Call exactly once, at run
// end; the metrics are read-only afterwards.
func (r *RunMetrics) Finalize(end time.Time) {
	r.TotalDurationMS = end.Sub(r.startedAt).Milliseconds()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RunConfig carries the run-level knobs, supplied once per run.
type RunConfig struct {
	Iterations          int           // N; must be >= 1
	TurnsPerParticipant int           // outer rounds per discussion
	Temperature         float64       // run-level temperature (default 0)
	Seed                *int64        // optional reproducibility seed
	SearchEnabled       bool          // expert-only, see Invoker
	PromptBudgetTokens  int           // guard budget for discussion prompts
	InterCallDelay      time.Duration // rate-limit courtesy between calls
}

// withDefaults fills unset fields so a zero-heavy config still runs.
func (c RunConfig) withDefaults() RunConfig {
	if c.Iterations < 1 {
		c.Iterations = 1
	}
	if c.TurnsPerParticipant < 1 {
		c.TurnsPerParticipant = 1
	}
	if c.PromptBudgetTokens <= 0 {
		c.PromptBudgetTokens = 24000
	}
	return c
}
