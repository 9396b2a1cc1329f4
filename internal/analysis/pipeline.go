package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/govpanel/govpanel/internal/agents"
)

// Pipeline runs the full analysis: proposal intake, N independent
// discussion+scoring iterations, metric accumulation, and the final
// decision. Iterations run sequentially — each transcript must be a clean
// independent discussion, and the gateway is a shared rate-limited resource.
type Pipeline struct {
	registry *agents.Registry
	invoker  *Invoker
	rounds   *RoundRunner
	state    *RunState
	cfg      RunConfig
	logger   *slog.Logger
	now      func() time.Time
}

// PipelineOption configures optional Pipeline parameters.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithPipelineClock overrides the time source (for testing).
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires a pipeline over a panel registry and a generator. The
// returned pipeline publishes progress through state; UI layers subscribe to
// state, never to the pipeline itself.
func NewPipeline(registry *agents.Registry, gen Generator, state *RunState, cfg RunConfig, opts ...PipelineOption) *Pipeline {
	cfg = cfg.withDefaults()

	p := &Pipeline{
		registry: registry,
		state:    state,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.invoker = NewInvoker(registry, gen, cfg, WithInvokerLogger(p.logger), WithClock(p.now))
	p.rounds = NewRoundRunner(p.invoker, registry, cfg,
		WithRoundLogger(p.logger),
		WithObserver(state.appendMessage),
	)
	return p
}

// SetDelayFunc overrides the round runner's inter-call delay (tests).
func (p *Pipeline) SetDelayFunc(fn func(context.Context, time.Duration)) {
	p.rounds.delay = fn
}

// Run executes the whole pipeline for one proposal and returns the final
// decision. The only fatal conditions are context cancellation and the
// empty-iteration precondition; call-level failures degrade in-band.
func (p *Pipeline) Run(ctx context.Context, proposalText string) (*DecisionResult, error) {
	metrics := NewRunMetrics(p.now())

	contextText := p.Prepare(ctx, proposalText, metrics)

	iterations, err := p.RunAll(ctx, contextText, metrics)
	if err != nil {
		p.state.fail()
		return nil, err
	}

	decision, err := Decide(iterations)
	if err != nil {
		p.state.fail()
		return nil, err
	}

	metrics.Finalize(p.now())
	p.state.finish(decision, metrics)

	p.logger.Info("run finished",
		"run", p.state.ID,
		"decision", decision.Decision,
		"median", decision.MedianScore,
		"confidence", decision.Statistics.ConfidenceLevel,
		"totalDurationMs", metrics.TotalDurationMS,
	)
	return decision, nil
}

// Prepare builds the immutable proposal context: the original text, its
// classification, and its content summary. Both extraction calls run at
// temperature 0 by role policy; failures degrade to error-marked sections
// rather than aborting intake.
func (p *Pipeline) Prepare(ctx context.Context, proposalText string, metrics *RunMetrics) string {
	p.state.setPhase(PhasePreparing)

	classification := p.extract(ctx, agents.RoleClassifier, proposalText, metrics)
	summary := p.extract(ctx, agents.RoleSummarizer, proposalText, metrics)

	var b strings.Builder
	b.WriteString("## Proposal\n")
	b.WriteString(proposalText)
	b.WriteString("\n\n## Classification\n")
	b.WriteString(classification)
	b.WriteString("\n\n## Summary\n")
	b.WriteString(summary)
	return b.String()
}

// extract runs one structural-extraction call (classification or summary).
func (p *Pipeline) extract(ctx context.Context, role agents.Role, proposalText string, metrics *RunMetrics) string {
	participant, err := p.registry.FirstByRole(role)
	if err != nil {
		p.logger.Warn("no participant for intake role", "role", role, "err", err)
		return fmt.Sprintf("Error: no %s configured", role)
	}

	prompt := agents.Render(participant.PromptTemplate, map[string]string{"proposal": proposalText})
	text, m := p.invoker.Invoke(ctx, participant.ID, prompt, false)
	metrics.Merge(participant.ID, m)
	return text
}

// RunAll runs the iteration loop exactly cfg.Iterations times, sequentially,
// merging each iteration's per-participant metrics into the run aggregate.
// A failed scoring parse never shortens the result: every index from 1 to N
// yields exactly one IterationResult. Cancellation is honored only at
// iteration boundaries so a half-built iteration is never emitted.
func (p *Pipeline) RunAll(ctx context.Context, contextText string, metrics *RunMetrics) ([]IterationResult, error) {
	p.state.setPhase(PhaseAnalyzing)

	experts := p.registry.Experts()
	iterations := make([]IterationResult, 0, p.cfg.Iterations)

	for i := 1; i <= p.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run cancelled before iteration %d: %w", i, err)
		}

		result, perParticipant := p.runIteration(ctx, contextText, i, experts)

		for id, m := range perParticipant {
			metrics.Merge(id, *m)
		}
		iterations = append(iterations, result)
		p.state.recordIteration(result)

		p.logger.Info("iteration scored",
			"iteration", i, "of", p.cfg.Iterations,
			"score", result.FeasibilityScore,
		)
	}

	return iterations, nil
}

// runIteration executes one discussion round plus one independent scoring
// call. The returned metrics cover every call the iteration made, keyed by
// participant id.
func (p *Pipeline) runIteration(ctx context.Context, contextText string, index int, experts []string) (IterationResult, map[string]*AgentMetrics) {
	p.state.beginIteration(index)

	transcript, perParticipant := p.rounds.Run(ctx, contextText, experts, p.cfg.SearchEnabled)

	result := p.scoreIteration(ctx, index, transcript, perParticipant)
	return result, perParticipant
}

// scoringInstruction is correctness-critical: iterations must be independent
// statistical samples, so the scorer is told to judge this transcript alone.
const scoringInstruction = "This is iteration %d of a repeated independent assessment. " +
	"Judge the discussion below entirely on its own merits; ignore any other iteration, " +
	"prior score, or outside anchor.\n\n" +
	"Respond with a JSON object: {\"feasibilityScore\": <number 0-100>, " +
	"\"rationale\": <string>, \"keyFactors\": [<strings>]}"

// scoreIteration invokes the scorer (never with search) over this
// iteration's transcript only and parses the structured verdict. Any parse
// failure or out-of-range score degrades to the neutral placeholder.
func (p *Pipeline) scoreIteration(ctx context.Context, index int, transcript []DiscussionMessage, perParticipant map[string]*AgentMetrics) IterationResult {
	scorer, err := p.registry.FirstByRole(agents.RoleScorer)
	if err != nil {
		p.logger.Error("no scorer configured", "err", err)
		return placeholderResult(index, transcript, "no scorer participant configured")
	}

	prompt := fmt.Sprintf(scoringInstruction, index) +
		"\n\nDiscussion transcript:\n" + RenderTranscript(transcript)

	text, m := p.invoker.Invoke(ctx, scorer.ID, prompt, false)

	agent, ok := perParticipant[scorer.ID]
	if !ok {
		agent = &AgentMetrics{}
		perParticipant[scorer.ID] = agent
	}
	agent.Add(m)

	verdict, err := parseVerdict(text)
	if err != nil {
		p.logger.Warn("scoring parse failed, using neutral placeholder",
			"iteration", index, "err", err)
		return placeholderResult(index, transcript, err.Error())
	}

	return IterationResult{
		Index:            index,
		FeasibilityScore: *verdict.FeasibilityScore,
		Rationale:        verdict.Rationale,
		KeyFactors:       verdict.KeyFactors,
		Transcript:       transcript,
	}
}

// verdict is the scorer's expected structured output. The score is a pointer
// so a missing field is distinguishable from an explicit 0.
type verdict struct {
	FeasibilityScore *float64 `json:"feasibilityScore"`
	Rationale        string   `json:"rationale"`
	KeyFactors       []string `json:"keyFactors"`
}

// parseVerdict parses the scorer output. Error-marked texts, a missing score
// field and out-of-range scores all count as parse failures; there is no
// clamping and no deeper repair.
func parseVerdict(text string) (*verdict, error) {
	if IsErrorText(text) {
		return nil, fmt.Errorf("scoring call failed: %s", text)
	}

	var v verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("parse scoring output: %w", err)
	}
	if v.FeasibilityScore == nil {
		return nil, fmt.Errorf("scoring output has no feasibilityScore field")
	}
	if *v.FeasibilityScore < 0 || *v.FeasibilityScore > 100 {
		return nil, fmt.Errorf("feasibility score %.2f out of range [0,100]", *v.FeasibilityScore)
	}
	return &v, nil
}

// placeholderResult is the degraded iteration record: a neutral midpoint
// score of 50 that avoids biasing the aggregate toward either extreme, with
// the failure visible in the rationale so operators can detect a high
// placeholder rate.
func placeholderResult(index int, transcript []DiscussionMessage, reason string) IterationResult {
	return IterationResult{
		Index:            index,
		FeasibilityScore: 50,
		Rationale:        "Parsing error: " + reason,
		KeyFactors:       []string{"Parsing error occurred"},
		Transcript:       transcript,
	}
}
