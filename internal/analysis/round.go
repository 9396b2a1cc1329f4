package analysis

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/govpanel/govpanel/internal/agents"
	"github.com/govpanel/govpanel/internal/tokens"
)

// discourseRules is appended to every discussion prompt. It shapes the
// register of the debate, not its content.
const discourseRules = `Discussion rules:
- Ground every claim in evidence from the proposal context or your own cited sources.
- State your confidence (high / medium / low) explicitly for each major claim.
- If another panelist has resolved one of your earlier concerns, say so explicitly.
- Critique constructively: propose conditions or mitigations rather than blanket rejection.`

// emptyTranscript stands in for the transcript section before anyone speaks.
const emptyTranscript = "No discussion yet. You are opening the discussion."

// MessageObserver receives each discussion message as soon as it is
// appended, so callers can render partial transcripts while a round runs.
type MessageObserver func(msg DiscussionMessage)

// RoundRunner drives one multi-turn conversation among the expert panel. It
// owns the only mutation of the growing transcript: append, never rewrite.
type RoundRunner struct {
	invoker  *Invoker
	registry *agents.Registry
	cfg      RunConfig
	logger   *slog.Logger
	observer MessageObserver
	delay    func(context.Context, time.Duration)
}

// RoundOption configures optional RoundRunner parameters.
type RoundOption func(*RoundRunner)

// WithObserver sets the per-message observer.
func WithObserver(obs MessageObserver) RoundOption {
	return func(r *RoundRunner) { r.observer = obs }
}

// WithRoundLogger sets the structured logger.
func WithRoundLogger(l *slog.Logger) RoundOption {
	return func(r *RoundRunner) { r.logger = l }
}

// WithDelayFunc overrides the inter-call delay (a no-op in tests). The delay
// exists only to respect gateway rate limits; it has no correctness effect.
func WithDelayFunc(fn func(context.Context, time.Duration)) RoundOption {
	return func(r *RoundRunner) { r.delay = fn }
}

// NewRoundRunner creates a round runner over the given invoker and panel.
func NewRoundRunner(invoker *Invoker, registry *agents.Registry, cfg RunConfig, opts ...RoundOption) *RoundRunner {
	r := &RoundRunner{
		invoker:  invoker,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		delay:    sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Run executes turnsPerParticipant outer rounds; within each, every
// participant speaks once in order. Each message is appended immediately and
// is visible to every later prompt in the same round. Returns the full
// transcript and the per-participant metrics accumulated over the round.
func (r *RoundRunner) Run(ctx context.Context, contextText string, participantIDs []string, searchEnabled bool) ([]DiscussionMessage, map[string]*AgentMetrics) {
	transcript := make([]DiscussionMessage, 0, len(participantIDs)*r.cfg.TurnsPerParticipant)
	metrics := make(map[string]*AgentMetrics, len(participantIDs))

	for turn := 0; turn < r.cfg.TurnsPerParticipant; turn++ {
		for _, id := range participantIDs {
			prompt := r.buildTurnPrompt(contextText, transcript, id)

			text, m := r.invoker.Invoke(ctx, id, prompt, searchEnabled)

			msg := DiscussionMessage{
				ParticipantID:   id,
				ParticipantName: r.registry.DisplayName(id),
				Text:            text,
			}
			transcript = append(transcript, msg)
			if r.observer != nil {
				r.observer(msg)
			}

			agent, ok := metrics[id]
			if !ok {
				agent = &AgentMetrics{}
				metrics[id] = agent
			}
			agent.Add(m)

			r.logger.Debug("turn complete", "turn", turn+1, "participant", id, "messages", len(transcript))
			r.delay(ctx, r.cfg.InterCallDelay)
		}
	}

	return transcript, metrics
}

// buildTurnPrompt assembles the dynamic prompt for one turn and passes it
// through the length guard. Truncation cuts from the front, so under
// pressure the proposal context is sacrificed before the recent transcript,
// the participant's instructions, and the discourse rules.
func (r *RoundRunner) buildTurnPrompt(contextText string, transcript []DiscussionMessage, participantID string) string {
	instructions := ""
	if p, err := r.registry.Get(participantID); err == nil {
		instructions = p.Instructions
	}

	parts := []string{
		contextText,
		"Discussion so far:\n" + RenderTranscript(transcript),
		instructions,
		discourseRules,
	}

	var nonEmpty []string
	for _, part := range parts {
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}

	return tokens.Truncate(strings.Join(nonEmpty, "\n\n"), r.cfg.PromptBudgetTokens)
}

// RenderTranscript renders messages as "Name: text" lines, one per message,
// or the empty-transcript placeholder.
func RenderTranscript(transcript []DiscussionMessage) string {
	if len(transcript) == 0 {
		return emptyTranscript
	}
	var b strings.Builder
	for i, msg := range transcript {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(msg.ParticipantName)
		b.WriteString(": ")
		b.WriteString(msg.Text)
	}
	return b.String()
}
