package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/govpanel/govpanel/internal/agents"
	"github.com/govpanel/govpanel/internal/genai"
	"github.com/govpanel/govpanel/internal/tokens"
)

// Generator makes one text-generation call. The genai.Client satisfies it;
// tests use scripted fakes.
type Generator interface {
	Generate(ctx context.Context, req genai.Request) (*genai.Result, error)
}

// errPrefix marks in-band failure results. Downstream logic treats a text
// with this prefix as terminal for the call and never parses it as
// structured content.
const errPrefix = "Error: "

// IsErrorText reports whether text is an in-band failure result.
func IsErrorText(text string) bool {
	return strings.HasPrefix(text, errPrefix)
}

// fenceRE matches a single code-fence wrapper around the whole output, with
// an optional language tag. Non-greedy body; no deeper JSON repair.
var fenceRE = regexp.MustCompile("(?s)^```[a-zA-Z]*\\n?(.*?)\\n?```\\s*$")

// stripFence removes one leading/trailing code-fence wrapper if present.
func stripFence(text string) string {
	if m := fenceRE.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		return m[1]
	}
	return text
}

// Invoker wraps single generation calls with a fixed participant identity:
// config resolution, temperature and search policy, heuristic token
// accounting, output normalization, and failure absorption.
//
// The invoker never mutates shared state; callers merge the returned metrics
// into the run aggregate.
type Invoker struct {
	registry *agents.Registry
	gen      Generator
	cfg      RunConfig
	logger   *slog.Logger
	now      func() time.Time
}

// InvokerOption configures optional Invoker parameters.
type InvokerOption func(*Invoker)

// WithInvokerLogger sets the structured logger.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = l }
}

// WithClock overrides the time source (for testing durations).
func WithClock(now func() time.Time) InvokerOption {
	return func(i *Invoker) { i.now = now }
}

// NewInvoker creates an invoker bound to a panel registry and a generator.
func NewInvoker(registry *agents.Registry, gen Generator, cfg RunConfig, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry: registry,
		gen:      gen,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke performs one generation call for the participant. prompt overrides
// the participant's default template when non-empty. searchEnabled is the
// run-level toggle; search is actually attached only for expert roles.
//
// Invoke never returns an error: a missing configuration or a failed
// generation call yields an error-marked text and zero metrics, so a single
// bad call degrades — it does not abort the run.
func (i *Invoker) Invoke(ctx context.Context, participantID, prompt string, searchEnabled bool) (string, AgentMetrics) {
	log := i.logger.With("participant", participantID)

	p, err := i.registry.Get(participantID)
	if err != nil {
		log.Warn("participant not configured", "err", err)
		return errText(participantID), AgentMetrics{}
	}

	if prompt == "" {
		prompt = p.PromptTemplate
	}

	// Structural extraction roles always run at temperature 0 so the same
	// proposal classifies and summarizes the same way on every run.
	temperature := i.cfg.Temperature
	if p.Role == agents.RoleClassifier || p.Role == agents.RoleSummarizer {
		temperature = 0
	}

	// Search is restricted to expert discussants. Classification,
	// summarization and scoring never search, even when globally enabled.
	search := searchEnabled && p.Role == agents.RoleExpert

	inputTokens := tokens.Estimate(prompt)

	start := i.now()
	res, err := i.gen.Generate(ctx, genai.Request{
		Model:        p.Model,
		Instructions: p.Instructions,
		Prompt:       prompt,
		Options: genai.Options{
			Temperature:     temperature,
			Seed:            i.cfg.Seed,
			SearchEnabled:   search,
			ResponseFormat:  p.ResponseFormat,
			MaxOutputTokens: p.MaxOutputTokens,
		},
	})
	elapsed := i.now().Sub(start)

	if err != nil {
		log.Error("generation call failed", "err", err, "elapsed", elapsed)
		return errText(p.DisplayName), AgentMetrics{}
	}

	text := res.Text
	if p.JSONOutput() {
		text = stripFence(text)
	}

	metrics := AgentMetrics{
		DurationMS:   elapsed.Milliseconds(),
		InputTokens:  inputTokens,
		OutputTokens: tokens.Estimate(text),
	}
	if res.Search != nil {
		metrics.Search = SearchUsage{
			Used:        true,
			QueryCount:  len(res.Search.Queries),
			SourceCount: len(res.Search.Sources),
			Queries:     res.Search.Queries,
			Sources:     res.Search.Sources,
		}
	}

	if res.Usage != nil {
		log.Debug("provider-reported usage",
			"input", res.Usage.InputTokens, "output", res.Usage.OutputTokens)
	}
	log.Info("call complete",
		"durationMs", metrics.DurationMS,
		"inTokens", metrics.InputTokens,
		"outTokens", metrics.OutputTokens,
		"search", metrics.Search.Used,
	)

	return text, metrics
}

func errText(name string) string {
	return fmt.Sprintf("%s%s call failed", errPrefix, name)
}
