package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/govpanel/govpanel/internal/genai"
	"github.com/govpanel/govpanel/internal/tokens"
)

// countingGen numbers its responses so tests can assert ordering.
func countingGen() *fakeGen {
	n := 0
	return &fakeGen{respond: func(req genai.Request) (*genai.Result, error) {
		n++
		return &genai.Result{Text: fmt.Sprintf("statement %d", n)}, nil
	}}
}

func newTestRound(t *testing.T, gen Generator, cfg RunConfig, opts ...RoundOption) *RoundRunner {
	t.Helper()
	reg := testRegistry(t)
	inv := NewInvoker(reg, gen, cfg)
	opts = append(opts, WithDelayFunc(func(context.Context, time.Duration) {}))
	return NewRoundRunner(inv, reg, cfg, opts...)
}

func TestRound_TurnOrder(t *testing.T) {
	gen := countingGen()
	r := newTestRound(t, gen, RunConfig{TurnsPerParticipant: 2})

	transcript, _ := r.Run(context.Background(), "ctx", []string{"economist", "technologist"}, false)

	if len(transcript) != 4 {
		t.Fatalf("len(transcript) = %d, want 4", len(transcript))
	}
	wantOrder := []string{"economist", "technologist", "economist", "technologist"}
	for i, want := range wantOrder {
		if transcript[i].ParticipantID != want {
			t.Errorf("message %d from %s, want %s", i, transcript[i].ParticipantID, want)
		}
	}
	if transcript[0].ParticipantName != "Dr. Economist" {
		t.Errorf("display name = %q", transcript[0].ParticipantName)
	}
	if transcript[3].Text != "statement 4" {
		t.Errorf("ordering broken: last text = %q", transcript[3].Text)
	}
}

func TestRound_TranscriptVisibleToLaterTurns(t *testing.T) {
	gen := countingGen()
	r := newTestRound(t, gen, RunConfig{TurnsPerParticipant: 2})

	r.Run(context.Background(), "the shared context", []string{"economist", "technologist"}, false)

	first := gen.requests[0].Prompt
	if !strings.Contains(first, emptyTranscript) {
		t.Error("opening prompt missing empty-transcript placeholder")
	}
	if !strings.Contains(first, "the shared context") {
		t.Error("opening prompt missing shared context")
	}
	if !strings.Contains(first, "Focus on fiscal impact.") {
		t.Error("opening prompt missing standing instructions")
	}
	if !strings.Contains(first, "Discussion rules:") {
		t.Error("opening prompt missing discourse rules")
	}

	// The fourth call (technologist, second turn) sees everything said so far.
	fourth := gen.requests[3].Prompt
	for _, want := range []string{
		"Dr. Economist: statement 1",
		"Eng. Technologist: statement 2",
		"Dr. Economist: statement 3",
	} {
		if !strings.Contains(fourth, want) {
			t.Errorf("later prompt missing prior message %q", want)
		}
	}
}

func TestRound_ObserverSeesEachMessage(t *testing.T) {
	gen := countingGen()
	var seen []string
	r := newTestRound(t, gen, RunConfig{TurnsPerParticipant: 1},
		WithObserver(func(msg DiscussionMessage) { seen = append(seen, msg.Text) }))

	r.Run(context.Background(), "ctx", []string{"economist", "technologist"}, false)

	if len(seen) != 2 || seen[0] != "statement 1" || seen[1] != "statement 2" {
		t.Errorf("observer saw %v", seen)
	}
}

func TestRound_DelayBetweenCalls(t *testing.T) {
	gen := countingGen()
	reg := testRegistry(t)
	cfg := RunConfig{TurnsPerParticipant: 2, InterCallDelay: 5 * time.Second}
	inv := NewInvoker(reg, gen, cfg)

	var delays int
	r := NewRoundRunner(inv, reg, cfg, WithDelayFunc(func(_ context.Context, d time.Duration) {
		if d != 5*time.Second {
			t.Errorf("delay = %v, want 5s", d)
		}
		delays++
	}))

	r.Run(context.Background(), "ctx", []string{"economist", "technologist"}, false)
	if delays != 4 {
		t.Errorf("delay invoked %d times, want 4", delays)
	}
}

func TestRound_MetricsAccumulatePerParticipant(t *testing.T) {
	gen := countingGen()
	r := newTestRound(t, gen, RunConfig{TurnsPerParticipant: 3})

	_, metrics := r.Run(context.Background(), "ctx", []string{"economist"}, false)

	econ := metrics["economist"]
	if econ == nil {
		t.Fatal("no metrics for economist")
	}
	// Three calls; each produced "statement N" (11-12 chars → 3 tokens).
	if econ.OutputTokens < 9 {
		t.Errorf("OutputTokens = %d, want sum over 3 calls", econ.OutputTokens)
	}
	if econ.InputTokens <= 0 {
		t.Errorf("InputTokens = %d, want > 0", econ.InputTokens)
	}
}

func TestRound_ErrorTextAppendedNotFatal(t *testing.T) {
	gen := &fakeGen{err: errors.New("provider outage")}
	r := newTestRound(t, gen, RunConfig{TurnsPerParticipant: 1})

	transcript, metrics := r.Run(context.Background(), "ctx", []string{"economist", "technologist"}, false)

	if len(transcript) != 2 {
		t.Fatalf("len(transcript) = %d, want 2 even under failure", len(transcript))
	}
	for _, msg := range transcript {
		if !IsErrorText(msg.Text) {
			t.Errorf("expected error-marked text, got %q", msg.Text)
		}
	}
	if m := metrics["economist"]; m == nil || m.InputTokens != 0 {
		t.Errorf("failed call contributed non-zero metrics: %+v", m)
	}
}

func TestRound_PromptRespectsBudget(t *testing.T) {
	gen := countingGen()
	r := newTestRound(t, gen, RunConfig{TurnsPerParticipant: 1, PromptBudgetTokens: 200})

	longContext := strings.Repeat("a very long proposal context line\n", 200)
	r.Run(context.Background(), longContext, []string{"economist"}, false)

	prompt := gen.requests[0].Prompt
	if est := tokens.Estimate(prompt); est > 200 {
		t.Errorf("prompt estimate %d exceeds budget 200", est)
	}
	if !strings.HasPrefix(prompt, tokens.Marker) {
		t.Error("over-budget prompt missing truncation marker")
	}
	if !strings.Contains(prompt, "Discussion rules:") {
		t.Error("truncation dropped the tail (discourse rules) instead of the front")
	}
}
