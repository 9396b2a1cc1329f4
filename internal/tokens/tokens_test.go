package tokens

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestTruncate_UnderBudgetUnchanged(t *testing.T) {
	text := "line one\nline two\nline three"
	got := Truncate(text, Estimate(text))
	if got != text {
		t.Errorf("text under budget was modified: %q", got)
	}
}

func TestTruncate_CutsAtLineBoundary(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("turn: some discussion content here\n")
	}
	text := b.String()

	got := Truncate(text, 100)

	if !strings.HasPrefix(got, Marker) {
		t.Fatalf("truncated text missing marker: %q", got[:50])
	}
	rest := strings.TrimPrefix(got, Marker)
	if rest != "" && !strings.HasPrefix(rest, "turn:") {
		t.Errorf("cut landed mid-line: %q", rest[:20])
	}
	if !strings.HasSuffix(got, "content here\n") {
		t.Errorf("most recent content not preserved")
	}
}

func TestTruncate_Bound(t *testing.T) {
	text := strings.Repeat("some words on a line\n", 500)
	for _, budget := range []int{10, 50, 100, 1000} {
		got := Truncate(text, budget)
		if Estimate(got) > budget {
			t.Errorf("budget %d: truncated estimate %d exceeds budget", budget, Estimate(got))
		}
	}
}

func TestTruncate_Idempotent(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta\n", 200)
	for _, budget := range []int{8, 40, 200, 900} {
		once := Truncate(text, budget)
		twice := Truncate(once, budget)
		if once != twice {
			t.Errorf("budget %d: Truncate not idempotent", budget)
		}
	}
}

func TestTruncate_NoLineBoundary(t *testing.T) {
	// A single long line: no boundary exists past the offset, so only the
	// marker survives. Must be deterministic.
	text := strings.Repeat("x", 4000)
	first := Truncate(text, 100)
	second := Truncate(text, 100)
	if first != second {
		t.Fatal("truncation of unbroken text not deterministic")
	}
	if first != Marker {
		t.Errorf("expected marker-only result, got %q", first)
	}
}
