// Package report assembles the final run report and exports it as plain
// structured data: a machine-readable JSON document and a human-readable
// Markdown summary. It imposes no format on further consumers beyond these
// two artifacts.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/govpanel/govpanel/internal/analysis"
)

// Document is the exported run report: everything a renderer needs, by value.
type Document struct {
	RunID       string                   `json:"runId"`
	GeneratedAt time.Time                `json:"generatedAt"`
	Proposal    string                   `json:"proposal"`
	Decision    *analysis.DecisionResult `json:"decision"`
	Metrics     *analysis.RunMetrics     `json:"metrics"`
}

// Build assembles a report document from a finished run.
func Build(runID, proposal string, decision *analysis.DecisionResult, metrics *analysis.RunMetrics, now time.Time) *Document {
	return &Document{
		RunID:       runID,
		GeneratedAt: now,
		Proposal:    proposal,
		Decision:    decision,
		Metrics:     metrics,
	}
}

// Export writes report.json and report.md under dir. The two artifacts are
// independent, so they are written concurrently; each write is crash-safe
// (temp file + rename).
func Export(ctx context.Context, dir string, doc *Document) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		return writeFileAtomic(filepath.Join(dir, "report.json"), data)
	})
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return writeFileAtomic(filepath.Join(dir, "report.md"), []byte(Markdown(doc)))
	})
	return g.Wait()
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it into place, so a crash never leaves a half-written report.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Markdown renders the human-readable summary. Decision bands come from the
// decision itself, never re-derived here.
func Markdown(doc *Document) string {
	var b strings.Builder
	d := doc.Decision
	st := d.Statistics

	fmt.Fprintf(&b, "# Feasibility Report\n\n")
	fmt.Fprintf(&b, "Run `%s`, generated %s.\n\n", doc.RunID, doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "## Decision: %s\n\n%s\n\n", d.Decision, d.Justification)

	fmt.Fprintf(&b, "## Statistics\n\n")
	fmt.Fprintf(&b, "| Mean | Median | Std. Dev. | Confidence |\n")
	fmt.Fprintf(&b, "|------|--------|-----------|------------|\n")
	fmt.Fprintf(&b, "| %.1f | %.1f | %.2f | %s |\n\n", st.Mean, st.Median, st.StandardDeviation, st.ConfidenceLevel)

	fmt.Fprintf(&b, "## Iterations\n\n")
	for _, it := range d.Iterations {
		fmt.Fprintf(&b, "### Iteration %d — score %.0f\n\n%s\n\n", it.Index, it.FeasibilityScore, it.Rationale)
		if len(it.KeyFactors) > 0 {
			fmt.Fprintf(&b, "Key factors:\n")
			for _, kf := range it.KeyFactors {
				fmt.Fprintf(&b, "- %s\n", kf)
			}
			b.WriteString("\n")
		}
	}

	if m := doc.Metrics; m != nil {
		fmt.Fprintf(&b, "## Telemetry\n\n")
		fmt.Fprintf(&b, "Total: %dms, %d input tokens, %d output tokens.\n\n",
			m.TotalDurationMS, m.TotalInputTokens, m.TotalOutputTokens)

		ids := make([]string, 0, len(m.PerParticipant))
		for id := range m.PerParticipant {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintf(&b, "| Participant | Duration (ms) | In | Out | Searched |\n")
		fmt.Fprintf(&b, "|-------------|---------------|----|-----|----------|\n")
		for _, id := range ids {
			am := m.PerParticipant[id]
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %v |\n",
				id, am.DurationMS, am.InputTokens, am.OutputTokens, am.Search.Used)
		}

		ss := m.SearchSummary
		if ss.TotalUsageCount > 0 {
			fmt.Fprintf(&b, "\nSearch: %d calls, %d queries, %d sources (participants: %s).\n",
				ss.TotalUsageCount, ss.TotalQueries, ss.TotalSources, strings.Join(ss.ParticipantsUsed, ", "))
		}
	}

	return b.String()
}
