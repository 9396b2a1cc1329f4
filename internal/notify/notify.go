// Package notify posts the final decision summary to Slack. Notification is
// best-effort: a delivery failure is logged, never fatal to the run.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/govpanel/govpanel/internal/report"
)

// poster is the slice of the Slack API the notifier uses; the slack.Client
// satisfies it, tests use a fake.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts run outcomes to a fixed Slack channel.
type Notifier struct {
	api     poster
	channel string
	logger  *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// withPoster overrides the Slack API (tests).
func withPoster(p poster) Option {
	return func(n *Notifier) { n.api = p }
}

// New creates a notifier for the given bot token and channel id.
func New(botToken, channel string, opts ...Option) *Notifier {
	n := &Notifier{
		api:     slack.New(botToken),
		channel: channel,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// DecisionPosted sends the decision summary. Returns the delivery error for
// callers that want to log it; the summary content matches the report's
// justification so Slack and the exported report never disagree.
func (n *Notifier) DecisionPosted(ctx context.Context, doc *report.Document) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(Summary(doc), false))
	if err != nil {
		n.logger.Error("slack notification failed", "channel", n.channel, "err", err)
		return fmt.Errorf("post decision to slack: %w", err)
	}
	n.logger.Info("decision posted to slack", "channel", n.channel, "run", doc.RunID)
	return nil
}

// Summary renders the one-message decision summary.
func Summary(doc *report.Document) string {
	d := doc.Decision
	st := d.Statistics

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* — %s\n", d.Decision, firstLine(doc.Proposal))
	fmt.Fprintf(&b, "%s\n", d.Justification)
	fmt.Fprintf(&b, "mean %.1f · median %.1f · σ %.2f · %d iterations · run `%s`",
		st.Mean, st.Median, st.StandardDeviation, len(d.Iterations), doc.RunID)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		cut := 120
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "…"
	}
	return s
}
