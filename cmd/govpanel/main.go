package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/govpanel/govpanel/internal/agents"
	"github.com/govpanel/govpanel/internal/analysis"
	"github.com/govpanel/govpanel/internal/genai"
	"github.com/govpanel/govpanel/internal/history"
	"github.com/govpanel/govpanel/internal/notify"
	"github.com/govpanel/govpanel/internal/report"
	"github.com/govpanel/govpanel/internal/web"
)

func main() {
	// .env is a convenience for local runs; absence is not an error.
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "history" {
		runHistory(os.Args[2:])
		return
	}

	proposalPath := flag.String("proposal", "", "Proposal text file ('-' for stdin)")
	panelPath := flag.String("panel", "panel.yaml", "Panel configuration file")
	iterations := flag.Int("iterations", 3, "Independent analysis iterations")
	turns := flag.Int("turns", 1, "Discussion turns per participant")
	search := flag.Bool("search", false, "Allow experts to use web search")
	temperature := flag.Float64("temperature", 0, "Sampling temperature for discussion and scoring")
	seed := flag.Int64("seed", 0, "Reproducibility seed (0 = unset)")
	delay := flag.Duration("delay", 0, "Pause between model calls")
	outDir := flag.String("out", ".", "Directory for report.json and report.md")
	serveWeb := flag.Bool("web", false, "Serve the live view on a local port")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	logger := newLogger(*verbose)

	if *proposalPath == "" {
		fmt.Fprintln(os.Stderr, "error: -proposal is required")
		fmt.Fprintln(os.Stderr, "usage: govpanel -proposal <file> [-panel panel.yaml] [-iterations N]")
		fmt.Fprintln(os.Stderr, "       govpanel history [-n 10]")
		flag.Usage()
		os.Exit(1)
	}

	apiKey := os.Getenv("GOVPANEL_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "error: GOVPANEL_API_KEY is not set")
		os.Exit(1)
	}

	proposal, err := readProposal(*proposalPath)
	if err != nil {
		logger.Error("read proposal", "err", err)
		os.Exit(1)
	}

	registry, err := agents.Load(*panelPath)
	if err != nil {
		logger.Error("load panel config", "path", *panelPath, "err", err)
		os.Exit(1)
	}

	var clientOpts []genai.ClientOption
	clientOpts = append(clientOpts, genai.WithLogger(logger))
	if base := os.Getenv("GOVPANEL_BASE_URL"); base != "" {
		clientOpts = append(clientOpts, genai.WithBaseURL(base))
	}
	client := genai.NewClient(apiKey, clientOpts...)

	cfg := analysis.RunConfig{
		Iterations:          *iterations,
		TurnsPerParticipant: *turns,
		Temperature:         *temperature,
		SearchEnabled:       *search,
		InterCallDelay:      *delay,
	}
	if *seed != 0 {
		cfg.Seed = seed
	}

	state := analysis.NewRunState(time.Now())
	pipeline := analysis.NewPipeline(registry, client, state, cfg,
		analysis.WithPipelineLogger(logger))

	if *serveWeb {
		web.NewServer(state, web.WithLogger(logger)).Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting analysis", "run", state.ID, "iterations", *iterations, "search", *search)
	decision, err := pipeline.Run(ctx, proposal)
	if err != nil {
		logger.Error("analysis failed", "err", err)
		os.Exit(1)
	}

	doc := report.Build(state.ID, proposal, decision, state.Metrics(), time.Now())
	if err := report.Export(ctx, *outDir, doc); err != nil {
		logger.Error("export report", "dir", *outDir, "err", err)
		os.Exit(1)
	}

	if err := saveHistory(doc); err != nil {
		logger.Warn("save run history", "err", err)
	}

	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		channel := os.Getenv("SLACK_CHANNEL")
		if channel == "" {
			logger.Warn("SLACK_BOT_TOKEN set but SLACK_CHANNEL is empty, skipping notification")
		} else {
			n := notify.New(token, channel, notify.WithLogger(logger))
			// Best effort; the notifier logs its own failures.
			_ = n.DecisionPosted(ctx, doc)
		}
	}

	fmt.Printf("\n%s\n", decision.Justification)
	fmt.Printf("Decision: %s (median %.1f)\n", decision.Decision, decision.MedianScore)
	fmt.Printf("Report written to %s\n", filepath.Join(*outDir, "report.md"))
}

// newLogger builds the CLI logger: text handler on stderr, debug level with
// -v. Interactive terminals get compact lines without timestamps; pipes and
// log files keep the full record.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func readProposal(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read proposal file: %w", err)
	}
	return string(data), nil
}

func historyPath() (string, error) {
	if p := os.Getenv("GOVPANEL_HISTORY_DB"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".govpanel")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return filepath.Join(dir, "history.db"), nil
}

func saveHistory(doc *report.Document) error {
	path, err := historyPath()
	if err != nil {
		return err
	}
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SaveRun(doc)
}

// runHistory implements the `govpanel history` subcommand.
func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 10, "Number of runs to show")
	fs.Parse(args)

	path, err := historyPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	store, err := history.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	runs, err := store.Recent(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return
	}

	for _, r := range runs {
		fmt.Printf("%s  %s  %-20s  median %5.1f  %-6s  %s\n",
			r.ID[:8], r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Decision, r.Median, r.Confidence, r.Proposal)
	}
}
