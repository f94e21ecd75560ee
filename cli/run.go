package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/researchflow/config"
	researchotel "github.com/petal-labs/researchflow/otel"
	"github.com/petal-labs/researchflow/tool"
	"github.com/petal-labs/researchflow/workflow"
)

const telemetryShutdownTimeout = 5 * time.Second

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Research a prompt through the search and data tool servers",
		Long: "Research a prompt: the search server answers it first and, in chained mode,\n" +
			"its findings become context for the data server's query.",
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}

	cmd.Flags().StringP("config", "c", "", "Path to researchflow.yaml (default: ./researchflow.yaml, then ~/.researchflow/config.yaml)")
	cmd.Flags().String("mode", "", "Branch sequencing: chained | independent (default from config, else chained)")
	cmd.Flags().Duration("timeout", 0, "Overall deadline (default from config, else 2m)")
	cmd.Flags().String("format", "pretty", "Output format: json | text | pretty")
	cmd.Flags().StringP("output", "o", "", "Write the result to file (default: stdout)")
	cmd.Flags().String("otlp-endpoint", "", "Export traces to this OTLP/HTTP URL (e.g. http://localhost:4318/v1/traces)")
	cmd.Flags().Bool("metrics", false, "Print a metrics summary to stderr after the run")
	cmd.Flags().Bool("progress", false, "Print branch progress to stderr while the run executes")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return exitError(exitUsage, "prompt is required")
	}
	format, _ := cmd.Flags().GetString("format")
	if err := validateFormat(format); err != nil {
		return err
	}
	modeFlag, _ := cmd.Flags().GetString("mode")
	mode, err := workflow.ParseMode(modeFlag)
	if err != nil {
		return exitError(exitUsage, "%v", err)
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout < 0 {
		return exitError(exitUsage, "timeout must not be negative")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	showProgress, _ := cmd.Flags().GetBool("progress")
	if showProgress {
		// Progress lines and log records share stderr from different goroutines.
		cmd.SetErr(&syncWriter{w: cmd.ErrOrStderr()})
	}
	logger := newLogger(cmd)

	endpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	telemetry, err := researchotel.Setup(cmd.Context(), researchotel.SetupOptions{
		ServiceVersion: Version,
		OTLPEndpoint:   endpoint,
	})
	if err != nil {
		return exitError(exitConfig, "setting up telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), telemetryShutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	handler := workflow.LogEventHandler(logger)
	var stopProgress func()
	if showProgress {
		events := make(chan workflow.Event, 64)
		stopProgress = printProgress(cmd.ErrOrStderr(), events)
		handler = workflow.MultiEventHandler(handler, workflow.ChannelEventHandler(events))
	}

	orch, err := workflow.NewOrchestrator(cfg, workflow.Options{
		Logger:       logger,
		EventHandler: telemetry.Handler(handler),
		Observer:     telemetry.Tools,
	})
	if err != nil {
		if stopProgress != nil {
			stopProgress()
		}
		return exitError(exitConfig, "%v", err)
	}

	result := orch.Run(cmd.Context(), workflow.Request{
		Prompt:   prompt,
		Deadline: timeout,
		Mode:     mode,
	})
	if stopProgress != nil {
		stopProgress()
	}

	if err := writeResult(cmd, format, result); err != nil {
		return err
	}
	if printMetrics, _ := cmd.Flags().GetBool("metrics"); printMetrics {
		writeMetricsSummary(cmd, telemetry)
	}
	return resultExitError(result)
}

func loadConfig(cmd *cobra.Command) (workflow.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return workflow.Config{}, exitError(exitConfig, "loading config: %v", err)
	}
	cfg.ClientInfo.Version = Version
	return cfg, nil
}

func validateFormat(format string) error {
	switch format {
	case "json", "text", "pretty":
		return nil
	default:
		return exitError(exitUsage, "unknown format %q (use json, text, or pretty)", format)
	}
}

// resultExitError maps branch outcomes onto exit codes. A deadline wins over
// branch-specific codes; a failed search wins over a degraded data branch.
func resultExitError(result workflow.Result) error {
	switch {
	case result.Succeeded():
		return nil
	case result.DeadlineExceeded():
		return exitError(exitTimeout, "deadline exceeded after %s", result.Elapsed.Round(time.Millisecond))
	case !result.Search.Succeeded():
		return exitError(exitSearchFailed, "search branch failed: %s", result.Search.Detail)
	default:
		return exitError(exitDataDegraded, "data branch %s: %s", result.Data.Status, result.Data.Detail)
	}
}

// writeResult formats and writes the run result.
func writeResult(cmd *cobra.Command, format string, result workflow.Result) error {
	outputPath, _ := cmd.Flags().GetString("output")

	var output string
	switch format {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return exitError(exitUsage, "marshaling output: %v", err)
		}
		output = string(data)
	case "text":
		output = formatText(result)
	default:
		output = formatPretty(result)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(output+"\n"), 0600); err != nil {
			return exitError(exitUsage, "writing output file: %v", err)
		}
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// formatText returns only the text the branches produced.
func formatText(result workflow.Result) string {
	parts := make([]string, 0, 2)
	for _, outcome := range []workflow.BranchOutcome{result.Search, result.Data} {
		if outcome.Succeeded() {
			parts = append(parts, outcome.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// formatPretty returns a human-readable summary of the run.
func formatPretty(result workflow.Result) string {
	var sb strings.Builder

	for _, outcome := range []workflow.BranchOutcome{result.Search, result.Data} {
		title := outcome.Branch
		if title != "" {
			title = strings.ToUpper(title[:1]) + title[1:]
		}
		sb.WriteString(fmt.Sprintf("=== %s: %s (%s) ===\n", title, outcome.Status, outcome.Tool))
		switch outcome.Status {
		case workflow.StatusSucceeded:
			sb.WriteString(outcome.Text)
			sb.WriteString("\n")
			for _, attachment := range outcome.Attachments {
				sb.WriteString(fmt.Sprintf("  [attachment] %s\n", describeAttachment(attachment)))
			}
		default:
			sb.WriteString("  " + outcome.Detail + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("=== Run ===\n")
	sb.WriteString(fmt.Sprintf("  Run ID:  %s\n", result.RunID))
	sb.WriteString(fmt.Sprintf("  Mode:    %s\n", result.Mode))
	sb.WriteString(fmt.Sprintf("  Elapsed: %s", result.Elapsed.Round(time.Millisecond)))

	return sb.String()
}

func describeAttachment(fragment tool.Fragment) string {
	parts := []string{fragment.Type}
	if fragment.MimeType != "" {
		parts = append(parts, fragment.MimeType)
	}
	if fragment.URI != "" {
		parts = append(parts, fragment.URI)
	}
	return strings.Join(parts, " ")
}

// printProgress writes one line per branch milestone until the returned
// stop function is called. stop must only run after the last event.
func printProgress(w io.Writer, events chan workflow.Event) (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			switch e.Kind {
			case workflow.EventBranchStarted:
				fmt.Fprintf(w, "[%s] started\n", e.Branch)
			case workflow.EventSessionOpened:
				fmt.Fprintf(w, "[%s] session ready (pid %v)\n", e.Branch, e.Payload["pid"])
			case workflow.EventToolCall:
				fmt.Fprintf(w, "[%s] calling %s\n", e.Branch, e.PayloadString("tool"))
			case workflow.EventBranchFinished:
				fmt.Fprintf(w, "[%s] %s in %s\n", e.Branch, e.PayloadString("status"), e.Elapsed.Round(time.Millisecond))
			}
		}
	}()
	return func() {
		close(events)
		<-done
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func writeMetricsSummary(cmd *cobra.Command, telemetry *researchotel.Telemetry) {
	summary, err := telemetry.Summary(cmd.Context())
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "metrics unavailable: %v\n", err)
		return
	}
	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)

	out := cmd.ErrOrStderr()
	fmt.Fprintln(out, "=== Metrics ===")
	for _, name := range names {
		fmt.Fprintf(out, "  %s: %g\n", name, summary[name])
	}
}
