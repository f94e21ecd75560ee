package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/researchflow/tool"
	mcpclient "github.com/petal-labs/researchflow/tool/mcp"
	"github.com/petal-labs/researchflow/workflow"
)

// NewToolsCmd creates the "tools" subcommand.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools [search|data]",
		Short: "List the tools each configured server exposes",
		Long: "Start each configured tool server, list its tools, and shut it down.\n" +
			"The tool each branch calls is marked with '*'.",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{workflow.BranchSearch, workflow.BranchData},
		RunE:      runTools,
	}
	cmd.Flags().StringP("config", "c", "", "Path to researchflow.yaml (default: ./researchflow.yaml, then ~/.researchflow/config.yaml)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Deadline per server")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

// branchTools is the listing for one branch.
type branchTools struct {
	Branch     string           `json:"branch"`
	Server     string           `json:"server"`
	Configured string           `json:"configured_tool"`
	Tools      []mcpclient.Tool `json:"tools"`
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	orch, err := workflow.NewOrchestrator(cfg, workflow.Options{})
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	cfg = orch.Config()

	branches := []workflow.BranchConfig{cfg.Search, cfg.Data}
	if len(args) == 1 {
		switch args[0] {
		case workflow.BranchSearch:
			branches = branches[:1]
		case workflow.BranchData:
			branches = branches[1:]
		default:
			return exitError(exitUsage, "unknown branch %q (use %s or %s)", args[0], workflow.BranchSearch, workflow.BranchData)
		}
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		return exitError(exitUsage, "timeout must be positive")
	}
	logger := newLogger(cmd)

	var (
		listings []branchTools
		errs     []error
	)
	for _, branch := range branches {
		tools, err := listBranchTools(cmd.Context(), cfg, branch, timeout, logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", branch.Name, err))
			continue
		}
		listings = append(listings, branchTools{
			Branch:     branch.Name,
			Server:     branch.Server.Command,
			Configured: branch.Tool,
			Tools:      tools,
		})
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if err := writeToolListings(cmd, listings, asJSON); err != nil {
		return err
	}
	if len(errs) > 0 {
		return exitError(exitUsage, "listing tools: %v", errors.Join(errs...))
	}
	return nil
}

func listBranchTools(ctx context.Context, cfg workflow.Config, branch workflow.BranchConfig, timeout time.Duration, logger *slog.Logger) ([]mcpclient.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session := tool.NewSession(branch.Server, tool.SessionOptions{
		Name:            branch.Name,
		ClientInfo:      cfg.ClientInfo,
		ProtocolVersion: cfg.ProtocolVersion,
		GracePeriod:     cfg.GracePeriod,
		Logger:          logger,
	})
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*cfg.GracePeriod+time.Second)
		defer closeCancel()
		if err := session.Close(closeCtx); err != nil {
			logger.Debug("closing session failed", "branch", branch.Name, "error", err)
		}
	}()

	if err := session.Open(ctx); err != nil {
		return nil, err
	}
	return session.ListTools(ctx)
}

func writeToolListings(cmd *cobra.Command, listings []branchTools, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		if listings == nil {
			listings = []branchTools{}
		}
		data, err := json.MarshalIndent(listings, "", "  ")
		if err != nil {
			return exitError(exitUsage, "marshaling output: %v", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "BRANCH\tTOOL\tDESCRIPTION")
	for _, listing := range listings {
		for _, t := range listing.Tools {
			name := t.Name
			if name == listing.Configured {
				name += " *"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", listing.Branch, name, firstLine(t.Description))
		}
	}
	return w.Flush()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
