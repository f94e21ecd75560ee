package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// Version is reported to tool servers as the client version. Set by main.
var Version = "dev"

// newLogger builds the command logger on stderr. The root persistent flags
// --verbose and --quiet pick the level; the default only shows warnings so
// command output stays clean.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	return newLevelLogger(cmd.ErrOrStderr(), verbose, quiet)
}

func newLevelLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
