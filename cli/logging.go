package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewLogger returns a text logger for w. verbose enables debug records,
// quiet keeps only errors.
func NewLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ConfigureLogging installs the default logger from the --verbose and
// --quiet persistent flags. Records go to the command's stderr.
func ConfigureLogging(cmd *cobra.Command, _ []string) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	slog.SetDefault(NewLogger(cmd.ErrOrStderr(), verbose, quiet))
}
