package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/record"
	"github.com/petal-labs/trialflow/results"
)

// NewRunsCmd creates the "runs" subcommand.
func NewRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs <bundle>",
		Short: "List the runs of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuns,
	}

	addBundleFlags(cmd)
	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runRuns(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	_, eng, err := openBundle(cmd, args[0])
	if err != nil {
		return err
	}
	runs, err := record.ListRuns(eng.Layout())
	if err != nil {
		return exitError(exitRuntime, "listing runs: %v", err)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		if runs == nil {
			runs = []record.Summary{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	printRunsText(out, runs)
	return nil
}

func printRunsText(w io.Writer, runs []record.Summary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}
	for _, r := range runs {
		var flags []string
		if r.Replicate != "" {
			flags = append(flags, "replicates "+r.Replicate)
		}
		if r.HasPII {
			flags = append(flags, "pii")
		}
		line := fmt.Sprintf("%s  %-9s  complete=%d incomplete=%d", r.ID, r.Mode, r.Complete, r.Incomplete)
		if len(flags) > 0 {
			line += "  (" + strings.Join(flags, ", ") + ")"
		}
		fmt.Fprintln(w, line)
	}
}

// NewExportCmd creates the "export" subcommand.
func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <bundle> <run-id>",
		Short: "Write the aggregate results of a run to the downloads directory",
		Args:  cobra.ExactArgs(2),
		RunE:  runExport,
	}

	addBundleFlags(cmd)
	cmd.Flags().String("format", "", "Export format: csv | json (default: the bundle's output_format)")

	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	runID := args[1]
	formatFlag, _ := cmd.Flags().GetString("format")

	_, eng, err := openBundle(cmd, args[0])
	if err != nil {
		return err
	}
	if !record.Exists(eng.Layout(), runID) {
		return exitError(exitNotFound, "run %q not found", runID)
	}

	format := eng.Writer().Format()
	if formatFlag != "" {
		if format, err = core.ParseOutputFormat(formatFlag); err != nil {
			return exitError(exitInputParse, "%v", err)
		}
	}

	path, err := results.ExportRun(eng.Layout(), runID, eng.Writer().Format(), format)
	if err != nil {
		return exitError(exitRuntime, "exporting run %s: %v", runID, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
