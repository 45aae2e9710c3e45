package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/trialflow/bundle"
	"github.com/petal-labs/trialflow/participant"
	"github.com/petal-labs/trialflow/registry"
	"github.com/petal-labs/trialflow/server"
)

// Diagnostic severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Diagnostic is one finding of bundle validation.
type Diagnostic struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <bundle>",
		Short: "Check a bundle's config without loading it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("config", "", "Path to the bundle config (default: <bundle>/trialflow.yaml)")
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	dir := args[0]
	configPath, _ := cmd.Flags().GetString("config")
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return exitError(exitFileNotFound, "bundle not found: %s", dir)
	}

	diags := validateBundle(dir, configPath)
	printValidateDiagnostics(cmd.OutOrStdout(), diags, format)

	errs, warns := countDiagnostics(diags)
	if errs > 0 || (strict && warns > 0) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// validateBundle loads the bundle config and checks what a load would
// otherwise only discover at run start.
func validateBundle(dir, configPath string) []Diagnostic {
	cfg, err := bundle.LoadDir(dir, configPath)
	if err != nil {
		return []Diagnostic{{Code: "BD-001", Severity: SeverityError, Message: err.Error()}}
	}

	var diags []Diagnostic
	if _, err := registry.Global().Resolve(cfg.Experiment); err != nil {
		diags = append(diags, Diagnostic{
			Code: "BD-002", Severity: SeverityError, Field: "experiment", Message: err.Error(),
		})
	}

	if cfg.ExportSchedule != "" {
		if err := server.ValidateExportSchedule(cfg.ExportSchedule); err != nil {
			diags = append(diags, Diagnostic{
				Code: "BD-003", Severity: SeverityError, Field: "export_schedule", Message: err.Error(),
			})
		}
	}

	if path := cfg.UsersPath(dir); path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			diags = append(diags, Diagnostic{
				Code: "BD-004", Severity: SeverityError, Field: "users",
				Message: fmt.Sprintf("accounts file %s does not exist (run \"trialflow users init\")", path),
			})
		}
	} else if _, err := os.Stat(filepath.Join(dir, participant.FileName)); err == nil {
		diags = append(diags, Diagnostic{
			Code: "BD-005", Severity: SeverityWarning, Field: "users",
			Message: participant.FileName + " exists but the config does not enable logins",
		})
	}

	if cfg.ExternalCompletionURL != "" && cfg.ExternalIDParam == "" {
		diags = append(diags, Diagnostic{
			Code: "BD-006", Severity: SeverityWarning, Field: "external_completion_url",
			Message: "completion URL is set but external_id_param is not; no participant will see it",
		})
	}
	return diags
}

func countDiagnostics(diags []Diagnostic) (errs, warns int) {
	for _, d := range diags {
		switch d.Severity {
		case SeverityError:
			errs++
		case SeverityWarning:
			warns++
		}
	}
	return errs, warns
}

// printValidateDiagnostics writes diagnostics to the writer in the requested
// format, followed by a summary line (for text format).
func printValidateDiagnostics(w io.Writer, diags []Diagnostic, format string) {
	if format == "json" {
		// Output an empty array rather than null when there are no diagnostics.
		if diags == nil {
			diags = []Diagnostic{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(diags)
		return
	}

	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		if d.Field != "" {
			fmt.Fprintf(w, "%s [%s]: %s (at %s)\n", sev, d.Code, d.Message, d.Field)
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}

	errs, warns := countDiagnostics(diags)
	switch {
	case errs == 0 && warns == 0:
		fmt.Fprintln(w, "Valid!")
	case errs == 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", warns, pluralize("warning", warns))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n", errs, pluralize("error", errs), warns, pluralize("warning", warns))
	}
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
