package cli

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/trialflow"
	"github.com/petal-labs/trialflow/bundle"
	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/record"
	"github.com/petal-labs/trialflow/registry"
)

// addBundleFlags registers the flags shared by every command that opens a
// bundle directory.
func addBundleFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to the bundle config (default: <bundle>/trialflow.yaml)")
	cmd.Flags().Bool("tool", false, "Force tool mode on, overriding the bundle config")
}

// addRunFlags registers the flags that select how a run is opened.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("mode", "new", "Run mode: new | resume | replicate")
	cmd.Flags().String("target", "", "Run to resume, or source run to replicate")
	cmd.Flags().StringSlice("conditions", nil, "Restrict the run to these conditions")
}

func loadOptions(cmd *cobra.Command, dir string) trialflow.LoadOptions {
	configPath, _ := cmd.Flags().GetString("config")
	opts := trialflow.LoadOptions{
		Dir:        filepath.Clean(dir),
		ConfigPath: configPath,
	}
	if cmd.Flags().Changed("tool") {
		tool, _ := cmd.Flags().GetBool("tool")
		opts.Tool = &tool
	}
	return opts
}

func runOptions(cmd *cobra.Command) (trialflow.RunOptions, error) {
	modeFlag, _ := cmd.Flags().GetString("mode")
	target, _ := cmd.Flags().GetString("target")
	conditions, _ := cmd.Flags().GetStringSlice("conditions")

	mode, err := core.ParseRunMode(modeFlag)
	if err != nil {
		return trialflow.RunOptions{}, exitError(exitInputParse, "%v", err)
	}
	target = strings.TrimSpace(target)
	if mode != core.RunModeNew && target == "" {
		return trialflow.RunOptions{}, exitError(exitInputParse, "--target is required for %s runs", mode)
	}
	return trialflow.RunOptions{Mode: mode, Target: target, Conditions: conditions}, nil
}

// openBundle builds the engine of a bundle without starting a run.
func openBundle(cmd *cobra.Command, dir string) (bundle.Config, *trialflow.Engine, error) {
	host, err := trialflow.NewHost(trialflow.HostConfig{
		Resolve: registry.Global().Resolve,
		Logger:  slog.Default(),
	})
	if err != nil {
		return bundle.Config{}, nil, err
	}
	cfg, eng, err := host.Open(loadOptions(cmd, dir))
	if err != nil {
		return bundle.Config{}, nil, bundleError(dir, err)
	}
	return cfg, eng, nil
}

// bundleError maps bundle and run errors to exit codes.
func bundleError(dir string, err error) error {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return err
	case errors.Is(err, os.ErrNotExist):
		return exitError(exitFileNotFound, "bundle not found: %s", dir)
	case errors.Is(err, bundle.ErrInvalidConfig),
		errors.Is(err, bundle.ErrUnknownCondition),
		errors.Is(err, registry.ErrUnknownExperiment):
		return exitError(exitValidation, "%v", err)
	case errors.Is(err, record.ErrRunNotFound):
		return exitError(exitNotFound, "%v", err)
	default:
		return exitError(exitRuntime, "%v", err)
	}
}
