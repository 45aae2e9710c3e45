package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/trialflow"
	"github.com/petal-labs/trialflow/core"
)

// NewSimulateCmd creates the "simulate" subcommand.
func NewSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <bundle>",
		Short: "Run simulated participants through a new run",
		Long: "Open a run and drive simulated participants through it, each\n" +
			"submitting every task's dummy response. Result files are written as\n" +
			"for real participants.",
		Args: cobra.ExactArgs(1),
		RunE: runSimulate,
	}

	addBundleFlags(cmd)
	addRunFlags(cmd)
	cmd.Flags().IntP("participants", "n", 1, "Number of simulated participants (0: until the pool is empty)")

	return cmd
}

func runSimulate(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("participants")
	if n < 0 {
		return exitError(exitInputParse, "--participants must not be negative")
	}
	opts, err := runOptions(cmd)
	if err != nil {
		return err
	}

	_, eng, err := openBundle(cmd, args[0])
	if err != nil {
		return err
	}
	rec, err := eng.StartRun(cmd.Context(), opts)
	if err != nil {
		return bundleError(args[0], err)
	}
	defer func() {
		_ = eng.StopRun(cmd.Context())
	}()

	if n == 0 {
		n = eng.PoolLen()
	}
	insts, err := eng.Simulate(cmd.Context(), n)
	if err != nil && !errors.Is(err, trialflow.ErrExperimentFull) {
		return exitError(exitRuntime, "simulation failed: %v", err)
	}

	out := cmd.OutOrStdout()
	complete := 0
	for _, inst := range insts {
		if inst.State() == core.StateComplete {
			complete++
		}
	}
	fmt.Fprintf(out, "Run %s: %d of %d simulated participant(s) complete\n", rec.ID(), complete, len(insts))
	if errors.Is(err, trialflow.ErrExperimentFull) {
		fmt.Fprintln(out, "Profile pool exhausted.")
	}
	return nil
}
