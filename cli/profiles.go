package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewProfilesCmd creates the "profiles" subcommand.
func NewProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles <bundle>",
		Short: "Create participant profiles for a bundle",
		Long: "Create participant profiles for the named conditions (default: all).\n" +
			"Each profile fixes a subject id and a stimulus ordering.",
		Args: cobra.ExactArgs(1),
		RunE: runProfiles,
	}

	addBundleFlags(cmd)
	cmd.Flags().StringSlice("conditions", nil, "Conditions to create profiles for (default: all)")
	cmd.Flags().IntP("count", "n", 0, "Profiles per condition (default: profiles_per_condition)")

	return cmd
}

func runProfiles(cmd *cobra.Command, args []string) error {
	conditions, _ := cmd.Flags().GetStringSlice("conditions")
	count, _ := cmd.Flags().GetInt("count")

	cfg, eng, err := openBundle(cmd, args[0])
	if err != nil {
		return err
	}
	if count == 0 {
		count = cfg.ProfilesPerCondition
	}
	if count <= 0 {
		return exitError(exitInputParse, "--count must be positive")
	}

	created, err := eng.MakeProfiles(cmd.Context(), conditions, count)
	if err != nil {
		return bundleError(args[0], err)
	}
	out := cmd.OutOrStdout()
	for _, p := range created {
		fmt.Fprintln(out, p.FQName())
	}
	return nil
}
