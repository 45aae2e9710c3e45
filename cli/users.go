package cli

import (
	"bufio"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/trialflow/bundle"
	"github.com/petal-labs/trialflow/participant"
)

// NewUsersCmd creates the "users" command group for participant accounts.
func NewUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage participant login accounts of a bundle",
	}
	cmd.AddCommand(newUsersInitCmd(), newUsersAddCmd(), newUsersListCmd())
	return cmd
}

func newUsersInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <bundle>",
		Short: "Create an empty accounts file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := accountStore(cmd, args[0])
			if err != nil {
				return err
			}
			if err := store.Init(); err != nil {
				if errors.Is(err, participant.ErrAccountsExist) {
					return exitError(exitValidation, "%v", err)
				}
				return exitError(exitRuntime, "%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", store.Path())
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to the bundle config (default: <bundle>/trialflow.yaml)")
	return cmd
}

func newUsersAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <bundle> <user-id>",
		Short: "Add a participant account",
		Args:  cobra.ExactArgs(2),
		RunE:  runUsersAdd,
	}
	cmd.Flags().String("config", "", "Path to the bundle config (default: <bundle>/trialflow.yaml)")
	cmd.Flags().String("password", "", "Account password")
	cmd.Flags().Bool("password-stdin", false, "Read the password from stdin")
	return cmd
}

func runUsersAdd(cmd *cobra.Command, args []string) error {
	password, _ := cmd.Flags().GetString("password")
	fromStdin, _ := cmd.Flags().GetBool("password-stdin")
	if fromStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return exitError(exitInputParse, "reading password from stdin: %v", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return exitError(exitInputParse, "a password is required (--password or --password-stdin)")
	}

	store, err := accountStore(cmd, args[0])
	if err != nil {
		return err
	}
	err = store.Add(args[1], password)
	switch {
	case errors.Is(err, participant.ErrNoAccounts):
		return exitError(exitFileNotFound, "%v (run \"trialflow users init\" first)", err)
	case errors.Is(err, participant.ErrInvalidUserID), errors.Is(err, participant.ErrUserExists):
		return exitError(exitValidation, "%v", err)
	case err != nil:
		return exitError(exitRuntime, "%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", args[1])
	return nil
}

func newUsersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <bundle>",
		Short: "List participant accounts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := accountStore(cmd, args[0])
			if err != nil {
				return err
			}
			users, err := store.Users()
			if errors.Is(err, participant.ErrNoAccounts) {
				return exitError(exitFileNotFound, "%v", err)
			}
			if err != nil {
				return exitError(exitRuntime, "%v", err)
			}
			for _, u := range users {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to the bundle config (default: <bundle>/trialflow.yaml)")
	return cmd
}

// accountStore opens the accounts file the bundle config names, falling
// back to user_info.json in the bundle directory.
func accountStore(cmd *cobra.Command, dir string) (*participant.Store, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := bundle.LoadDir(dir, configPath)
	if err != nil {
		return nil, bundleError(dir, err)
	}
	path := cfg.UsersPath(dir)
	if path == "" {
		path = filepath.Join(dir, participant.FileName)
	}
	return participant.NewStore(participant.StoreConfig{Path: path})
}
