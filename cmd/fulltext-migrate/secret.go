package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Sternrassler/fulltext-migrate/pkg/config"
)

func newSecretCmd() *cobra.Command {
	secretCmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the S3 secret in the system keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set <access-key-id>",
		Short: "Store the secret access key for an access key id",
		Long: `Set reads the secret access key from the terminal (or stdin) and stores it in
the system keyring. Runs with sink.use_keyring enabled look it up there.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accessKeyID := strings.TrimSpace(args[0])

			secret, err := readSecret(cmd)
			if err != nil {
				return &exitError{code: ExitFatal, err: err}
			}
			if err := config.StoreSecret(accessKeyID, secret); err != nil {
				return &exitError{code: ExitFatal, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret stored for %s\n", accessKeyID)
			return nil
		},
	}

	secretCmd.AddCommand(setCmd)
	return secretCmd
}

// readSecret reads one line without echo when stdin is a terminal.
func readSecret(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Secret access key: ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
