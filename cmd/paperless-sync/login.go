package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/app"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var username string
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:     "login",
		GroupID: "sync",
		Short:   "Exchange credentials for an API token",
		Long: `Log in to the server and store the API token in the local database.

The password is read from the terminal without echo, or from standard
input with --password-stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())
			if username == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Username: ")
				line, err := in.ReadString('\n')
				if err != nil && err != io.EOF {
					return err
				}
				username = strings.TrimSpace(line)
			}
			password, err := readPassword(cmd, in, passwordStdin)
			if err != nil {
				return err
			}
			if username == "" || password == "" {
				return fmt.Errorf("username and password are required")
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Login(ctx, username, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Logged in to %s\n", renderPass("✓"), a.Config.Server.URL)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account name")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from standard input")
	return cmd
}

func readPassword(cmd *cobra.Command, in *bufio.Reader, fromStdin bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !fromStdin && term.IsTerminal(fd) {
		fmt.Fprint(cmd.OutOrStdout(), "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
