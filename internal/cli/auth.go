package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/EPiC-Inc/vaporous/pkg/client"
)

func (a *App) loginCommand() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(a.In)
			if username == "" {
				fmt.Fprint(a.Out, "Username: ")
				line, err := in.ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read username: %w", err)
				}
				username = strings.TrimSpace(line)
			}
			if username == "" {
				return fmt.Errorf("username is required")
			}

			fmt.Fprint(a.Out, "Password: ")
			password, err := a.readPassword(in)
			fmt.Fprintln(a.Out)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			c := client.New(client.Config{
				BaseURL:     a.cfg.Server,
				Timeout:     a.cfg.Timeout,
				RetryConfig: a.retryConfig("login"),
			})
			s, err := c.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			if err := client.SaveSession(a.SessionPath, s); err != nil {
				fmt.Fprintln(a.Err, a.yellow("Warning:"), "failed to save session:", err)
			}
			fmt.Fprintf(a.Out, "Logged in as %s. Session saved to %s\n", a.green(s.Username), a.SessionPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account name (prompted when empty)")
	return cmd
}

// readPassword reads without echo from a terminal and a plain line
// otherwise.
func (a *App) readPassword(in *bufio.Reader) (string, error) {
	if f, ok := a.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return string(b), err
	}
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *App) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.SessionPath); errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintln(a.Out, "No saved session found.")
				return nil
			}
			if err := client.DeleteSession(a.SessionPath); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			fmt.Fprintln(a.Out, "Logged out successfully.")
			return nil
		},
	}
}
