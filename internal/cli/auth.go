package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ConfabulousDev/todo-sync/internal/apiclient"
	"github.com/ConfabulousDev/todo-sync/internal/clientconfig"
	"github.com/ConfabulousDev/todo-sync/internal/logger"
	"github.com/ConfabulousDev/todo-sync/internal/replica"
	"github.com/ConfabulousDev/todo-sync/internal/validation"
)

func newRegisterCmd(a *app) *cobra.Command {
	var email, name, server string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account on the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.authenticate(cmd, server, func(ctx context.Context, c *apiclient.Client, w io.Writer) (*apiclient.AuthResponse, error) {
				password, err := a.readPasswordPrompt(w, "Choose a password: ")
				if err != nil {
					return nil, err
				}
				if err := validation.ValidateRegistration(validation.NormalizeEmail(email), password, strings.TrimSpace(name)); err != nil {
					return nil, err
				}
				return c.Register(ctx, email, password, name)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&server, "server", "", "sync server URL (saved to the config file)")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newLoginCmd(a *app) *cobra.Command {
	var email, server string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the sync server",
		Long: `Log in and store the session token in the local replica.

Logging in as a different account, or to a different server, removes the tasks
stored locally for the previous one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.authenticate(cmd, server, func(ctx context.Context, c *apiclient.Client, w io.Writer) (*apiclient.AuthResponse, error) {
				password, err := a.readPasswordPrompt(w, "Password: ")
				if err != nil {
					return nil, err
				}
				return c.Login(ctx, email, password)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&server, "server", "", "sync server URL (saved to the config file)")
	cmd.MarkFlagRequired("email")
	return cmd
}

type authFunc func(ctx context.Context, c *apiclient.Client, w io.Writer) (*apiclient.AuthResponse, error)

// authenticate runs a register or login exchange and binds the replica to the
// resulting account
func (a *app) authenticate(cmd *cobra.Command, server string, do authFunc) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if server != "" {
		path, err := a.configFile()
		if err != nil {
			return err
		}
		if err := clientconfig.Set(path, clientconfig.KeyServerURL, strings.TrimRight(server, "/")); err != nil {
			return err
		}
	}

	e, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	resp, err := do(ctx, e.client, out)
	if err != nil {
		logger.Warn("authentication failed", "server", e.cfg.ServerURL, "error", err)
		return fmt.Errorf("authentication failed: %w", err)
	}

	reset, err := e.replica.SaveSession(ctx, replica.Session{
		ServerURL: e.cfg.ServerURL,
		Email:     resp.User.Email,
		Token:     resp.Token,
	})
	if err != nil {
		return err
	}
	logger.Info("logged in", "server", e.cfg.ServerURL, "user_id", resp.User.ID, "replica_reset", reset)

	if reset {
		fmt.Fprintln(out, "Removed local tasks that belonged to the previous account")
	}
	fmt.Fprintf(out, "✓ Logged in as %s on %s\n", resp.User.Email, e.cfg.ServerURL)
	fmt.Fprintln(out, "Run 'todosync sync' to fetch your tasks")
	return nil
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the session token",
		Long:  "Forget the session token. Local tasks are kept and sync again after the next login.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if e.session.Token == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
				return nil
			}
			if err := e.replica.ClearToken(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Logged out successfully")
			return nil
		},
	}
}
