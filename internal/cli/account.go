package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"chillspace/internal/app"
	"chillspace/internal/cli/prompt"
	"chillspace/pkg/apperr"
	"chillspace/pkg/config"
	"chillspace/pkg/state/logger"
)

func requireHosted(a *app.App, op string) error {
	if a.Supabase() == nil {
		return apperr.Validationf(op, "the %s backend has no accounts; set backend.kind to %s", a.Config().Backend.Kind, config.BackendSupabase)
	}
	return nil
}

func newLoginCmd(opts *globalOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if err := requireHosted(a, "login"); err != nil {
					return err
				}
				p := prompt.New(cmd.InOrStdin(), cmd.OutOrStdout())
				if email == "" {
					v, err := p.Line("Email")
					if err != nil {
						return err
					}
					email = v
				}
				pw, err := p.Password("Password")
				if err != nil {
					return err
				}
				logger.Info("cli_login", "email", logger.Masked(email))
				s, err := a.Supabase().SignInWithPassword(ctx, email, pw)
				if err != nil {
					return err
				}
				a.Cache().Reset()
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", s.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (prompted when empty)")
	return cmd
}

func newLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if err := requireHosted(a, "logout"); err != nil {
					return err
				}
				if _, ok := a.Supabase().Session(); !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
					return nil
				}
				if err := a.Supabase().SignOut(ctx); err != nil {
					return err
				}
				if err := removeSession(a.Paths().Session); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}
}

func newWhoamiCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				me, err := a.Cache().Profile(ctx, true)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s\n", me.DisplayName())
				fmt.Fprintf(out, "  id:      %s\n", me.ID)
				if me.Email != "" {
					fmt.Fprintf(out, "  email:   %s\n", me.Email)
				}
				fmt.Fprintf(out, "  role:    %s\n", roleOf(me.Role))
				fmt.Fprintf(out, "  backend: %s\n", a.Config().Backend.Kind)
				return nil
			})
		},
	}
}

func roleOf(role string) string {
	if role == "" {
		return "user"
	}
	return role
}
