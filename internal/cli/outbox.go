package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chillspace/internal/app"
)

func newOutboxCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and redeliver messages that failed to send",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued messages",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
					pending, err := a.Outbox().Pending()
					if err != nil {
						return err
					}
					if len(pending) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty")
						return nil
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "CLIENT ID\tCOLLECTION\tATTEMPTS\tSTATE\tQUEUED\tLAST ERROR")
					for _, e := range pending {
						state := "queued"
						if e.Parked {
							state = "parked"
						}
						fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", e.ClientID, e.Collection, e.Attempts, state, humanize.Time(e.QueuedAt), e.LastError)
					}
					return w.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Redeliver queued messages now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
					rep, err := a.Outbox().Flush(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Flushed: %s\n", rep)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "unpark <client-id>",
			Short: "Give a parked message another round of attempts",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
					if err := a.Outbox().Unpark(args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Unparked %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "drop <client-id>",
			Short: "Forget a queued message",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
					if err := a.Outbox().Drop(args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}
