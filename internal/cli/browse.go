package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chillspace/internal/app"
	"chillspace/pkg/apperr"
	"chillspace/pkg/models"
)

// resolveChannel finds a channel by id or name; a leading # is ignored
// and names match case-insensitively.
func resolveChannel(ctx context.Context, a *app.App, ref string) (models.Channel, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "#")
	if ref == "" {
		ref = a.Config().Chat.DefaultChannel
	}
	chans, err := a.Cache().Channels(ctx, false)
	if err != nil {
		return models.Channel{}, err
	}
	for _, ch := range chans {
		if ch.ID == ref {
			return ch, nil
		}
	}
	for _, ch := range chans {
		if strings.EqualFold(ch.Name, ref) {
			return ch, nil
		}
	}
	return models.Channel{}, apperr.NotFound("channel", ref)
}

// resolvePeer finds another member by username or id.
func resolvePeer(ctx context.Context, a *app.App, ref string) (models.Profile, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "@")
	peers, err := a.Cache().Peers(ctx, false)
	if err != nil {
		return models.Profile{}, err
	}
	for _, p := range peers {
		if p.ID == ref || strings.EqualFold(p.Username, ref) {
			return p, nil
		}
	}
	return models.Profile{}, apperr.NotFound("member", ref)
}

func newChannelsCmd(opts *globalOptions) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				chans, err := a.Cache().Channels(ctx, refresh)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, ch := range chans {
					name := "#" + ch.Name
					if ch.Type == models.ChannelTypeSystem {
						name += " (read-only)"
					}
					fmt.Fprintf(w, "%s\t%s\n", name, ch.Description)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the local cache")
	return cmd
}

func newPeersCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List other members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				peers, err := a.Cache().Peers(ctx, false)
				if err != nil {
					return err
				}
				if err := a.Presence().Start(ctx); err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, p := range peers {
					status := "offline"
					if a.Presence().IsOnline(p.ID) {
						status = "online"
					}
					fmt.Fprintf(w, "@%s\t%s\t%s\n", p.DisplayName(), roleOf(p.Role), status)
				}
				return w.Flush()
			})
		},
	}
}

func newPresenceCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "presence",
		Short: "Show who is online",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				me, err := a.Cache().Profile(ctx, false)
				if err != nil {
					return err
				}
				if err := a.Presence().Start(ctx); err != nil {
					return err
				}
				online := a.Presence().Online(me.ID)
				out := cmd.OutOrStdout()
				if len(online) == 0 {
					fmt.Fprintln(out, "Nobody else is online")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, e := range online {
					name := e.Username
					if name == "" {
						name = e.UserID
					}
					fmt.Fprintf(w, "@%s\tseen %s\n", name, humanize.Time(e.LastSeenAt))
				}
				return w.Flush()
			})
		},
	}
}

func newPreviewCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <url>",
		Short: "Fetch the link preview for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				p, err := a.Preview().Fetch(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s\n", p.Title)
				if p.SiteName != "" {
					fmt.Fprintf(out, "  site:        %s\n", p.SiteName)
				}
				if p.Description != "" {
					fmt.Fprintf(out, "  description: %s\n", p.Description)
				}
				if p.Image != "" {
					fmt.Fprintf(out, "  image:       %s\n", p.Image)
				}
				if p.Favicon != "" {
					fmt.Fprintf(out, "  favicon:     %s\n", p.Favicon)
				}
				fmt.Fprintf(out, "  url:         %s\n", p.URL)
				return nil
			})
		},
	}
}
