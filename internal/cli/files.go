package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chillspace/internal/app"
	"chillspace/pkg/apperr"
	"chillspace/pkg/files"
	"chillspace/pkg/models"
)

func newFilesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Browse and manage the shared file library",
	}
	cmd.AddCommand(
		newFilesListCmd(opts),
		newFilesUploadCmd(opts),
		newFilesDeleteCmd(opts),
		newFilesURLCmd(opts),
		newFilesCommentCmd(opts),
		newFilesReactCmd(opts),
	)
	return cmd
}

// openLibrary loads the library, scoped to channelRef when it is set.
func openLibrary(ctx context.Context, a *app.App, channelRef string) (*files.Library, error) {
	channelID := ""
	if channelRef != "" {
		ch, err := resolveChannel(ctx, a, channelRef)
		if err != nil {
			return nil, err
		}
		channelID = ch.ID
	}
	lib := a.Files(channelID, nil)
	if err := lib.Load(ctx); err != nil {
		lib.Close()
		return nil, err
	}
	return lib, nil
}

// resolveFile finds an asset by id or an unambiguous id prefix.
func resolveFile(lib *files.Library, ref string) (models.FileAsset, error) {
	if f, ok := lib.Get(ref); ok {
		return f, nil
	}
	var matches []models.FileAsset
	for _, f := range lib.Files() {
		if strings.HasPrefix(f.ID, ref) {
			matches = append(matches, f)
		}
	}
	switch len(matches) {
	case 0:
		return models.FileAsset{}, apperr.NotFound("file", ref)
	case 1:
		return matches[0], nil
	default:
		return models.FileAsset{}, apperr.Validationf("file", "%q matches %d files", ref, len(matches))
	}
}

func shortFileID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newFilesListCmd(opts *globalOptions) *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List files, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				lib, err := openLibrary(ctx, a, channel)
				if err != nil {
					return err
				}
				defer lib.Close()
				list := lib.Files()
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No files")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tKIND\tSIZE\tBY\tCOMMENTS\tDOWNLOADS\tADDED")
				for _, f := range list {
					by := f.UploaderID
					if p, ok := a.Cache().CachedPeer(f.UploaderID); ok {
						by = p.DisplayName()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						shortFileID(f.ID), f.DisplayName, f.Kind(), files.HumanSize(f), by,
						f.CommentCount, f.DownloadCount, humanize.Time(f.CreatedAt))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "only files shared in this channel")
	return cmd
}

func newFilesUploadCmd(opts *globalOptions) *cobra.Command {
	var channel, name, description string
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file to the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				fi, err := os.Stat(args[0])
				if err != nil {
					return err
				}
				if fi.IsDir() {
					return apperr.Validationf("upload", "%s is a directory", args[0])
				}
				if limit := a.Config().Files.MaxSize; fi.Size() > limit.Int64() {
					return apperr.Validationf("upload", "file too large, maximum size is %s", limit)
				}
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				lib, err := openLibrary(ctx, a, channel)
				if err != nil {
					return err
				}
				defer lib.Close()

				filename := filepath.Base(args[0])
				contentType := ""
				if filepath.Ext(filename) == "" && len(data) > 0 {
					contentType = http.DetectContentType(data)
				}
				asset, err := lib.Upload(ctx, files.UploadRequest{
					Filename:    filename,
					DisplayName: name,
					Description: description,
					ContentType: contentType,
					Data:        data,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%s) as %s\n", asset.DisplayName, files.HumanSize(asset), shortFileID(asset.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel to share the file in")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the file name)")
	cmd.Flags().StringVar(&description, "description", "", "short description")
	return cmd
}

func newFilesDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a file and its blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				lib, err := openLibrary(ctx, a, "")
				if err != nil {
					return err
				}
				defer lib.Close()
				f, err := resolveFile(lib, args[0])
				if err != nil {
					return err
				}
				if err := lib.Delete(ctx, f.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", f.DisplayName)
				return nil
			})
		},
	}
}

func newFilesURLCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "url <id>",
		Short: "Print a time-limited download link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				lib, err := openLibrary(ctx, a, "")
				if err != nil {
					return err
				}
				defer lib.Close()
				f, err := resolveFile(lib, args[0])
				if err != nil {
					return err
				}
				u, err := lib.SignedURL(ctx, f)
				if err != nil {
					return err
				}
				if err := lib.IncrementDownload(ctx, f.ID); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			})
		},
	}
}

func newFilesCommentCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> [text...]",
		Short: "Comment on a file, or list its comments when no text is given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				lib, err := openLibrary(ctx, a, "")
				if err != nil {
					return err
				}
				defer lib.Close()
				f, err := resolveFile(lib, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if text := strings.TrimSpace(strings.Join(args[1:], " ")); text != "" {
					if _, err := lib.AddComment(ctx, f.ID, text); err != nil {
						return err
					}
					fmt.Fprintf(out, "Commented on %s\n", f.DisplayName)
					return nil
				}
				comments, err := lib.Comments(ctx, f.ID)
				if err != nil {
					return err
				}
				if len(comments) == 0 {
					fmt.Fprintln(out, "No comments")
				}
				for _, c := range comments {
					by := c.UserID
					if p, ok := a.Cache().CachedPeer(c.UserID); ok {
						by = p.DisplayName()
					}
					fmt.Fprintf(out, "[%s] %s: %s\n", humanize.Time(c.CreatedAt), by, c.Content)
				}
				return nil
			})
		},
	}
}

func newFilesReactCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "react <id> <emoji>",
		Short: "Add or remove a reaction on a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				lib, err := openLibrary(ctx, a, "")
				if err != nil {
					return err
				}
				defer lib.Close()
				f, err := resolveFile(lib, args[0])
				if err != nil {
					return err
				}
				updated, err := lib.ToggleReaction(ctx, f.ID, args[1])
				if err != nil {
					return err
				}
				summary := reactionSummary(updated.Reactions)
				if summary == "" {
					summary = "no reactions"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", f.DisplayName, summary)
				return nil
			})
		},
	}
}
