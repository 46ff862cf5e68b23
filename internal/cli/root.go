package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chillspace/internal/app"
	"chillspace/pkg/config"
	"chillspace/pkg/remote/supaclient"
	"chillspace/pkg/state"
	"chillspace/pkg/state/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

const shutdownTimeout = 5 * time.Second

type globalOptions struct {
	configPath string
	dataDir    string
	logLevel   string
	backend    string
}

// NewRootCmd builds the command tree. Each call returns an independent
// tree so tests can run commands side by side.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "chillspace",
		Short: "Chill Space chat client",
		Long: `chillspace is a terminal client for Chill Space: channel chat, direct
messages, the shared file library and who is online.

Without a configured backend it runs against a seeded in-memory community,
which is handy for trying commands out.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (default is ./chillspace.yaml)")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "directory for the local store, logs and session")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.backend, "backend", "", "backend kind: memory or supabase")

	root.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newWhoamiCmd(opts),
		newChannelsCmd(opts),
		newPeersCmd(opts),
		newChatCmd(opts),
		newDMCmd(opts),
		newFilesCmd(opts),
		newPresenceCmd(opts),
		newPreviewCmd(opts),
		newOutboxCmd(opts),
	)
	return root
}

// Execute runs the command line against ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// loadConfig resolves the effective config: file, environment, then flags.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	flagSet := cmd.Flags().Changed("config")
	path := config.ResolvePath(opts.configPath, flagSet)
	explicit := flagSet || os.Getenv("CHILLSPACE_CONFIG") != ""
	cfg, _, err := config.Load(path, explicit)
	if err != nil {
		return nil, err
	}
	if opts.dataDir != "" {
		cfg.Store.DataDir = opts.dataDir
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.backend != "" {
		cfg.Backend.Kind = strings.ToLower(opts.backend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openApp builds the application and restores a saved session for the
// hosted backend. Refreshed sessions are written back as they arrive.
func openApp(cmd *cobra.Command, opts *globalOptions) (*app.App, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	paths, err := state.EnsureDirs(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Logging.Level, paths.Logs)

	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	if c := a.Supabase(); c != nil {
		s, ok, err := loadSession(paths.Session, cfg.Backend.URL)
		if err != nil {
			logger.Warn("session_load_failed", "error", err)
		} else if ok {
			if err := c.SetSession(s); err != nil {
				logger.Warn("session_restore_failed", "error", err)
			}
		}
		c.OnSessionSaved(func(s *supaclient.Session) {
			var err error
			if s == nil {
				err = removeSession(paths.Session)
			} else {
				err = saveSession(paths.Session, cfg.Backend.URL, *s)
			}
			if err != nil {
				logger.Error("session_save_failed", "error", err)
			}
		})
	}
	return a, nil
}

// withApp runs fn against a freshly built application and shuts it down
// afterwards.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app.App) error) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, a)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(sctx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
