package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"chillspace/internal/outbox"
	"chillspace/pkg/cache"
	"chillspace/pkg/config"
	"chillspace/pkg/conversation"
	"chillspace/pkg/files"
	"chillspace/pkg/linkpreview"
	"chillspace/pkg/models"
	"chillspace/pkg/presence"
	"chillspace/pkg/remote"
	"chillspace/pkg/remote/memremote"
	"chillspace/pkg/remote/supaclient"
	"chillspace/pkg/state"
	"chillspace/pkg/state/logger"
	"chillspace/pkg/store"
	"chillspace/pkg/timeutil"
)

// App groups the client components built from one config.
type App struct {
	cfg   *config.Config
	paths state.Paths

	store   *store.Store
	mem     *memremote.Service
	supa    *supaclient.Client
	svc     remote.Service
	cache   *cache.Cache
	tracker *presence.Tracker
	preview *linkpreview.Fetcher
	outbox  *outbox.Runner

	mu        sync.Mutex
	stopWatch func()
	hbCancel  context.CancelFunc
	hbDone    chan struct{}
	srvFast   *fasthttp.Server
	metricsLn string
	errCh     chan error
	state     string
}

// New opens local state and builds every component. Nothing talks to the
// backend until Run or a component method is called.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	paths, err := state.EnsureDirs(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}
	state.WarnIfLow(paths.Root)
	st, err := store.Open(paths.Store)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, paths: paths, store: st, errCh: make(chan error, 1), state: "created"}
	var backend remote.Service
	switch cfg.Backend.Kind {
	case config.BackendSupabase:
		c, err := supaclient.New(supaclient.Config{
			URL:       cfg.Backend.URL,
			AnonKey:   cfg.Backend.AnonKey,
			Timeout:   cfg.Backend.Timeout.Duration(),
			RPS:       cfg.Backend.RateLimit.RPS,
			Burst:     cfg.Backend.RateLimit.Burst,
			Heartbeat: cfg.Backend.Heartbeat.Duration(),
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.supa = c
		backend = c
	default:
		a.mem = memremote.New()
		memremote.SeedDemo(a.mem, timeutil.Now())
		backend = a.mem
	}
	a.svc = remote.Instrument(backend)

	cacheOpts := cache.Options{
		StaleTimes: map[cache.Slot]time.Duration{
			cache.SlotProfile:  cfg.Cache.ProfileStale.Duration(),
			cache.SlotPeers:    cfg.Cache.PeersStale.Duration(),
			cache.SlotChannels: cfg.Cache.ChannelsStale.Duration(),
		},
	}
	if cfg.Cache.Persist {
		cacheOpts.Store = st
	}
	a.cache = cache.New(cache.RemoteFetchers(a.svc, cfg.Cache.Announcements), cacheOpts)
	a.tracker = presence.New(a.svc, presence.Options{Freshness: cfg.Presence.Freshness.Duration()})
	a.preview = linkpreview.New(linkpreview.Options{
		Timeout:     cfg.Preview.Timeout.Duration(),
		UserAgent:   cfg.Preview.UserAgent,
		MaxBodySize: int(cfg.Preview.MaxBodySize.Int64()),
	})
	a.outbox, err = outbox.New(a.svc, st, outbox.Options{
		Cron:        cfg.Outbox.Cron,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BatchSize:   cfg.Outbox.BatchSize,
	})
	if err != nil {
		a.closeBackend()
		return nil, err
	}
	logger.Info("app_created", "backend", cfg.Backend.Kind, "data_dir", paths.Root)
	return a, nil
}

// Run starts the background parts: identity watching, the outbox schedule
// and the metrics endpoint. It does not block; fatal server errors arrive
// on Errors.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == "running" {
		return nil
	}
	a.stopWatch = a.cache.Watch(a.svc)
	if a.cfg.Outbox.Paused {
		logger.Info("outbox_paused")
	} else {
		a.outbox.Start(ctx)
	}
	if a.cfg.Telemetry.MetricsAddr != "" {
		if err := a.startMetrics(a.cfg.Telemetry.MetricsAddr); err != nil {
			return err
		}
	}
	a.state = "running"
	return nil
}

// Errors delivers fatal errors from background servers.
func (a *App) Errors() <-chan error { return a.errCh }

// StartPresence loads the presence feed and keeps the signed-in user
// marked online until Shutdown, which marks them offline.
func (a *App) StartPresence(ctx context.Context) error {
	if err := a.tracker.Start(ctx); err != nil {
		return err
	}
	me, err := a.cache.Profile(ctx, false)
	if err != nil {
		return err
	}
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	a.mu.Lock()
	if a.hbCancel != nil {
		a.mu.Unlock()
		cancel()
		return nil
	}
	a.hbCancel, a.hbDone = cancel, done
	a.mu.Unlock()
	go func() {
		defer close(done)
		a.tracker.Heartbeat(hbCtx, me, a.cfg.Presence.Heartbeat.Duration())
	}()
	return nil
}

// Conversation returns a new session wired to the shared cache and outbox.
func (a *App) Conversation(onChange func(conversation.Snapshot)) *conversation.Session {
	return conversation.New(a.svc, a.cache, conversation.Options{
		DefaultChannel:  a.cfg.Chat.DefaultChannel,
		ReconcileWindow: a.cfg.Chat.ReconcileWindow.Duration(),
		Outbox:          a.store,
		OnChange:        onChange,
	})
}

// Files returns a library for channelID, or for every channel when empty.
func (a *App) Files(channelID string, onChange func([]models.FileAsset)) *files.Library {
	return files.New(a.svc, a.cache, files.Options{
		ChannelID:      channelID,
		Bucket:         a.cfg.Files.Bucket,
		MaxSize:        a.cfg.Files.MaxSize.Int64(),
		URLTTL:         a.cfg.Files.URLTTL.Duration(),
		DeleteAttempts: a.cfg.Files.DeleteAttempts,
		DeleteBackoff:  a.cfg.Files.DeleteBackoff.Duration(),
		OnChange:       onChange,
	})
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Paths() state.Paths { return a.paths }
func (a *App) Remote() remote.Service { return a.svc }
func (a *App) Cache() *cache.Cache { return a.cache }
func (a *App) Presence() *presence.Tracker { return a.tracker }
func (a *App) Preview() *linkpreview.Fetcher { return a.preview }
func (a *App) Outbox() *outbox.Runner { return a.outbox }
func (a *App) Store() *store.Store { return a.store }
func (a *App) Supabase() *supaclient.Client { return a.supa }
func (a *App) Memory() *memremote.Service { return a.mem }

func (a *App) closeBackend() {
	if a.supa != nil {
		_ = a.supa.Close()
	}
	if err := a.store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
}
