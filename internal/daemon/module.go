package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/wppcrm/internal/api"
	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/config"
	"github.com/matheus3301/wppcrm/internal/directory"
	"github.com/matheus3301/wppcrm/internal/draft"
	"github.com/matheus3301/wppcrm/internal/logging"
	"github.com/matheus3301/wppcrm/internal/model"
	"github.com/matheus3301/wppcrm/internal/profile"
	"github.com/matheus3301/wppcrm/internal/realtime"
	"github.com/matheus3301/wppcrm/internal/restapi"
	"github.com/matheus3301/wppcrm/internal/status"
	"github.com/matheus3301/wppcrm/internal/store"
	intsync "github.com/matheus3301/wppcrm/internal/sync"
	"github.com/matheus3301/wppcrm/internal/timeline"
	"github.com/matheus3301/wppcrm/internal/wire"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default

	// Config overrides loading <profile>/config.toml when set.
	Config *config.Profile
	// Dialer overrides the websocket dialer when set.
	Dialer realtime.Dialer
	// Logger overrides the rotating file logger when set.
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideLock,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideStore,
			provideToken,
			provideRealtime,
			provideREST,
			provideDirectory,
			provideCache,
			provideDrafts,
			provideEngine,
			provideViewService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, logging.Options{})
}

func provideLock(p Params, logger *zap.Logger) (*profile.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	l, err := profile.Acquire(p.ProfileName)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("dir", profile.Dir(p.ProfileName)))
	return l, nil
}

func provideConfig(p Params, _ *profile.Lock) (*config.Profile, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadProfile(profile.Dir(p.ProfileName))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideStore(p Params, _ *profile.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.AppDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	return db, nil
}

// provideToken prefers the environment token and remembers it, falling back to
// the one saved by a previous run.
func provideToken(cfg *config.Profile, db *store.DB, logger *zap.Logger) (restapi.TokenSource, error) {
	tok := cfg.Token
	if tok != "" {
		if err := db.SaveToken(tok); err != nil {
			return nil, err
		}
	} else {
		saved, err := db.Token()
		if err != nil {
			return nil, err
		}
		tok = saved
	}
	if tok == "" {
		logger.Warn("no bearer token configured; set WPPCRM_TOKEN in the profile .env")
	}
	return func() string { return tok }, nil
}

func provideRealtime(p Params, cfg *config.Profile, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(realtime.Config{
		URL:                  cfg.RealtimeURL,
		Namespace:            cfg.RealtimeNamespace,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay.Duration,
		HandshakeTimeout:     cfg.HandshakeTimeout.Duration,
	}, p.Dialer, machine, b, logger.Named("realtime"))
}

func provideREST(cfg *config.Profile, token restapi.TokenSource, logger *zap.Logger) (*restapi.Client, error) {
	return restapi.New(restapi.Config{BaseURL: cfg.APIBaseURL}, token, logger.Named("rest"))
}

func provideDirectory(cfg *config.Profile, rest *restapi.Client, rt *realtime.Manager, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(rest, rt, directory.Config{
		PageSize:     cfg.PageSize,
		PollInterval: cfg.PollInterval.Duration,
		Viewer: wire.Viewer{
			UserID:                cfg.Viewer.UserID,
			RestrictContactType:   cfg.Viewer.RestrictContactType,
			ContactTypePreference: model.ContactType(cfg.Viewer.ContactTypePreference),
		},
	}, b, logger.Named("directory"))
}

func provideCache(cfg *config.Profile, rest *restapi.Client, dir *directory.Directory, b *bus.Bus, logger *zap.Logger) *timeline.Cache {
	return timeline.New(rest, dir, timeline.Config{
		PageSize: cfg.MessagePageSize,
		TTL:      cfg.MessageTTL.Duration,
	}, b, logger.Named("timeline"))
}

func provideDrafts(cfg *config.Profile, db *store.DB, b *bus.Bus, logger *zap.Logger) *draft.Writer {
	return draft.NewWriter(db, cfg.DraftDebounce.Duration, b, logger.Named("draft"))
}

func provideEngine(rt *realtime.Manager, dir *directory.Directory, cache *timeline.Cache, drafts *draft.Writer, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(rt, dir, cache, drafts, logger.Named("sync"))
}

func provideViewService(p Params, engine *intsync.Engine, dir *directory.Directory, cache *timeline.Cache, drafts *draft.Writer, rt *realtime.Manager, b *bus.Bus, logger *zap.Logger) *api.ViewService {
	return api.NewViewService(p.ProfileName, engine, dir, cache, drafts, rt, b, logger.Named("api"))
}

type lifecycleDeps struct {
	fx.In

	Server *Server
	Lock   *profile.Lock
	DB     *store.DB
	RT     *realtime.Manager
	Dir    *directory.Directory
	Engine *intsync.Engine
	Token  restapi.TokenSource
	Logger *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	var startup errgroup.Group

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			d.Engine.Start(runCtx)

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// The first page and the realtime handshake run independently.
			startup.Go(func() error {
				if _, err := d.Dir.Load(runCtx, directory.DefaultView(), 1); err != nil && runCtx.Err() == nil {
					d.Logger.Warn("initial conversation load failed; polling will retry", zap.Error(err))
				}
				return nil
			})
			startup.Go(func() error {
				tok := d.Token()
				if tok == "" {
					return nil
				}
				if err := d.RT.Connect(runCtx, tok); err != nil && !errors.Is(err, context.Canceled) {
					d.Logger.Error("realtime connect failed", zap.Error(err))
				}
				return nil
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			d.RT.Disconnect()
			_ = startup.Wait()
			d.Engine.Stop()
			d.Server.Stop(ctx)
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
