package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/bus"
	"github.com/assistant-support/chathub/internal/chatnet"
	"github.com/assistant-support/chathub/internal/chatnet/whatsapp"
	"github.com/assistant-support/chathub/internal/config"
	"github.com/assistant-support/chathub/internal/drive"
	"github.com/assistant-support/chathub/internal/lock"
	"github.com/assistant-support/chathub/internal/logging"
	"github.com/assistant-support/chathub/internal/manager"
	"github.com/assistant-support/chathub/internal/store"
	"github.com/assistant-support/chathub/internal/ws"
)

// Params holds the resolved invocation options passed to the fx module.
type Params struct {
	DataDir string
	Listen  string // optional override; empty = use config value
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideUploader,
			provideFactory,
			provideManager,
			provideRouter,
			provideHub,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.DataDir)
	if err != nil {
		return nil, err
	}
	if p.Listen != "" {
		cfg.Listen = p.Listen
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired", zap.String("dir", cfg.DataDir))
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideUploader(cfg *config.Config, logger *zap.Logger) (drive.Uploader, error) {
	if cfg.Storage.Endpoint == "" {
		logger.Info("no object storage configured, attachment hosting disabled")
		return nil, nil
	}
	up, err := drive.NewMinio(cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.Bucket, cfg.Storage.UseSSL)
	if err != nil {
		return nil, err
	}
	logger.Info("object storage ready", zap.String("endpoint", cfg.Storage.Endpoint), zap.String("bucket", cfg.Storage.Bucket))
	return up, nil
}

func provideFactory(cfg *config.Config, logger *zap.Logger) chatnet.Factory {
	return whatsapp.NewFactory(cfg.SessionDBPath, logger)
}

func provideManager(cfg *config.Config, db *store.DB, b *bus.Bus, up drive.Uploader, factory chatnet.Factory, logger *zap.Logger) *manager.Manager {
	return manager.New(manager.Options{
		DB:        db,
		Bus:       b,
		Uploader:  up,
		Factory:   factory,
		Logger:    logger,
		QRTimeout: cfg.QRLoginTimeout(),
	})
}

func provideRouter(m *manager.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *ws.Router {
	return ws.NewRouter(m, db, b, logger)
}

func provideHub(router *ws.Router, b *bus.Bus, logger *zap.Logger) *ws.Hub {
	return ws.NewHub(router, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, hub *ws.Hub, mgr *manager.Manager, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Bridge bus events onto connected clients.
			go hub.Run(runCtx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Restore persisted sessions without blocking startup.
			go mgr.Bootstrap(runCtx)

			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			mgr.ShutdownAll()
			hub.CloseAll()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
