package daemon

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/mercury/internal/account"
	"github.com/matheus3301/mercury/internal/api"
	"github.com/matheus3301/mercury/internal/bus"
	"github.com/matheus3301/mercury/internal/config"
	"github.com/matheus3301/mercury/internal/lock"
	"github.com/matheus3301/mercury/internal/logging"
	"github.com/matheus3301/mercury/internal/metrics"
	"github.com/matheus3301/mercury/internal/remote"
	"github.com/matheus3301/mercury/internal/session"
	"github.com/matheus3301/mercury/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
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
			provideRemote,
			provideManager,
			provideDispatcher,
			provideRefresher,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return config.Default()
	}
	return cfg
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) *remote.Client {
	opts := remote.Options{
		BaseURL:    cfg.Remote.BaseURL,
		MaxRetries: cfg.Remote.MaxRetries,
		UserAgent:  "mercuryd",
	}
	if cfg.Remote.TimeoutSeconds > 0 {
		opts.HTTPClient = &http.Client{Timeout: time.Duration(cfg.Remote.TimeoutSeconds) * time.Second}
	}
	return remote.New(opts, logger)
}

func provideManager(db *store.DB, b *bus.Bus, client *remote.Client, logger *zap.Logger) *account.Manager {
	m := account.NewManager(db, b, logger)
	m.Register("messenger", "messenger", "Messenger", client)
	return m
}

func provideDispatcher(m *account.Manager, db *store.DB, logger *zap.Logger) *api.Dispatcher {
	d := api.NewDispatcher(logger)
	api.NewAccountService(m, db).Register(d)
	api.NewConversationService(m).Register(d)
	return d
}

func provideRefresher(cfg *config.Config, m *account.Manager, logger *zap.Logger) *account.Refresher {
	if cfg.Sync.IntervalSeconds <= 0 {
		return nil
	}
	interval := time.Duration(cfg.Sync.IntervalSeconds) * time.Second
	return account.NewRefresher(m, interval, logger)
}

func provideMetricsServer(cfg *config.Config, logger *zap.Logger) *metrics.Server {
	if cfg.Metrics.Addr == "" {
		return nil
	}
	return metrics.NewServer(cfg.Metrics.Addr, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, m *account.Manager, refresher *account.Refresher, metricsSrv *metrics.Server, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Serve the socket in the background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("daemon server error", zap.Error(err))
				}
			}()

			// Restore persisted gateway sessions off the startup path; the
			// gateway may be slow or unreachable.
			go m.RestoreSessions(context.Background())

			if refresher != nil {
				refresher.Start(context.Background())
			}
			if metricsSrv != nil {
				metricsSrv.Start()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if refresher != nil {
				refresher.Stop()
			}
			if metricsSrv != nil {
				_ = metricsSrv.Stop(ctx)
			}
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
