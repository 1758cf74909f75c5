// Package daemon composes the synchronization core into a runnable
// process: one profile, one lock, one state database, and an ingestion
// loop per stored account.
package daemon

import (
	"context"

	"github.com/echatapp/echat/internal/api"
	"github.com/echatapp/echat/internal/backend"
	"github.com/echatapp/echat/internal/backend/matrix"
	"github.com/echatapp/echat/internal/backend/telegram"
	"github.com/echatapp/echat/internal/bus"
	"github.com/echatapp/echat/internal/config"
	"github.com/echatapp/echat/internal/crypto"
	"github.com/echatapp/echat/internal/lock"
	"github.com/echatapp/echat/internal/logging"
	"github.com/echatapp/echat/internal/model"
	"github.com/echatapp/echat/internal/outbox"
	"github.com/echatapp/echat/internal/session"
	"github.com/echatapp/echat/internal/statedb"
	"github.com/echatapp/echat/internal/store"
	intsync "github.com/echatapp/echat/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx
// module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStateDB,
			provideStore,
			provideCryptoManager,
			provideAdapters,
			provideEngine,
			provideQueue,
			provideCore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStateDB(p Params, logger *zap.Logger) (*statedb.DB, error) {
	dbPath := session.StateDBPath(p.Profile)
	db, err := statedb.Open(dbPath)
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
	logger.Info("state database initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStore(b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(b, logger)
}

func provideCryptoManager(logger *zap.Logger) *crypto.Manager {
	return crypto.NewManager(logger)
}

func provideAdapters(p Params, cfg *config.Config, db *statedb.DB, logger *zap.Logger) []backend.Adapter {
	saveCredentials := func(account model.AccountID, payload []byte) error {
		return db.PutCredentials(account, account.Kind(), payload)
	}
	return []backend.Adapter{
		matrix.NewAdapter(p.Profile, cfg.Matrix, logger),
		telegram.NewAdapter(cfg.Telegram, db, saveCredentials, logger),
	}
}

func provideEngine(st *store.Store, cm *crypto.Manager, b *bus.Bus, db *statedb.DB, cfg *config.Config, adapters []backend.Adapter, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(st, cm, b, db, cfg, adapters, logger)
}

func provideQueue(st *store.Store, engine *intsync.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(st, engine, b, cfg, logger)
}

func provideCore(st *store.Store, queue *outbox.Queue, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.Core {
	return api.NewCore(st, queue, engine, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *statedb.DB, engine *intsync.Engine, queue *outbox.Queue, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			accounts, err := db.ListAccounts()
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				logger.Info("no accounts stored; log in with echatctl")
			}
			for _, acct := range accounts {
				if err := engine.StartAccount(acct.ID); err != nil {
					logger.Error("starting account failed",
						zap.String("account", string(acct.ID)),
						zap.Error(err))
				}
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			queue.Close()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("closing state database", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
