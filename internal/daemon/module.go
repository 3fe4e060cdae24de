package daemon

import (
	"context"

	"github.com/mkalil/smsync/internal/account"
	"github.com/mkalil/smsync/internal/bus"
	"github.com/mkalil/smsync/internal/config"
	"github.com/mkalil/smsync/internal/lock"
	"github.com/mkalil/smsync/internal/logging"
	"github.com/mkalil/smsync/internal/notify"
	"github.com/mkalil/smsync/internal/outbox"
	"github.com/mkalil/smsync/internal/status"
	"github.com/mkalil/smsync/internal/store"
	intsync "github.com/mkalil/smsync/internal/sync"
	"github.com/mkalil/smsync/internal/voipms"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	ConfigPath string // optional override for testing; empty = use default
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideAccount,
			provideLogger,
			provideBus,
			provideStates,
			provideLock,
			provideStore,
			provideClient,
			provideEngine,
			provideTracker,
			provideRegistry,
			provideScheduler,
			NewControlServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideAccount(p Params) (config.Account, error) {
	path := p.ConfigPath
	if path == "" {
		path = account.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Account{}, err
	}
	acct, err := cfg.Account(p.Account)
	if err != nil {
		return config.Account{}, err
	}
	if err := acct.Validate(); err != nil {
		return config.Account{}, err
	}
	return acct, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.Account), p.Account)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStates(b *bus.Bus) *status.Set {
	return status.NewSet(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.Account)
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

func provideClient(acct config.Account) *voipms.Client {
	return voipms.NewClient(voipms.Options{
		BaseURL:        acct.APIURL,
		Username:       acct.Username,
		Password:       acct.Password,
		ConnectTimeout: acct.ConnectTimeout(),
		RequestTimeout: acct.RequestTimeout(),
	})
}

func provideEngine(db *store.DB, client *voipms.Client, b *bus.Bus, states *status.Set, logger *zap.Logger, acct config.Account) *intsync.Engine {
	return intsync.NewEngine(db, client, b, states, logger, intsync.Config{
		StartDate:                acct.Start(),
		Overlap:                  acct.SyncOverlap(),
		MatchTolerance:           acct.MatchTolerance(),
		RetentionDays:            acct.RetentionDays,
		RestoreDeleted:           acct.RestoreDeleted,
		PropagateLocalDeletions:  acct.PropagateLocalDeletions,
		PropagateRemoteDeletions: acct.PropagateRemoteDeletions,
	})
}

func provideTracker(db *store.DB, client *voipms.Client, b *bus.Bus, logger *zap.Logger) *outbox.Tracker {
	return outbox.NewTracker(db, client, b, logger)
}

func provideRegistry(b *bus.Bus, logger *zap.Logger) *notify.Registry {
	return notify.NewRegistry(b, logger)
}

func provideScheduler(engine *intsync.Engine, acct config.Account, logger *zap.Logger) *Scheduler {
	return NewScheduler(engine, acct.DIDs, acct.SyncInterval(), logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *ControlServer, lk *lock.Lock, tracker *outbox.Tracker, registry *notify.Registry, scheduler *Scheduler, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			registry.Start(context.Background())
			tracker.Start(context.Background())

			// Serve the control socket in the background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			scheduler.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			srv.Stop(ctx)
			tracker.Stop()
			registry.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
