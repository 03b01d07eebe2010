package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/event"
	"github.com/matheus3301/msgsync/internal/lock"
	"github.com/matheus3301/msgsync/internal/logging"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/push"
	"github.com/matheus3301/msgsync/internal/queue"
	"github.com/matheus3301/msgsync/internal/session"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"github.com/matheus3301/msgsync/internal/thread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideQueue,
			provideThreadStore,
			provideBackend,
			provideScheduler,
			provideReconciler,
			provideEngine,
			provideDispatcher,
			providePushClient,
			NewJobs,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

// provideStore opens the SQLite database. It holds sync checkpoints and,
// with the sqlite queue backend, the retry queue. The lock is taken first.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
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

// OpenQueue opens the configured queue backend for a profile.
func OpenQueue(profile, backend string, db *store.DB) (queue.Queue, error) {
	switch backend {
	case "", "sqlite":
		return queue.NewSQLite(db), nil
	case "pebble":
		return queue.OpenPebble(session.PebbleDir(profile))
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

func provideQueue(p Params, db *store.DB, logger *zap.Logger) (queue.Queue, error) {
	q, err := OpenQueue(p.Profile, p.Config.Queue.Backend, db)
	if err != nil {
		return nil, err
	}
	logger.Info("retry queue opened", zap.String("backend", p.Config.Queue.Backend))
	return q, nil
}

func provideThreadStore(p Params, b *bus.Bus) *thread.Store {
	return thread.NewStore(p.Config.UserID, b)
}

func provideBackend(p Params, logger *zap.Logger) api.Backend {
	c := p.Config.Backend
	return api.NewClient(api.Config{
		BaseURL:         c.BaseURL,
		Token:           c.Token,
		Timeout:         c.Timeout,
		RetryAttempts:   c.RetryAttempts,
		RetryDelay:      c.RetryDelay,
		BreakerFailures: c.BreakerFailures,
		BreakerCooldown: c.BreakerCooldown,
	}, logger)
}

func provideScheduler(p Params, q queue.Queue, s *thread.Store, backend api.Backend, b *bus.Bus, logger *zap.Logger) *outbox.Scheduler {
	return outbox.NewScheduler(q, s, backend, b, p.Config.Queue.Concurrency, logger)
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func provideEngine(p Params, s *thread.Store, q queue.Queue, sched *outbox.Scheduler, backend api.Backend,
	m *status.Machine, r *intsync.Reconciler, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.Config{
		PendingTTL:   p.Config.Sync.PendingTTL,
		PendingLimit: p.Config.Sync.PendingLimit,
	}, s, q, sched, backend, m, r, b, logger)
}

func provideDispatcher(engine *intsync.Engine, logger *zap.Logger) *push.Dispatcher {
	d := push.NewDispatcher()
	engine.Register(d)
	d.OnUnhandled(func(_ context.Context, ev event.Event) error {
		logger.Debug("unhandled push event", zap.String("type", ev.Type()))
		return nil
	})
	return d
}

func providePushClient(p Params, d *push.Dispatcher, m *status.Machine, logger *zap.Logger) *push.Client {
	c := p.Config.Push
	return push.NewClient(push.Config{
		URL:               c.URL,
		BackoffBase:       c.BackoffBase,
		BackoffMax:        c.BackoffMax,
		MaxAttempts:       c.MaxAttempts,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
	}, d, m, logger)
}

type lifecycleDeps struct {
	fx.In

	Params    Params
	Lock      *lock.Lock
	DB        *store.DB
	Queue     queue.Queue
	Engine    *intsync.Engine
	Scheduler *outbox.Scheduler
	Push      *push.Client
	Jobs      *Jobs
	Server    *Server
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if _, err := d.Engine.Restore(startCtx); err != nil {
				return err
			}
			d.Engine.Start(ctx)
			d.Scheduler.Start(ctx)

			if err := d.Jobs.Start(); err != nil {
				return err
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()

			if d.Params.Config.Push.URL == "" {
				logger.Warn("no push url configured; staying offline, messages will queue")
				return nil
			}
			return d.Push.Connect(ctx, d.Params.Config.Backend.Token)
		},
		OnStop: func(stopCtx context.Context) error {
			_ = d.Push.Close()
			d.Scheduler.Stop()
			d.Engine.Stop()
			cancel()
			if err := d.Jobs.Stop(); err != nil {
				logger.Warn("error stopping jobs", zap.Error(err))
			}
			d.Server.Stop(stopCtx)
			if err := d.Queue.Close(); err != nil {
				logger.Warn("error closing queue", zap.Error(err))
			}
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
