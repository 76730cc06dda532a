package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/mtx/internal/api"
	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/config"
	"github.com/matheus3301/mtx/internal/engine/matrix"
	"github.com/matheus3301/mtx/internal/lock"
	"github.com/matheus3301/mtx/internal/logging"
	"github.com/matheus3301/mtx/internal/outbox"
	"github.com/matheus3301/mtx/internal/session"
	"github.com/matheus3301/mtx/internal/status"
	"github.com/matheus3301/mtx/internal/store"
	"github.com/matheus3301/mtx/internal/tasks"
	"github.com/matheus3301/mtx/internal/verification"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.mtx/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideEngine,
			provideGuard,
			provideWorker,
			provideInbox,
			provideOrchestrator,
			provideListener,
			provideOutboxService,
			provideVerificationService,
			provideSessionService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		loaded, err := config.LoadOrDefault(session.ConfigPath())
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger.Named("bus"))
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

// provideStore takes the lock so the database is only opened by its holder.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
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

func provideEngine(p Params, cfg *config.Config, db *store.DB, m *status.Machine, logger *zap.Logger) (*matrix.Client, error) {
	sc, ok := cfg.Session(p.SessionName)
	if !ok || sc.Homeserver == "" {
		return nil, fmt.Errorf("session %q has no homeserver in %s", p.SessionName, session.ConfigPath())
	}
	return matrix.New(matrix.Config{
		Homeserver:  sc.Homeserver,
		UserID:      sc.UserID,
		DeviceID:    sc.DeviceID,
		AccessToken: sc.AccessToken,
		CryptoDB:    session.CryptoDBPath(p.SessionName),
		PickleKey:   sc.PickleKey,
	}, db, m, logger.Named("matrix"))
}

func provideGuard(logger *zap.Logger) *tasks.Guard {
	return tasks.New(logger.Named("tasks"))
}

func provideWorker(cfg *config.Config, db *store.DB, client *matrix.Client, b *bus.Bus, logger *zap.Logger) *outbox.Worker {
	return outbox.NewWorker(db, client, b, logger.Named("outbox"), outbox.Config{
		BaseBackoff:  cfg.Outbox.BaseBackoff.Duration,
		MaxBackoff:   cfg.Outbox.MaxBackoff.Duration,
		Multiplier:   cfg.Outbox.Multiplier,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		PollInterval: cfg.Outbox.PollInterval.Duration,
	})
}

func provideInbox() *verification.Inbox {
	return verification.NewInbox()
}

func provideOrchestrator(cfg *config.Config, client *matrix.Client, guard *tasks.Guard, inbox *verification.Inbox, logger *zap.Logger) *verification.Orchestrator {
	return verification.New(client, guard, inbox, logger.Named("verification"), verification.Config{
		ReadyDeadline:      cfg.Verification.ReadyDeadline.Duration,
		ReadyPollInterval:  cfg.Verification.ReadyPollInterval.Duration,
		AcceptPollAttempts: cfg.Verification.AcceptPollAttempts,
		AcceptPollInterval: cfg.Verification.AcceptPollInterval.Duration,
	})
}

func provideListener(client *matrix.Client, inbox *verification.Inbox, guard *tasks.Guard, logger *zap.Logger) *verification.Listener {
	return verification.NewListener(client, inbox, guard, logger.Named("inbox"))
}

func provideOutboxService(w *outbox.Worker, b *bus.Bus) *api.OutboxService {
	return api.NewOutboxService(w, b)
}

func provideVerificationService(o *verification.Orchestrator, b *bus.Bus) *api.VerificationService {
	return api.NewVerificationService(o, b)
}

func provideSessionService(p Params, client *matrix.Client, m *status.Machine, w *outbox.Worker, o *verification.Orchestrator, b *bus.Bus) *api.SessionService {
	account := api.Account{UserID: client.OwnUserID(), DeviceID: client.OwnDeviceID()}
	return api.NewSessionService(p.SessionName, account, m, w, o.Registry(), b)
}

type lifecycleParams struct {
	fx.In

	Server       *Server
	Lock         *lock.Lock
	DB           *store.DB
	Bus          *bus.Bus
	Client       *matrix.Client
	Guard        *tasks.Guard
	Worker       *outbox.Worker
	Inbox        *verification.Inbox
	Orchestrator *verification.Orchestrator
	Listener     *verification.Listener
	Logger       *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			d.Worker.Start(context.Background())
			d.Listener.Start(api.NewInboxObserver(d.Bus, d.Inbox))

			d.Guard.Go("matrix-sync", func(ctx context.Context) {
				if err := d.Client.Run(ctx); err != nil {
					logger.Error("sync loop stopped", zap.Error(err))
				}
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			d.Worker.Stop()
			d.Orchestrator.Shutdown()
			if err := d.Guard.Shutdown(ctx); err != nil {
				logger.Warn("background tasks did not stop", zap.Error(err))
			}
			d.Bus.Close()
			if err := d.Client.Close(); err != nil {
				logger.Warn("error closing crypto store", zap.Error(err))
			}
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
