// Package client wires the sync engine, outbox sender, listener hub and
// store into a single fx module. Embedders supply a backend and uploader
// and get a running engine back.
package client

import (
	"context"
	"time"

	"github.com/mychat/chatsync/internal/backend"
	"github.com/mychat/chatsync/internal/bus"
	"github.com/mychat/chatsync/internal/hub"
	"github.com/mychat/chatsync/internal/lock"
	"github.com/mychat/chatsync/internal/logging"
	"github.com/mychat/chatsync/internal/outbox"
	"github.com/mychat/chatsync/internal/profile"
	"github.com/mychat/chatsync/internal/status"
	"github.com/mychat/chatsync/internal/store"
	intsync "github.com/mychat/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Backend     backend.Backend
	Uploader    backend.Uploader
	OutboxTick  time.Duration // zero = outbox.DefaultTick
}

// Module returns the fx module for the client, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("client",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideUploader,
			provideHub,
			provideEngine,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideBackend(p Params) backend.Backend {
	return p.Backend
}

func provideUploader(p Params) backend.Uploader {
	return p.Uploader
}

func provideHub(logger *zap.Logger) *hub.Hub {
	return hub.New(logger)
}

func provideEngine(db *store.DB, be backend.Backend, up backend.Uploader, b *bus.Bus, h *hub.Hub, m *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, be, up, b, h, m, logger)
}

func provideSender(p Params, db *store.DB, be backend.Backend, b *bus.Bus, m *status.Machine, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, be, b, m, logger, p.OutboxTick)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, engine *intsync.Engine, sender *outbox.Sender, machine *status.Machine, logger *zap.Logger, db *store.DB) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Engine first so ack/fail events from the sender are consumed.
			engine.Start(context.Background())
			sender.Start(context.Background())

			if err := machine.Transition(status.Ready); err != nil {
				logger.Warn("initial transition failed", zap.Error(err))
			}
			logger.Info("client started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			sender.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
