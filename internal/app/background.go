package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/background"
	"github.com/septivank/power-token-tracker/internal/config"
	"github.com/septivank/power-token-tracker/internal/messaging"
	"github.com/septivank/power-token-tracker/internal/notify"
	"github.com/septivank/power-token-tracker/internal/state"
)

// Background runs the balance worker
var Background = fx.Options(
	fx.Provide(
		ProvideRequester,
		ProvideNotificationSwitch,
		ProvideBackgroundCoordinator,
		ProvideScheduler,
		ProvideRegistrar,
	),
	fx.Invoke(StartBackground),
)

// ProvideRequester subscribes the worker's private reply route
func ProvideRequester(lc fx.Lifecycle, broker messaging.Broker, logger *zap.Logger) (*messaging.Requester, error) {
	return messaging.NewRequester(lifecycleContext(lc), broker, logger)
}

// ProvideNotificationSwitch logs every notification and optionally publishes it for display
func ProvideNotificationSwitch(cfg *config.Config, broker messaging.Broker, logger *zap.Logger) *notify.Switch {
	dispatchers := notify.Multi{notify.NewLogDispatcher(logger)}
	if cfg.Background.PublishNotifications {
		dispatchers = append(dispatchers, notify.NewBrokerDispatcher(broker))
	}
	return notify.NewSwitch(dispatchers)
}

// ProvideBackgroundCoordinator creates the background coordinator
func ProvideBackgroundCoordinator(
	cfg *config.Config,
	store *state.BalanceStateStore,
	broker messaging.Broker,
	requester *messaging.Requester,
	dispatcher *notify.Switch,
	logger *zap.Logger,
) *background.Coordinator {
	bgCfg := background.Config{SnapshotTimeout: cfg.Background.SnapshotTimeout}
	if cfg.Background.LocalSnapshotFallback {
		bgCfg.LocalSnapshots = store
	}
	return background.NewCoordinator(bgCfg, store, broker, requester, dispatcher, logger)
}

// ProvideScheduler creates the periodic trigger scheduler
func ProvideScheduler(lc fx.Lifecycle, coord *background.Coordinator, logger *zap.Logger) *background.Scheduler {
	scheduler := background.NewScheduler(coord.UpdateBalance, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			scheduler.Stop()
			return nil
		},
	})
	return scheduler
}

// ProvideRegistrar creates the registration lifecycle from configured permissions
func ProvideRegistrar(cfg *config.Config, scheduler *background.Scheduler, logger *zap.Logger) *background.Registrar {
	perms := background.StaticPermissions{
		Notifications: cfg.Background.AllowNotifications,
		Periodic:      cfg.Background.AllowPeriodic,
	}
	return background.NewRegistrar(perms, scheduler, cfg.Background.PeriodicInterval, logger)
}

// StartBackground consumes worker triggers and registers the periodic update
func StartBackground(
	lc fx.Lifecycle,
	cfg *config.Config,
	coord *background.Coordinator,
	scheduler *background.Scheduler,
	registrar *background.Registrar,
	dispatcher *notify.Switch,
	broker messaging.Broker,
	logger *zap.Logger,
) {
	ctx := lifecycleContext(lc)

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			permitted, err := registrar.NotificationsPermitted(startCtx)
			if err != nil {
				return err
			}
			dispatcher.Enable(permitted)
			if !permitted {
				logger.Warn("notification permission not granted, alerts will not be shown")
			}

			if _, err := registrar.RegisterPeriodic(startCtx); err != nil {
				return err
			}

			logger.Info("starting background worker",
				zap.String("queue", cfg.Broker.WorkerQueue),
				zap.Duration("snapshot_timeout", cfg.Background.SnapshotTimeout),
				zap.Bool("periodic", scheduler.Registered(background.PeriodicTag)),
			)
			if err := broker.Subscribe(ctx, messaging.RouteWorker, cfg.Broker.WorkerQueue, coord.HandleMessage); err != nil {
				return err
			}

			// catch up on whatever changed while no worker was running
			scheduler.SyncAsync(background.PeriodicTag)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			logger.Info("background worker stopped gracefully")
			return nil
		},
	})
}
