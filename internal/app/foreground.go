package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/config"
	"github.com/septivank/power-token-tracker/internal/foreground"
	"github.com/septivank/power-token-tracker/internal/messaging"
	"github.com/septivank/power-token-tracker/internal/notify"
	"github.com/septivank/power-token-tracker/internal/powerapi"
	"github.com/septivank/power-token-tracker/internal/predictor"
	"github.com/septivank/power-token-tracker/internal/state"
)

// Foreground runs the user-facing tracker
var Foreground = fx.Options(
	fx.Provide(
		ProvideAPIClient,
		ProvideForegroundCoordinator,
	),
	fx.Invoke(StartForeground),
)

// ProvideForegroundCoordinator creates the foreground coordinator
func ProvideForegroundCoordinator(
	cfg *config.Config,
	store *state.BalanceStateStore,
	client *powerapi.Client,
	broker messaging.Broker,
	logger *zap.Logger,
) *foreground.Coordinator {
	return foreground.NewCoordinator(foreground.Config{
		LowThreshold: cfg.Foreground.LowThreshold,
	}, store, client, broker, logger)
}

// StartForeground subscribes to worker broadcasts and refreshes on an interval
func StartForeground(
	lc fx.Lifecycle,
	cfg *config.Config,
	coord *foreground.Coordinator,
	broker messaging.Broker,
	logger *zap.Logger,
) {
	ctx := lifecycleContext(lc)
	display := notify.NewLogDispatcher(logger)

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if cfg.Foreground.MeterNumber != "" {
				if err := coord.SetMeterNumber(startCtx, cfg.Foreground.MeterNumber); err != nil {
					return err
				}
			}

			if err := broker.Subscribe(ctx, messaging.RouteClients, "", coord.HandleMessage); err != nil {
				return err
			}
			err := broker.Subscribe(ctx, messaging.RouteNotifications, "", func(ctx context.Context, msg messaging.Message) error {
				n, err := notify.FromMessage(msg)
				if err != nil {
					return err
				}
				return display.Dispatch(ctx, n)
			})
			if err != nil {
				return err
			}

			logger.Info("starting foreground tracker",
				zap.String("meter_number", coord.Meter()),
				zap.Duration("refresh_interval", cfg.Foreground.RefreshInterval),
			)
			go runForeground(ctx, coord, cfg.Foreground.RefreshInterval, logger)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			coord.Close()
			logger.Info("foreground tracker stopped gracefully")
			return nil
		},
	})
}

// DefaultRefreshInterval is used when the configured refresh interval is not positive
const DefaultRefreshInterval = 5 * time.Minute

func runForeground(ctx context.Context, coord *foreground.Coordinator, interval time.Duration, logger *zap.Logger) {
	if err := coord.Activate(ctx); err != nil {
		logger.Warn("initial refresh failed, showing cached data", zap.Error(err))
	}
	logView(ctx, coord, logger)

	if err := coord.TriggerBackgroundUpdate(ctx); err != nil {
		logger.Debug("background update not triggered", zap.Error(err))
	}

	if interval <= 0 {
		logger.Warn("invalid refresh interval, using default",
			zap.Duration("interval", interval),
			zap.Duration("default", DefaultRefreshInterval),
		)
		interval = DefaultRefreshInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := coord.Refresh(ctx); err != nil {
				logger.Warn("refresh failed", zap.Error(err))
			}
			logView(ctx, coord, logger)
		}
	}
}

func logView(ctx context.Context, coord *foreground.Coordinator, logger *zap.Logger) {
	view, err := coord.View(ctx, time.Now())
	if err != nil {
		logger.Error("failed to compute balance view", zap.Error(err))
		return
	}
	if view.MeterNumber == "" {
		return
	}

	fields := []zap.Field{
		zap.String("meter_number", view.MeterNumber),
		zap.String("label", view.Label),
		zap.String("state", view.State.String()),
		zap.String("balance", view.FormattedBalance),
		zap.Bool("low", view.IsLow),
		zap.String("notified_level", view.NotifiedLevel.String()),
	}
	if view.HourlyRate != nil {
		fields = append(fields, zap.Float64("hourly_rate", *view.HourlyRate))
	}
	if view.DaysRemaining != nil {
		fields = append(fields, zap.Int("days_remaining", *view.DaysRemaining))
	}
	if view.Err != nil {
		fields = append(fields, zap.NamedError("fetch_error", view.Err))
	}
	if view.PredictedBalance == nil {
		fields = append(fields, zap.String("hint", "set an initial balance to start predicting"))
	} else if view.NotifiedLevel == predictor.LevelNone && view.IsLow {
		fields = append(fields, zap.String("hint", "consider purchasing more units"))
	}

	logger.Info("power balance", fields...)
}
