package background

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/logging"
	"github.com/septivank/power-token-tracker/internal/messaging"
	"github.com/septivank/power-token-tracker/internal/notify"
	"github.com/septivank/power-token-tracker/internal/predictor"
	"github.com/septivank/power-token-tracker/internal/state"
)

var (
	// ErrSnapshotUnavailable means no snapshot came with the trigger, no foreground answered
	// in time and no local source is configured
	ErrSnapshotUnavailable = errors.New("state snapshot unavailable")

	// ErrInvalidSnapshot means the snapshot lacks a baseline to extrapolate from
	ErrInvalidSnapshot = errors.New("invalid state snapshot")
)

// DefaultSnapshotTimeout bounds a GET_STORAGE_DATA round trip
const DefaultSnapshotTimeout = 3 * time.Second

// Source names what woke the worker
type Source string

const (
	SourcePeriodic Source = "periodic"
	SourceMessage  Source = "message"
	SourceSync     Source = "sync"
)

// Trigger starts one background update. Snapshot is optional.
type Trigger struct {
	Source      Source
	MeterNumber string
	Snapshot    *predictor.Snapshot
}

// SnapshotRequester asks live foregrounds for state; *messaging.Requester implements it
type SnapshotRequester interface {
	Request(ctx context.Context, route string, msg messaging.Message, timeout time.Duration) (messaging.Message, error)
}

// LocalSnapshotSource reads state directly. Configure it only when the worker shares
// the foreground's store; *state.BalanceStateStore implements it.
type LocalSnapshotSource interface {
	Snapshot(ctx context.Context, meter string) (*predictor.Snapshot, error)
}

// Config holds background settings
type Config struct {
	SnapshotTimeout time.Duration
	// LocalSnapshots enables the direct-read fallback
	LocalSnapshots LocalSnapshotSource
}

// Coordinator recomputes balances outside the foreground and raises low-balance alerts
type Coordinator struct {
	store      *state.BalanceStateStore
	broker     messaging.Broker
	requester  SnapshotRequester
	local      LocalSnapshotSource
	dispatcher notify.Dispatcher
	timeout    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewCoordinator creates a background coordinator
func NewCoordinator(
	cfg Config,
	store *state.BalanceStateStore,
	broker messaging.Broker,
	requester SnapshotRequester,
	dispatcher notify.Dispatcher,
	logger *zap.Logger,
) *Coordinator {
	timeout := cfg.SnapshotTimeout
	if timeout <= 0 {
		timeout = DefaultSnapshotTimeout
	}
	return &Coordinator{
		store:      store,
		broker:     broker,
		requester:  requester,
		local:      cfg.LocalSnapshots,
		dispatcher: dispatcher,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
}

// UpdateBalance runs one background update and reports whether it completed.
// Steps run strictly in order: snapshot, validate, extrapolate, persist, notify, broadcast.
func (c *Coordinator) UpdateBalance(ctx context.Context, trig Trigger) (ok bool) {
	logger := c.logger.With(zap.String("source", string(trig.Source)))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("background update panicked", zap.Any("panic", r))
			ok = false
		}
	}()

	meter, err := c.resolveMeter(ctx, trig)
	if err != nil {
		logger.Warn("background update skipped", zap.Error(err))
		return false
	}
	logger = logging.WithMeter(logger, meter)

	snap, err := c.snapshot(ctx, meter, trig)
	if err != nil {
		logger.Warn("background update aborted", zap.Error(err))
		return false
	}

	if err := snap.Validate(); err != nil {
		logger.Warn("background update aborted",
			zap.Error(fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)),
		)
		return false
	}

	now := c.now()
	balance := predictor.ExtrapolateSnapshot(*snap, now)

	if err := c.store.PersistBalance(ctx, meter, balance, now); err != nil {
		logger.Error("failed to persist background balance", zap.Error(err))
		return false
	}

	level := snap.LastNotifiedLevel
	if snap.NotificationsEnabled {
		next, due, err := c.store.TransitionThreshold(ctx, meter, balance)
		if err != nil {
			logger.Error("failed to update notification level", zap.Error(err))
			return false
		}
		level = next
		if due {
			c.dispatch(ctx, logger, notify.Build(meter, level, balance))
		}
	}

	if err := c.broadcast(ctx, meter, balance, level, now); err != nil {
		logger.Error("failed to broadcast background balance", zap.Error(err))
		return false
	}

	logger.Info("background balance updated",
		zap.Float64("balance", balance),
		zap.String("notified_level", level.String()),
	)
	return true
}

func (c *Coordinator) resolveMeter(ctx context.Context, trig Trigger) (string, error) {
	if trig.MeterNumber != "" {
		return trig.MeterNumber, nil
	}
	if trig.Snapshot != nil && trig.Snapshot.MeterNumber != "" {
		return trig.Snapshot.MeterNumber, nil
	}
	meter, err := c.store.ActiveMeter(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load active meter: %w", err)
	}
	if meter == "" {
		return "", errors.New("no meter number set")
	}
	return meter, nil
}

// snapshot prefers the trigger's snapshot, then a live foreground, then the local source
func (c *Coordinator) snapshot(ctx context.Context, meter string, trig Trigger) (*predictor.Snapshot, error) {
	if trig.Snapshot != nil {
		return trig.Snapshot, nil
	}

	var requestErr error
	if c.requester != nil {
		req := messaging.NewMessage(messaging.TypeGetStorageData, meter)
		resp, err := c.requester.Request(ctx, messaging.RouteClients, req, c.timeout)
		if err == nil && resp.Snapshot != nil {
			return resp.Snapshot, nil
		}
		requestErr = err
		if err == nil {
			requestErr = errors.New("response carried no snapshot")
		}
	}

	if c.local != nil {
		snap, err := c.local.Snapshot(ctx, meter)
		if err != nil {
			return nil, fmt.Errorf("%w: local snapshot: %w", ErrSnapshotUnavailable, err)
		}
		c.logger.Debug("using local snapshot", zap.NamedError("request_error", requestErr))
		return snap, nil
	}

	if requestErr == nil {
		requestErr = errors.New("no snapshot source configured")
	}
	return nil, fmt.Errorf("%w: %w", ErrSnapshotUnavailable, requestErr)
}

// dispatch shows n; a failure is logged and the persisted balance stays
func (c *Coordinator) dispatch(ctx context.Context, logger *zap.Logger, n notify.Notification) {
	if c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.Dispatch(ctx, n); err != nil {
		logger.Error("failed to dispatch notification", zap.Error(err), zap.String("title", n.Title))
		return
	}
	logger.Info("low balance notification sent", zap.String("urgency", n.Data.Urgency.String()))
}

func (c *Coordinator) broadcast(ctx context.Context, meter string, balance float64, level predictor.Level, at time.Time) error {
	updated := messaging.NewMessage(messaging.TypeUpdatedPowerBalance, meter)
	updated.Balance = &balance
	updated.Timestamp = at.UTC()
	if err := c.broker.Publish(ctx, messaging.RouteClients, updated); err != nil {
		return err
	}

	levelMsg := messaging.NewMessage(messaging.TypeUpdateNotificationLevel, meter)
	levelMsg.Level = level
	return c.broker.Publish(ctx, messaging.RouteClients, levelMsg)
}

// HandleMessage runs an update for UPDATE_POWER_BALANCE. A soft failure is already
// logged by UpdateBalance and is not redelivered.
func (c *Coordinator) HandleMessage(ctx context.Context, msg messaging.Message) error {
	if msg.Type != messaging.TypeUpdatePowerBalance {
		c.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
		return nil
	}

	c.UpdateBalance(ctx, Trigger{
		Source:      SourceMessage,
		MeterNumber: msg.MeterNumber,
		Snapshot:    msg.Snapshot,
	})
	return nil
}
