package foreground

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/logging"
	"github.com/septivank/power-token-tracker/internal/messaging"
	"github.com/septivank/power-token-tracker/internal/powerapi"
	"github.com/septivank/power-token-tracker/internal/predictor"
	"github.com/septivank/power-token-tracker/internal/state"
)

// ErrNoMeter is returned by operations that need a tracked meter before one was set
var ErrNoMeter = errors.New("no meter number set")

// State of the tracked meter's data
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Fetcher retrieves purchase history; *powerapi.Client implements it
type Fetcher interface {
	FetchPowerData(ctx context.Context, meterNumber string) (*powerapi.PowerData, error)
}

// Config holds foreground settings
type Config struct {
	LowThreshold float64
}

// Coordinator drives the user-facing side: cached-first display, refresh, and
// convergence with balances pushed by the background worker.
type Coordinator struct {
	store        *state.BalanceStateStore
	fetcher      Fetcher
	broker       messaging.Broker
	logger       *zap.Logger
	lowThreshold float64

	mu            sync.Mutex
	meter         string
	state         State
	err           error
	pushedBalance *float64
	pushedAt      *time.Time
	pushedLevel   *predictor.Level
	unsubscribe   func()
}

// NewCoordinator creates an idle coordinator
func NewCoordinator(cfg Config, store *state.BalanceStateStore, fetcher Fetcher, broker messaging.Broker, logger *zap.Logger) *Coordinator {
	threshold := cfg.LowThreshold
	if threshold <= 0 {
		threshold = predictor.DefaultLowThreshold
	}
	return &Coordinator{
		store:        store,
		fetcher:      fetcher,
		broker:       broker,
		logger:       logger,
		lowThreshold: threshold,
	}
}

// Meter returns the tracked meter number
func (c *Coordinator) Meter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meter
}

// State returns the current data state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last fetch failure, nil once a fetch succeeded
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// track switches the coordinator to meter and subscribes to its invalidation signal
func (c *Coordinator) track(meter string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.meter == meter && c.unsubscribe != nil {
		return
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.meter = meter
	c.state = StateIdle
	c.err = nil
	c.clearPushedLocked()
	c.unsubscribe = c.store.Subscribe(meter, c.invalidate)
}

// invalidate drops values pushed by the worker; the persisted store is the source of truth again
func (c *Coordinator) invalidate(string) {
	c.mu.Lock()
	c.clearPushedLocked()
	c.mu.Unlock()
}

func (c *Coordinator) clearPushedLocked() {
	c.pushedBalance = nil
	c.pushedAt = nil
	c.pushedLevel = nil
}

// Activate loads the active meter, exposes cached data at once and always refreshes
func (c *Coordinator) Activate(ctx context.Context) error {
	meter, err := c.store.ActiveMeter(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active meter: %w", err)
	}
	if meter == "" {
		c.logger.Info("no meter number set, staying idle")
		return nil
	}

	c.track(meter)

	account, err := c.store.Get(ctx, meter)
	if err != nil {
		return fmt.Errorf("failed to load meter account: %w", err)
	}
	if account.HasCachedData() {
		c.setState(StateReady)
	}

	return c.Refresh(ctx)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Refresh fetches fresh data for the tracked meter.
// A network failure keeps cached data and is exposed through Err.
// A malformed payload is dropped without touching the cache or Err.
func (c *Coordinator) Refresh(ctx context.Context) error {
	meter := c.Meter()
	if meter == "" {
		return ErrNoMeter
	}
	logger := logging.WithMeter(c.logger, meter)

	account, err := c.store.Get(ctx, meter)
	if err != nil {
		return fmt.Errorf("failed to load meter account: %w", err)
	}
	hasData := account.HasCachedData()
	if !hasData {
		c.setState(StateLoading)
	}

	data, err := c.fetcher.FetchPowerData(ctx, meter)
	if errors.Is(err, powerapi.ErrMalformedPayload) {
		logger.Warn("ignoring malformed power data", zap.Error(err))
		c.settle(hasData)
		return nil
	}
	if err != nil {
		logger.Error("failed to fetch power data", zap.Error(err))
		c.fail(err)
		return err
	}

	merged, err := c.store.MergeFetchResult(ctx, meter, data)
	if err != nil {
		logger.Error("failed to cache power data", zap.Error(err))
		c.fail(err)
		return err
	}
	if !merged {
		logger.Warn("ignoring empty power data")
		c.settle(hasData)
		return nil
	}

	c.mu.Lock()
	c.state = StateReady
	c.err = nil
	c.mu.Unlock()

	logger.Info("power data refreshed", zap.Int("transactions", len(data.Transactions)))
	return nil
}

// settle ends a refresh that produced nothing to cache; a recorded error keeps StateError
func (c *Coordinator) settle(hasData bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateError:
	case hasData:
		c.state = StateReady
	default:
		c.state = StateIdle
	}
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.state = StateError
	c.err = err
	c.mu.Unlock()
}

// SetMeterNumber makes meter the tracked meter and persists the choice
func (c *Coordinator) SetMeterNumber(ctx context.Context, meter string) error {
	if meter == "" {
		return ErrNoMeter
	}
	if err := c.store.SetActiveMeter(ctx, meter); err != nil {
		return fmt.Errorf("failed to set meter number: %w", err)
	}
	c.track(meter)
	return nil
}

// SetMeterLabel names a meter for display
func (c *Coordinator) SetMeterLabel(ctx context.Context, meter, label string) error {
	return c.store.SetLabel(ctx, meter, label)
}

// MeterLabel returns the display label of meter, the meter number when unlabelled
func (c *Coordinator) MeterLabel(ctx context.Context, meter string) (string, error) {
	return c.store.Label(ctx, meter)
}

// ClearCache drops every cached fetch result
func (c *Coordinator) ClearCache(ctx context.Context) error {
	return c.store.ClearAllCaches(ctx)
}

// TriggerBackgroundUpdate asks a worker to recompute the balance from the current snapshot
func (c *Coordinator) TriggerBackgroundUpdate(ctx context.Context) error {
	meter := c.Meter()
	if meter == "" {
		return ErrNoMeter
	}

	snap, err := c.store.Snapshot(ctx, meter)
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}

	msg := messaging.NewMessage(messaging.TypeUpdatePowerBalance, meter)
	msg.Snapshot = snap
	if err := c.broker.Publish(ctx, messaging.RouteWorker, msg); err != nil {
		return fmt.Errorf("failed to trigger background update: %w", err)
	}
	return nil
}

// HandleMessage applies messages from the background worker
func (c *Coordinator) HandleMessage(ctx context.Context, msg messaging.Message) error {
	switch msg.Type {
	case messaging.TypeGetStorageData:
		return c.answerSnapshot(ctx, msg)

	case messaging.TypeUpdatedPowerBalance:
		if !c.isTracked(msg.MeterNumber) || msg.Balance == nil {
			return nil
		}
		balance := *msg.Balance
		at := msg.Timestamp
		c.mu.Lock()
		c.pushedBalance = &balance
		c.pushedAt = &at
		c.mu.Unlock()

	case messaging.TypeUpdateNotificationLevel:
		if !c.isTracked(msg.MeterNumber) {
			return nil
		}
		level := msg.Level
		c.mu.Lock()
		c.pushedLevel = &level
		c.mu.Unlock()

	default:
		c.logger.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
	return nil
}

func (c *Coordinator) isTracked(meter string) bool {
	tracked := c.Meter()
	return tracked != "" && (meter == "" || meter == tracked)
}

// answerSnapshot replies to a worker's GET_STORAGE_DATA with this process's view of the store
func (c *Coordinator) answerSnapshot(ctx context.Context, req messaging.Message) error {
	meter := req.MeterNumber
	if meter == "" {
		meter = c.Meter()
	}
	if meter == "" {
		return ErrNoMeter
	}

	snap, err := c.store.Snapshot(ctx, meter)
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}

	resp := messaging.NewMessage(messaging.TypeStorageData, meter)
	resp.Snapshot = snap
	if err := messaging.Reply(ctx, c.broker, req, resp); err != nil {
		return fmt.Errorf("failed to answer snapshot request: %w", err)
	}

	logging.WithCorrelationID(c.logger, req.CorrelationID).Debug("answered snapshot request",
		zap.String("meter_number", meter),
	)
	return nil
}

// Close stops listening for store invalidations
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}
