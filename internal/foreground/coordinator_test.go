package foreground

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/kv"
	"github.com/septivank/power-token-tracker/internal/messaging"
	"github.com/septivank/power-token-tracker/internal/powerapi"
	"github.com/septivank/power-token-tracker/internal/predictor"
	"github.com/septivank/power-token-tracker/internal/state"
)

const meter = "04212345678"

var t0 = time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

type stubFetcher struct {
	mu    sync.Mutex
	data  *powerapi.PowerData
	err   error
	calls int
}

func (f *stubFetcher) respond(data *powerapi.PowerData, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data, f.err = data, err
}

func (f *stubFetcher) FetchPowerData(_ context.Context, m string) (*powerapi.PowerData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.data, f.err
}

func cachedFive() *powerapi.PowerData {
	return &powerapi.PowerData{
		MeterNumber:  meter,
		Transactions: []predictor.Transaction{{Date: t0, Units: 5}},
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *state.BalanceStateStore, *stubFetcher, *messaging.LocalBroker) {
	t.Helper()
	store := state.NewBalanceStateStore(kv.NewMemoryStore())
	fetcher := &stubFetcher{}
	broker := messaging.NewLocalBroker(zap.NewNop())
	c := NewCoordinator(Config{}, store, fetcher, broker, zap.NewNop())
	t.Cleanup(c.Close)
	return c, store, fetcher, broker
}

func TestActivate_NoMeterStaysIdle(t *testing.T) {
	c, _, fetcher, _ := newTestCoordinator(t)

	require.NoError(t, c.Activate(context.Background()))
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, fetcher.calls)
}

func TestActivate_CachedDataFirstThenRefresh(t *testing.T) {
	ctx := context.Background()
	c, store, fetcher, _ := newTestCoordinator(t)

	require.NoError(t, store.SetActiveMeter(ctx, meter))
	_, err := store.MergeFetchResult(ctx, meter, cachedFive())
	require.NoError(t, err)

	fetcher.respond(nil, fmt.Errorf("%w: connection refused", powerapi.ErrNetwork))

	err = c.Activate(ctx)
	assert.ErrorIs(t, err, powerapi.ErrNetwork)
	assert.Equal(t, 1, fetcher.calls, "refresh runs even with cached data")

	view, err := c.View(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, StateError, view.State)
	require.NotNil(t, view.PowerData, "cached data survives a failed fetch")
	assert.Equal(t, 5.0, view.PowerData.Transactions[0].Units)
	assert.ErrorIs(t, view.Err, powerapi.ErrNetwork)
}

func TestRefresh_SuccessCachesAndClearsError(t *testing.T) {
	ctx := context.Background()
	c, store, fetcher, _ := newTestCoordinator(t)
	require.NoError(t, c.SetMeterNumber(ctx, meter))

	fetcher.respond(nil, fmt.Errorf("%w: unexpected status 503", powerapi.ErrNetwork))
	require.Error(t, c.Refresh(ctx))
	assert.Equal(t, StateError, c.State())

	fetcher.respond(cachedFive(), nil)
	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, StateReady, c.State())
	assert.NoError(t, c.Err())

	account, err := store.Get(ctx, meter)
	require.NoError(t, err)
	assert.True(t, account.HasCachedData())
}

func TestRefresh_MalformedPayloadLeavesCacheAndError(t *testing.T) {
	ctx := context.Background()

	t.Run("client reports malformed", func(t *testing.T) {
		c, store, fetcher, _ := newTestCoordinator(t)
		require.NoError(t, c.SetMeterNumber(ctx, meter))
		_, err := store.MergeFetchResult(ctx, meter, cachedFive())
		require.NoError(t, err)

		fetcher.respond(nil, fmt.Errorf("%w: missing meterNumber or transactions", powerapi.ErrMalformedPayload))
		require.NoError(t, c.Refresh(ctx))

		account, err := store.Get(ctx, meter)
		require.NoError(t, err)
		require.True(t, account.HasCachedData())
		assert.Equal(t, 5.0, account.Transactions()[0].Units)
		assert.NoError(t, c.Err())
	})

	t.Run("fetcher returns empty object", func(t *testing.T) {
		c, store, fetcher, _ := newTestCoordinator(t)
		require.NoError(t, c.SetMeterNumber(ctx, meter))
		_, err := store.MergeFetchResult(ctx, meter, cachedFive())
		require.NoError(t, err)

		fetcher.respond(&powerapi.PowerData{}, nil)
		require.NoError(t, c.Refresh(ctx))

		account, err := store.Get(ctx, meter)
		require.NoError(t, err)
		assert.Equal(t, cachedFive(), account.PowerData)
		assert.NoError(t, c.Err())
		assert.Equal(t, StateReady, c.State())
	})

	t.Run("previous error is kept", func(t *testing.T) {
		c, _, fetcher, _ := newTestCoordinator(t)
		require.NoError(t, c.SetMeterNumber(ctx, meter))

		netErr := fmt.Errorf("%w: timeout", powerapi.ErrNetwork)
		fetcher.respond(nil, netErr)
		require.Error(t, c.Refresh(ctx))

		fetcher.respond(nil, powerapi.ErrMalformedPayload)
		require.NoError(t, c.Refresh(ctx))
		assert.Equal(t, netErr, c.Err())
	})
}

func TestRefresh_RequiresMeter(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrNoMeter)
}

func TestView_DerivedValues(t *testing.T) {
	ctx := context.Background()
	c, store, fetcher, _ := newTestCoordinator(t)
	require.NoError(t, c.SetMeterNumber(ctx, meter))

	// rate = 10 units / 2h = 5 per hour
	fetcher.respond(&powerapi.PowerData{
		MeterNumber: meter,
		Transactions: []predictor.Transaction{
			{Date: t0.Add(-2 * time.Hour), Units: 10},
			{Date: t0, Units: 20},
		},
	}, nil)
	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, store.SetInitialBalance(ctx, meter, 10, t0.Add(-3*time.Hour)))

	view, err := c.View(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, view.HourlyRate)
	assert.Equal(t, 5.0, *view.HourlyRate)
	// 10 + 10 + 20 - 1h*5
	require.NotNil(t, view.PredictedBalance)
	assert.Equal(t, 35.0, *view.PredictedBalance)
	assert.False(t, view.IsLow)
	require.NotNil(t, view.DaysRemaining)
	assert.Equal(t, 0, *view.DaysRemaining)
	assert.Equal(t, "35.0", view.FormattedBalance)
	assert.Equal(t, meter, view.Label)
}

func TestView_ManualOverrideBypassesPrediction(t *testing.T) {
	ctx := context.Background()
	c, store, fetcher, _ := newTestCoordinator(t)
	require.NoError(t, c.SetMeterNumber(ctx, meter))
	require.NoError(t, store.SetInitialBalance(ctx, meter, 10, t0))

	override := 3.0
	require.NoError(t, store.SetManualOverride(ctx, meter, &override))

	fetcher.respond(cachedFive(), nil)
	require.NoError(t, c.Refresh(ctx))
	before, err := c.View(ctx, t0.Add(time.Hour))
	require.NoError(t, err)

	fetcher.respond(&powerapi.PowerData{
		MeterNumber: meter,
		Transactions: []predictor.Transaction{
			{Date: t0, Units: 50},
			{Date: t0.Add(30 * time.Minute), Units: 70},
		},
	}, nil)
	require.NoError(t, c.Refresh(ctx))
	after, err := c.View(ctx, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3.0, *before.PredictedBalance)
	assert.Equal(t, 3.0, *after.PredictedBalance)
	assert.True(t, after.IsLow)
}

func TestHandleMessage_PushedBalanceUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	c, store, _, _ := newTestCoordinator(t)
	require.NoError(t, c.SetMeterNumber(ctx, meter))
	require.NoError(t, store.SetInitialBalance(ctx, meter, 10, t0))

	balance := 1.5
	pushed := messaging.NewMessage(messaging.TypeUpdatedPowerBalance, meter)
	pushed.Balance = &balance
	require.NoError(t, c.HandleMessage(ctx, pushed))

	level := messaging.NewMessage(messaging.TypeUpdateNotificationLevel, meter)
	level.Level = predictor.LevelLow
	require.NoError(t, c.HandleMessage(ctx, level))

	view, err := c.View(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, *view.PredictedBalance)
	assert.NotNil(t, view.PushedAt)
	assert.Equal(t, predictor.LevelLow, view.NotifiedLevel)

	// another meter's update is ignored
	other := messaging.NewMessage(messaging.TypeUpdatedPowerBalance, "999")
	other.Balance = &balance
	require.NoError(t, c.HandleMessage(ctx, other))

	require.NoError(t, store.SetInitialBalance(ctx, meter, 8, t0))
	view, err = c.View(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 8.0, *view.PredictedBalance)
	assert.Nil(t, view.PushedAt)
	assert.Equal(t, predictor.LevelNone, view.NotifiedLevel)
}

func TestHandleMessage_AnswersSnapshotRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, store, _, broker := newTestCoordinator(t)
	require.NoError(t, c.SetMeterNumber(ctx, meter))
	require.NoError(t, store.SetInitialBalance(ctx, meter, 12.5, t0))
	require.NoError(t, store.SetNotificationsEnabled(ctx, true))

	require.NoError(t, broker.Subscribe(ctx, messaging.RouteClients, "", c.HandleMessage))

	requester, err := messaging.NewRequester(ctx, broker, zap.NewNop())
	require.NoError(t, err)

	resp, err := requester.Request(ctx, messaging.RouteClients,
		messaging.NewMessage(messaging.TypeGetStorageData, meter), time.Second)
	require.NoError(t, err)

	assert.Equal(t, messaging.TypeStorageData, resp.Type)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, 12.5, resp.Snapshot.InitialReading)
	assert.True(t, resp.Snapshot.NotificationsEnabled)
	assert.True(t, resp.Snapshot.ReadingStartTime.Equal(t0))
}

func TestTriggerBackgroundUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, store, _, broker := newTestCoordinator(t)
	assert.ErrorIs(t, c.TriggerBackgroundUpdate(ctx), ErrNoMeter)

	require.NoError(t, c.SetMeterNumber(ctx, meter))
	require.NoError(t, store.SetInitialBalance(ctx, meter, 7, t0))

	received := make(chan messaging.Message, 1)
	require.NoError(t, broker.Subscribe(ctx, messaging.RouteWorker, "workers", func(_ context.Context, m messaging.Message) error {
		received <- m
		return nil
	}))

	require.NoError(t, c.TriggerBackgroundUpdate(ctx))

	select {
	case msg := <-received:
		assert.Equal(t, messaging.TypeUpdatePowerBalance, msg.Type)
		require.NotNil(t, msg.Snapshot)
		assert.Equal(t, 7.0, msg.Snapshot.InitialReading)
	case <-time.After(time.Second):
		t.Fatal("trigger not published")
	}
}

func TestMeterLabelAndClearCache(t *testing.T) {
	ctx := context.Background()
	c, store, _, _ := newTestCoordinator(t)

	require.NoError(t, c.SetMeterLabel(ctx, meter, "Home"))
	label, err := c.MeterLabel(ctx, meter)
	require.NoError(t, err)
	assert.Equal(t, "Home", label)

	_, err = store.MergeFetchResult(ctx, meter, cachedFive())
	require.NoError(t, err)
	require.NoError(t, c.ClearCache(ctx))

	account, err := store.Get(ctx, meter)
	require.NoError(t, err)
	assert.False(t, account.HasCachedData())
	assert.False(t, errors.Is(c.Err(), ErrNoMeter))
}
