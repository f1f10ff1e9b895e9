package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/septivank/power-token-tracker/internal/background"
	"github.com/septivank/power-token-tracker/internal/config"
	"github.com/septivank/power-token-tracker/internal/foreground"
	"github.com/septivank/power-token-tracker/internal/state"
)

const meter = "04212345678"

func testConfig(apiURL string) *config.Config {
	return &config.Config{
		ServiceName: "power-token-tracker-test",
		LogLevel:    "error",
		API: config.APIConfig{
			BaseURL:          apiURL,
			Timeout:          time.Second,
			BreakerTimeout:   time.Second,
			BreakerThreshold: 5,
		},
		Store:  config.StoreConfig{Backend: config.StoreMemory, Namespace: "power"},
		Broker: config.BrokerConfig{Backend: config.BrokerLocal, WorkerQueue: "workers"},
		Background: config.BackgroundConfig{
			SnapshotTimeout:    200 * time.Millisecond,
			PeriodicInterval:   time.Hour,
			AllowPeriodic:      true,
			AllowNotifications: true,
		},
		Foreground: config.ForegroundConfig{
			MeterNumber:     meter,
			RefreshInterval: time.Hour,
			LowThreshold:    10,
		},
	}
}

func TestInProcessTrackerAndWorker(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"meterNumber":"` + r.URL.Query().Get("meter_number") + `","transactions":[` +
			`{"date":"2025-12-29T08:00:00Z","units":10},{"date":"2025-12-29T10:00:00Z","units":"20"}]}`))
	}))
	defer api.Close()

	var (
		store     *state.BalanceStateStore
		coord     *foreground.Coordinator
		scheduler *background.Scheduler
	)

	app := fxtest.New(t,
		fx.NopLogger,
		fx.Supply(testConfig(api.URL)),
		Core,
		Foreground,
		Background,
		fx.Populate(&store, &coord, &scheduler),
	)
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		account, err := store.Get(ctx, meter)
		return err == nil && account.HasCachedData()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, foreground.StateReady, coord.State())
	assert.True(t, scheduler.Registered(background.PeriodicTag))

	require.NoError(t, store.SetInitialBalance(ctx, meter, 1.5, time.Now()))
	require.NoError(t, store.SetNotificationsEnabled(ctx, true))

	// the worker asks the foreground for its snapshot and persists the result
	assert.True(t, scheduler.Sync(ctx, background.PeriodicTag))

	account, err := store.Get(ctx, meter)
	require.NoError(t, err)
	require.NotNil(t, account.CurrentBalance)
	assert.InDelta(t, 1.5, *account.CurrentBalance, 0.01)
}

func TestForeground_RequiresAPIURL(t *testing.T) {
	app := fx.New(
		fx.NopLogger,
		fx.Supply(testConfig("")),
		Core,
		Foreground,
	)
	assert.Error(t, app.Err())
}

func TestLoadEnv_ExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.env")
	require.NoError(t, os.WriteFile(path, []byte("POWER_ENV_MARKER=loaded\n"), 0o600))
	t.Setenv(EnvFileVar, path)
	t.Setenv("POWER_ENV_MARKER", "")
	require.NoError(t, os.Unsetenv("POWER_ENV_MARKER"))

	loaded := LoadEnv()
	assert.Equal(t, path, loaded)
	assert.Equal(t, "loaded", os.Getenv("POWER_ENV_MARKER"))
}

func TestForeground_ZeroRefreshIntervalKeepsRunning(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"meterNumber":"` + meter + `","transactions":[{"date":"2025-12-29T08:00:00Z","units":10}]}`))
	}))
	defer api.Close()

	cfg := testConfig(api.URL)
	cfg.Foreground.RefreshInterval = 0

	var coord *foreground.Coordinator
	app := fxtest.New(t,
		fx.NopLogger,
		fx.Supply(cfg),
		Core,
		Foreground,
		fx.Populate(&coord),
	)
	app.RequireStart()
	defer app.RequireStop()

	require.Eventually(t, func() bool {
		return coord.State() == foreground.StateReady
	}, 2*time.Second, 10*time.Millisecond)

	// let the refresh loop reach its ticker
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, foreground.StateReady, coord.State())
}
