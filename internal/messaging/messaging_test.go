package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/predictor"
)

func TestLocalBroker_BroadcastAndGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := NewLocalBroker(zap.NewNop())

	var broadcastA, broadcastB, workers int32
	var wg sync.WaitGroup
	wg.Add(2*3 + 3)

	count := func(n *int32) Handler {
		return func(context.Context, Message) error {
			atomic.AddInt32(n, 1)
			wg.Done()
			return nil
		}
	}

	require.NoError(t, broker.Subscribe(ctx, RouteClients, "", count(&broadcastA)))
	require.NoError(t, broker.Subscribe(ctx, RouteClients, "", count(&broadcastB)))
	require.NoError(t, broker.Subscribe(ctx, RouteWorker, "workers", count(&workers)))
	require.NoError(t, broker.Subscribe(ctx, RouteWorker, "workers", count(&workers)))

	for i := 0; i < 3; i++ {
		require.NoError(t, broker.Publish(ctx, RouteClients, NewMessage(TypeUpdatedPowerBalance, "1")))
		require.NoError(t, broker.Publish(ctx, RouteWorker, NewMessage(TypeUpdatePowerBalance, "1")))
	}
	wg.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&broadcastA))
	assert.Equal(t, int32(3), atomic.LoadInt32(&broadcastB))
	assert.Equal(t, int32(3), atomic.LoadInt32(&workers), "group members share deliveries")
}

func TestLocalBroker_UnsubscribeOnCancel(t *testing.T) {
	broker := NewLocalBroker(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, broker.Subscribe(ctx, RouteClients, "", func(context.Context, Message) error { return nil }))
	cancel()

	assert.Eventually(t, func() bool {
		return len(broker.targets(RouteClients)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRequester_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := NewLocalBroker(zap.NewNop())

	rate := 0.01
	start := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	require.NoError(t, broker.Subscribe(ctx, RouteClients, "", func(ctx context.Context, msg Message) error {
		if msg.Type != TypeGetStorageData {
			return nil
		}
		resp := NewMessage(TypeStorageData, msg.MeterNumber)
		resp.Snapshot = &predictor.Snapshot{
			MeterNumber:      msg.MeterNumber,
			InitialReading:   12,
			ReadingStartTime: &start,
			AvgRatePerMinute: &rate,
		}
		return Reply(ctx, broker, msg, resp)
	}))

	requester, err := NewRequester(ctx, broker, zap.NewNop())
	require.NoError(t, err)

	resp, err := requester.Request(ctx, RouteClients, NewMessage(TypeGetStorageData, "42"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeStorageData, resp.Type)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, "42", resp.Snapshot.MeterNumber)
	assert.Equal(t, 12.0, resp.Snapshot.InitialReading)
}

func TestRequester_FirstResponseWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := NewLocalBroker(zap.NewNop())

	for i := 0; i < 3; i++ {
		require.NoError(t, broker.Subscribe(ctx, RouteClients, "", func(ctx context.Context, msg Message) error {
			return Reply(ctx, broker, msg, NewMessage(TypeStorageData, msg.MeterNumber))
		}))
	}

	requester, err := NewRequester(ctx, broker, zap.NewNop())
	require.NoError(t, err)

	resp, err := requester.Request(ctx, RouteClients, NewMessage(TypeGetStorageData, "42"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeStorageData, resp.Type)
}

func TestRequester_Timeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := NewLocalBroker(zap.NewNop())

	requester, err := NewRequester(ctx, broker, zap.NewNop())
	require.NoError(t, err)

	started := time.Now()
	_, err = requester.Request(ctx, RouteClients, NewMessage(TypeGetStorageData, "42"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(started), time.Second)
}

func TestReply_RequiresReplyRoute(t *testing.T) {
	broker := NewLocalBroker(zap.NewNop())
	err := Reply(context.Background(), broker, NewMessage(TypeGetStorageData, "1"), NewMessage(TypeStorageData, "1"))
	assert.Error(t, err)
}

func TestMessage_JSON(t *testing.T) {
	balance := 1.25
	msg := NewMessage(TypeUpdateNotificationLevel, "42")
	msg.Balance = &balance
	msg.Level = predictor.LevelCritical

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"UPDATE_NOTIFICATION_LEVEL"`)
	assert.Contains(t, string(b), `"level":1`)

	var decoded Message
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, predictor.LevelCritical, decoded.Level)
	assert.Equal(t, 1.25, *decoded.Balance)
}
