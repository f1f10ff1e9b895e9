package powerapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(ClientConfig{
		BaseURL:          srv.URL,
		Timeout:          2 * time.Second,
		BreakerTimeout:   time.Minute,
		BreakerThreshold: 2,
	}, nil, zap.NewNop())
}

func TestFetchPowerData_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api", r.URL.Path)
		assert.Equal(t, "04212345678", r.URL.Query().Get("meter_number"))
		w.Write([]byte(`{
			"meterNumber": "04212345678",
			"transactions": [
				{"date": "2025-12-29T10:00:00Z", "units": 25.5},
				{"date": "2025-12-27T10:00:00", "units": "10"}
			],
			"customer": "ignored"
		}`))
	})

	data, err := client.FetchPowerData(context.Background(), "04212345678")
	require.NoError(t, err)
	assert.Equal(t, "04212345678", data.MeterNumber)
	require.Len(t, data.Transactions, 2)
	assert.Equal(t, 25.5, data.Transactions[0].Units)
	assert.Equal(t, 10.0, data.Transactions[1].Units)
	assert.True(t, data.Transactions[1].Date.Equal(time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC)))
}

func TestFetchPowerData_ServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.FetchPowerData(context.Background(), "1")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestFetchPowerData_Malformed(t *testing.T) {
	bodies := []string{`{}`, `not json`, `{"meterNumber":"1","transactions":[]}`}
	for _, body := range bodies {
		body := body
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})

		_, err := client.FetchPowerData(context.Background(), "1")
		assert.ErrorIs(t, err, ErrMalformedPayload, body)
	}
}

func TestFetchPowerData_BreakerOpens(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 4; i++ {
		_, err := client.FetchPowerData(context.Background(), "1")
		assert.ErrorIs(t, err, ErrNetwork)
	}
	assert.Equal(t, 2, calls, "breaker should stop calling the server after the threshold")
}

func TestFetchPowerData_MalformedDoesNotTripBreaker(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{}`))
	})

	for i := 0; i < 4; i++ {
		_, err := client.FetchPowerData(context.Background(), "1")
		assert.ErrorIs(t, err, ErrMalformedPayload)
	}
	assert.Equal(t, 4, calls)
}
