package powerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// maxBodyBytes caps the response size read from the API
const maxBodyBytes = 4 << 20

// ClientConfig holds remote API settings
type ClientConfig struct {
	BaseURL          string
	Timeout          time.Duration
	BreakerTimeout   time.Duration
	BreakerThreshold uint32
}

// Client fetches purchase history for a meter
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient creates an API client guarded by a circuit breaker
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "power-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a malformed body is the server answering, not the server being down
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMalformedPayload)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		breaker:    breaker,
		logger:     logger,
	}
}

// FetchPowerData requests the transaction history of a meter
func (c *Client) FetchPowerData(ctx context.Context, meterNumber string) (*PowerData, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, meterNumber)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return nil, err
	}
	return result.(*PowerData), nil
}

func (c *Client) fetch(ctx context.Context, meterNumber string) (*PowerData, error) {
	endpoint := fmt.Sprintf("%s/api?meter_number=%s", c.baseURL, url.QueryEscape(meterNumber))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrNetwork, err)
	}

	var data PowerData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !data.Valid() {
		return nil, fmt.Errorf("%w: missing meterNumber or transactions", ErrMalformedPayload)
	}

	c.logger.Debug("fetched power data",
		zap.String("meter_number", meterNumber),
		zap.Int("transactions", len(data.Transactions)),
	)

	return &data, nil
}
