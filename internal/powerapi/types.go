package powerapi

import (
	"errors"

	"github.com/septivank/power-token-tracker/internal/predictor"
)

var (
	// ErrNetwork covers transport failures, non-2xx responses and an open circuit breaker
	ErrNetwork = errors.New("power api unavailable")

	// ErrMalformedPayload means the request completed but the body is not usable
	ErrMalformedPayload = errors.New("malformed power api payload")
)

// PowerData is the response of GET /api?meter_number={id}
type PowerData struct {
	MeterNumber  string                  `json:"meterNumber"`
	Transactions []predictor.Transaction `json:"transactions"`
}

// Valid reports whether the payload carries the identifying meter number and at least one purchase
func (p *PowerData) Valid() bool {
	return p != nil && p.MeterNumber != "" && len(p.Transactions) > 0
}
