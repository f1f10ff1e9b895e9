package foreground

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/power-token-tracker/internal/powerapi"
	"github.com/septivank/power-token-tracker/internal/predictor"
)

// View is the derived state shown to the user
type View struct {
	MeterNumber      string
	Label            string
	State            State
	Err              error
	PowerData        *powerapi.PowerData
	HourlyRate       *float64
	PredictedBalance *float64
	IsLow            bool
	DaysRemaining    *int
	FormattedBalance string
	NotifiedLevel    predictor.Level
	// PushedAt is set while PredictedBalance is a value announced by the worker
	PushedAt *time.Time
}

// View computes the derived values for now. A balance pushed by the worker is shown
// as-is until the store signals that the meter changed.
func (c *Coordinator) View(ctx context.Context, now time.Time) (View, error) {
	c.mu.Lock()
	meter := c.meter
	v := View{
		MeterNumber: meter,
		State:       c.state,
		Err:         c.err,
	}
	pushedBalance, pushedAt, pushedLevel := c.pushedBalance, c.pushedAt, c.pushedLevel
	c.mu.Unlock()

	if meter == "" {
		return v, nil
	}

	account, err := c.store.Get(ctx, meter)
	if err != nil {
		return v, fmt.Errorf("failed to load meter account: %w", err)
	}

	txs := account.Transactions()
	v.Label = account.Label
	v.PowerData = account.PowerData
	v.HourlyRate = predictor.DeriveHourlyRate(txs)
	v.NotifiedLevel = account.LastNotifiedThreshold

	if pushedBalance != nil {
		balance := *pushedBalance
		v.PredictedBalance = &balance
		v.PushedAt = pushedAt
	} else {
		v.PredictedBalance = predictor.CurrentBalance(account.ManualBalanceOverride, account.InitialBalance, txs, now)
	}
	if pushedLevel != nil {
		v.NotifiedLevel = *pushedLevel
	}

	v.IsLow = predictor.IsLow(v.PredictedBalance, c.lowThreshold)
	v.DaysRemaining = predictor.EstimateDaysRemaining(v.PredictedBalance, v.HourlyRate)
	v.FormattedBalance = predictor.FormatBalance(v.PredictedBalance)
	return v, nil
}
