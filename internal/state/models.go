package state

import (
	"time"

	"github.com/septivank/power-token-tracker/internal/powerapi"
	"github.com/septivank/power-token-tracker/internal/predictor"
)

// MeterAccount is everything persisted for one meter
type MeterAccount struct {
	MeterNumber           string
	Label                 string
	InitialBalance        *float64
	SnapshotTime          *time.Time
	ManualBalanceOverride *float64
	PowerData             *powerapi.PowerData
	LastNotifiedThreshold predictor.Level
	ManualAdjustmentLog   []ManualAdjustment
	TokensAdded           float64
	LearningFactor        float64
	AvgRatePerMinute      *float64
	CurrentBalance        *float64
	LastBackgroundUpdate  *time.Time
}

// Transactions returns the cached purchase history, empty when nothing was fetched yet
func (a *MeterAccount) Transactions() []predictor.Transaction {
	if a.PowerData == nil {
		return nil
	}
	return a.PowerData.Transactions
}

// HasCachedData reports whether a previous fetch was cached
func (a *MeterAccount) HasCachedData() bool {
	return a.PowerData != nil
}

// ManualAdjustment is an audit entry; it is never read back into calculations
type ManualAdjustment struct {
	Timestamp        time.Time `json:"timestamp"`
	NewBalance       float64   `json:"newBalance"`
	PredictedBalance *float64  `json:"predictedBalance,omitempty"`
}
