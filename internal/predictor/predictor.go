package predictor

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// FallbackHourlyRate is used when the two newest purchases are less than an hour apart
	FallbackHourlyRate = 0.5

	// DefaultLowThreshold is the balance under which the UI flags the meter as low
	DefaultLowThreshold = 10.0
)

// Transaction is a single token purchase
type Transaction struct {
	Date  time.Time
	Units float64
}

// Snapshot is the state a background run extrapolates from
type Snapshot struct {
	MeterNumber          string     `json:"meterNumber"`
	InitialReading       float64    `json:"initialReading"`
	ReadingStartTime     *time.Time `json:"readingStartTime,omitempty"`
	ManualBalance        *float64   `json:"manualBalance,omitempty"`
	TokensAdded          float64    `json:"tokensAdded"`
	LearningFactor       float64    `json:"learningFactor"`
	AvgRatePerMinute     *float64   `json:"avgRatePerMinute,omitempty"`
	NotificationsEnabled bool       `json:"notificationsEnabled"`
	LastNotifiedLevel    Level      `json:"lastNotifiedLevel,omitempty"`
}

// Validate reports whether a snapshot carries a usable baseline
func (s Snapshot) Validate() error {
	if s.InitialReading == 0 {
		return errors.New("initial reading not set")
	}
	if s.ReadingStartTime == nil || s.ReadingStartTime.IsZero() {
		return errors.New("reading start time not set")
	}
	return nil
}

// sortedNewestFirst returns a copy of txs ordered by date descending
func sortedNewestFirst(txs []Transaction) []Transaction {
	sorted := make([]Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.After(sorted[j].Date)
	})
	return sorted
}

// DeriveHourlyRate estimates units consumed per hour from the two most recent purchases.
// It returns nil when fewer than two transactions are available.
func DeriveHourlyRate(txs []Transaction) *float64 {
	if len(txs) < 2 {
		return nil
	}

	sorted := sortedNewestFirst(txs)
	newer, older := sorted[0], sorted[1]

	hours := newer.Date.Sub(older.Date).Hours()
	if hours < 1 {
		rate := FallbackHourlyRate
		return &rate
	}

	rate := older.Units / hours
	return &rate
}

// PredictBalance extrapolates the balance at now from a baseline, the purchases and an hourly rate
func PredictBalance(initialBalance *float64, txs []Transaction, hourlyRate *float64, now time.Time) *float64 {
	if initialBalance == nil {
		return nil
	}

	if hourlyRate == nil || *hourlyRate == 0 {
		balance := *initialBalance
		return &balance
	}

	balance := *initialBalance
	if len(txs) > 0 {
		sorted := sortedNewestFirst(txs)
		for _, tx := range sorted {
			balance += tx.Units
		}

		hoursSince := now.Sub(sorted[0].Date).Hours()
		balance -= hoursSince * *hourlyRate
	}

	balance = math.Max(0, balance)
	return &balance
}

// CurrentBalance resolves the balance to report: a manual override always wins over extrapolation
func CurrentBalance(manualOverride, initialBalance *float64, txs []Transaction, now time.Time) *float64 {
	if manualOverride != nil {
		balance := *manualOverride
		return &balance
	}
	return PredictBalance(initialBalance, txs, DeriveHourlyRate(txs), now)
}

// IsLow reports whether balance is known and strictly below threshold
func IsLow(balance *float64, threshold float64) bool {
	return balance != nil && *balance < threshold
}

// EstimateDaysRemaining converts a balance and an hourly rate into whole days.
// It returns nil when the estimate does not fit in an int.
func EstimateDaysRemaining(balance, hourlyRate *float64) *int {
	if balance == nil || hourlyRate == nil || *hourlyRate == 0 {
		return nil
	}

	rounded := math.Round(*balance / *hourlyRate / 24)
	if math.IsNaN(rounded) || math.Abs(rounded) >= math.MaxInt64 {
		return nil
	}
	days := int(rounded)
	return &days
}

// FormatBalance renders a balance with one decimal place
func FormatBalance(balance *float64) string {
	if balance == nil {
		return "0"
	}
	return decimal.NewFromFloat(*balance).StringFixed(1)
}

// ExtrapolateSnapshot computes the balance a background run reports for a snapshot.
// The caller is responsible for validating the snapshot first.
func ExtrapolateSnapshot(s Snapshot, now time.Time) float64 {
	if s.ManualBalance != nil {
		return *s.ManualBalance
	}

	ratePerMinute := FallbackHourlyRate / 60
	if s.AvgRatePerMinute != nil {
		ratePerMinute = *s.AvgRatePerMinute
	}

	var minutesElapsed float64
	if s.ReadingStartTime != nil {
		minutesElapsed = now.Sub(*s.ReadingStartTime).Minutes()
	}

	consumed := ratePerMinute * minutesElapsed
	balance := s.InitialReading + s.TokensAdded - consumed + s.LearningFactor
	return math.Max(0, balance)
}

// TokensAddedSince sums the units purchased strictly after since
func TokensAddedSince(txs []Transaction, since time.Time) float64 {
	var total float64
	for _, tx := range txs {
		if tx.Date.After(since) {
			total += tx.Units
		}
	}
	return total
}
