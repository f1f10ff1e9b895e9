package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/septivank/power-token-tracker/internal/kv"
	"github.com/septivank/power-token-tracker/internal/powerapi"
	"github.com/septivank/power-token-tracker/internal/predictor"
)

// Listener is called after a write touching meter has been persisted
type Listener func(meter string)

// BalanceStateStore is the persisted representation of every meter account.
// Writes are last-writer-wins across processes; single-key read-modify-write
// sequences are atomic through kv.Store.Update.
type BalanceStateStore struct {
	kv kv.Store

	mu        sync.Mutex
	nextID    int
	listeners map[string]map[int]Listener
}

// NewBalanceStateStore creates a store on top of a key-value backend
func NewBalanceStateStore(store kv.Store) *BalanceStateStore {
	return &BalanceStateStore{
		kv:        store,
		listeners: make(map[string]map[int]Listener),
	}
}

// Subscribe registers fn for invalidation signals of meter and returns the unsubscribe func
func (s *BalanceStateStore) Subscribe(meter string, fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	if s.listeners[meter] == nil {
		s.listeners[meter] = make(map[int]Listener)
	}
	s.listeners[meter][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[meter], id)
		if len(s.listeners[meter]) == 0 {
			delete(s.listeners, meter)
		}
	}
}

func (s *BalanceStateStore) notify(meter string) {
	s.mu.Lock()
	fns := make([]Listener, 0, len(s.listeners[meter]))
	for _, fn := range s.listeners[meter] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(meter)
	}
}

// register records meter in the set of known meters
func (s *BalanceStateStore) register(ctx context.Context, meter string) error {
	return updateEntry(ctx, s.kv, KeyMeters, meter, func(cur *bool) *bool {
		known := true
		return &known
	})
}

// Meters lists every meter that has been accessed, sorted
func (s *BalanceStateStore) Meters(ctx context.Context) ([]string, error) {
	raw, exists, err := s.kv.Get(ctx, KeyMeters)
	if err != nil {
		return nil, err
	}
	entries, err := decodeEntries[bool](KeyMeters, raw, exists)
	if err != nil {
		return nil, err
	}
	meters := make([]string, 0, len(entries))
	for m := range entries {
		meters = append(meters, m)
	}
	sort.Strings(meters)
	return meters, nil
}

// Get loads the account for meter, creating its record on first access
func (s *BalanceStateStore) Get(ctx context.Context, meter string) (*MeterAccount, error) {
	if meter == "" {
		return nil, fmt.Errorf("meter number is required")
	}

	known, err := readEntry[bool](ctx, s.kv, KeyMeters, meter)
	if err != nil {
		return nil, err
	}
	if known == nil {
		if err := s.register(ctx, meter); err != nil {
			return nil, fmt.Errorf("failed to register meter: %w", err)
		}
	}

	account := &MeterAccount{MeterNumber: meter, Label: meter}

	floats := []struct {
		key string
		dst **float64
	}{
		{KeyInitialBalances, &account.InitialBalance},
		{KeyManualBalance, &account.ManualBalanceOverride},
		{KeyAvgRatePerMinute, &account.AvgRatePerMinute},
		{KeyCurrentBalance, &account.CurrentBalance},
	}
	for _, f := range floats {
		raw, err := readEntry[string](ctx, s.kv, f.key, meter)
		if err != nil {
			return nil, err
		}
		if *f.dst, err = parseFloat(f.key, raw); err != nil {
			return nil, err
		}
	}

	times := []struct {
		key string
		dst **time.Time
	}{
		{KeyLastBalanceUpdate, &account.SnapshotTime},
		{KeyLastBackgroundUpdate, &account.LastBackgroundUpdate},
	}
	for _, f := range times {
		raw, err := readEntry[string](ctx, s.kv, f.key, meter)
		if err != nil {
			return nil, err
		}
		if *f.dst, err = parseTime(f.key, raw); err != nil {
			return nil, err
		}
	}

	scalars := []struct {
		key string
		dst *float64
	}{
		{KeyTokensAdded, &account.TokensAdded},
		{KeyLearningFactor, &account.LearningFactor},
	}
	for _, f := range scalars {
		raw, err := readEntry[string](ctx, s.kv, f.key, meter)
		if err != nil {
			return nil, err
		}
		v, err := parseFloat(f.key, raw)
		if err != nil {
			return nil, err
		}
		if v != nil {
			*f.dst = *v
		}
	}

	if account.LastNotifiedThreshold, err = s.notifiedLevel(ctx, meter); err != nil {
		return nil, err
	}

	if account.PowerData, err = readEntry[powerapi.PowerData](ctx, s.kv, KeyCachedPowerData, meter); err != nil {
		return nil, err
	}

	log, err := readEntry[[]ManualAdjustment](ctx, s.kv, KeyManualAdjustments, meter)
	if err != nil {
		return nil, err
	}
	if log != nil {
		account.ManualAdjustmentLog = *log
	}

	label, err := readEntry[string](ctx, s.kv, KeyMeterLabels, meter)
	if err != nil {
		return nil, err
	}
	if label != nil && *label != "" {
		account.Label = *label
	}

	return account, nil
}

// setBaseline moves the extrapolation anchor and recomputes the tokens purchased after it
func (s *BalanceStateStore) setBaseline(ctx context.Context, meter string, balance float64, at time.Time) error {
	if err := setEntry(ctx, s.kv, KeyInitialBalances, meter, formatFloat(balance)); err != nil {
		return fmt.Errorf("failed to set initial balance: %w", err)
	}
	if err := setEntry(ctx, s.kv, KeyLastBalanceUpdate, meter, formatTime(at)); err != nil {
		return fmt.Errorf("failed to set snapshot time: %w", err)
	}

	cached, err := readEntry[powerapi.PowerData](ctx, s.kv, KeyCachedPowerData, meter)
	if err != nil {
		return err
	}
	var added float64
	if cached != nil {
		added = predictor.TokensAddedSince(cached.Transactions, at)
	}
	if err := setEntry(ctx, s.kv, KeyTokensAdded, meter, formatFloat(added)); err != nil {
		return fmt.Errorf("failed to set tokens added: %w", err)
	}
	return nil
}

// SetInitialBalance establishes a baseline. It leaves any manual override in place.
func (s *BalanceStateStore) SetInitialBalance(ctx context.Context, meter string, balance float64, now time.Time) error {
	if err := s.register(ctx, meter); err != nil {
		return err
	}
	if err := s.setBaseline(ctx, meter, balance, now); err != nil {
		return err
	}
	s.notify(meter)
	return nil
}

// AdjustManually records the correction and makes it the new extrapolation anchor
func (s *BalanceStateStore) AdjustManually(ctx context.Context, meter string, newBalance float64, now time.Time, predictedAtTime *float64) error {
	entry := ManualAdjustment{
		Timestamp:        now.UTC(),
		NewBalance:       newBalance,
		PredictedBalance: predictedAtTime,
	}

	err := updateEntry(ctx, s.kv, KeyManualAdjustments, meter, func(cur *[]ManualAdjustment) *[]ManualAdjustment {
		var log []ManualAdjustment
		if cur != nil {
			log = *cur
		}
		log = append(log, entry)
		return &log
	})
	if err != nil {
		return fmt.Errorf("failed to append manual adjustment: %w", err)
	}

	if err := s.register(ctx, meter); err != nil {
		return err
	}
	if err := s.setBaseline(ctx, meter, newBalance, now); err != nil {
		return err
	}
	s.notify(meter)
	return nil
}

// SetManualOverride pins the current balance; nil clears the override
func (s *BalanceStateStore) SetManualOverride(ctx context.Context, meter string, balance *float64) error {
	var value *string
	if balance != nil {
		value = formatFloat(*balance)
	}
	if err := setEntry(ctx, s.kv, KeyManualBalance, meter, value); err != nil {
		return fmt.Errorf("failed to set manual balance: %w", err)
	}
	s.notify(meter)
	return nil
}

// Reset clears the baseline and the adjustment log but keeps the meter, its label and its cache
func (s *BalanceStateStore) Reset(ctx context.Context, meter string) error {
	keys := []string{
		KeyInitialBalances,
		KeyLastBalanceUpdate,
		KeyManualBalance,
		KeyTokensAdded,
		KeyCurrentBalance,
		KeyLastBackgroundUpdate,
		KeyLastNotifiedLevel,
		KeyManualAdjustments,
	}
	for _, key := range keys {
		err := setEntry[json.RawMessage](ctx, s.kv, key, meter, nil)
		if err != nil {
			return fmt.Errorf("failed to reset %s: %w", key, err)
		}
	}
	s.notify(meter)
	return nil
}

// MergeFetchResult caches a well-formed payload and refreshes the values derived from it.
// A malformed or empty payload never replaces the cache; the bool reports whether it did.
func (s *BalanceStateStore) MergeFetchResult(ctx context.Context, meter string, data *powerapi.PowerData) (bool, error) {
	if !data.Valid() {
		return false, nil
	}

	if err := s.register(ctx, meter); err != nil {
		return false, err
	}
	if err := setEntry(ctx, s.kv, KeyCachedPowerData, meter, data); err != nil {
		return false, fmt.Errorf("failed to cache power data: %w", err)
	}

	var ratePerMinute *string
	if rate := predictor.DeriveHourlyRate(data.Transactions); rate != nil {
		ratePerMinute = formatFloat(*rate / 60)
	}
	if err := setEntry(ctx, s.kv, KeyAvgRatePerMinute, meter, ratePerMinute); err != nil {
		return true, fmt.Errorf("failed to set consumption rate: %w", err)
	}

	snapshotRaw, err := readEntry[string](ctx, s.kv, KeyLastBalanceUpdate, meter)
	if err != nil {
		return true, err
	}
	snapshotTime, err := parseTime(KeyLastBalanceUpdate, snapshotRaw)
	if err != nil {
		return true, err
	}
	if snapshotTime != nil {
		added := predictor.TokensAddedSince(data.Transactions, *snapshotTime)
		if err := setEntry(ctx, s.kv, KeyTokensAdded, meter, formatFloat(added)); err != nil {
			return true, fmt.Errorf("failed to set tokens added: %w", err)
		}
	}

	s.notify(meter)
	return true, nil
}

func (s *BalanceStateStore) notifiedLevel(ctx context.Context, meter string) (predictor.Level, error) {
	raw, err := readEntry[string](ctx, s.kv, KeyLastNotifiedLevel, meter)
	if err != nil || raw == nil {
		return predictor.LevelNone, err
	}
	return predictor.ParseLevel(*raw)
}

func encodeLevel(level predictor.Level) *string {
	s, ok := level.Encode()
	if !ok {
		return nil
	}
	return &s
}

// UpdateNotifiedThreshold overwrites the last notified level
func (s *BalanceStateStore) UpdateNotifiedThreshold(ctx context.Context, meter string, level predictor.Level) error {
	if err := setEntry(ctx, s.kv, KeyLastNotifiedLevel, meter, encodeLevel(level)); err != nil {
		return fmt.Errorf("failed to set notified level: %w", err)
	}
	s.notify(meter)
	return nil
}

// TransitionThreshold applies predictor.Transition to the persisted level in one atomic update.
// notify is true only for the writer that moved the meter into a new breach.
func (s *BalanceStateStore) TransitionThreshold(ctx context.Context, meter string, balance float64) (predictor.Level, bool, error) {
	var (
		next   predictor.Level
		notify bool
	)

	err := s.kv.Update(ctx, KeyLastNotifiedLevel, func(current string, exists bool) (string, bool, error) {
		entries, err := decodeEntries[string](KeyLastNotifiedLevel, current, exists)
		if err != nil {
			return "", false, err
		}

		last := predictor.LevelNone
		if raw, ok := entries[meter]; ok {
			if last, err = predictor.ParseLevel(raw); err != nil {
				return "", false, err
			}
		}

		next, notify = predictor.Transition(balance, last)
		if encoded, ok := next.Encode(); ok {
			entries[meter] = encoded
		} else {
			delete(entries, meter)
		}

		if len(entries) == 0 {
			return "", false, nil
		}
		return encodeJSON(entries)
	})
	if err != nil {
		return predictor.LevelNone, false, fmt.Errorf("failed to transition notified level: %w", err)
	}

	s.notify(meter)
	return next, notify, nil
}

// PersistBalance stores the balance computed by a background run
func (s *BalanceStateStore) PersistBalance(ctx context.Context, meter string, balance float64, at time.Time) error {
	if err := setEntry(ctx, s.kv, KeyCurrentBalance, meter, formatFloat(balance)); err != nil {
		return fmt.Errorf("failed to persist balance: %w", err)
	}
	if err := setEntry(ctx, s.kv, KeyLastBackgroundUpdate, meter, formatTime(at)); err != nil {
		return fmt.Errorf("failed to persist update time: %w", err)
	}
	s.notify(meter)
	return nil
}

// SetLearningFactor stores the externally supplied correction term
func (s *BalanceStateStore) SetLearningFactor(ctx context.Context, meter string, factor float64) error {
	if err := setEntry(ctx, s.kv, KeyLearningFactor, meter, formatFloat(factor)); err != nil {
		return fmt.Errorf("failed to set learning factor: %w", err)
	}
	s.notify(meter)
	return nil
}

// SetNotificationsEnabled toggles low-balance notifications for every meter
func (s *BalanceStateStore) SetNotificationsEnabled(ctx context.Context, enabled bool) error {
	return s.kv.Set(ctx, KeyNotificationsEnabled, strconv.FormatBool(enabled))
}

// NotificationsEnabled is false unless explicitly enabled
func (s *BalanceStateStore) NotificationsEnabled(ctx context.Context) (bool, error) {
	raw, exists, err := s.kv.Get(ctx, KeyNotificationsEnabled)
	if err != nil || !exists {
		return false, err
	}
	return raw == "true", nil
}

// SetActiveMeter remembers the meter the foreground tracks
func (s *BalanceStateStore) SetActiveMeter(ctx context.Context, meter string) error {
	if err := s.kv.Set(ctx, KeyMeterNumber, meter); err != nil {
		return err
	}
	return s.register(ctx, meter)
}

// ActiveMeter returns the tracked meter, or "" if none was set
func (s *BalanceStateStore) ActiveMeter(ctx context.Context) (string, error) {
	raw, _, err := s.kv.Get(ctx, KeyMeterNumber)
	return raw, err
}

// SetLabel names a meter for display
func (s *BalanceStateStore) SetLabel(ctx context.Context, meter, label string) error {
	var value *string
	if label != "" {
		value = &label
	}
	if err := setEntry(ctx, s.kv, KeyMeterLabels, meter, value); err != nil {
		return fmt.Errorf("failed to set meter label: %w", err)
	}
	s.notify(meter)
	return nil
}

// Label returns the display label, falling back to the meter number
func (s *BalanceStateStore) Label(ctx context.Context, meter string) (string, error) {
	label, err := readEntry[string](ctx, s.kv, KeyMeterLabels, meter)
	if err != nil {
		return "", err
	}
	if label == nil || *label == "" {
		return meter, nil
	}
	return *label, nil
}

// ClearCache drops the cached fetch result of one meter
func (s *BalanceStateStore) ClearCache(ctx context.Context, meter string) error {
	if err := setEntry[powerapi.PowerData](ctx, s.kv, KeyCachedPowerData, meter, nil); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	s.notify(meter)
	return nil
}

// ClearAllCaches drops every cached fetch result
func (s *BalanceStateStore) ClearAllCaches(ctx context.Context) error {
	meters, err := s.Meters(ctx)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, KeyCachedPowerData); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	for _, m := range meters {
		s.notify(m)
	}
	return nil
}

// Snapshot captures what a background run needs for meter
func (s *BalanceStateStore) Snapshot(ctx context.Context, meter string) (*predictor.Snapshot, error) {
	account, err := s.Get(ctx, meter)
	if err != nil {
		return nil, err
	}
	enabled, err := s.NotificationsEnabled(ctx)
	if err != nil {
		return nil, err
	}
	return SnapshotOf(account, enabled), nil
}

// SnapshotOf converts an account into the snapshot shape sent between processes
func SnapshotOf(account *MeterAccount, notificationsEnabled bool) *predictor.Snapshot {
	snap := &predictor.Snapshot{
		MeterNumber:          account.MeterNumber,
		ReadingStartTime:     account.SnapshotTime,
		ManualBalance:        account.ManualBalanceOverride,
		TokensAdded:          account.TokensAdded,
		LearningFactor:       account.LearningFactor,
		AvgRatePerMinute:     account.AvgRatePerMinute,
		NotificationsEnabled: notificationsEnabled,
		LastNotifiedLevel:    account.LastNotifiedThreshold,
	}
	if account.InitialBalance != nil {
		snap.InitialReading = *account.InitialBalance
	}
	return snap
}
