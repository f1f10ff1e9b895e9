package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/septivank/power-token-tracker/internal/kv"
	"github.com/septivank/power-token-tracker/tools/timeparser"
)

// decodeEntries reads the JSON object stored under key
func decodeEntries[T any](key, raw string, exists bool) (map[string]T, error) {
	entries := make(map[string]T)
	if !exists || raw == "" {
		return entries, nil
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return entries, nil
}

// updateEntry rewrites meter's entry of the object stored under key in one atomic update.
// fn receives nil for a missing entry and returns nil to remove it.
func updateEntry[T any](ctx context.Context, store kv.Store, key, meter string, fn func(cur *T) *T) error {
	return store.Update(ctx, key, func(current string, exists bool) (string, bool, error) {
		entries, err := decodeEntries[T](key, current, exists)
		if err != nil {
			return "", false, err
		}

		var cur *T
		if v, ok := entries[meter]; ok {
			cur = &v
		}

		if next := fn(cur); next != nil {
			entries[meter] = *next
		} else {
			delete(entries, meter)
		}

		if len(entries) == 0 {
			return "", false, nil
		}

		return encodeJSON(entries)
	})
}

// encodeJSON is the tail of an UpdateFunc that keeps a JSON-encoded value
func encodeJSON(v interface{}) (string, bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode value: %w", err)
	}
	return string(b), true, nil
}

// setEntry stores value for meter under key; a nil value removes the entry
func setEntry[T any](ctx context.Context, store kv.Store, key, meter string, value *T) error {
	return updateEntry(ctx, store, key, meter, func(*T) *T { return value })
}

// readEntry returns meter's entry under key, or nil
func readEntry[T any](ctx context.Context, store kv.Store, key, meter string) (*T, error) {
	raw, exists, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	entries, err := decodeEntries[T](key, raw, exists)
	if err != nil {
		return nil, err
	}
	if v, ok := entries[meter]; ok {
		return &v, nil
	}
	return nil, nil
}

func formatFloat(v float64) *string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	return &s
}

func parseFloat(key string, s *string) (*float64, error) {
	if s == nil {
		return nil, nil
	}
	v, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number in %s: %w", key, err)
	}
	return &v, nil
}

func formatTime(t time.Time) *string {
	s := timeparser.FormatTimestamp(t)
	return &s
}

func parseTime(key string, s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp in %s: %w", key, err)
	}
	return &t, nil
}
