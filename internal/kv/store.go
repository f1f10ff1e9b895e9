package kv

import (
	"context"
	"errors"
)

// ErrConflict is returned when an atomic update could not be applied after retries
var ErrConflict = errors.New("concurrent update conflict")

// UpdateFunc receives the current value of a key and returns its replacement.
// Returning keep=false deletes the key.
type UpdateFunc func(current string, exists bool) (next string, keep bool, err error)

// Store is the persisted key-value mapping shared by the foreground and the background worker.
// Every read-modify-write must go through Update so that races stay visible at this boundary.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
}
