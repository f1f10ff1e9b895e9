package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/messaging"
)

// ErrNotPermitted is returned while the host has not granted notification permission
var ErrNotPermitted = errors.New("notification permission not granted")

// Dispatcher delivers a notification to whatever surface shows it
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the log; used when no display surface is attached
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.logger.Warn(n.Title,
		zap.String("meter_number", n.Data.MeterNumber),
		zap.String("body", n.Body),
		zap.String("tag", n.Tag),
		zap.String("urgency", n.Data.Urgency.String()),
	)
	return nil
}

// BrokerDispatcher publishes SHOW_NOTIFICATION messages for a display process to pick up
type BrokerDispatcher struct {
	broker messaging.Broker
	route  string
}

func NewBrokerDispatcher(broker messaging.Broker) *BrokerDispatcher {
	return &BrokerDispatcher{broker: broker, route: messaging.RouteNotifications}
}

func (d *BrokerDispatcher) Dispatch(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := messaging.NewMessage(messaging.TypeShowNotification, n.Data.MeterNumber)
	msg.Level = n.Data.Urgency
	balance := n.Data.Balance
	msg.Balance = &balance
	msg.Notification = payload

	if err := d.broker.Publish(ctx, d.route, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Multi fans a notification out to every dispatcher and returns the first error
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n Notification) error {
	var first error
	for _, d := range m {
		if err := d.Dispatch(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Switch forwards to the wrapped dispatcher only once enabled
type Switch struct {
	enabled atomic.Bool
	next    Dispatcher
}

// NewSwitch creates a disabled switch
func NewSwitch(next Dispatcher) *Switch {
	return &Switch{next: next}
}

func (s *Switch) Enable(enabled bool) {
	s.enabled.Store(enabled)
}

func (s *Switch) Dispatch(ctx context.Context, n Notification) error {
	if !s.enabled.Load() {
		return ErrNotPermitted
	}
	return s.next.Dispatch(ctx, n)
}

// FromMessage decodes the notification carried by a SHOW_NOTIFICATION message
func FromMessage(msg messaging.Message) (Notification, error) {
	var n Notification
	if msg.Type != messaging.TypeShowNotification {
		return n, fmt.Errorf("unexpected message type %s", msg.Type)
	}
	if err := json.Unmarshal(msg.Notification, &n); err != nil {
		return n, fmt.Errorf("failed to decode notification: %w", err)
	}
	return n, nil
}
