package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/power-token-tracker/internal/predictor"
)

// MessageType identifies a cross-process message
type MessageType string

const (
	// TypeGetStorageData asks a live foreground for a state snapshot
	TypeGetStorageData MessageType = "GET_STORAGE_DATA"
	// TypeStorageData answers TypeGetStorageData
	TypeStorageData MessageType = "STORAGE_DATA"
	// TypeUpdatePowerBalance triggers a background balance update, optionally with a snapshot
	TypeUpdatePowerBalance MessageType = "UPDATE_POWER_BALANCE"
	// TypeUpdatedPowerBalance announces a balance computed in the background
	TypeUpdatedPowerBalance MessageType = "UPDATED_POWER_BALANCE"
	// TypeUpdateNotificationLevel announces the new notified level
	TypeUpdateNotificationLevel MessageType = "UPDATE_NOTIFICATION_LEVEL"
	// TypeShowNotification carries a notification to whatever surface displays it
	TypeShowNotification MessageType = "SHOW_NOTIFICATION"
)

// Routes
const (
	// RouteWorker is consumed by background workers, one delivery per message
	RouteWorker = "worker"
	// RouteClients is broadcast to every live foreground
	RouteClients = "clients"
	// RouteNotifications carries notifications to display
	RouteNotifications = "notifications"
)

// ReplyRoute is the private route a requester receives responses on
func ReplyRoute(instanceID string) string {
	return "reply." + instanceID
}

// Message is the envelope exchanged between the foreground and the background worker
type Message struct {
	Type          MessageType         `json:"type"`
	ID            string              `json:"id"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	ReplyTo       string              `json:"reply_to,omitempty"`
	MeterNumber   string              `json:"meter_number,omitempty"`
	Snapshot      *predictor.Snapshot `json:"snapshot,omitempty"`
	Balance       *float64            `json:"balance,omitempty"`
	Level         predictor.Level     `json:"level"`
	Timestamp     time.Time           `json:"timestamp"`
	Notification  json.RawMessage     `json:"notification,omitempty"`
}

// NewMessage stamps a message with an id and the current time
func NewMessage(t MessageType, meter string) Message {
	return Message{
		Type:        t,
		ID:          uuid.NewString(),
		MeterNumber: meter,
		Timestamp:   time.Now().UTC(),
	}
}

// Handler processes one delivered message. A returned error is logged by the broker
// and, where the transport supports it, dead-lettered.
type Handler func(ctx context.Context, msg Message) error

// Broker moves messages between processes.
// Subscribe with an empty group receives its own copy of every message on route;
// subscribers sharing a group compete for messages. Delivery stops when ctx is done.
type Broker interface {
	Publish(ctx context.Context, route string, msg Message) error
	Subscribe(ctx context.Context, route, group string, handler Handler) error
}
