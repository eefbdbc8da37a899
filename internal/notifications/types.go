// Package notifications keeps the UPS event log and fans new events out to
// notification channels (local log, Telegram, MQTT).
package notifications

import (
	"context"
	"time"
)

// Category classifies an event line for presentation and filtering.
type Category string

// Event categories.
const (
	CategoryAlert          Category = "alert"
	CategoryBatteryEntered Category = "battery-entered"
	CategoryBatteryLeft    Category = "battery-left"
	CategoryRecovered      Category = "recovered"
	CategoryStatus         Category = "status"
	CategoryCommLost       Category = "commlost"
	CategoryCharging       Category = "charging"
	CategorySelfTest       Category = "selftest"
	CategoryInfo           Category = "info"
)

// Notification is one outbound message produced from an event line.
type Notification struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Category Category  `json:"category"`
	Time     time.Time `json:"time"`
}

// Channel delivers notifications to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// DeliveryObserver is told the outcome of every channel delivery.
type DeliveryObserver interface {
	NotificationDelivered(channel string, err error)
}

// EventSource exposes the event log to tool handlers.
type EventSource interface {
	Events() []string
	ClearEvents()
}
