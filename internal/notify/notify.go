// Package notify delivers operator alerts (machine offline, job finished)
// to chat platforms.
package notify

import (
	"context"
	"log"
)

// Severity levels for alert formatting.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
	SeveritySuccess = "success"
)

// Event is one operator alert.
type Event struct {
	Title    string
	Body     string
	Severity string
}

// Notifier is implemented per chat platform.
type Notifier interface {
	// Notify delivers one alert. Failures are the caller's to log;
	// notification is never allowed to disturb protocol flow.
	Notify(ctx context.Context, ev Event) error

	// Close shuts down the platform connection.
	Close() error
}

// Multi fans one alert out to several notifiers, logging per-platform
// failures instead of returning them.
type Multi struct {
	notifiers []Notifier
}

// NewMulti builds a composite notifier. An empty list is valid and yields
// a no-op notifier.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Notify delivers the alert to every platform.
func (m *Multi) Notify(ctx context.Context, ev Event) error {
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			log.Printf("notify: %v", err)
		}
	}
	return nil
}

// Close closes every platform connection.
func (m *Multi) Close() error {
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			log.Printf("notify: close: %v", err)
		}
	}
	return nil
}
