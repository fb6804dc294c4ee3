// Package history exports worker lifecycle events to external stores.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn          EventType = "spawn"
	EventExit           EventType = "exit"
	EventRestart        EventType = "restart"
	EventRollingRestart EventType = "rolling_restart"
	EventShutdown       EventType = "shutdown"
)

// Record carries the worker fields of an event. WorkerID and PID are zero
// for cluster-wide events (rolling_restart, shutdown).
type Record struct {
	WorkerID int    `json:"worker_id"`
	PID      int    `json:"pid"`
	Cause    string `json:"cause,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
