package history

import (
	"context"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventDaemonStart    EventType = "daemon_start"
	EventDaemonShutdown EventType = "daemon_shutdown"
	EventAppStart       EventType = "app_start"
	EventAppStop        EventType = "app_stop"
	EventEviction       EventType = "eviction"
	EventLoadTimeout    EventType = "load_timeout"
)

// Event is one supervision audit record: the daemon started or stopped, an
// application was started or stopped, a port occupant was evicted, or startup
// exceeded the load timeout.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	// Kind is the application kind, or "daemon" for daemon-level events.
	Kind string `json:"kind"`
	PID  int32  `json:"pid"`
	Port uint16 `json:"port"`
	// Method is the termination method for stop/eviction events.
	Method string `json:"method,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Sink is a destination for supervision events (audit/analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
