package stream

import (
	"context"
	"encoding/json"
	"time"
)

// Named events published by the dashboard feed.
const (
	EventState       = "state"
	EventTrade       = "trade"
	EventStreamReset = "stream-reset"

	defaultEventName = "message"
)

type Event struct {
	ID   string
	Name string
	Data json.RawMessage
}

// Handler consumes one event. A returned error is logged and counted; it
// never stops delivery of later events.
type Handler func(Event) error

// Frame is one decoded unit from a transport. Event is nil for blocks that
// only carry a reconnection delay or an id.
type Frame struct {
	Event *Event
	ID    string
	Retry time.Duration
}

// Transport opens one connection to the feed. Reconnection is driven by
// the Client, not the transport.
type Transport interface {
	Open(ctx context.Context, lastEventID string) (Conn, error)
}

type Conn interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}
