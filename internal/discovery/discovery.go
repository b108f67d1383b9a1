// Package discovery tracks which gateway nodes are alive.
//
// Gateways register an ephemeral "host:port" entry under a shared bucket and
// keep it fresh; dispatchers consume the bucket as a Changefeed of
// added/removed/updated events.
package discovery

import (
	"context"

	"github.com/adred-codev/pushline/internal/shared/types"
)

// EventType classifies membership changes
type EventType int

const (
	EventAdded EventType = iota + 1
	EventRemoved
	EventUpdated
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Event is one membership change for a gateway address
type Event struct {
	Type    EventType
	Address types.GatewayAddress

	// Previous is set on EventUpdated when a registration changed address.
	// The matching removed/added events are delivered before it.
	Previous types.GatewayAddress
}

// Changefeed streams membership events. A watch first replays every current
// member as EventAdded, then delivers live changes in order. The returned
// channel is closed when ctx ends or the underlying watch fails.
type Changefeed interface {
	Watch(ctx context.Context) (<-chan Event, error)
}

// ChangefeedFunc adapts a function to Changefeed
type ChangefeedFunc func(ctx context.Context) (<-chan Event, error)

func (f ChangefeedFunc) Watch(ctx context.Context) (<-chan Event, error) {
	return f(ctx)
}
