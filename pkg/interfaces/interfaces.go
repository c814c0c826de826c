package interfaces

import (
	"context"

	"classgate/pkg/types"
)

// Outbox is the outbound side of one live connection.
// Send must never block: it returns false when the event was dropped because
// the connection is closed or its buffer is full.
type Outbox interface {
	Send(event types.OutboundEvent) bool

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Verifier turns an opaque credential into a trusted identity.
// Implementations must be safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, credential string) (types.Identity, error)
}

// EventSink receives every emitted chat event for storage or display.
// Publish is fire-and-forget: failures stay inside the sink.
type EventSink interface {
	Publish(event types.ChatEvent)
}
