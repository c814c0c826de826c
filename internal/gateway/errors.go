package gateway

import (
	"errors"
	"fmt"

	"classgate/internal/identity"
)

// ErrProtocol marks an inbound event that was rejected. The event is dropped,
// an error event goes back to the sender, and the connection stays Active.
var ErrProtocol = errors.New("protocol error")

var (
	ErrUnknownEventType = fmt.Errorf("%w: unknown event type", ErrProtocol)
	ErrMalformedEvent   = fmt.Errorf("%w: malformed event", ErrProtocol)
	ErrInvalidEvent     = fmt.Errorf("%w: invalid event", ErrProtocol)
	ErrNotActive        = fmt.Errorf("%w: connection is not active", ErrProtocol)
	ErrReservedRoom     = fmt.Errorf("%w: room is reserved", ErrProtocol)
	ErrNotMember        = fmt.Errorf("%w: not a member of room", ErrProtocol)
	ErrRateLimited      = fmt.Errorf("%w: rate limit exceeded", ErrProtocol)
	ErrRoomDenied       = fmt.Errorf("%w: room access denied", ErrProtocol)
)

// ErrNotAccepted is returned when the transport refuses to complete the
// connection after a successful verification.
var ErrNotAccepted = errors.New("connection not accepted")

// Code maps an error to the code carried by the outbound error event.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownEventType):
		return "unknown_event_type"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrReservedRoom):
		return "reserved_room"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrRoomDenied):
		return "room_denied"
	case errors.Is(err, ErrProtocol):
		return "protocol_error"
	case errors.Is(err, identity.ErrAuth):
		return "unauthorized"
	default:
		return "internal_error"
	}
}

// IsProtocol reports whether err leaves the connection usable.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}
