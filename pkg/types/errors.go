package types

import "errors"

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrMissingRoom      = errors.New("event requires a room id")
	ErrMissingBody      = errors.New("message body cannot be empty")
	ErrNotBreakoutRoom  = errors.New("breakout message must target a breakout room")
)
