package websocket

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrOriginNotAllowed = errors.New("origin not allowed")
)
