package session

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNilOutbox       = errors.New("session requires an outbox")
	ErrInvalidIdentity = errors.New("session requires a subject id and a known role")
)
