package room

import "errors"

var (
	ErrEmptyRoomID    = errors.New("room id cannot be empty")
	ErrEmptySessionID = errors.New("session id cannot be empty")
)
