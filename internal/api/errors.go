package api

import "errors"

var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrTeacherOnly    = errors.New("teacher role required")
	ErrInvalidRoomID  = errors.New("invalid room id")
	ErrInvalidLimit   = errors.New("invalid limit")
	ErrHistoryOff     = errors.New("history archive is disabled")
	ErrInvalidPayload = errors.New("invalid request body")
)
