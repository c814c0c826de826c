package types

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return IsValidRoomID(fl.Field().String())
	})
	return v
}

// IsValidRoomID checks the room id charset and length.
func IsValidRoomID(id string) bool {
	return len(id) >= 1 && len(id) <= 128 && roomIDRegex.MatchString(id)
}

// IsInboundEventType reports whether t is one of the four client event kinds.
func IsInboundEventType(t string) bool {
	switch t {
	case EventJoinRoom, EventLeaveRoom, EventSendMessage, EventSendBreakoutMessage:
		return true
	}
	return false
}

// Validate checks the envelope shape for its kind.
func (e *InboundEvent) Validate() error {
	if !IsInboundEventType(e.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}

	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch e.Type {
	case EventJoinRoom, EventLeaveRoom:
		if e.RoomID == "" {
			return ErrMissingRoom
		}
	case EventSendMessage:
		if e.RoomID == "" {
			return ErrMissingRoom
		}
		if err := validateBody(e.Body); err != nil {
			return err
		}
	case EventSendBreakoutMessage:
		if e.BreakoutRoomID == "" {
			return ErrMissingRoom
		}
		if !e.BreakoutRoomID.IsBreakout() {
			return ErrNotBreakoutRoom
		}
		if err := validateBody(e.Body); err != nil {
			return err
		}
	}
	return nil
}

// validateBody checks the body is non-blank and within MaxBodyLength bytes.
func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrMissingBody
	}
	if len(body) > MaxBodyLength {
		return fmt.Errorf("%w: body is %d bytes, limit is %d", ErrInvalidEvent, len(body), MaxBodyLength)
	}
	return nil
}
