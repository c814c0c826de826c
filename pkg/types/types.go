package types

import (
	"strings"
	"time"
)

// Inbound event kinds accepted from clients.
const (
	EventJoinRoom            = "join-room"
	EventLeaveRoom           = "leave-room"
	EventSendMessage         = "send-message"
	EventSendBreakoutMessage = "send-breakout-message"
)

// Outbound event kinds delivered to clients.
const (
	EventReceiveMessage = "receive-message"
	EventError          = "error"
	EventConnected      = "connected"
)

// Room naming conventions. The directory treats every RoomID as a flat key;
// these prefixes and separators are only interpreted by callers.
const (
	PersonalRoomPrefix = "user:"
	BreakoutSeparator  = ":"
)

// MaxBodyLength bounds a chat message body in bytes.
const MaxBodyLength = 4096

// Role is the classroom role carried by a verified identity.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleTeacher
}

// Identity is the verified principal behind a connection. It is immutable
// for the lifetime of the connection.
type Identity struct {
	SubjectID   string `json:"subjectId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// RoomID names a broadcast group: a personal room, a classroom or a breakout room.
type RoomID string

// PersonalRoom returns the reserved room used for direct delivery to one user.
func PersonalRoom(subjectID string) RoomID {
	return RoomID(PersonalRoomPrefix + subjectID)
}

// BreakoutRoom returns the compound id of a breakout room scoped under a classroom.
func BreakoutRoom(classroom RoomID, name string) RoomID {
	return RoomID(string(classroom) + BreakoutSeparator + name)
}

// IsPersonal reports whether the room lives in the reserved personal namespace.
func (r RoomID) IsPersonal() bool {
	return strings.HasPrefix(string(r), PersonalRoomPrefix)
}

// IsBreakout reports whether the room is a breakout room under some classroom.
func (r RoomID) IsBreakout() bool {
	if r.IsPersonal() {
		return false
	}
	classroom, name, ok := strings.Cut(string(r), BreakoutSeparator)
	return ok && classroom != "" && name != ""
}

// Classroom returns the enclosing classroom of a breakout room, or r itself.
func (r RoomID) Classroom() RoomID {
	if !r.IsBreakout() {
		return r
	}
	classroom, _, _ := strings.Cut(string(r), BreakoutSeparator)
	return RoomID(classroom)
}

// ChatEvent is one message sent into a room. It is never stored by the
// gateway; it is handed to broadcast and to the event sink.
type ChatEvent struct {
	ID     string    `json:"id"`
	RoomID RoomID    `json:"roomId"`
	Sender Identity  `json:"sender"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sentAt"`
}

// InboundEvent is the envelope of every client-to-server frame.
type InboundEvent struct {
	Type           string `json:"type" validate:"required"`
	RoomID         RoomID `json:"roomId,omitempty" validate:"omitempty,max=128,roomid"`
	BreakoutRoomID RoomID `json:"breakoutRoomId,omitempty" validate:"omitempty,max=128,roomid"`
	Body           string `json:"body,omitempty"`
}

// Target returns the room the event addresses.
func (e InboundEvent) Target() RoomID {
	if e.Type == EventSendBreakoutMessage {
		return e.BreakoutRoomID
	}
	return e.RoomID
}

// OutboundEvent is the envelope of every server-to-client frame.
type OutboundEvent struct {
	Type         string     `json:"type"`
	RoomID       RoomID     `json:"roomId,omitempty"`
	SenderID     string     `json:"senderId,omitempty"`
	SenderName   string     `json:"senderName,omitempty"`
	Body         string     `json:"body,omitempty"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	SessionID    string     `json:"sessionId,omitempty"`
	PersonalRoom RoomID     `json:"personalRoom,omitempty"`
	Code         string     `json:"code,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// ReceiveMessage builds the receive-message frame for a chat event.
func ReceiveMessage(event ChatEvent) OutboundEvent {
	sentAt := event.SentAt
	return OutboundEvent{
		Type:       EventReceiveMessage,
		RoomID:     event.RoomID,
		SenderID:   event.Sender.SubjectID,
		SenderName: event.Sender.DisplayName,
		Body:       event.Body,
		SentAt:     &sentAt,
	}
}

// ErrorEvent builds the frame reporting a rejected inbound event.
func ErrorEvent(code, message string) OutboundEvent {
	return OutboundEvent{Type: EventError, Code: code, Message: message}
}

// Connected builds the acknowledgement sent once a session is active.
func Connected(sessionID string, personal RoomID) OutboundEvent {
	return OutboundEvent{Type: EventConnected, SessionID: sessionID, PersonalRoom: personal}
}
