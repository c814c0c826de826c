package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleStudent.Valid())
	assert.True(t, RoleTeacher.Valid())
	assert.False(t, Role("admin").Valid())
	assert.False(t, Role("").Valid())
}

func TestRoomID_Namespaces(t *testing.T) {
	tests := []struct {
		name      string
		room      RoomID
		personal  bool
		breakout  bool
		classroom RoomID
	}{
		{"classroom", "class-42", false, false, "class-42"},
		{"breakout", BreakoutRoom("class-42", "breakout-1"), false, true, "class-42"},
		{"personal", PersonalRoom("u1"), true, false, "user:u1"},
		{"trailing separator", "class-42:", false, false, "class-42:"},
		{"leading separator", ":breakout-1", false, false, ":breakout-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.personal, tt.room.IsPersonal())
			assert.Equal(t, tt.breakout, tt.room.IsBreakout())
			assert.Equal(t, tt.classroom, tt.room.Classroom())
		})
	}

	assert.Equal(t, RoomID("class-42:breakout-1"), BreakoutRoom("class-42", "breakout-1"))
	assert.Equal(t, RoomID("user:u1"), PersonalRoom("u1"))
}

func TestInboundEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   InboundEvent
		wantErr error
	}{
		{"join", InboundEvent{Type: EventJoinRoom, RoomID: "class-42"}, nil},
		{"leave", InboundEvent{Type: EventLeaveRoom, RoomID: "class-42"}, nil},
		{"send", InboundEvent{Type: EventSendMessage, RoomID: "class-42", Body: "hello"}, nil},
		{"breakout send", InboundEvent{Type: EventSendBreakoutMessage, BreakoutRoomID: "class-42:b1", Body: "hi"}, nil},
		{"unknown type", InboundEvent{Type: "sendBreakoutMessage"}, ErrUnknownEventType},
		{"empty type", InboundEvent{}, ErrUnknownEventType},
		{"join without room", InboundEvent{Type: EventJoinRoom}, ErrMissingRoom},
		{"send without body", InboundEvent{Type: EventSendMessage, RoomID: "class-42", Body: "  "}, ErrMissingBody},
		{"breakout to classroom", InboundEvent{Type: EventSendBreakoutMessage, BreakoutRoomID: "class-42", Body: "hi"}, ErrNotBreakoutRoom},
		{"bad room charset", InboundEvent{Type: EventJoinRoom, RoomID: "class 42"}, ErrInvalidEvent},
		{"room too long", InboundEvent{Type: EventJoinRoom, RoomID: RoomID(strings.Repeat("a", 129))}, ErrInvalidEvent},
		{"body too long", InboundEvent{Type: EventSendMessage, RoomID: "r", Body: strings.Repeat("x", 4097)}, ErrInvalidEvent},
		{"multibyte body at limit", InboundEvent{Type: EventSendMessage, RoomID: "r", Body: strings.Repeat("é", MaxBodyLength/2)}, nil},
		{"multibyte body over limit", InboundEvent{Type: EventSendMessage, RoomID: "class-42", Body: strings.Repeat("é", MaxBodyLength)}, ErrInvalidEvent},
		{"multibyte breakout body over limit", InboundEvent{Type: EventSendBreakoutMessage, BreakoutRoomID: "class-42:b1", Body: strings.Repeat("é", MaxBodyLength)}, ErrInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestInboundEvent_Target(t *testing.T) {
	send := InboundEvent{Type: EventSendMessage, RoomID: "class-42"}
	assert.Equal(t, RoomID("class-42"), send.Target())

	breakout := InboundEvent{Type: EventSendBreakoutMessage, RoomID: "ignored", BreakoutRoomID: "class-42:b1"}
	assert.Equal(t, RoomID("class-42:b1"), breakout.Target())
}

func TestInboundEvent_DecodesWireFormat(t *testing.T) {
	raw := `{"type":"send-breakout-message","breakoutRoomId":"class-42:breakout-1","body":"psst"}`

	var event InboundEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	require.NoError(t, event.Validate())
	assert.Equal(t, RoomID("class-42:breakout-1"), event.Target())
	assert.Equal(t, "psst", event.Body)
}

func TestReceiveMessage_WireFormat(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	event := ChatEvent{
		ID:     "e1",
		RoomID: "class-42",
		Sender: Identity{SubjectID: "u1", DisplayName: "Ada", Role: RoleStudent},
		Body:   "hello",
		SentAt: sentAt,
	}

	data, err := json.Marshal(ReceiveMessage(event))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EventReceiveMessage, decoded["type"])
	assert.Equal(t, "class-42", decoded["roomId"])
	assert.Equal(t, "u1", decoded["senderId"])
	assert.Equal(t, "Ada", decoded["senderName"])
	assert.Equal(t, "hello", decoded["body"])
	assert.Equal(t, "2026-03-01T09:30:00Z", decoded["sentAt"])
	assert.NotContains(t, decoded, "code")
}

func TestErrorAndConnectedEvents(t *testing.T) {
	errEvent := ErrorEvent("not_member", "not a member")
	assert.Equal(t, EventError, errEvent.Type)
	assert.Equal(t, "not_member", errEvent.Code)

	ack := Connected("s1", PersonalRoom("u1"))
	assert.Equal(t, EventConnected, ack.Type)
	assert.Equal(t, "s1", ack.SessionID)
	assert.Equal(t, RoomID("user:u1"), ack.PersonalRoom)
}
