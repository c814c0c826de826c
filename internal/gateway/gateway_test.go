package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classgate/internal/identity"
	"classgate/internal/metrics"
	"classgate/internal/room"
	"classgate/internal/session"
	"classgate/internal/testutil"
	"classgate/pkg/interfaces"
	"classgate/pkg/types"
)

type countingRecorder struct {
	metrics.Nop
	opened, closed, authFailed atomic.Int64
	protocolErrors             sync.Map
}

func (r *countingRecorder) ConnectionOpened() { r.opened.Add(1) }
func (r *countingRecorder) ConnectionClosed() { r.closed.Add(1) }
func (r *countingRecorder) AuthFailed()       { r.authFailed.Add(1) }

func (r *countingRecorder) ProtocolError(code string) {
	v, _ := r.protocolErrors.LoadOrStore(code, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (r *countingRecorder) protocolErrorCount(code string) int64 {
	v, ok := r.protocolErrors.Load(code)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

type harness struct {
	gw       *Gateway
	sessions *session.Registry
	rooms    *room.Directory
	verifier *testutil.StaticVerifier
	sink     *testutil.Sink
	recorder *countingRecorder
}

func newHarness(opts Options, options ...Option) *harness {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewRegistry(log)
	rooms := room.NewDirectory(sessions, log)
	verifier := testutil.NewStaticVerifier(testutil.Teacher, testutil.Alice, testutil.Bob, testutil.Carol, testutil.Dave)
	sink := testutil.NewSink(64)
	recorder := &countingRecorder{}

	options = append([]Option{WithSink(sink), WithMetrics(recorder)}, options...)
	return &harness{
		gw:       New(verifier, sessions, rooms, opts, log, options...),
		sessions: sessions,
		rooms:    rooms,
		verifier: verifier,
		sink:     sink,
		recorder: recorder,
	}
}

func acceptInto(outbox interfaces.Outbox) AcceptFunc {
	return func(types.Identity) (interfaces.Outbox, error) { return outbox, nil }
}

func (h *harness) connect(t *testing.T, id types.Identity) (*Client, *testutil.Outbox) {
	t.Helper()
	outbox := testutil.NewOutbox()
	c, err := h.gw.Connect(context.Background(), id.SubjectID, acceptInto(outbox))
	require.NoError(t, err)
	return c, outbox
}

func (h *harness) handle(t *testing.T, c *Client, event types.InboundEvent) {
	t.Helper()
	require.NoError(t, c.Handle(context.Background(), event))
}

func join(roomID types.RoomID) types.InboundEvent {
	return types.InboundEvent{Type: types.EventJoinRoom, RoomID: roomID}
}

func leave(roomID types.RoomID) types.InboundEvent {
	return types.InboundEvent{Type: types.EventLeaveRoom, RoomID: roomID}
}

func send(roomID types.RoomID, body string) types.InboundEvent {
	return types.InboundEvent{Type: types.EventSendMessage, RoomID: roomID, Body: body}
}

func TestConnect_ActivatesSessionAndJoinsPersonalRoom(t *testing.T) {
	h := newHarness(DefaultOptions())

	c, outbox := h.connect(t, testutil.Alice)

	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, testutil.Alice, c.Identity())
	assert.Equal(t, types.RoomID("user:s-201"), c.PersonalRoom())
	assert.Equal(t, 1, h.sessions.Len())
	assert.True(t, h.rooms.IsMember(c.PersonalRoom(), c.SessionID()))

	events := outbox.Events()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventConnected, events[0].Type)
	assert.Equal(t, c.SessionID(), events[0].SessionID)
	assert.Equal(t, c.PersonalRoom(), events[0].PersonalRoom)

	assert.EqualValues(t, 1, h.recorder.opened.Load())
	got, ok := h.gw.Client(c.SessionID())
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestConnect_AuthFailureNeverOpensSession(t *testing.T) {
	h := newHarness(DefaultOptions())

	accepted := false
	accept := func(types.Identity) (interfaces.Outbox, error) {
		accepted = true
		return testutil.NewOutbox(), nil
	}

	c, err := h.gw.Connect(context.Background(), "forged-token", accept)
	require.ErrorIs(t, err, identity.ErrAuth)
	require.ErrorIs(t, err, testutil.ErrUnknownCredential)
	assert.Nil(t, c)
	assert.False(t, accepted)
	assert.Zero(t, h.sessions.Len())
	assert.Empty(t, h.rooms.Rooms())
	assert.EqualValues(t, 1, h.recorder.authFailed.Load())
	assert.Equal(t, "unauthorized", Code(err))
}

func TestConnect_MissingCredentialSkipsVerifier(t *testing.T) {
	h := newHarness(DefaultOptions())

	_, err := h.gw.Connect(context.Background(), "   ", acceptInto(testutil.NewOutbox()))
	require.ErrorIs(t, err, identity.ErrAuth)
	require.ErrorIs(t, err, identity.ErrMissingCredential)
	assert.Zero(t, h.verifier.Calls())
	assert.Zero(t, h.sessions.Len())
}

func TestConnect_VerifierReturningInvalidRoleIsAuthFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewRegistry(log)
	rooms := room.NewDirectory(sessions, log)
	verifier := testutil.NewStaticVerifier(types.Identity{SubjectID: "x", Role: "admin"})
	gw := New(verifier, sessions, rooms, DefaultOptions(), log)

	_, err := gw.Connect(context.Background(), "x", acceptInto(testutil.NewOutbox()))
	require.ErrorIs(t, err, identity.ErrAuth)
	require.ErrorIs(t, err, identity.ErrInvalidRole)
	assert.Zero(t, sessions.Len())
}

func TestConnect_AcceptFailureLeavesNoState(t *testing.T) {
	h := newHarness(DefaultOptions())
	upgradeErr := errors.New("upgrade failed")

	_, err := h.gw.Connect(context.Background(), testutil.Alice.SubjectID,
		func(types.Identity) (interfaces.Outbox, error) { return nil, upgradeErr })
	require.ErrorIs(t, err, ErrNotAccepted)
	require.ErrorIs(t, err, upgradeErr)
	assert.Zero(t, h.sessions.Len())
	assert.Zero(t, h.recorder.opened.Load())
}

func TestHandle_ClassroomScenario(t *testing.T) {
	h := newHarness(DefaultOptions())
	s1, out1 := h.connect(t, testutil.Alice)
	s2, out2 := h.connect(t, testutil.Bob)
	s3, out3 := h.connect(t, testutil.Carol)
	s4, out4 := h.connect(t, testutil.Dave)

	h.handle(t, s1, join("class-42"))
	h.handle(t, s2, join("class-42"))
	h.handle(t, s3, join("class-42"))
	h.handle(t, s1, send("class-42", "hello"))
	h.handle(t, s4, join("class-42"))

	for _, out := range []*testutil.Outbox{out2, out3} {
		messages := out.Messages()
		require.Len(t, messages, 1)
		assert.Equal(t, testutil.Alice.SubjectID, messages[0].SenderID)
		assert.Equal(t, "Alice", messages[0].SenderName)
		assert.Equal(t, "hello", messages[0].Body)
		assert.Equal(t, types.RoomID("class-42"), messages[0].RoomID)
		require.NotNil(t, messages[0].SentAt)
	}
	assert.Empty(t, out4.Messages())
	assert.Len(t, out1.Messages(), 1, "sender echo is on by default")

	select {
	case event := <-h.sink.Events():
		assert.Equal(t, "hello", event.Body)
		assert.Equal(t, testutil.Alice, event.Sender)
		assert.NotEmpty(t, event.ID)
	default:
		t.Fatal("chat event was not handed to the sink")
	}
}

func TestHandle_EchoDisabledExcludesSender(t *testing.T) {
	opts := DefaultOptions()
	opts.EchoToSender = false
	h := newHarness(opts)
	a, outA := h.connect(t, testutil.Alice)
	b, outB := h.connect(t, testutil.Bob)

	h.handle(t, a, join("class-42"))
	h.handle(t, b, join("class-42"))
	h.handle(t, a, send("class-42", "hi"))

	assert.Empty(t, outA.Messages())
	assert.Len(t, outB.Messages(), 1)
}

func TestHandle_BreakoutIsolation(t *testing.T) {
	h := newHarness(DefaultOptions())
	s1, out1 := h.connect(t, testutil.Alice)
	s2, out2 := h.connect(t, testutil.Bob)
	breakout := types.BreakoutRoom("class-42", "breakout-1")

	h.handle(t, s1, join(breakout))
	h.handle(t, s2, join("class-42"))
	h.handle(t, s1, types.InboundEvent{
		Type:           types.EventSendBreakoutMessage,
		BreakoutRoomID: breakout,
		Body:           "group work",
	})

	messages := out1.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, breakout, messages[0].RoomID)
	assert.Empty(t, out2.Messages())
}

func TestHandle_MembershipPrecondition(t *testing.T) {
	h := newHarness(DefaultOptions())
	a, outA := h.connect(t, testutil.Alice)
	b, outB := h.connect(t, testutil.Bob)
	h.handle(t, b, join("class-42"))

	err := a.Handle(context.Background(), send("class-42", "sneaky"))
	require.ErrorIs(t, err, ErrNotMember)
	require.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateActive, a.State())
	assert.Empty(t, outB.Messages())

	last := outA.Events()[len(outA.Events())-1]
	assert.Equal(t, types.EventError, last.Type)
	assert.Equal(t, "not_member", last.Code)
	assert.EqualValues(t, 1, h.recorder.protocolErrorCount("not_member"))
}

func TestHandle_PermissiveSendWhenMembershipNotRequired(t *testing.T) {
	opts := DefaultOptions()
	opts.RequireMembership = false
	h := newHarness(opts)
	a, _ := h.connect(t, testutil.Alice)
	b, outB := h.connect(t, testutil.Bob)
	h.handle(t, b, join("class-42"))

	h.handle(t, a, send("class-42", "drive-by"))
	assert.Len(t, outB.Messages(), 1)
}

func TestHandle_ReservedPersonalNamespace(t *testing.T) {
	h := newHarness(DefaultOptions())
	a, _ := h.connect(t, testutil.Alice)
	b, outB := h.connect(t, testutil.Bob)

	for _, event := range []types.InboundEvent{
		join(types.PersonalRoom(testutil.Bob.SubjectID)),
		leave(a.PersonalRoom()),
		send(types.PersonalRoom(testutil.Bob.SubjectID), "dm"),
	} {
		err := a.Handle(context.Background(), event)
		require.ErrorIs(t, err, ErrReservedRoom, event.Type)
	}

	assert.True(t, h.rooms.IsMember(a.PersonalRoom(), a.SessionID()))
	assert.False(t, h.rooms.IsMember(b.PersonalRoom(), a.SessionID()))
	assert.Empty(t, outB.Messages())
}

func TestHandle_ProtocolErrorsKeepConnectionActive(t *testing.T) {
	h := newHarness(DefaultOptions())
	a, outA := h.connect(t, testutil.Alice)

	tests := []struct {
		name  string
		event types.InboundEvent
		want  error
		code  string
	}{
		{"unknown kind", types.InboundEvent{Type: "sendBreakoutMessage"}, ErrUnknownEventType, "unknown_event_type"},
		{"missing room", types.InboundEvent{Type: types.EventJoinRoom}, ErrInvalidEvent, "invalid_event"},
		{"empty body", send("class-42", ""), ErrInvalidEvent, "invalid_event"},
		{"breakout without scope", types.InboundEvent{Type: types.EventSendBreakoutMessage, BreakoutRoomID: "class-42", Body: "x"}, ErrInvalidEvent, "invalid_event"},
		{"multibyte body over limit", send("class-42", strings.Repeat("é", types.MaxBodyLength)), ErrInvalidEvent, "invalid_event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Handle(context.Background(), tt.event)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsProtocol(err))
			assert.Equal(t, tt.code, Code(err))

			events := outA.Events()
			assert.Equal(t, tt.code, events[len(events)-1].Code)
			assert.Equal(t, StateActive, a.State())
		})
	}

	rooms, err := h.sessions.RoomsOf(a.SessionID())
	require.NoError(t, err)
	assert.Equal(t, []types.RoomID{a.PersonalRoom()}, rooms)
}

func TestHandleFrame(t *testing.T) {
	h := newHarness(DefaultOptions())
	a, outA := h.connect(t, testutil.Alice)

	require.NoError(t, a.HandleFrame(context.Background(), []byte(`{"type":"join-room","roomId":"class-42"}`)))
	assert.True(t, h.rooms.IsMember("class-42", a.SessionID()))

	err := a.HandleFrame(context.Background(), []byte(`{"type":`))
	require.ErrorIs(t, err, ErrMalformedEvent)
	events := outA.Events()
	assert.Equal(t, "malformed_event", events[len(events)-1].Code)
	assert.Equal(t, StateActive, a.State())
}

func TestHandle_RateLimitPerUser(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	opts := DefaultOptions()
	opts.SendLimitPerMinute = 60
	opts.SendBurst = 2
	h := newHarness(opts, withClock(func() time.Time { return now }))

	tab1, _ := h.connect(t, testutil.Alice)
	tab2, _ := h.connect(t, testutil.Alice)
	h.handle(t, tab1, join("class-42"))
	h.handle(t, tab2, join("class-42"))

	h.handle(t, tab1, send("class-42", "one"))
	h.handle(t, tab2, send("class-42", "two"))
	err := tab1.Handle(context.Background(), send("class-42", "three"))
	require.ErrorIs(t, err, ErrRateLimited)

	now = now.Add(time.Second)
	h.handle(t, tab2, send("class-42", "four"))

	bob, _ := h.connect(t, testutil.Bob)
	h.handle(t, bob, join("class-42"))
	h.handle(t, bob, send("class-42", "unaffected"))
}

func TestHandle_RejectedSendsDoNotSpendRateTokens(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	opts := DefaultOptions()
	opts.SendLimitPerMinute = 60
	opts.SendBurst = 2
	h := newHarness(opts, withClock(func() time.Time { return now }))

	a, _ := h.connect(t, testutil.Alice)
	b, outB := h.connect(t, testutil.Bob)
	h.handle(t, b, join("class-42"))

	for i := 0; i < 5; i++ {
		err := a.Handle(context.Background(), send("class-42", "not yet"))
		require.ErrorIs(t, err, ErrNotMember)
	}
	err := a.Handle(context.Background(), send(a.PersonalRoom(), "self"))
	require.ErrorIs(t, err, ErrReservedRoom)

	h.handle(t, a, join("class-42"))
	h.handle(t, a, send("class-42", "one"))
	h.handle(t, a, send("class-42", "two"))

	assert.Len(t, outB.Messages(), 2)
	assert.Zero(t, h.recorder.protocolErrorCount("rate_limited"))
}

func TestDisconnect_DoesNotWaitForSlowRoomPolicy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	policy := RoomPolicyFunc(func(context.Context, types.Identity, types.RoomID) error {
		close(entered)
		<-release
		return nil
	})
	h := newHarness(DefaultOptions(), WithRoomPolicy(policy))
	a, _ := h.connect(t, testutil.Alice)

	result := make(chan error, 1)
	go func() { result <- a.Handle(context.Background(), join("class-42")) }()
	<-entered

	disconnected := make(chan struct{})
	go func() {
		a.Disconnect()
		close(disconnected)
	}()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("disconnect waited for the room policy")
	}
	assert.Equal(t, StateClosed, a.State())

	close(release)
	err := <-result
	require.ErrorIs(t, err, ErrNotActive)
	assert.Empty(t, h.rooms.MembersOf("class-42"))
	_, ok := h.sessions.Lookup(a.SessionID())
	assert.False(t, ok)
}

func TestHandle_RoomPolicy(t *testing.T) {
	h := newHarness(DefaultOptions(), WithRoomPolicy(NewClassroomAllowlist([]string{"class-42"})))
	a, _ := h.connect(t, testutil.Alice)

	h.handle(t, a, join("class-42"))
	h.handle(t, a, join("class-42:breakout-1"))

	err := a.Handle(context.Background(), join("class-99"))
	require.ErrorIs(t, err, ErrRoomDenied)
	assert.Equal(t, "room_denied", Code(err))
	assert.False(t, h.rooms.IsMember("class-99", a.SessionID()))
}

func TestDisconnect_EvictsEveryMembership(t *testing.T) {
	h := newHarness(DefaultOptions())
	a, _ := h.connect(t, testutil.Alice)
	b, outB := h.connect(t, testutil.Bob)
	h.handle(t, a, join("R1"))
	h.handle(t, a, join("R2"))
	h.handle(t, b, join("R1"))

	a.Disconnect()

	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, []string{b.SessionID()}, h.rooms.MembersOf("R1"))
	assert.Empty(t, h.rooms.MembersOf("R2"))
	assert.Empty(t, h.rooms.MembersOf(a.PersonalRoom()))
	_, ok := h.sessions.Lookup(a.SessionID())
	assert.False(t, ok)
	_, ok = h.gw.Client(a.SessionID())
	assert.False(t, ok)

	a.Disconnect()
	assert.Equal(t, StateClosed, a.State())
	assert.EqualValues(t, 1, h.recorder.closed.Load())

	h.handle(t, b, send("R1", "anyone?"))
	assert.Len(t, outB.Messages(), 1)
}

func TestHandle_AfterDisconnectIsRejectedWithoutMutation(t *testing.T) {
	h := newHarness(DefaultOptions())
	a, _ := h.connect(t, testutil.Alice)
	a.Disconnect()

	err := a.Handle(context.Background(), join("class-42"))
	require.ErrorIs(t, err, ErrNotActive)
	assert.Empty(t, h.rooms.MembersOf("class-42"))
	assert.Empty(t, h.rooms.Rooms())
}

func TestNotify_DeliversToEverySessionOfUser(t *testing.T) {
	h := newHarness(DefaultOptions())
	_, tab1 := h.connect(t, testutil.Bob)
	_, tab2 := h.connect(t, testutil.Bob)
	_, other := h.connect(t, testutil.Carol)

	delivery, err := h.gw.Notify(context.Background(), testutil.Teacher, testutil.Bob.SubjectID, "see me after class")
	require.NoError(t, err)
	assert.Equal(t, 2, delivery.Delivered)

	for _, out := range []*testutil.Outbox{tab1, tab2} {
		messages := out.Messages()
		require.Len(t, messages, 1)
		assert.Equal(t, testutil.Teacher.SubjectID, messages[0].SenderID)
		assert.Equal(t, types.RoomID("user:s-202"), messages[0].RoomID)
	}
	assert.Empty(t, other.Messages())

	delivery, err = h.gw.Notify(context.Background(), testutil.Teacher, "offline-user", "hello")
	require.NoError(t, err)
	assert.Zero(t, delivery.Recipients)

	_, err = h.gw.Notify(context.Background(), testutil.Teacher, testutil.Bob.SubjectID, " ")
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestShutdown_DisconnectsAndClosesOutboxes(t *testing.T) {
	h := newHarness(DefaultOptions())
	a, outA := h.connect(t, testutil.Alice)
	_, outB := h.connect(t, testutil.Bob)
	h.handle(t, a, join("class-42"))

	h.gw.Shutdown()

	assert.True(t, outA.Closed())
	assert.True(t, outB.Closed())
	assert.Zero(t, h.sessions.Len())
	assert.Empty(t, h.rooms.Rooms())
	assert.Equal(t, 0, h.gw.GetStats()["clients"])
}

func TestGetStats(t *testing.T) {
	h := newHarness(DefaultOptions())
	a, _ := h.connect(t, testutil.Alice)
	h.handle(t, a, join("class-42"))

	stats := h.gw.GetStats()
	assert.Equal(t, 1, stats["open_sessions"])
	assert.Equal(t, 2, stats["memberships"])
	assert.Equal(t, 2, stats["rooms"])
	assert.Equal(t, 1, stats["personal_rooms"])
	assert.Equal(t, 1, stats["clients"])
	assert.Equal(t, 1, stats["rate_limited_users"])
}

func TestConcurrentClientsKeepViewsConsistent(t *testing.T) {
	h := newHarness(Options{RequireMembership: true, EchoToSender: true})
	roster := []types.Identity{testutil.Alice, testutil.Bob, testutil.Carol, testutil.Dave, testutil.Teacher}
	rooms := []types.RoomID{"class-42", "class-42:b1", "class-42:b2"}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := roster[i%len(roster)]
			c, err := h.gw.Connect(context.Background(), id.SubjectID, acceptInto(testutil.NewOutbox()))
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 50; j++ {
				roomID := rooms[(i+j)%len(rooms)]
				var event types.InboundEvent
				switch j % 3 {
				case 0:
					event = join(roomID)
				case 1:
					event = send(roomID, "msg")
				default:
					event = leave(roomID)
				}
				if err := c.Handle(context.Background(), event); err != nil {
					assert.ErrorIs(t, err, ErrNotMember)
				}
			}
			if i%2 == 0 {
				c.Disconnect()
			}
		}(i)
	}
	wg.Wait()

	for _, s := range h.sessions.Snapshot() {
		sessionRooms, err := h.sessions.RoomsOf(s.ID())
		require.NoError(t, err)
		for _, roomID := range h.rooms.Rooms() {
			member := h.rooms.IsMember(roomID, s.ID())
			assert.Equal(t, member, containsRoom(sessionRooms, roomID))
		}
		for _, roomID := range sessionRooms {
			assert.True(t, h.rooms.IsMember(roomID, s.ID()))
		}
	}
	assert.Equal(t, 12, h.sessions.Len())

	h.gw.Shutdown()
	assert.Empty(t, h.rooms.Rooms())
}

func containsRoom(rooms []types.RoomID, roomID types.RoomID) bool {
	for _, r := range rooms {
		if r == roomID {
			return true
		}
	}
	return false
}
