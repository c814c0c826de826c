package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"classgate/internal/session"
	"classgate/pkg/interfaces"
	"classgate/pkg/types"
)

// Client is the gateway side of one live connection. Handle is meant to be
// called from a single goroutine, in arrival order; Disconnect may be called
// from anywhere, any number of times.
type Client struct {
	gw       *Gateway
	identity types.Identity
	session  *session.Session
	outbox   interfaces.Outbox
	personal types.RoomID
	limiter  *rate.Limiter

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

func (c *Client) SessionID() string          { return c.session.ID() }
func (c *Client) Identity() types.Identity   { return c.identity }
func (c *Client) PersonalRoom() types.RoomID { return c.personal }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleFrame decodes one raw client frame and handles it.
func (c *Client) HandleFrame(ctx context.Context, data []byte) error {
	var event types.InboundEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return c.reject(fmt.Errorf("%w: %v", ErrMalformedEvent, err))
	}
	return c.Handle(ctx, event)
}

// Handle applies one inbound event. Protocol errors are reported back to the
// client as an error event and returned; the connection stays usable. Any
// other error means an invariant broke and the connection should be closed.
func (c *Client) Handle(ctx context.Context, event types.InboundEvent) error {
	if c.State() != StateActive {
		return c.reject(ErrNotActive)
	}

	eventType := event.Type
	if !types.IsInboundEventType(eventType) {
		eventType = "unknown"
	}
	c.gw.metrics.EventReceived(eventType)

	if err := event.Validate(); err != nil {
		if errors.Is(err, types.ErrUnknownEventType) {
			return c.reject(fmt.Errorf("%w: %w", ErrUnknownEventType, err))
		}
		return c.reject(fmt.Errorf("%w: %w", ErrInvalidEvent, err))
	}

	// The room policy may block; it runs without c.mu held.
	if event.Type == types.EventJoinRoom {
		if err := c.admit(ctx, event.RoomID); err != nil {
			return c.reject(err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return c.reject(ErrNotActive)
	}

	var err error
	switch event.Type {
	case types.EventJoinRoom:
		err = c.join(event.RoomID)
	case types.EventLeaveRoom:
		err = c.leave(event.RoomID)
	case types.EventSendMessage, types.EventSendBreakoutMessage:
		err = c.send(event.Target(), event.Body)
	}
	if err != nil && IsProtocol(err) {
		return c.reject(err)
	}
	return err
}

// admit decides whether the identity may enter roomID.
func (c *Client) admit(ctx context.Context, roomID types.RoomID) error {
	if roomID.IsPersonal() {
		return ErrReservedRoom
	}
	if err := c.gw.policy.AllowJoin(ctx, c.identity, roomID); err != nil {
		return fmt.Errorf("%w: %v", ErrRoomDenied, err)
	}
	return nil
}

// join is called with c.mu held, after admit.
func (c *Client) join(roomID types.RoomID) error {
	if err := c.gw.rooms.Join(roomID, c.session.ID()); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return ErrNotActive
		}
		return fmt.Errorf("join %s: %w", roomID, err)
	}

	c.gw.log.Debug("room joined",
		"session_id", c.session.ID(), "user_id", c.identity.SubjectID, "room_id", roomID)
	return nil
}

func (c *Client) leave(roomID types.RoomID) error {
	if roomID.IsPersonal() {
		return ErrReservedRoom
	}
	c.gw.rooms.Leave(roomID, c.session.ID())

	c.gw.log.Debug("room left",
		"session_id", c.session.ID(), "user_id", c.identity.SubjectID, "room_id", roomID)
	return nil
}

func (c *Client) send(roomID types.RoomID, body string) error {
	if roomID.IsPersonal() {
		return ErrReservedRoom
	}
	if c.gw.opts.RequireMembership && !c.gw.rooms.IsMember(roomID, c.session.ID()) {
		return ErrNotMember
	}
	// Only sends that would be published spend a token.
	if c.limiter != nil && !c.limiter.AllowN(c.gw.now(), 1) {
		return ErrRateLimited
	}

	exclude := ""
	if !c.gw.opts.EchoToSender {
		exclude = c.session.ID()
	}

	event := c.gw.newChatEvent(roomID, c.identity, body)
	delivery := c.gw.publish(event, exclude)

	c.gw.log.Debug("message broadcast",
		"session_id", c.session.ID(), "room_id", roomID, "event_id", event.ID,
		"delivered", delivery.Delivered, "dropped", delivery.Dropped)
	return nil
}

// reject reports a protocol error to the client and returns it.
func (c *Client) reject(err error) error {
	code := Code(err)
	c.gw.metrics.ProtocolError(code)
	c.outbox.Send(types.ErrorEvent(code, err.Error()))
	return err
}

// Disconnect evicts the session from every room it occupies and closes it.
// It is idempotent and safe to call concurrently with broadcasts.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = StateClosed
		c.mu.Unlock()

		sessionID := c.session.ID()
		rooms, err := c.gw.sessions.RoomsOf(sessionID)
		if err == nil {
			for _, roomID := range rooms {
				c.gw.rooms.Leave(roomID, sessionID)
			}
		}

		leftover, err := c.gw.sessions.Close(sessionID)
		if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			c.gw.log.Error("session close failed", "session_id", sessionID, "error", err)
		}
		for _, roomID := range leftover {
			c.gw.rooms.Leave(roomID, sessionID)
		}

		c.gw.limiter.release(c.identity.SubjectID)
		c.gw.forget(sessionID)
		c.gw.metrics.ConnectionClosed()

		c.gw.log.Info("connection closed",
			"session_id", sessionID, "user_id", c.identity.SubjectID,
			"from_state", prev.String(), "rooms", len(rooms))
	})
}
