// Package gateway owns the connection lifecycle: it authenticates a
// connection, registers its session, dispatches inbound events to the room
// directory, and tears every membership down on disconnect.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"classgate/internal/identity"
	"classgate/internal/metrics"
	"classgate/internal/room"
	"classgate/internal/session"
	"classgate/pkg/interfaces"
	"classgate/pkg/types"
)

// Options tunes gateway behaviour.
type Options struct {
	// RequireMembership rejects sends into rooms the sender has not joined.
	RequireMembership bool
	// EchoToSender delivers a sender's own messages back to it.
	EchoToSender bool
	// SendLimitPerMinute caps sends per user; zero disables the limit.
	SendLimitPerMinute int
	SendBurst          int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		RequireMembership:  true,
		EchoToSender:       true,
		SendLimitPerMinute: 100,
		SendBurst:          20,
	}
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithSink hands every chat event to sink after broadcast.
func WithSink(sink interfaces.EventSink) Option {
	return func(g *Gateway) { g.sink = sink }
}

// WithMetrics records gateway activity.
func WithMetrics(rec metrics.Recorder) Option {
	return func(g *Gateway) { g.metrics = rec }
}

// WithRoomPolicy gates join-room.
func WithRoomPolicy(policy RoomPolicy) Option {
	return func(g *Gateway) { g.policy = policy }
}

// withClock overrides the time source used for event timestamps and rate limiting.
func withClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// AcceptFunc completes the transport side of a connection once its identity
// is known, returning the outbox for the new session.
type AcceptFunc func(id types.Identity) (interfaces.Outbox, error)

// Gateway coordinates the verifier, the session registry and the room
// directory. It owns neither registry.
type Gateway struct {
	verifier interfaces.Verifier
	sessions *session.Registry
	rooms    *room.Directory
	opts     Options
	limiter  *rateLimiter
	policy   RoomPolicy
	sink     interfaces.EventSink
	metrics  metrics.Recorder
	now      func() time.Time
	log      *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// New creates a gateway over the given registries.
func New(verifier interfaces.Verifier, sessions *session.Registry, rooms *room.Directory, opts Options, log *slog.Logger, options ...Option) *Gateway {
	g := &Gateway{
		verifier: verifier,
		sessions: sessions,
		rooms:    rooms,
		opts:     opts,
		limiter:  newRateLimiter(opts.SendLimitPerMinute, opts.SendBurst),
		policy:   AllowAll,
		metrics:  metrics.Nop{},
		now:      time.Now,
		log:      log,
		clients:  make(map[string]*Client),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Connect runs the handshake for one connection attempt. On any failure no
// session exists afterwards. Verification failures wrap identity.ErrAuth.
func (g *Gateway) Connect(ctx context.Context, credential string, accept AcceptFunc) (*Client, error) {
	c := &Client{gw: g, state: StateConnecting}

	id, err := g.authenticate(ctx, credential)
	if err != nil {
		c.state = StateClosed
		g.metrics.AuthFailed()
		g.log.Info("connection rejected", "error", err)
		return nil, err
	}
	c.identity = id
	c.state = StateAuthenticated

	outbox, err := accept(id)
	if err != nil {
		c.state = StateClosed
		return nil, fmt.Errorf("%w: %w", ErrNotAccepted, err)
	}

	s, err := g.sessions.Open(outbox, id)
	if err != nil {
		c.state = StateClosed
		return nil, fmt.Errorf("open session: %w", err)
	}
	c.session = s
	c.outbox = outbox
	c.personal = types.PersonalRoom(id.SubjectID)
	c.limiter = g.limiter.acquire(id.SubjectID)
	c.state = StateActive

	g.mu.Lock()
	g.clients[s.ID()] = c
	g.mu.Unlock()
	g.metrics.ConnectionOpened()

	if err := g.rooms.Join(c.personal, s.ID()); err != nil {
		c.Disconnect()
		return nil, fmt.Errorf("join personal room: %w", err)
	}

	outbox.Send(types.Connected(s.ID(), c.personal))
	g.log.Info("connection active",
		"session_id", s.ID(), "user_id", id.SubjectID, "role", id.Role)
	return c, nil
}

func (g *Gateway) authenticate(ctx context.Context, credential string) (types.Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return types.Identity{}, fmt.Errorf("%w: %w", identity.ErrAuth, identity.ErrMissingCredential)
	}

	id, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, identity.ErrAuth) {
			return types.Identity{}, err
		}
		return types.Identity{}, fmt.Errorf("%w: %w", identity.ErrAuth, err)
	}
	if id.SubjectID == "" {
		return types.Identity{}, fmt.Errorf("%w: %w", identity.ErrAuth, identity.ErrMissingSubject)
	}
	if !id.Role.Valid() {
		return types.Identity{}, fmt.Errorf("%w: %w", identity.ErrAuth, identity.ErrInvalidRole)
	}
	return id, nil
}

// Notify delivers a server-originated message into a user's personal room,
// reaching every live session of that user.
func (g *Gateway) Notify(ctx context.Context, from types.Identity, subjectID, body string) (room.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return room.Delivery{}, err
	}
	if strings.TrimSpace(subjectID) == "" {
		return room.Delivery{}, fmt.Errorf("%w: %w", ErrInvalidEvent, types.ErrMissingRoom)
	}
	if strings.TrimSpace(body) == "" {
		return room.Delivery{}, fmt.Errorf("%w: %w", ErrInvalidEvent, types.ErrMissingBody)
	}
	if len(body) > types.MaxBodyLength {
		return room.Delivery{}, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidEvent, types.MaxBodyLength)
	}

	event := g.newChatEvent(types.PersonalRoom(subjectID), from, body)
	delivery := g.publish(event, "")
	g.log.Info("notification sent",
		"room_id", event.RoomID, "user_id", from.SubjectID, "delivered", delivery.Delivered)
	return delivery, nil
}

func (g *Gateway) newChatEvent(roomID types.RoomID, sender types.Identity, body string) types.ChatEvent {
	return types.ChatEvent{
		ID:     uuid.NewString(),
		RoomID: roomID,
		Sender: sender,
		Body:   body,
		SentAt: g.now().UTC(),
	}
}

// publish broadcasts the event and hands it to the sink. Sink failures never
// affect the broadcast.
func (g *Gateway) publish(event types.ChatEvent, exclude string) room.Delivery {
	delivery := g.rooms.Broadcast(event.RoomID, types.ReceiveMessage(event), exclude)
	g.metrics.Broadcast(delivery.Delivered, delivery.Dropped)
	if g.sink != nil {
		g.sink.Publish(event)
	}
	return delivery
}

// Client returns the live client for a session id.
func (g *Gateway) Client(sessionID string) (*Client, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[sessionID]
	return c, ok
}

func (g *Gateway) forget(sessionID string) {
	g.mu.Lock()
	delete(g.clients, sessionID)
	g.mu.Unlock()
}

// Shutdown disconnects every live client and closes its outbox.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	clients := lo.Values(g.clients)
	g.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
		if err := c.outbox.Close(); err != nil {
			g.log.Debug("outbox close failed", "session_id", c.SessionID(), "error", err)
		}
	}
	g.log.Info("gateway shut down", "clients", len(clients))
}

// Sessions returns every live session, oldest first.
func (g *Gateway) Sessions() []*session.Session {
	return g.sessions.Snapshot()
}

// GetStats merges registry and directory statistics.
func (g *Gateway) GetStats() map[string]int {
	stats := g.sessions.GetStats()
	for k, v := range g.rooms.GetStats() {
		stats[k] = v
	}
	g.mu.Lock()
	stats["clients"] = len(g.clients)
	g.mu.Unlock()
	stats["rate_limited_users"] = g.limiter.tracked()
	return stats
}
