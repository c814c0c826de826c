package session

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"classgate/pkg/interfaces"
	"classgate/pkg/types"
)

// Session binds one live connection to its verified identity and to the rooms
// it currently occupies. The room set is only mutated through the Registry,
// and only at the Room Directory's request.
type Session struct {
	id       string
	identity types.Identity
	outbox   interfaces.Outbox
	openedAt time.Time
	rooms    map[types.RoomID]struct{} // guarded by Registry.mu
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Identity() types.Identity  { return s.identity }
func (s *Session) Outbox() interfaces.Outbox { return s.outbox }
func (s *Session) OpenedAt() time.Time       { return s.openedAt }

// Registry owns every live Session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Open registers a new session with an empty room set.
func (r *Registry) Open(outbox interfaces.Outbox, identity types.Identity) (*Session, error) {
	if outbox == nil {
		return nil, ErrNilOutbox
	}
	if identity.SubjectID == "" || !identity.Role.Valid() {
		return nil, ErrInvalidIdentity
	}

	s := &Session{
		id:       uuid.NewString(),
		identity: identity,
		outbox:   outbox,
		openedAt: time.Now(),
		rooms:    make(map[types.RoomID]struct{}),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.log.Debug("session opened", "session_id", s.id, "user_id", identity.SubjectID, "role", identity.Role)
	return s, nil
}

// Close removes the session. The caller is expected to have evicted it from
// every room first; any rooms still recorded are returned so the caller can
// finish the eviction on the directory side.
func (r *Registry) Close(sessionID string) ([]types.RoomID, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	leftover := sortedRooms(s.rooms)
	r.mu.Unlock()

	if len(leftover) > 0 {
		r.log.Warn("session closed with rooms still attached",
			"session_id", sessionID, "rooms", len(leftover))
	}
	r.log.Debug("session closed", "session_id", sessionID, "user_id", s.identity.SubjectID)
	return leftover, nil
}

// RoomsOf returns a snapshot of the rooms the session occupies.
func (r *Registry) RoomsOf(sessionID string) ([]types.RoomID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sortedRooms(s.rooms), nil
}

// Lookup returns the live session with the given id.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	return s, ok
}

// Outbox returns the outbound side of a live session.
func (r *Registry) Outbox(sessionID string) (interfaces.Outbox, bool) {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return nil, false
	}
	return s.outbox, true
}

// Attach records roomID in the session's room set. Only the Room Directory
// calls this, inside its own critical section.
func (r *Registry) Attach(sessionID string, roomID types.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.rooms[roomID] = struct{}{}
	return nil
}

// Detach removes roomID from the session's room set.
func (r *Registry) Detach(sessionID string, roomID types.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	delete(s.rooms, roomID)
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns every live session ordered by opening time.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := lo.Values(r.sessions)
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return a.openedAt.Compare(b.openedAt)
	})
	return sessions
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	memberships := lo.SumBy(lo.Values(r.sessions), func(s *Session) int {
		return len(s.rooms)
	})
	return map[string]int{
		"open_sessions": len(r.sessions),
		"memberships":   memberships,
	}
}

func sortedRooms(rooms map[types.RoomID]struct{}) []types.RoomID {
	keys := lo.Keys(rooms)
	slices.Sort(keys)
	return keys
}
