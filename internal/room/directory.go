package room

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"

	"classgate/pkg/interfaces"
	"classgate/pkg/types"
)

// Sessions is the slice of the Session Registry the directory needs: the
// session-side room set it keeps in step, and each member's outbox.
type Sessions interface {
	Attach(sessionID string, roomID types.RoomID) error
	Detach(sessionID string, roomID types.RoomID) error
	Outbox(sessionID string) (interfaces.Outbox, bool)
}

// Delivery summarises one broadcast.
type Delivery struct {
	Recipients int
	Delivered  int
	Dropped    int
}

// Directory maps room ids to their member sessions. It is the only writer of
// room membership; every change is mirrored into the session's own room set
// inside the same critical section, so the two views never diverge.
//
// Lock order is Directory.mu then the registry's lock. The registry never
// calls back into the directory.
type Directory struct {
	mu       sync.RWMutex
	rooms    map[types.RoomID]map[string]struct{}
	sessions Sessions
	log      *slog.Logger
}

// NewDirectory creates an empty directory bound to a session registry.
func NewDirectory(sessions Sessions, log *slog.Logger) *Directory {
	return &Directory{
		rooms:    make(map[types.RoomID]map[string]struct{}),
		sessions: sessions,
		log:      log,
	}
}

// Join adds the session to the room. Joining twice is a no-op.
// An unknown session yields session.ErrSessionNotFound and changes nothing.
func (d *Directory) Join(roomID types.RoomID, sessionID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}
	if sessionID == "" {
		return ErrEmptySessionID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.sessions.Attach(sessionID, roomID); err != nil {
		return err
	}

	members, ok := d.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		d.rooms[roomID] = members
	}
	members[sessionID] = struct{}{}
	return nil
}

// Leave removes the session from the room. Leaving a room the session is not
// in, or leaving after the session was closed, is a no-op on the missing side.
// Empty rooms are dropped.
func (d *Directory) Leave(roomID types.RoomID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// ErrSessionNotFound only means the session side is already gone.
	_ = d.sessions.Detach(sessionID, roomID)

	members, ok := d.rooms[roomID]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(d.rooms, roomID)
	}
}

// Broadcast delivers event to a snapshot of the room's members, skipping
// exclude when it is non-empty. Members that join after the snapshot miss
// the event; members leaving during delivery may or may not get it.
// Delivery never blocks on a slow receiver.
func (d *Directory) Broadcast(roomID types.RoomID, event types.OutboundEvent, exclude string) Delivery {
	d.mu.RLock()
	members := lo.Keys(d.rooms[roomID])
	d.mu.RUnlock()

	if exclude != "" {
		members = lo.Without(members, exclude)
	}

	delivery := Delivery{Recipients: len(members)}
	for _, sessionID := range members {
		outbox, ok := d.sessions.Outbox(sessionID)
		if !ok {
			delivery.Dropped++
			continue
		}
		if outbox.Send(event) {
			delivery.Delivered++
		} else {
			delivery.Dropped++
			d.log.Debug("delivery dropped", "room_id", roomID, "session_id", sessionID)
		}
	}
	return delivery
}

// MembersOf returns a sorted snapshot of the room's members. Absent rooms
// are empty.
func (d *Directory) MembersOf(roomID types.RoomID) []string {
	d.mu.RLock()
	members := lo.Keys(d.rooms[roomID])
	d.mu.RUnlock()

	slices.Sort(members)
	return members
}

// IsMember reports whether the session currently occupies the room.
func (d *Directory) IsMember(roomID types.RoomID, sessionID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.rooms[roomID][sessionID]
	return ok
}

// Rooms returns the ids of every occupied room, sorted.
func (d *Directory) Rooms() []types.RoomID {
	d.mu.RLock()
	rooms := lo.Keys(d.rooms)
	d.mu.RUnlock()

	slices.Sort(rooms)
	return rooms
}

// GetStats returns directory statistics for monitoring.
func (d *Directory) GetStats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	personal, breakout := 0, 0
	for roomID := range d.rooms {
		switch {
		case roomID.IsPersonal():
			personal++
		case roomID.IsBreakout():
			breakout++
		}
	}
	return map[string]int{
		"rooms":           len(d.rooms),
		"personal_rooms":  personal,
		"breakout_rooms":  breakout,
		"classroom_rooms": len(d.rooms) - personal - breakout,
	}
}
