package gateway

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"classgate/pkg/types"
)

// ErrUnknownClassroom is returned by ClassroomAllowlist for rooms outside the list.
var ErrUnknownClassroom = errors.New("unknown classroom")

// RoomPolicy decides whether an identity may join a room. It stands in for
// the external source of room existence and membership truth. AllowJoin is
// called without any client lock held, so a connection may close while it
// runs; the join is then rejected as not active.
type RoomPolicy interface {
	AllowJoin(ctx context.Context, id types.Identity, roomID types.RoomID) error
}

// RoomPolicyFunc adapts a function to RoomPolicy.
type RoomPolicyFunc func(ctx context.Context, id types.Identity, roomID types.RoomID) error

func (f RoomPolicyFunc) AllowJoin(ctx context.Context, id types.Identity, roomID types.RoomID) error {
	return f(ctx, id, roomID)
}

// AllowAll admits every join.
var AllowAll RoomPolicy = RoomPolicyFunc(func(context.Context, types.Identity, types.RoomID) error {
	return nil
})

// ClassroomAllowlist admits joins to the listed classrooms and to breakout
// rooms under them. An empty list admits everything.
type ClassroomAllowlist struct {
	classrooms map[types.RoomID]struct{}
}

// NewClassroomAllowlist builds a policy from classroom ids.
func NewClassroomAllowlist(classrooms []string) *ClassroomAllowlist {
	set := lo.SliceToMap(classrooms, func(c string) (types.RoomID, struct{}) {
		return types.RoomID(c), struct{}{}
	})
	return &ClassroomAllowlist{classrooms: set}
}

func (p *ClassroomAllowlist) AllowJoin(_ context.Context, _ types.Identity, roomID types.RoomID) error {
	if len(p.classrooms) == 0 {
		return nil
	}
	if _, ok := p.classrooms[roomID.Classroom()]; !ok {
		return ErrUnknownClassroom
	}
	return nil
}
