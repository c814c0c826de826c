package testutil

import (
	"context"
	"errors"
	"sync/atomic"

	"classgate/pkg/types"
)

// Classroom roster used across tests.
var (
	Teacher = types.Identity{SubjectID: "t-100", DisplayName: "Ms. Rivera", Role: types.RoleTeacher}
	Alice   = types.Identity{SubjectID: "s-201", DisplayName: "Alice", Role: types.RoleStudent}
	Bob     = types.Identity{SubjectID: "s-202", DisplayName: "Bob", Role: types.RoleStudent}
	Carol   = types.Identity{SubjectID: "s-203", DisplayName: "Carol", Role: types.RoleStudent}
	Dave    = types.Identity{SubjectID: "s-204", DisplayName: "Dave", Role: types.RoleStudent}
)

// ErrUnknownCredential is returned by StaticVerifier for unmapped credentials.
var ErrUnknownCredential = errors.New("unknown credential")

// StaticVerifier accepts credentials that map to a known identity.
type StaticVerifier struct {
	identities map[string]types.Identity
	calls      atomic.Int64
}

// NewStaticVerifier maps each identity's subject id, used as the credential.
func NewStaticVerifier(identities ...types.Identity) *StaticVerifier {
	v := &StaticVerifier{identities: make(map[string]types.Identity)}
	for _, id := range identities {
		v.identities[id.SubjectID] = id
	}
	return v
}

func (v *StaticVerifier) Verify(ctx context.Context, credential string) (types.Identity, error) {
	v.calls.Add(1)
	id, ok := v.identities[credential]
	if !ok {
		return types.Identity{}, ErrUnknownCredential
	}
	return id, nil
}

// Calls returns how many times Verify ran.
func (v *StaticVerifier) Calls() int {
	return int(v.calls.Load())
}

// Sink collects published chat events.
type Sink struct {
	events chan types.ChatEvent
}

// NewSink returns a sink buffering up to size events.
func NewSink(size int) *Sink {
	return &Sink{events: make(chan types.ChatEvent, size)}
}

func (s *Sink) Publish(event types.ChatEvent) {
	select {
	case s.events <- event:
	default:
	}
}

// Events exposes the published events.
func (s *Sink) Events() <-chan types.ChatEvent {
	return s.events
}
