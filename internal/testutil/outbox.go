// Package testutil holds fakes shared by package tests.
package testutil

import (
	"sync"
	"time"

	"classgate/pkg/types"
)

// Outbox records every event it accepts. It can be capped to simulate a slow
// receiver whose buffer is full.
type Outbox struct {
	mu       sync.Mutex
	events   []types.OutboundEvent
	capacity int
	closed   bool
	notify   chan struct{}
}

// NewOutbox returns an unbounded recording outbox.
func NewOutbox() *Outbox {
	return &Outbox{notify: make(chan struct{}, 1)}
}

// NewFullOutbox returns an outbox that accepts capacity events and then drops.
func NewFullOutbox(capacity int) *Outbox {
	o := NewOutbox()
	o.capacity = capacity
	return o
}

func (o *Outbox) Send(event types.OutboundEvent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	if o.capacity > 0 && len(o.events) >= o.capacity {
		return false
	}
	o.events = append(o.events, event)

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Events returns a copy of everything accepted so far.
func (o *Outbox) Events() []types.OutboundEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.OutboundEvent(nil), o.events...)
}

// Messages returns only the receive-message events.
func (o *Outbox) Messages() []types.OutboundEvent {
	var out []types.OutboundEvent
	for _, e := range o.Events() {
		if e.Type == types.EventReceiveMessage {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until at least n events were accepted or the timeout expires.
func (o *Outbox) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		o.mu.Lock()
		count := len(o.events)
		o.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-o.notify:
		case <-deadline:
			return false
		}
	}
}
