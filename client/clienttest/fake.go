// Package clienttest provides an in-memory stand-in for client.Client.
package clienttest

import (
	"context"
	"sync"

	"realtime-hub/client"
	"realtime-hub/domain"
)

type handler struct {
	kind domain.Kind
	fn   func(domain.Event)
}

// Fake records outbound calls and lets tests inject inbound events.
type Fake struct {
	mu       sync.Mutex
	handlers map[*client.Subscription]handler
	order    []*client.Subscription
	sent     []domain.Event

	Offline bool
	JoinErr error
	Members []string
}

func New() *Fake {
	return &Fake{handlers: make(map[*client.Subscription]handler)}
}

func (f *Fake) On(kind domain.Kind, fn func(domain.Event)) *client.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &client.Subscription{}
	f.handlers[sub] = handler{kind: kind, fn: fn}
	f.order = append(f.order, sub)
	return sub
}

func (f *Fake) Off(sub *client.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, sub)
}

// Emit delivers ev to every handler registered for its kind.
func (f *Fake) Emit(ev domain.Event) {
	f.mu.Lock()
	var fns []func(domain.Event)
	for _, sub := range f.order {
		if h, ok := f.handlers[sub]; ok && h.kind == ev.Kind() {
			fns = append(fns, h.fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (f *Fake) Handlers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// Sent returns the outbound events in call order.
func (f *Fake) Sent() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.sent...)
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func (f *Fake) record(ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return client.ErrNotConnected
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *Fake) JoinRoom(_ context.Context, room string) error {
	if err := f.record(domain.JoinRequest{Room: room}); err != nil {
		return err
	}
	return f.JoinErr
}

func (f *Fake) LeaveRoom(room string) error {
	return f.record(domain.LeaveRequest{Room: room})
}

func (f *Fake) RoomMembers(_ context.Context, room string) ([]string, error) {
	if err := f.record(domain.RoomMembersRequest{Room: room}); err != nil {
		return nil, err
	}
	return append([]string(nil), f.Members...), nil
}

func (f *Fake) SendMessage(room, content string, metadata map[string]any) error {
	return f.record(domain.SendMessage{Room: room, Content: content, Metadata: metadata})
}

func (f *Fake) StartTyping(room string) error {
	return f.record(domain.TypingStartRequest{Room: room})
}

func (f *Fake) StopTyping(room string) error {
	return f.record(domain.TypingStopRequest{Room: room})
}

func (f *Fake) SetPresence(status domain.Status) error {
	return f.record(domain.PresenceRequest{Status: status})
}
