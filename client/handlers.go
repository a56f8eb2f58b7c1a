package client

import (
	"sync"

	"realtime-hub/domain"
)

// Subscription identifies one registered handler.
type Subscription struct {
	kind domain.Kind
	id   uint64
}

// Subscriber is the handler registry surface the composition packages
// depend on.
type Subscriber interface {
	On(kind domain.Kind, fn func(domain.Event)) *Subscription
	Off(sub *Subscription)
}

// Subscribe registers a handler for the event type T and returns its
// unsubscribe func. Handlers run one at a time in arrival order, off the
// connection's read loop.
func Subscribe[T domain.Event](s Subscriber, fn func(T)) func() {
	var zero T
	sub := s.On(zero.Kind(), func(ev domain.Event) {
		if v, ok := ev.(T); ok {
			fn(v)
		}
	})
	return func() { s.Off(sub) }
}

type entry struct {
	id uint64
	fn func(domain.Event)
}

type registry struct {
	mu     sync.RWMutex
	byKind map[domain.Kind][]entry
	nextID uint64

	qmu      sync.Mutex
	queue    []domain.Event
	draining bool
}

func (r *registry) add(kind domain.Kind, fn func(domain.Event)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.byKind[kind] = append(r.byKind[kind], entry{id: r.nextID, fn: fn})
	return &Subscription{kind: kind, id: r.nextID}
}

func (r *registry) remove(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byKind[sub.kind]
	for i, e := range entries {
		if e.id == sub.id {
			r.byKind[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.byKind[sub.kind]) == 0 {
		delete(r.byKind, sub.kind)
	}
}

func (r *registry) dispatch(ev domain.Event) {
	r.mu.RLock()
	entries := r.byKind[ev.Kind()]
	r.mu.RUnlock()

	for _, e := range entries {
		e.fn(ev)
	}
}

// publish queues ev for delivery on the registry's own goroutine, keeping
// arrival order. Handlers may therefore block on requests to the server.
func (r *registry) publish(ev domain.Event) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	r.queue = append(r.queue, ev)
	if !r.draining {
		r.draining = true
		go r.drain()
	}
}

func (r *registry) drain() {
	for {
		r.qmu.Lock()
		if len(r.queue) == 0 {
			r.draining = false
			r.qmu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.qmu.Unlock()

		r.dispatch(ev)
	}
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entries := range r.byKind {
		n += len(entries)
	}
	return n
}
