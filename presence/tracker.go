package presence

import (
	"sort"
	"sync"

	"realtime-hub/client"
	"realtime-hub/domain"
)

type Conn interface {
	client.Subscriber
	SetPresence(status domain.Status) error
}

// Tracker mirrors presence:update broadcasts into a local map, optionally
// limited to a fixed set of users.
type Tracker struct {
	conn        Conn
	unsubscribe func()

	mu       sync.RWMutex
	users    map[string]domain.Presence
	only     map[string]struct{}
	onChange []func(domain.Presence)
}

// NewTracker starts tracking. With no userIDs every user is tracked.
func NewTracker(conn Conn, userIDs ...string) *Tracker {
	t := &Tracker{
		conn:  conn,
		users: make(map[string]domain.Presence),
	}
	if len(userIDs) > 0 {
		t.only = make(map[string]struct{}, len(userIDs))
		for _, id := range userIDs {
			t.only[id] = struct{}{}
		}
	}
	t.unsubscribe = client.Subscribe(conn, t.apply)
	return t
}

func (t *Tracker) apply(u domain.PresenceUpdate) {
	p := domain.Presence(u)

	t.mu.Lock()
	if t.only != nil {
		if _, ok := t.only[p.UserID]; !ok {
			t.mu.Unlock()
			return
		}
	}
	t.users[p.UserID] = p
	subs := append(([]func(domain.Presence))(nil), t.onChange...)
	t.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}

// OnChange registers fn for every tracked update.
func (t *Tracker) OnChange(fn func(domain.Presence)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

func (t *Tracker) Get(userID string) (domain.Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.users[userID]
	return p, ok
}

// IsUserOnline treats online, away and busy as present.
func (t *Tracker) IsUserOnline(userID string) bool {
	p, ok := t.Get(userID)
	return ok && p.Status.Present()
}

func (t *Tracker) All() []domain.Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Presence, 0, len(t.users))
	for _, p := range t.users {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) Online() []string {
	var ids []string
	for _, p := range t.All() {
		if p.Status.Present() {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// SetStatus publishes the local user's status.
func (t *Tracker) SetStatus(status domain.Status) error {
	return t.conn.SetPresence(status)
}

func (t *Tracker) Close() {
	t.unsubscribe()
}
