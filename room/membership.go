package room

import (
	"context"
	"sort"
	"sync"

	"realtime-hub/client"
	"realtime-hub/domain"
)

type Conn interface {
	client.Subscriber
	JoinRoom(ctx context.Context, room string) error
	LeaveRoom(room string) error
	RoomMembers(ctx context.Context, room string) ([]string, error)
}

type Options struct {
	AutoJoin bool
}

// Membership follows one room. The member list is built from user:joined
// and user:left events, which the server sends per user rather than per
// device, and is only as complete as what this client has seen; Refresh
// replaces it with the server's snapshot.
type Membership struct {
	room   string
	conn   Conn
	unsubs []func()

	mu      sync.RWMutex
	members map[string]struct{}
	joined  bool
	err     error
}

// Open starts following room and joins it when opts.AutoJoin is set. A
// failed auto-join is returned and also kept in Err.
func Open(ctx context.Context, conn Conn, room string, opts Options) (*Membership, error) {
	m := &Membership{
		room:    room,
		conn:    conn,
		members: make(map[string]struct{}),
	}
	m.unsubs = []func(){
		client.Subscribe(conn, func(e domain.UserJoined) {
			if e.Room == m.room && e.UserID != "" {
				m.mu.Lock()
				m.members[e.UserID] = struct{}{}
				m.mu.Unlock()
			}
		}),
		client.Subscribe(conn, func(e domain.UserLeft) {
			if e.Room == m.room {
				m.mu.Lock()
				delete(m.members, e.UserID)
				m.mu.Unlock()
			}
		}),
	}

	if opts.AutoJoin {
		if err := m.Join(ctx); err != nil {
			return m, err
		}
	}
	return m, nil
}

func (m *Membership) Room() string { return m.room }

func (m *Membership) Join(ctx context.Context) error {
	err := m.conn.JoinRoom(ctx, m.room)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	if err == nil {
		m.joined = true
	}
	return err
}

func (m *Membership) Leave() error {
	m.mu.Lock()
	m.joined = false
	m.members = make(map[string]struct{})
	m.mu.Unlock()
	return m.conn.LeaveRoom(m.room)
}

// Refresh replaces the member list with the server's view of the room.
func (m *Membership) Refresh(ctx context.Context) error {
	ids, err := m.conn.RoomMembers(ctx, m.room)
	if err != nil {
		return err
	}
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	m.mu.Lock()
	m.members = members
	m.mu.Unlock()
	return nil
}

func (m *Membership) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members))
	for id := range m.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Membership) Joined() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.joined
}

// Err is the outcome of the last join attempt.
func (m *Membership) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Close stops following the room and always sends a leave.
func (m *Membership) Close() error {
	for _, unsub := range m.unsubs {
		unsub()
	}
	return m.Leave()
}
