package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"realtime-hub/domain"
)

// Store keeps the last known presence record of every user, including
// offline users with their lastSeen.
type Store interface {
	Save(ctx context.Context, p domain.Presence) error
	Get(ctx context.Context, userID string) (domain.Presence, bool, error)
	Online(ctx context.Context) ([]domain.Presence, error)
}

// Observer persists hub presence transitions into a Store.
type Observer struct {
	store Store
}

func NewObserver(s Store) *Observer {
	return &Observer{store: s}
}

func (o *Observer) PresenceChanged(ctx context.Context, p domain.Presence) {
	if err := o.store.Save(ctx, p); err != nil {
		slog.Warn("persist presence", "userId", p.UserID, "status", p.Status, "error", err)
	}
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.Presence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.Presence)}
}

func (m *MemoryStore) Save(_ context.Context, p domain.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.UserID] = p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (domain.Presence, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.records[userID]
	return p, ok, nil
}

func (m *MemoryStore) Online(_ context.Context) ([]domain.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Presence, 0, len(m.records))
	for _, p := range m.records {
		if p.Status.Present() {
			out = append(out, p)
		}
	}
	sortByUser(out)
	return out, nil
}

func sortByUser(ps []domain.Presence) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].UserID < ps[j].UserID })
}
