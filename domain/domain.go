package domain

import "time"

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Present reports whether the status counts as reachable. Only offline is absent.
func (s Status) Present() bool {
	return s.Valid() && s != StatusOffline
}

type Presence struct {
	UserID   string     `json:"userId"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type ChatMessage struct {
	ID        string         `json:"id"`
	Room      string         `json:"room"`
	UserID    string         `json:"userId"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Notification struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// UserRoomPrefix marks the reserved per-user rooms used to reach every
// device of one user. Clients can neither join nor leave them.
const UserRoomPrefix = "user:"

func UserRoom(userID string) string {
	return UserRoomPrefix + userID
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// MessageHandler receives the lifecycle of one transport connection.
type MessageHandler interface {
	Connected(conn Connection)
	Handle(conn Connection, data []byte)
	Disconnected(conn Connection, reason string)
}
