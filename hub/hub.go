package hub

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"realtime-hub/domain"
	"realtime-hub/idgen"
)

const MaxRoomNameLength = 100

var (
	ErrUnknownConnection = errors.New("connection is not registered")
	ErrNotAuthenticated  = errors.New("connection is not authenticated")
)

// Recorder receives registry gauges and fan-out counts.
type Recorder interface {
	SetConnections(n int)
	SetOnlineUsers(n int)
	SetRooms(n int)
	EventSent(kind domain.Kind, n int)
	SendDropped()
}

// PresenceObserver is told about every presence transition, in order.
type PresenceObserver interface {
	PresenceChanged(ctx context.Context, p domain.Presence)
}

type session struct {
	conn        domain.Connection
	userID      string
	rooms       map[string]struct{}
	connectedAt time.Time
}

// Hub is the session registry. All map mutations and the fan-out they
// trigger happen under one lock, so presence transitions reach clients in
// the order they were decided.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session            // socketID -> session
	users    map[string]map[string]struct{} // userID -> socketIDs
	rooms    map[string]map[string]struct{} // room -> socketIDs
	statuses map[string]domain.Status       // userID -> last set status

	observers []PresenceObserver
	qmu       sync.Mutex
	queue     []domain.Presence // transitions not yet seen by observers
	wake      chan struct{}
	recorder  Recorder
	now       func() time.Time
}

type Option func(*Hub)

func WithObserver(o PresenceObserver) Option {
	return func(h *Hub) { h.observers = append(h.observers, o) }
}

func WithRecorder(r Recorder) Option {
	return func(h *Hub) { h.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		sessions: make(map[string]*session),
		users:    make(map[string]map[string]struct{}),
		rooms:    make(map[string]map[string]struct{}),
		statuses: make(map[string]domain.Status),
		wake:     make(chan struct{}, 1),
		recorder: noopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers presence transitions to observers until ctx is done. What is
// still queued at that point is delivered before Run returns.
func (h *Hub) Run(ctx context.Context) {
	octx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			h.deliver(octx)
			return
		case <-h.wake:
			h.deliver(octx)
		}
	}
}

func (h *Hub) deliver(ctx context.Context) {
	for {
		h.qmu.Lock()
		batch := h.queue
		h.queue = nil
		h.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, p := range batch {
			for _, o := range h.observers {
				o.PresenceChanged(ctx, p)
			}
		}
	}
}

func (h *Hub) Register(conn domain.Connection) {
	h.mu.Lock()
	h.sessions[conn.ID()] = &session{
		conn:        conn,
		rooms:       make(map[string]struct{}),
		connectedAt: h.now(),
	}
	count := len(h.sessions)
	h.recorder.SetConnections(count)
	h.mu.Unlock()

	slog.Info("client connected", "clientId", conn.ID(), "clients", count)
}

// Authenticate binds userID to the connection, joins the user's reserved
// room and broadcasts the user as online. A connection that was bound to a
// different user is detached from it first.
func (h *Hub) Authenticate(conn domain.Connection, userID string) error {
	if userID == "" {
		return ErrNotAuthenticated
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[conn.ID()]
	if !ok {
		return ErrUnknownConnection
	}
	if s.userID != "" && s.userID != userID {
		h.detachUserLocked(s)
	}

	s.userID = userID
	set, ok := h.users[userID]
	if !ok {
		set = make(map[string]struct{})
		h.users[userID] = set
	}
	set[conn.ID()] = struct{}{}
	h.joinLocked(s, domain.UserRoom(userID))
	h.statuses[userID] = domain.StatusOnline
	h.recorder.SetOnlineUsers(len(h.users))

	h.publishLocked(domain.Presence{UserID: userID, Status: domain.StatusOnline})
	slog.Info("client authenticated", "clientId", conn.ID(), "userId", userID, "devices", len(set))
	return nil
}

func (h *Hub) JoinRoom(conn domain.Connection, room string) error {
	if err := validateRoom(room); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[conn.ID()]
	if !ok {
		return domain.JoinError{Room: room, Code: domain.CodeBadRequest, Message: ErrUnknownConnection.Error()}
	}
	if _, member := s.rooms[room]; member {
		return nil
	}

	peers := idsOf(h.rooms[room], "")
	announce := !h.userInRoomLocked(s.userID, room, conn.ID())
	h.joinLocked(s, room)
	if announce {
		h.sendLocked(domain.UserJoined{UserID: s.userID, Room: room}, peers)
	}

	slog.Debug("client joined room", "clientId", conn.ID(), "room", room, "members", len(peers)+1)
	return nil
}

// LeaveRoom reports whether the connection was a member.
func (h *Hub) LeaveRoom(conn domain.Connection, room string) bool {
	if strings.HasPrefix(room, domain.UserRoomPrefix) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[conn.ID()]
	if !ok {
		return false
	}
	if _, member := s.rooms[room]; !member {
		return false
	}

	h.leaveLocked(s, room)
	if !h.userInRoomLocked(s.userID, room, conn.ID()) {
		h.sendLocked(domain.UserLeft{UserID: s.userID, Room: room}, idsOf(h.rooms[room], ""))
	}

	slog.Debug("client left room", "clientId", conn.ID(), "room", room)
	return true
}

// UpdatePresence is a no-op for anonymous connections and unknown statuses.
func (h *Hub) UpdatePresence(conn domain.Connection, status domain.Status) bool {
	if !status.Valid() {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[conn.ID()]
	if !ok || s.userID == "" {
		return false
	}

	h.statuses[s.userID] = status
	p := domain.Presence{UserID: s.userID, Status: status}
	if status == domain.StatusOffline {
		seen := h.now()
		p.LastSeen = &seen
	}
	h.publishLocked(p)
	return true
}

// HandleDisconnect tears down a connection once; later calls for the same
// connection are ignored.
func (h *Hub) HandleDisconnect(conn domain.Connection, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[conn.ID()]
	if !ok {
		return
	}
	delete(h.sessions, conn.ID())

	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		h.leaveLocked(s, room)
		if strings.HasPrefix(room, domain.UserRoomPrefix) || h.userInRoomLocked(s.userID, room, conn.ID()) {
			continue
		}
		h.sendLocked(domain.UserLeft{UserID: s.userID, Room: room}, idsOf(h.rooms[room], ""))
	}
	if s.userID != "" {
		h.detachUserLocked(s)
	}

	h.recorder.SetConnections(len(h.sessions))
	slog.Info("client disconnected",
		"clientId", conn.ID(),
		"reason", reason,
		"duration", h.now().Sub(s.connectedAt).Round(time.Millisecond),
		"clients", len(h.sessions))
}

func (h *Hub) SendToUser(userID string, ev domain.Event) int {
	return h.SendToRoom(domain.UserRoom(userID), ev)
}

func (h *Hub) SendToRoom(room string, ev domain.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sendLocked(ev, idsOf(h.rooms[room], ""))
}

func (h *Hub) Broadcast(ev domain.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sendLocked(ev, h.allIDsLocked())
}

// Notify pushes a notification to every device of userID, or to everyone
// when userID is empty.
func (h *Hub) Notify(userID string, n domain.Notification) int {
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now()
	}
	if userID == "" {
		return h.Broadcast(domain.NotificationEvent(n))
	}
	return h.SendToUser(userID, domain.NotificationEvent(n))
}

// RelayMessage fans a chat message out to every member of its room, the
// sender included.
func (h *Hub) RelayMessage(conn domain.Connection, req domain.SendMessage) (domain.Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, err := h.memberLocked(conn, req.Room)
	if err != nil {
		return domain.Message{}, err
	}

	at := h.now()
	msg := domain.NewMessage(idgen.NewMessageID(at), s.userID, req, at)
	h.sendLocked(msg, idsOf(h.rooms[req.Room], ""))
	return msg, nil
}

// RelayTyping tells the other members of room that the sender started or
// stopped typing.
func (h *Hub) RelayTyping(conn domain.Connection, room string, started bool) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, err := h.memberLocked(conn, room)
	if err != nil {
		return err
	}

	var ev domain.Event = domain.TypingStopped{UserID: s.userID, Room: room}
	if started {
		ev = domain.TypingStarted{UserID: s.userID, Room: room}
	}
	h.sendLocked(ev, idsOf(h.rooms[room], conn.ID()))
	return nil
}

// RoomMembers returns the sorted ids of authenticated users in room.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range h.rooms[room] {
		if s, ok := h.sessions[id]; ok && s.userID != "" {
			seen[s.userID] = struct{}{}
		}
	}
	members := make([]string, 0, len(seen))
	for userID := range seen {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}

func (h *Hub) IsMember(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

func (h *Hub) Presence(userID string) (domain.Presence, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status, ok := h.statuses[userID]
	if !ok {
		return domain.Presence{}, false
	}
	return domain.Presence{UserID: userID, Status: status}, true
}

func (h *Hub) OnlineUsers() []domain.Presence {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.Presence, 0, len(h.statuses))
	for userID, status := range h.statuses {
		out = append(out, domain.Presence{UserID: userID, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (h *Hub) Stats() (connections, users, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions), len(h.users), len(h.rooms)
}

// Shutdown disconnects every session before closing its transport, so every
// user's offline transition is queued for observers by the time it returns.
// Cancel Run afterwards to flush them.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	conns := make([]domain.Connection, 0, len(h.sessions))
	for _, s := range h.sessions {
		conns = append(conns, s.conn)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.HandleDisconnect(c, "server shutdown")
		_ = c.Close()
	}
	slog.Info("hub shut down", "clients", len(conns))
	return nil
}

// Close closes every transport and leaves the cleanup to their disconnect
// handlers.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]domain.Connection, 0, len(h.sessions))
	for _, s := range h.sessions {
		conns = append(conns, s.conn)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
	slog.Info("hub closed", "clients", len(conns))
}

func (h *Hub) memberLocked(conn domain.Connection, room string) (*session, error) {
	s, ok := h.sessions[conn.ID()]
	if !ok {
		return nil, ErrUnknownConnection
	}
	if s.userID == "" {
		return nil, ErrNotAuthenticated
	}
	if _, member := s.rooms[room]; !member {
		return nil, domain.ErrorEvent{Code: domain.CodeNotInRoom, Message: "not a member of room " + room}
	}
	return s, nil
}

// userInRoomLocked reports whether a connection of userID other than
// exclude is in room. Join and leave are announced per user, not per device.
func (h *Hub) userInRoomLocked(userID, room, exclude string) bool {
	if userID == "" {
		return false
	}
	members := h.rooms[room]
	for id := range h.users[userID] {
		if _, ok := members[id]; ok && id != exclude {
			return true
		}
	}
	return false
}

func (h *Hub) detachUserLocked(s *session) {
	userID := s.userID
	s.userID = ""
	h.leaveLocked(s, domain.UserRoom(userID))

	set := h.users[userID]
	delete(set, s.conn.ID())
	if len(set) > 0 {
		return
	}
	delete(h.users, userID)
	delete(h.statuses, userID)
	h.recorder.SetOnlineUsers(len(h.users))

	seen := h.now()
	h.publishLocked(domain.Presence{UserID: userID, Status: domain.StatusOffline, LastSeen: &seen})
	slog.Info("user offline", "userId", userID)
}

func (h *Hub) joinLocked(s *session, room string) {
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[string]struct{})
		h.rooms[room] = set
	}
	set[s.conn.ID()] = struct{}{}
	s.rooms[room] = struct{}{}
	h.recorder.SetRooms(len(h.rooms))
}

func (h *Hub) leaveLocked(s *session, room string) {
	delete(s.rooms, room)
	set, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(set, s.conn.ID())
	if len(set) == 0 {
		delete(h.rooms, room)
		slog.Debug("room removed", "room", room)
	}
	h.recorder.SetRooms(len(h.rooms))
}

func (h *Hub) publishLocked(p domain.Presence) {
	h.sendLocked(domain.PresenceUpdate(p), h.allIDsLocked())
	if len(h.observers) == 0 {
		return
	}
	h.qmu.Lock()
	h.queue = append(h.queue, p)
	h.qmu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) allIDsLocked() []string {
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// sendLocked encodes ev once and queues it on every listed connection. A
// connection whose buffer is full is dropped asynchronously.
func (h *Hub) sendLocked(ev domain.Event, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	data, err := domain.Encode(ev)
	if err != nil {
		slog.Error("encode event", "event", ev.Kind(), "error", err)
		return 0
	}

	sent := 0
	for _, id := range ids {
		s, ok := h.sessions[id]
		if !ok {
			continue
		}
		if err := s.conn.Send(data); err != nil {
			h.recorder.SendDropped()
			slog.Warn("send failed, dropping client", "clientId", id, "event", ev.Kind(), "error", err)
			go func(c domain.Connection) {
				h.HandleDisconnect(c, "send failed")
				_ = c.Close()
			}(s.conn)
			continue
		}
		sent++
	}
	h.recorder.EventSent(ev.Kind(), sent)
	return sent
}

func idsOf(set map[string]struct{}, exclude string) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	return ids
}

func validateRoom(room string) error {
	switch {
	case strings.TrimSpace(room) == "":
		return domain.JoinError{Room: room, Code: domain.CodeInvalidRoom, Message: "room name is required"}
	case len(room) > MaxRoomNameLength || !utf8.ValidString(room):
		return domain.JoinError{Room: room, Code: domain.CodeInvalidRoom, Message: "room name is invalid"}
	case strings.HasPrefix(room, domain.UserRoomPrefix):
		return domain.JoinError{Room: room, Code: domain.CodeForbidden, Message: "room name is reserved"}
	}
	return nil
}

type noopRecorder struct{}

func (noopRecorder) SetConnections(int)          {}
func (noopRecorder) SetOnlineUsers(int)          {}
func (noopRecorder) SetRooms(int)                {}
func (noopRecorder) EventSent(domain.Kind, int)  {}
func (noopRecorder) SendDropped()                {}
