package protocol

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-hub/domain"
	"realtime-hub/hub"
)

type mockConn struct {
	id    string
	token string
	sent  [][]byte
	mu    sync.Mutex
}

func (m *mockConn) ID() string             { return m.id }
func (m *mockConn) HandshakeToken() string { return m.token }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Close() error { return nil }

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// replies returns decoded events, skipping presence broadcasts.
func (m *mockConn) replies(t *testing.T) []domain.Event {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, frame := range m.sent {
		ev, err := domain.DecodeServer(frame)
		require.NoError(t, err)
		if _, ok := ev.(domain.PresenceUpdate); ok {
			continue
		}
		out = append(out, ev)
	}
	return out
}

type stubAuth struct {
	tokens map[string]string // token -> user
}

func (s stubAuth) Authenticate(_ context.Context, userID, token string) (string, error) {
	user, ok := s.tokens[token]
	if !ok {
		return "", errors.New("invalid token")
	}
	if userID != "" && userID != user {
		return "", errors.New("token does not belong to user")
	}
	return user, nil
}

func frame(t *testing.T, ev domain.Event) []byte {
	t.Helper()
	data, err := domain.Encode(ev)
	require.NoError(t, err)
	return data
}

func newTestHandler(opts ...Option) (*Handler, *hub.Hub) {
	h := hub.New()
	return NewHandler(h, stubAuth{tokens: map[string]string{"tok-alice": "alice", "tok-bob": "bob"}}, opts...), h
}

func TestHandler_Auth(t *testing.T) {
	tests := []struct {
		name      string
		req       domain.AuthRequest
		handshake string
		want      domain.Event
	}{
		{
			name: "token in payload",
			req:  domain.AuthRequest{UserID: "alice", Token: "tok-alice"},
			want: domain.AuthSuccess{UserID: "alice"},
		},
		{
			name:      "token from handshake",
			req:       domain.AuthRequest{UserID: "alice"},
			handshake: "tok-alice",
			want:      domain.AuthSuccess{UserID: "alice"},
		},
		{
			name: "wrong user",
			req:  domain.AuthRequest{UserID: "bob", Token: "tok-alice"},
			want: domain.AuthError{Code: domain.CodeUnauthorized, Message: "token does not belong to user"},
		},
		{
			name: "bad token",
			req:  domain.AuthRequest{UserID: "alice", Token: "nope"},
			want: domain.AuthError{Code: domain.CodeUnauthorized, Message: "invalid token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, registry := newTestHandler()
			conn := &mockConn{id: "c1", token: tt.handshake}
			handler.Connected(conn)

			handler.Handle(conn, frame(t, tt.req))

			assert.Equal(t, []domain.Event{tt.want}, conn.replies(t))
			_, online := registry.Presence(tt.req.UserID)
			_, success := tt.want.(domain.AuthSuccess)
			assert.Equal(t, success, online)
		})
	}
}

func TestHandler_NilAuthenticatorTrustsUser(t *testing.T) {
	registry := hub.New()
	handler := NewHandler(registry, nil)
	conn := &mockConn{id: "c1"}
	handler.Connected(conn)

	handler.Handle(conn, frame(t, domain.AuthRequest{UserID: "alice"}))

	assert.Equal(t, []domain.Event{domain.AuthSuccess{UserID: "alice"}}, conn.replies(t))
}

func TestHandler_JoinLeave(t *testing.T) {
	handler, registry := newTestHandler()
	conn := &mockConn{id: "c1"}
	handler.Connected(conn)
	handler.Handle(conn, frame(t, domain.AuthRequest{UserID: "alice", Token: "tok-alice"}))
	conn.reset()

	handler.Handle(conn, frame(t, domain.JoinRequest{Room: "general"}))
	handler.Handle(conn, frame(t, domain.JoinRequest{Room: "user:bob"}))
	handler.Handle(conn, frame(t, domain.JoinRequest{Room: ""}))
	require.True(t, registry.IsMember("c1", "general"))
	handler.Handle(conn, frame(t, domain.LeaveRequest{Room: "general"}))

	replies := conn.replies(t)
	require.Len(t, replies, 4)
	assert.Equal(t, domain.Joined{Room: "general"}, replies[0])
	assert.Equal(t, domain.CodeForbidden, replies[1].(domain.JoinError).Code)
	assert.Equal(t, domain.CodeInvalidRoom, replies[2].(domain.JoinError).Code)
	assert.Equal(t, domain.Left{Room: "general"}, replies[3])
	assert.False(t, registry.IsMember("c1", "general"))
}

func TestHandler_LeaveRejectsNonMembership(t *testing.T) {
	tests := []struct {
		name     string
		room     string
		wantCode string
	}{
		{name: "never joined", room: "random", wantCode: domain.CodeNotInRoom},
		{name: "reserved user room", room: "user:alice", wantCode: domain.CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, registry := newTestHandler()
			conn := &mockConn{id: "c1"}
			handler.Connected(conn)
			handler.Handle(conn, frame(t, domain.AuthRequest{UserID: "alice", Token: "tok-alice"}))
			conn.reset()

			handler.Handle(conn, frame(t, domain.LeaveRequest{Room: tt.room}))

			replies := conn.replies(t)
			require.Len(t, replies, 1)
			rejected, ok := replies[0].(domain.ErrorEvent)
			require.True(t, ok, "got %T", replies[0])
			assert.Equal(t, tt.wantCode, rejected.Code)
			assert.True(t, registry.IsMember("c1", "user:alice"))
		})
	}
}

func TestHandler_MessageFlow(t *testing.T) {
	handler, _ := newTestHandler()
	alice := &mockConn{id: "a1"}
	bob := &mockConn{id: "b1"}
	for _, c := range []struct {
		conn  *mockConn
		user  string
		token string
	}{{alice, "alice", "tok-alice"}, {bob, "bob", "tok-bob"}} {
		handler.Connected(c.conn)
		handler.Handle(c.conn, frame(t, domain.AuthRequest{UserID: c.user, Token: c.token}))
		handler.Handle(c.conn, frame(t, domain.JoinRequest{Room: "general"}))
	}
	alice.reset()
	bob.reset()

	handler.Handle(alice, frame(t, domain.TypingStartRequest{Room: "general"}))
	handler.Handle(alice, frame(t, domain.SendMessage{Room: "general", Content: "hi bob"}))

	bobEvents := bob.replies(t)
	require.Len(t, bobEvents, 2)
	assert.Equal(t, domain.TypingStarted{UserID: "alice", Room: "general"}, bobEvents[0])
	msg, ok := bobEvents[1].(domain.Message)
	require.True(t, ok)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, "hi bob", msg.Content)

	aliceEvents := alice.replies(t)
	require.Len(t, aliceEvents, 1, "sender receives its own message but not its typing")
	assert.Equal(t, msg.ID, aliceEvents[0].(domain.Message).ID)
}

func TestHandler_MessageRejections(t *testing.T) {
	tests := []struct {
		name     string
		msg      domain.SendMessage
		wantCode string
	}{
		{name: "empty content", msg: domain.SendMessage{Room: "general", Content: "  "}, wantCode: domain.CodeBadRequest},
		{name: "too long", msg: domain.SendMessage{Room: "general", Content: strings.Repeat("x", 11)}, wantCode: domain.CodeBadRequest},
		{name: "not a member", msg: domain.SendMessage{Room: "random", Content: "hi"}, wantCode: domain.CodeNotInRoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newTestHandler(WithMaxMessageLength(10))
			conn := &mockConn{id: "c1"}
			handler.Connected(conn)
			handler.Handle(conn, frame(t, domain.AuthRequest{UserID: "alice", Token: "tok-alice"}))
			handler.Handle(conn, frame(t, domain.JoinRequest{Room: "general"}))
			conn.reset()

			handler.Handle(conn, frame(t, tt.msg))

			replies := conn.replies(t)
			require.Len(t, replies, 1)
			assert.Equal(t, tt.wantCode, replies[0].(domain.ErrorEvent).Code)
		})
	}
}

func TestHandler_AnonymousEventsIgnored(t *testing.T) {
	handler, registry := newTestHandler()
	conn := &mockConn{id: "c1"}
	handler.Connected(conn)
	handler.Handle(conn, frame(t, domain.JoinRequest{Room: "general"}))
	conn.reset()

	handler.Handle(conn, frame(t, domain.PresenceRequest{Status: domain.StatusAway}))
	handler.Handle(conn, frame(t, domain.SendMessage{Room: "general", Content: "hi"}))
	handler.Handle(conn, frame(t, domain.TypingStartRequest{Room: "general"}))

	assert.Empty(t, conn.replies(t))
	assert.Empty(t, registry.OnlineUsers())
}

func TestHandler_InvalidFrames(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantCode string
	}{
		{name: "not json", data: "not json", wantCode: domain.CodeBadRequest},
		{name: "unknown event", data: `{"event":"teleport","data":{}}`, wantCode: domain.CodeUnknownEvent},
		{name: "server-only event", data: `{"event":"auth:success","data":{"userId":"x"}}`, wantCode: domain.CodeUnknownEvent},
		{name: "wrong payload shape", data: `{"event":"join","data":{"room":1}}`, wantCode: domain.CodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newTestHandler()
			conn := &mockConn{id: "c1"}
			handler.Connected(conn)

			handler.Handle(conn, []byte(tt.data))

			replies := conn.replies(t)
			require.Len(t, replies, 1)
			assert.Equal(t, tt.wantCode, replies[0].(domain.ErrorEvent).Code)
		})
	}
}

func TestHandler_RoomMembers(t *testing.T) {
	handler, _ := newTestHandler()
	alice := &mockConn{id: "a1"}
	handler.Connected(alice)
	handler.Handle(alice, frame(t, domain.AuthRequest{UserID: "alice", Token: "tok-alice"}))
	handler.Handle(alice, frame(t, domain.JoinRequest{Room: "general"}))
	alice.reset()

	handler.Handle(alice, frame(t, domain.RoomMembersRequest{Room: "general"}))

	assert.Equal(t, []domain.Event{domain.RoomMembers{Room: "general", Members: []string{"alice"}}}, alice.replies(t))
}

func TestHandler_RateLimit(t *testing.T) {
	handler, _ := newTestHandler(WithRateLimit(0.001, 2))
	conn := &mockConn{id: "c1"}
	handler.Connected(conn)

	for i := 0; i < 3; i++ {
		handler.Handle(conn, frame(t, domain.RoomMembersRequest{Room: "general"}))
	}

	replies := conn.replies(t)
	require.Len(t, replies, 3)
	assert.IsType(t, domain.RoomMembers{}, replies[0])
	assert.IsType(t, domain.RoomMembers{}, replies[1])
	assert.Equal(t, domain.CodeRateLimited, replies[2].(domain.ErrorEvent).Code)
}

func TestHandler_DisconnectedCleansUp(t *testing.T) {
	handler, registry := newTestHandler(WithRateLimit(10, 10))
	conn := &mockConn{id: "c1"}
	handler.Connected(conn)
	handler.Handle(conn, frame(t, domain.AuthRequest{UserID: "alice", Token: "tok-alice"}))

	handler.Disconnected(conn, "transport close")

	connections, users, _ := registry.Stats()
	assert.Zero(t, connections)
	assert.Zero(t, users)
	_, ok := handler.limiters.Load("c1")
	assert.False(t, ok)
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     domain.SendMessage
		wantErr error
	}{
		{name: "ok", msg: domain.SendMessage{Room: "r", Content: "héllo"}},
		{name: "no room", msg: domain.SendMessage{Content: "x"}, wantErr: ErrEmptyRoom},
		{name: "blank", msg: domain.SendMessage{Room: "r", Content: "\n\t"}, wantErr: ErrEmptyContent},
		{name: "invalid utf8", msg: domain.SendMessage{Room: "r", Content: "\xff"}, wantErr: ErrInvalidEncoding},
		{name: "counts runes", msg: domain.SendMessage{Room: "r", Content: "ééééé"}},
		{name: "too long", msg: domain.SendMessage{Room: "r", Content: "abcdef"}, wantErr: ErrContentTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.msg, 5)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
