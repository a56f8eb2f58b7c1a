package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-hub/domain"
	"realtime-hub/hub"
	"realtime-hub/protocol"
)

type recordingHandler struct {
	mu          sync.Mutex
	conns       []domain.Connection
	frames      []string
	disconnects []string
	echo        bool
}

func (h *recordingHandler) Connected(conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = append(h.conns, conn)
}

func (h *recordingHandler) Handle(conn domain.Connection, data []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, string(data))
	echo := h.echo
	h.mu.Unlock()
	if echo {
		conn.Send(data)
	}
}

func (h *recordingHandler) Disconnected(_ domain.Connection, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, reason)
}

func (h *recordingHandler) snapshot() (conns []domain.Connection, frames, disconnects []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Connection(nil), h.conns...),
		append([]string(nil), h.frames...),
		append([]string(nil), h.disconnects...)
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	return ws
}

func TestServer_RoundTrip(t *testing.T) {
	handler := &recordingHandler{echo: true}
	srv := httptest.NewServer(NewServer(handler, Options{}))
	defer srv.Close()

	ws := dial(t, srv, nil)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"join","data":"general"}`)))
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"join","data":"general"}`, string(data))

	_, frames, _ := handler.snapshot()
	assert.Equal(t, []string{`{"event":"join","data":"general"}`}, frames)
}

func TestServer_HandshakeToken(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header http.Header
		want   string
	}{
		{name: "bearer header", header: http.Header{"Authorization": {"Bearer abc"}}, want: "abc"},
		{name: "query parameter", query: "?token=xyz", want: "xyz"},
		{name: "none", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &recordingHandler{}
			srv := httptest.NewServer(NewServer(handler, Options{}))
			defer srv.Close()

			url := "ws" + strings.TrimPrefix(srv.URL, "http") + tt.query
			ws, _, err := websocket.DefaultDialer.Dial(url, tt.header)
			require.NoError(t, err)
			defer ws.Close()

			require.Eventually(t, func() bool {
				conns, _, _ := handler.snapshot()
				return len(conns) == 1
			}, time.Second, 10*time.Millisecond)
			conns, _, _ := handler.snapshot()
			assert.Equal(t, tt.want, conns[0].(*Conn).HandshakeToken())
			assert.NotEmpty(t, conns[0].ID())
		})
	}
}

func TestServer_DisconnectReportedOnce(t *testing.T) {
	handler := &recordingHandler{}
	srv := httptest.NewServer(NewServer(handler, Options{}))
	defer srv.Close()

	ws := dial(t, srv, nil)
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	ws.Close()

	require.Eventually(t, func() bool {
		_, _, disconnects := handler.snapshot()
		return len(disconnects) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conns, _, disconnects := handler.snapshot()
	assert.Equal(t, "client close", disconnects[0])
	assert.Eventually(t, func() bool {
		return errors.Is(conns[0].Send([]byte("late")), ErrClosed)
	}, time.Second, 10*time.Millisecond)
}

func TestServer_ServerClose(t *testing.T) {
	handler := &recordingHandler{}
	srv := httptest.NewServer(NewServer(handler, Options{}))
	defer srv.Close()

	ws := dial(t, srv, nil)
	defer ws.Close()
	require.Eventually(t, func() bool {
		conns, _, _ := handler.snapshot()
		return len(conns) == 1
	}, time.Second, 10*time.Millisecond)

	conns, _, _ := handler.snapshot()
	require.NoError(t, conns[0].Close())
	assert.NoError(t, conns[0].Close(), "second close is a no-op")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool {
		_, _, disconnects := handler.snapshot()
		return len(disconnects) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no list", allowed: nil, origin: "https://evil.example", want: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://a.example", want: true},
		{name: "listed", allowed: []string{"https://app.example"}, origin: "https://APP.example", want: true},
		{name: "not listed", allowed: []string{"https://app.example"}, origin: "https://evil.example", want: false},
		{name: "no origin header", allowed: []string{"https://app.example"}, origin: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

func readUntil(t *testing.T, ws *websocket.Conn, kind domain.Kind) domain.Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		ev, err := domain.DecodeServer(data)
		require.NoError(t, err)
		if ev.Kind() == kind {
			return ev
		}
	}
}

func writeEvent(t *testing.T, ws *websocket.Conn, ev domain.Event) int {
	t.Helper()
	frame, err := domain.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
	return len(frame)
}

func TestServer_LongestValidMessageIsRelayed(t *testing.T) {
	handler := protocol.NewHandler(hub.New(), nil)
	srv := httptest.NewServer(NewServer(handler, Options{
		MaxMessageSize: protocol.FrameLimit(protocol.DefaultMaxMessageLength),
	}))
	defer srv.Close()

	ws := dial(t, srv, nil)
	defer ws.Close()

	writeEvent(t, ws, domain.AuthRequest{UserID: "alice"})
	readUntil(t, ws, domain.KindAuthSuccess)
	writeEvent(t, ws, domain.JoinRequest{Room: "general"})
	readUntil(t, ws, domain.KindJoined)

	// Every '<' is escaped to six bytes on the wire.
	content := strings.Repeat("<", protocol.DefaultMaxMessageLength)
	size := writeEvent(t, ws, domain.SendMessage{Room: "general", Content: content})
	require.Greater(t, size, 6*protocol.DefaultMaxMessageLength)

	msg, ok := readUntil(t, ws, domain.KindMessage).(domain.Message)
	require.True(t, ok)
	assert.Equal(t, content, msg.Content)

	writeEvent(t, ws, domain.SendMessage{Room: "general", Content: content + "<"})
	rejected, ok := readUntil(t, ws, domain.KindError).(domain.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, domain.CodeBadRequest, rejected.Code)
}

func TestFrameLimitCoversEscapedContent(t *testing.T) {
	tests := []struct {
		name      string
		maxLength int
	}{
		{name: "default", maxLength: 0},
		{name: "small", maxLength: 10},
		{name: "large", maxLength: 20000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := tt.maxLength
			if n == 0 {
				n = protocol.DefaultMaxMessageLength
			}
			frame, err := domain.Encode(domain.SendMessage{Room: "general", Content: strings.Repeat("&", n)})
			require.NoError(t, err)
			assert.Less(t, int64(len(frame)), protocol.FrameLimit(tt.maxLength))
		})
	}
}
