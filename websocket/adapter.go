package websocket

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"realtime-hub/auth"
	"realtime-hub/domain"
	"realtime-hub/idgen"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256

	// DefaultMaxMessageSize is the inbound frame limit in bytes when
	// Options.MaxMessageSize is unset.
	DefaultMaxMessageSize = 32 << 10
)

var ErrClosed = errors.New("connection closed")

type Conn struct {
	id      string
	token   string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	handler domain.MessageHandler
	limit   int64

	closeOnce sync.Once
}

func NewConn(id, token string, ws *websocket.Conn, h domain.MessageHandler) *Conn {
	return &Conn{
		id:      id,
		token:   token,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		handler: h,
		limit:   DefaultMaxMessageSize,
	}
}

func (c *Conn) ID() string { return c.id }

// HandshakeToken is the bearer token presented on upgrade, if any.
func (c *Conn) HandshakeToken() string { return c.token }

func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Start() {
	c.handler.Connected(c)
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	reason := "transport close"
	defer func() {
		c.handler.Disconnected(c, reason)
		c.Close()
	}()

	c.ws.SetReadLimit(c.limit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				reason = "client close"
			case isClosed(c.done):
				reason = "server close"
			default:
				reason = "transport error"
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "clientId", c.id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			slog.Debug("ignoring non-text frame", "clientId", c.id, "type", msgType)
			continue
		}

		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type Options struct {
	// AllowedOrigins lists browser origins accepted on upgrade. Empty or "*"
	// accepts any origin.
	AllowedOrigins []string
	// MaxMessageSize bounds inbound frames in bytes. Larger frames close the
	// connection with 1009, so it must cover the largest valid event.
	MaxMessageSize int64
}

// Server upgrades HTTP requests and hands the connections to a handler.
type Server struct {
	upgrader websocket.Upgrader
	handler  domain.MessageHandler
	limit    int64
}

func NewServer(h domain.MessageHandler, opts Options) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		handler: h,
		limit:   opts.MaxMessageSize,
	}
	if s.limit <= 0 {
		s.limit = DefaultMaxMessageSize
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConn(idgen.NewConnectionID(), token, ws, s.handler)
	conn.limit = s.limit
	conn.Start()
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		slog.Warn("origin rejected", "origin", origin)
		return false
	}
}
