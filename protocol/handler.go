package protocol

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"realtime-hub/domain"
	"realtime-hub/hub"
)

const (
	DefaultMaxMessageLength = 2000
	authTimeout             = 5 * time.Second

	// A rune outside the BMP may arrive as a \uXXXX\uXXXX surrogate pair.
	maxEncodedRuneBytes = 12
	// Envelope, room name and metadata.
	frameOverhead = 8 << 10
)

// Registry is the part of the session registry the handler drives.
type Registry interface {
	Register(conn domain.Connection)
	HandleDisconnect(conn domain.Connection, reason string)
	Authenticate(conn domain.Connection, userID string) error
	JoinRoom(conn domain.Connection, room string) error
	LeaveRoom(conn domain.Connection, room string) bool
	UpdatePresence(conn domain.Connection, status domain.Status) bool
	RelayMessage(conn domain.Connection, req domain.SendMessage) (domain.Message, error)
	RelayTyping(conn domain.Connection, room string, started bool) error
	RoomMembers(room string) []string
}

// Authenticator resolves the user behind an auth request.
type Authenticator interface {
	Authenticate(ctx context.Context, userID, token string) (string, error)
}

// HandshakeTokener is implemented by transports that carried a token in the
// upgrade request.
type HandshakeTokener interface {
	HandshakeToken() string
}

type Recorder interface {
	EventReceived(kind domain.Kind)
	EventRejected(code string)
}

type Handler struct {
	registry  Registry
	auth      Authenticator
	recorder  Recorder
	limit     rate.Limit
	burst     int
	maxLength int
	limiters  sync.Map // connID -> *rate.Limiter
}

type Option func(*Handler)

// WithRateLimit caps inbound frames per connection. A non-positive rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Handler) {
		h.limit = rate.Limit(perSecond)
		h.burst = burst
	}
}

func WithMaxMessageLength(n int) Option {
	return func(h *Handler) { h.maxLength = n }
}

func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

func NewHandler(r Registry, auth Authenticator, opts ...Option) *Handler {
	h := &Handler{
		registry:  r,
		auth:      auth,
		recorder:  noopRecorder{},
		maxLength: DefaultMaxMessageLength,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Connected(conn domain.Connection) {
	if h.limit > 0 {
		h.limiters.Store(conn.ID(), rate.NewLimiter(h.limit, max(h.burst, 1)))
	}
	h.registry.Register(conn)
}

func (h *Handler) Disconnected(conn domain.Connection, reason string) {
	h.limiters.Delete(conn.ID())
	h.registry.HandleDisconnect(conn, reason)
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	if !h.allow(conn) {
		h.reject(conn, domain.CodeRateLimited, "too many events")
		return
	}

	ev, err := domain.DecodeClient(data)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEvent) {
			slog.Warn("unknown event", "clientId", conn.ID(), "error", err)
			h.reject(conn, domain.CodeUnknownEvent, err.Error())
			return
		}
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		h.reject(conn, domain.CodeBadRequest, err.Error())
		return
	}
	h.recorder.EventReceived(ev.Kind())

	switch e := ev.(type) {
	case domain.AuthRequest:
		h.authenticate(conn, e)
	case domain.JoinRequest:
		h.join(conn, e.Room)
	case domain.LeaveRequest:
		h.leave(conn, e.Room)
	case domain.PresenceRequest:
		if !h.registry.UpdatePresence(conn, e.Status) {
			slog.Debug("presence ignored", "clientId", conn.ID(), "status", e.Status)
		}
	case domain.SendMessage:
		h.message(conn, e)
	case domain.TypingStartRequest:
		h.typing(conn, e.Room, true)
	case domain.TypingStopRequest:
		h.typing(conn, e.Room, false)
	case domain.RoomMembersRequest:
		h.reply(conn, domain.RoomMembers{Room: e.Room, Members: h.registry.RoomMembers(e.Room)})
	}
}

func (h *Handler) authenticate(conn domain.Connection, req domain.AuthRequest) {
	token := req.Token
	if t, ok := conn.(HandshakeTokener); ok && token == "" {
		token = t.HandshakeToken()
	}

	userID := strings.TrimSpace(req.UserID)
	if h.auth != nil {
		ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
		defer cancel()
		var err error
		if userID, err = h.auth.Authenticate(ctx, userID, token); err != nil {
			slog.Info("authentication failed", "clientId", conn.ID(), "userId", req.UserID, "error", err)
			h.recorder.EventRejected(domain.CodeUnauthorized)
			h.reply(conn, domain.AuthError{Code: domain.CodeUnauthorized, Message: err.Error()})
			return
		}
	}

	if err := h.registry.Authenticate(conn, userID); err != nil {
		h.recorder.EventRejected(domain.CodeBadRequest)
		h.reply(conn, domain.AuthError{Code: domain.CodeBadRequest, Message: err.Error()})
		return
	}
	h.reply(conn, domain.AuthSuccess{UserID: userID})
}

func (h *Handler) join(conn domain.Connection, room string) {
	err := h.registry.JoinRoom(conn, room)
	if err == nil {
		h.reply(conn, domain.Joined{Room: room})
		return
	}

	var joinErr domain.JoinError
	if !errors.As(err, &joinErr) {
		joinErr = domain.JoinError{Room: room, Code: domain.CodeBadRequest, Message: err.Error()}
	}
	h.recorder.EventRejected(joinErr.Code)
	h.reply(conn, joinErr)
}

func (h *Handler) leave(conn domain.Connection, room string) {
	switch {
	case h.registry.LeaveRoom(conn, room):
		h.reply(conn, domain.Left{Room: room})
	case strings.HasPrefix(room, domain.UserRoomPrefix):
		h.reject(conn, domain.CodeForbidden, "room name is reserved")
	default:
		h.reject(conn, domain.CodeNotInRoom, "not a member of room "+room)
	}
}

func (h *Handler) message(conn domain.Connection, req domain.SendMessage) {
	if err := ValidateMessage(req, h.maxLength); err != nil {
		h.reject(conn, domain.CodeBadRequest, err.Error())
		return
	}

	_, err := h.registry.RelayMessage(conn, req)
	h.relayFailed(conn, err)
}

func (h *Handler) typing(conn domain.Connection, room string, started bool) {
	h.relayFailed(conn, h.registry.RelayTyping(conn, room, started))
}

// relayFailed reports membership errors back to the sender. Anonymous
// connections are ignored.
func (h *Handler) relayFailed(conn domain.Connection, err error) {
	if err == nil {
		return
	}
	var evErr domain.ErrorEvent
	switch {
	case errors.As(err, &evErr):
		h.recorder.EventRejected(evErr.Code)
		h.reply(conn, evErr)
	case errors.Is(err, hub.ErrNotAuthenticated), errors.Is(err, hub.ErrUnknownConnection):
		slog.Debug("event from unauthenticated connection ignored", "clientId", conn.ID())
	default:
		slog.Warn("relay failed", "clientId", conn.ID(), "error", err)
	}
}

func (h *Handler) allow(conn domain.Connection) bool {
	v, ok := h.limiters.Load(conn.ID())
	if !ok {
		return true
	}
	return v.(*rate.Limiter).Allow()
}

func (h *Handler) reject(conn domain.Connection, code, message string) {
	h.recorder.EventRejected(code)
	h.reply(conn, domain.ErrorEvent{Code: code, Message: message})
}

func (h *Handler) reply(conn domain.Connection, ev domain.Event) {
	data, err := domain.Encode(ev)
	if err != nil {
		slog.Error("encode reply", "clientId", conn.ID(), "event", ev.Kind(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Warn("reply dropped", "clientId", conn.ID(), "event", ev.Kind(), "error", err)
	}
}

var (
	ErrEmptyRoom       = errors.New("room is required")
	ErrEmptyContent    = errors.New("message content is required")
	ErrInvalidEncoding = errors.New("message content must be valid UTF-8")
	ErrContentTooLong  = errors.New("message content is too long")
)

func ValidateMessage(req domain.SendMessage, maxLength int) error {
	switch {
	case strings.TrimSpace(req.Room) == "":
		return ErrEmptyRoom
	case strings.TrimSpace(req.Content) == "":
		return ErrEmptyContent
	case !utf8.ValidString(req.Content):
		return ErrInvalidEncoding
	case maxLength > 0 && utf8.RuneCountInString(req.Content) > maxLength:
		return ErrContentTooLong
	}
	return nil
}

// FrameLimit is the inbound frame size in bytes a transport must accept so
// that every message passing ValidateMessage with maxLength reaches the
// handler instead of being cut off at the transport.
func FrameLimit(maxLength int) int64 {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return int64(maxLength)*maxEncodedRuneBytes + frameOverhead
}

type noopRecorder struct{}

func (noopRecorder) EventReceived(domain.Kind) {}
func (noopRecorder) EventRejected(string)      {}
