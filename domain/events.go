package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindAuth         Kind = "auth"
	KindAuthSuccess  Kind = "auth:success"
	KindAuthError    Kind = "auth:error"
	KindJoin         Kind = "join"
	KindJoined       Kind = "joined"
	KindJoinError    Kind = "join:error"
	KindLeave        Kind = "leave"
	KindLeft         Kind = "left"
	KindUserJoined   Kind = "user:joined"
	KindUserLeft     Kind = "user:left"
	KindPresence     Kind = "presence"
	KindPresenceSync Kind = "presence:update"
	KindMessage      Kind = "message"
	KindTypingStart  Kind = "typing:start"
	KindTypingStop   Kind = "typing:stop"
	KindNotification Kind = "notification"
	KindRoomMembers  Kind = "room:members"
	KindError        Kind = "error"
)

// Error codes carried by AuthError, JoinError and ErrorEvent.
const (
	CodeUnauthorized = "unauthorized"
	CodeInvalidRoom  = "invalid_room"
	CodeForbidden    = "forbidden"
	CodeBadRequest   = "bad_request"
	CodeUnknownEvent = "unknown_event"
	CodeRateLimited  = "rate_limited"
	CodeNotInRoom    = "not_in_room"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed frame")
)

// Event is the closed set of payloads that travel over a connection.
type Event interface {
	Kind() Kind
	sealed()
}

type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client to server payloads.

type AuthRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

type JoinRequest struct{ Room string }

type LeaveRequest struct{ Room string }

type PresenceRequest struct{ Status Status }

type SendMessage struct {
	Room     string         `json:"room"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type TypingStartRequest struct{ Room string }

type TypingStopRequest struct{ Room string }

type RoomMembersRequest struct{ Room string }

// Server to client payloads.

type AuthSuccess struct {
	UserID string `json:"userId"`
}

type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Joined struct {
	Room string `json:"room"`
}

type JoinError struct {
	Room    string `json:"room"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Left struct {
	Room string `json:"room"`
}

type UserJoined struct {
	UserID string `json:"userId,omitempty"`
	Room   string `json:"room"`
}

type UserLeft struct {
	UserID string `json:"userId,omitempty"`
	Room   string `json:"room"`
}

type PresenceUpdate Presence

type Message ChatMessage

type TypingStarted struct {
	UserID string `json:"userId"`
	Room   string `json:"room"`
}

type TypingStopped struct {
	UserID string `json:"userId"`
	Room   string `json:"room"`
}

type NotificationEvent Notification

type RoomMembers struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (AuthRequest) Kind() Kind        { return KindAuth }
func (JoinRequest) Kind() Kind        { return KindJoin }
func (LeaveRequest) Kind() Kind       { return KindLeave }
func (PresenceRequest) Kind() Kind    { return KindPresence }
func (SendMessage) Kind() Kind        { return KindMessage }
func (TypingStartRequest) Kind() Kind { return KindTypingStart }
func (TypingStopRequest) Kind() Kind  { return KindTypingStop }
func (RoomMembersRequest) Kind() Kind { return KindRoomMembers }
func (AuthSuccess) Kind() Kind        { return KindAuthSuccess }
func (AuthError) Kind() Kind          { return KindAuthError }
func (Joined) Kind() Kind             { return KindJoined }
func (JoinError) Kind() Kind          { return KindJoinError }
func (Left) Kind() Kind               { return KindLeft }
func (UserJoined) Kind() Kind         { return KindUserJoined }
func (UserLeft) Kind() Kind           { return KindUserLeft }
func (PresenceUpdate) Kind() Kind     { return KindPresenceSync }
func (Message) Kind() Kind            { return KindMessage }
func (TypingStarted) Kind() Kind      { return KindTypingStart }
func (TypingStopped) Kind() Kind      { return KindTypingStop }
func (NotificationEvent) Kind() Kind  { return KindNotification }
func (RoomMembers) Kind() Kind        { return KindRoomMembers }
func (ErrorEvent) Kind() Kind         { return KindError }

func (AuthRequest) sealed()        {}
func (JoinRequest) sealed()        {}
func (LeaveRequest) sealed()       {}
func (PresenceRequest) sealed()    {}
func (SendMessage) sealed()        {}
func (TypingStartRequest) sealed() {}
func (TypingStopRequest) sealed()  {}
func (RoomMembersRequest) sealed() {}
func (AuthSuccess) sealed()        {}
func (AuthError) sealed()          {}
func (Joined) sealed()             {}
func (JoinError) sealed()          {}
func (Left) sealed()               {}
func (UserJoined) sealed()         {}
func (UserLeft) sealed()           {}
func (PresenceUpdate) sealed()     {}
func (Message) sealed()            {}
func (TypingStarted) sealed()      {}
func (TypingStopped) sealed()      {}
func (NotificationEvent) sealed()  {}
func (RoomMembers) sealed()        {}
func (ErrorEvent) sealed()         {}

func (e AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed: " + e.Code
	}
	return "authentication failed: " + e.Message
}

func (e JoinError) Error() string {
	return fmt.Sprintf("join room %q failed: %s", e.Room, e.Message)
}

func (e ErrorEvent) Error() string {
	return e.Code + ": " + e.Message
}

// Bare-string payloads.

func (r JoinRequest) MarshalJSON() ([]byte, error)         { return json.Marshal(r.Room) }
func (r *JoinRequest) UnmarshalJSON(b []byte) error        { return json.Unmarshal(b, &r.Room) }
func (r LeaveRequest) MarshalJSON() ([]byte, error)        { return json.Marshal(r.Room) }
func (r *LeaveRequest) UnmarshalJSON(b []byte) error       { return json.Unmarshal(b, &r.Room) }
func (r PresenceRequest) MarshalJSON() ([]byte, error)     { return json.Marshal(r.Status) }
func (r *PresenceRequest) UnmarshalJSON(b []byte) error    { return json.Unmarshal(b, &r.Status) }
func (r TypingStartRequest) MarshalJSON() ([]byte, error)  { return json.Marshal(r.Room) }
func (r *TypingStartRequest) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &r.Room) }
func (r TypingStopRequest) MarshalJSON() ([]byte, error)   { return json.Marshal(r.Room) }
func (r *TypingStopRequest) UnmarshalJSON(b []byte) error  { return json.Unmarshal(b, &r.Room) }
func (r RoomMembersRequest) MarshalJSON() ([]byte, error)  { return json.Marshal(r.Room) }
func (r *RoomMembersRequest) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &r.Room) }

type decoder func(json.RawMessage) (Event, error)

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var clientEvents = map[Kind]decoder{
	KindAuth:        decodeAs[AuthRequest],
	KindJoin:        decodeAs[JoinRequest],
	KindLeave:       decodeAs[LeaveRequest],
	KindPresence:    decodeAs[PresenceRequest],
	KindMessage:     decodeAs[SendMessage],
	KindTypingStart: decodeAs[TypingStartRequest],
	KindTypingStop:  decodeAs[TypingStopRequest],
	KindRoomMembers: decodeAs[RoomMembersRequest],
}

var serverEvents = map[Kind]decoder{
	KindAuthSuccess:  decodeAs[AuthSuccess],
	KindAuthError:    decodeAs[AuthError],
	KindJoined:       decodeAs[Joined],
	KindJoinError:    decodeAs[JoinError],
	KindLeft:         decodeAs[Left],
	KindUserJoined:   decodeAs[UserJoined],
	KindUserLeft:     decodeAs[UserLeft],
	KindPresenceSync: decodeAs[PresenceUpdate],
	KindMessage:      decodeAs[Message],
	KindTypingStart:  decodeAs[TypingStarted],
	KindTypingStop:   decodeAs[TypingStopped],
	KindNotification: decodeAs[NotificationEvent],
	KindRoomMembers:  decodeAs[RoomMembers],
	KindError:        decodeAs[ErrorEvent],
}

// Encode wraps an event into its wire envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Event: ev.Kind(), Data: data})
}

// DecodeClient parses a frame sent by a client.
func DecodeClient(frame []byte) (Event, error) {
	return decode(frame, clientEvents)
}

// DecodeServer parses a frame sent by the server.
func DecodeServer(frame []byte) (Event, error) {
	return decode(frame, serverEvents)
}

func decode(frame []byte, registry map[Kind]decoder) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	dec, ok := registry[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	ev, err := dec(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return ev, nil
}

// NewMessage stamps a relayed chat message.
func NewMessage(id, userID string, req SendMessage, at time.Time) Message {
	return Message{
		ID:        id,
		Room:      req.Room,
		UserID:    userID,
		Content:   req.Content,
		Metadata:  req.Metadata,
		Timestamp: at,
	}
}
