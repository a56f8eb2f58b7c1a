package chat

import (
	"sort"
	"sync"
	"time"

	"realtime-hub/client"
	"realtime-hub/domain"
)

const (
	DefaultMaxMessages = 100
	DefaultTypingTTL   = 5 * time.Second
	DefaultTypingIdle  = 3 * time.Second
)

type Conn interface {
	client.Subscriber
	SendMessage(room, content string, metadata map[string]any) error
	StartTyping(room string) error
	StopTyping(room string) error
}

type Options struct {
	// MaxMessages bounds the buffer; the oldest message is dropped first.
	MaxMessages int
	// TypingTTL expires a remote typing indicator that was never stopped.
	TypingTTL time.Duration
	// TypingIdle is how long after the last KeyPress a stop is sent.
	TypingIdle time.Duration
	// OnChange is called after the buffer or the typing set changes.
	OnChange func()
}

type typingEntry struct {
	timer *time.Timer
}

// Room buffers the messages and typing indicators of one room. Sent
// messages are not echoed locally; they appear when the server relays them.
type Room struct {
	room   string
	conn   Conn
	opts   Options
	unsubs []func()

	mu       sync.Mutex
	messages []domain.Message
	typing   map[string]*typingEntry
	typingMe bool
	idle     *time.Timer
	closed   bool
}

func New(conn Conn, room string, opts Options) *Room {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}

	r := &Room{
		room:   room,
		conn:   conn,
		opts:   opts,
		typing: make(map[string]*typingEntry),
	}
	r.unsubs = []func(){
		client.Subscribe(conn, r.onMessage),
		client.Subscribe(conn, func(e domain.TypingStarted) {
			if e.Room == r.room {
				r.startTyping(e.UserID)
			}
		}),
		client.Subscribe(conn, func(e domain.TypingStopped) {
			if e.Room == r.room {
				r.stopTyping(e.UserID)
			}
		}),
	}
	return r
}

func (r *Room) Name() string { return r.room }

func (r *Room) onMessage(m domain.Message) {
	if m.Room != r.room {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.messages = append(r.messages, m)
	if over := len(r.messages) - r.opts.MaxMessages; over > 0 {
		r.messages = append(r.messages[:0:0], r.messages[over:]...)
	}
	if e, ok := r.typing[m.UserID]; ok {
		e.timer.Stop()
		delete(r.typing, m.UserID)
	}
	r.mu.Unlock()
	r.changed()
}

func (r *Room) startTyping(userID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if e, ok := r.typing[userID]; ok {
		e.timer.Stop()
	}
	e := &typingEntry{}
	e.timer = time.AfterFunc(r.opts.TypingTTL, func() { r.expireTyping(userID, e) })
	r.typing[userID] = e
	r.mu.Unlock()
	r.changed()
}

func (r *Room) stopTyping(userID string) {
	r.mu.Lock()
	e, ok := r.typing[userID]
	if ok {
		e.timer.Stop()
		delete(r.typing, userID)
	}
	r.mu.Unlock()
	if ok {
		r.changed()
	}
}

func (r *Room) expireTyping(userID string, e *typingEntry) {
	r.mu.Lock()
	current, ok := r.typing[userID]
	expired := ok && current == e
	if expired {
		delete(r.typing, userID)
	}
	r.mu.Unlock()
	if expired {
		r.changed()
	}
}

func (r *Room) changed() {
	if r.opts.OnChange != nil {
		r.opts.OnChange()
	}
}

// Messages returns a copy of the buffer, oldest first.
func (r *Room) Messages() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages...)
}

// TypingUsers returns the sorted ids of users currently typing.
func (r *Room) TypingUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.typing))
	for id := range r.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Send stops the local typing indicator and sends content to the room.
func (r *Room) Send(content string, metadata map[string]any) error {
	if err := r.StopTyping(); err != nil {
		return err
	}
	return r.conn.SendMessage(r.room, content, metadata)
}

// KeyPress sends typing:start on the first key and typing:stop once keys
// have been idle for TypingIdle.
func (r *Room) KeyPress() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.idle != nil {
		r.idle.Stop()
	}
	r.idle = time.AfterFunc(r.opts.TypingIdle, func() { r.StopTyping() })
	if r.typingMe {
		return nil
	}
	if err := r.conn.StartTyping(r.room); err != nil {
		return err
	}
	r.typingMe = true
	return nil
}

// StopTyping sends typing:stop if a start is outstanding.
func (r *Room) StopTyping() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	if !r.typingMe {
		return nil
	}
	r.typingMe = false
	return r.conn.StopTyping(r.room)
}

func (r *Room) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.StopTyping()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, e := range r.typing {
		e.timer.Stop()
		delete(r.typing, id)
	}
}
