// Package client wraps one WebSocket connection to the hub. It owns the
// connection status machine, reconnects with exponential backoff, correlates
// auth and join replies with their requests, and keeps a typed handler
// registry that outlives individual transports.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"realtime-hub/domain"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrDisconnected = errors.New("client disconnected")
	ErrTimeout      = errors.New("request timed out")
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultReconnectDelayMax = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultRequestTimeout    = 10 * time.Second

	writeWait = 10 * time.Second
)

type Options struct {
	URL string
	// ReconnectAttempts bounds consecutive failed dials before the client
	// gives up with StatusError. Zero uses the default; negative disables
	// reconnection.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	HandshakeTimeout  time.Duration
	RequestTimeout    time.Duration
	Header            http.Header
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = max(DefaultReconnectDelayMax, o.ReconnectDelay)
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type result struct {
	ev  domain.Event
	err error
}

type pending struct {
	frame []byte
	sent  bool
	done  chan result
}

type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	conn     *websocket.Conn
	token    string
	attempts int
	gen      uint64
	cancel   context.CancelFunc
	pending  map[string][]*pending

	statusSubs   map[uint64]func(Status)
	statusQueue  []Status
	notifying    bool
	nextStatusID uint64

	writeMu sync.Mutex

	handlers registry
}

func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:       opts,
		logger:     opts.Logger.With("component", "realtime-client"),
		status:     StatusDisconnected,
		pending:    make(map[string][]*pending),
		statusSubs: make(map[uint64]func(Status)),
		handlers:   registry{byKind: make(map[domain.Kind][]entry)},
	}
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Attempts is the number of consecutive failed reconnects.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// OnStatusChange registers fn for every status transition. Callbacks run on
// a separate goroutine in transition order. The returned func unsubscribes.
func (c *Client) OnStatusChange(fn func(Status)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextStatusID++
	id := c.nextStatusID
	c.statusSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusSubs, id)
	}
}

// Connect starts dialing in the background. It is a no-op while a transport
// is up or being established.
func (c *Client) Connect(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case StatusConnected, StatusConnecting, StatusReconnecting:
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.token = token
	c.attempts = 0
	c.gen++
	c.setStatusLocked(StatusConnecting)
	go c.run(ctx, c.gen)
}

// Disconnect tears the transport down. The status is disconnected before it
// returns and every pending request fails with ErrDisconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	c.setStatusLocked(StatusDisconnected)
	waiting := c.pending
	c.pending = make(map[string][]*pending)
	c.mu.Unlock()

	for _, ps := range waiting {
		for _, p := range ps {
			p.done <- result{err: ErrDisconnected}
		}
	}
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// Authenticate binds the connection to a user and returns the user id the
// server confirmed. With an empty userID the server takes it from the token.
// An empty token falls back to the one given to Connect.
func (c *Client) Authenticate(ctx context.Context, userID, token string) (string, error) {
	if token == "" {
		c.mu.Lock()
		token = c.token
		c.mu.Unlock()
	}
	ev, err := c.request(ctx, "auth", domain.AuthRequest{UserID: userID, Token: token})
	if errors.Is(err, ErrTimeout) {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	if err != nil {
		return "", err
	}
	return ev.(domain.AuthSuccess).UserID, nil
}

// JoinRoom resolves once the server confirms membership. A request made
// while the transport is down is sent when it comes up.
func (c *Client) JoinRoom(ctx context.Context, room string) error {
	_, err := c.request(ctx, "join:"+room, domain.JoinRequest{Room: room})
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("join room %q: %w", room, err)
	}
	return err
}

// RoomMembers asks the server for the user ids currently in room.
func (c *Client) RoomMembers(ctx context.Context, room string) ([]string, error) {
	ev, err := c.request(ctx, "members:"+room, domain.RoomMembersRequest{Room: room})
	if err != nil {
		return nil, err
	}
	return ev.(domain.RoomMembers).Members, nil
}

func (c *Client) LeaveRoom(room string) error {
	return c.send(domain.LeaveRequest{Room: room})
}

func (c *Client) SendMessage(room, content string, metadata map[string]any) error {
	return c.send(domain.SendMessage{Room: room, Content: content, Metadata: metadata})
}

func (c *Client) StartTyping(room string) error {
	return c.send(domain.TypingStartRequest{Room: room})
}

func (c *Client) StopTyping(room string) error {
	return c.send(domain.TypingStopRequest{Room: room})
}

func (c *Client) SetPresence(status domain.Status) error {
	return c.send(domain.PresenceRequest{Status: status})
}

func (c *Client) On(kind domain.Kind, fn func(domain.Event)) *Subscription {
	return c.handlers.add(kind, fn)
}

func (c *Client) Off(sub *Subscription) {
	c.handlers.remove(sub)
}

func (c *Client) request(ctx context.Context, key string, ev domain.Event) (domain.Event, error) {
	frame, err := domain.Encode(ev)
	if err != nil {
		return nil, err
	}
	p := &pending{frame: frame, done: make(chan result, 1)}

	c.mu.Lock()
	c.pending[key] = append(c.pending[key], p)
	conn := c.conn
	if c.status == StatusConnected && conn != nil {
		p.sent = true
	}
	c.mu.Unlock()
	defer c.dropPending(key, p)

	if p.sent {
		if err := c.write(conn, frame); err != nil {
			c.logger.Warn("request write failed", "request", key, "error", err)
		}
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.ev, r.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(key string, p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.pending[key]
	for i, q := range ps {
		if q == p {
			ps = append(ps[:i], ps[i+1:]...)
			break
		}
	}
	if len(ps) == 0 {
		delete(c.pending, key)
		return
	}
	c.pending[key] = ps
}

// settle completes every waiter registered under key.
func (c *Client) settle(key string, r result) {
	c.mu.Lock()
	ps := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	for _, p := range ps {
		p.done <- r
	}
}

func (c *Client) send(ev domain.Event) error {
	frame, err := domain.Encode(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, frame)
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) run(ctx context.Context, gen uint64) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectDelay
	bo.MaxInterval = c.opts.ReconnectDelayMax
	bo.Multiplier = 2
	bo.Reset()

	failures := 0
	for {
		conn, err := c.dial(ctx)
		switch {
		case err == nil:
			if !c.attach(gen, conn) {
				conn.Close()
				return
			}
			bo.Reset()
			failures = 0
			reason := c.readLoop(conn)
			if !c.detach(gen, conn) {
				return
			}
			c.logger.Info("connection lost", "reason", reason)
		case ctx.Err() != nil:
			return
		default:
			c.logger.Warn("connect failed", "url", c.opts.URL, "error", err)
		}

		failures++
		if failures > c.opts.ReconnectAttempts {
			c.giveUp(gen, failures-1)
			return
		}
		if !c.reconnecting(gen, failures) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := c.opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, header)
	return conn, err
}

// attach installs a freshly dialed transport: the handler registry is bound
// to it and requests queued while offline are flushed.
func (c *Client) attach(gen uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.attempts = 0
	var queued [][]byte
	for _, ps := range c.pending {
		for _, p := range ps {
			if !p.sent {
				p.sent = true
				queued = append(queued, p.frame)
			}
		}
	}
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.opts.URL, "handlers", c.handlers.len())
	for _, frame := range queued {
		if err := c.write(conn, frame); err != nil {
			c.logger.Warn("flush queued request", "error", err)
		}
	}
	return true
}

func (c *Client) detach(gen uint64, conn *websocket.Conn) bool {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.conn = nil
	return true
}

func (c *Client) reconnecting(gen uint64, attempt int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.attempts = attempt
	c.setStatusLocked(StatusReconnecting)
	c.logger.Info("reconnecting", "attempt", attempt, "max", c.opts.ReconnectAttempts)
	return true
}

func (c *Client) giveUp(gen uint64, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.cancel = nil
	c.attempts = attempts
	c.setStatusLocked(StatusError)
	c.logger.Error("reconnection failed", "attempts", attempts)
}

func (c *Client) readLoop(conn *websocket.Conn) string {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err.Error()
		}
		ev, err := domain.DecodeServer(data)
		if err != nil {
			c.logger.Warn("invalid frame", "error", err)
			continue
		}
		c.resolve(ev)
		c.handlers.publish(ev)
	}
}

func (c *Client) resolve(ev domain.Event) {
	switch e := ev.(type) {
	case domain.AuthSuccess:
		c.settle("auth", result{ev: e})
	case domain.AuthError:
		c.settle("auth", result{err: e})
	case domain.Joined:
		c.settle("join:"+e.Room, result{ev: e})
	case domain.JoinError:
		c.settle("join:"+e.Room, result{err: e})
	case domain.RoomMembers:
		c.settle("members:"+e.Room, result{ev: e})
	}
}

func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	c.statusQueue = append(c.statusQueue, s)
	if !c.notifying {
		c.notifying = true
		go c.notifyStatus()
	}
}

func (c *Client) notifyStatus() {
	for {
		c.mu.Lock()
		if len(c.statusQueue) == 0 {
			c.notifying = false
			c.mu.Unlock()
			return
		}
		s := c.statusQueue[0]
		c.statusQueue = c.statusQueue[1:]
		subs := make([]func(Status), 0, len(c.statusSubs))
		for _, fn := range c.statusSubs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()

		for _, fn := range subs {
			fn(s)
		}
	}
}
