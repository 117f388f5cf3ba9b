package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"jobchat/internal/clock"
	"jobchat/internal/protocol"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultPongWait       = 60 * time.Second
	writeWait             = 10 * time.Second
	handshakeTimeout      = 10 * time.Second
	maxFrameSize          = 65536
	sendBuffer            = 256
)

// ChannelConfig configures a Channel. Zero durations take defaults.
type ChannelConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// Dialer defaults to a copy of websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// InitialBackoff and MaxBackoff bound the exponential reconnect
	// delay. Retries never give up; the delay is capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	PingInterval time.Duration
	PongWait     time.Duration

	Clock clock.Clock
}

// Channel owns the persistent push connection: connect, reconnect with
// backoff, room-scoped join/leave, and fan-out of inbound events to
// handlers registered per event kind.
//
// Transport failures never surface as errors to event consumers; they
// flip the connectivity flag, readable through Connected and
// observable through OnConnectivity.
type Channel struct {
	cfg    ChannelConfig
	dialer *websocket.Dialer
	clock  clock.Clock

	mu           sync.Mutex
	token        string // last token the server accepted
	pending      string // candidate token retried after a transport failure
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	joined       []string
	closed       bool
	reconnecting bool
	stop         chan struct{}

	handlersMu   sync.Mutex
	handlers     map[protocol.EventType]*Registry[json.RawMessage]
	connectivity Registry[bool]
}

// NewChannel returns a disconnected Channel.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = handshakeTimeout
		dialer = &d
	}
	return &Channel{
		cfg:      cfg,
		dialer:   dialer,
		clock:    cfg.Clock,
		handlers: make(map[protocol.EventType]*Registry[json.RawMessage]),
	}
}

// Connect establishes the connection authenticated by authToken. It is
// a no-op when already connected. On failure it returns a
// *ConnectionError and leaves prior state untouched: the token is only
// committed once the handshake succeeds. A transport failure retries
// authToken in the background; a rejected handshake retries only with
// the last accepted token, if any.
func (c *Channel) Connect(ctx context.Context, authToken string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.closed || c.stop == nil {
		c.closed = false
		c.stop = make(chan struct{})
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, authToken)
	if err != nil {
		var cerr *ConnectionError
		rejected := errors.As(err, &cerr) && cerr.StatusCode != 0

		c.mu.Lock()
		if !rejected {
			c.pending = authToken
		}
		retry := c.pending != "" || c.token != ""
		c.mu.Unlock()

		if !retry {
			log.Warningf("connect rejected, no accepted token to retry with: %v", err)
			return err
		}
		log.Warningf("connect failed, retrying in background: %v", err)
		c.scheduleReconnect()
		return err
	}
	c.install(conn, authToken)
	return nil
}

// Disconnect closes the connection, cancels pending retries and
// forgets joined rooms.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if !c.closed && c.stop != nil {
		close(c.stop)
	}
	c.closed = true
	c.joined = nil
	conn := c.conn
	if conn != nil {
		c.conn = nil
		close(c.done)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
		c.connectivity.Publish(false)
	}
}

// Connected is the connectivity flag UI code renders.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// JoinRoom starts push delivery for roomID. Joined rooms are
// remembered and re-joined, in join order, after a reconnect.
func (c *Channel) JoinRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.joined {
		if id == roomID {
			return
		}
	}
	c.joined = append(c.joined, roomID)
	c.enqueueLocked(protocol.SignalRoomJoin, protocol.RoomSignal{RoomID: roomID})
}

// LeaveRoom stops future push delivery for roomID. State already
// received is the caller's and is not touched.
func (c *Channel) LeaveRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.joined {
		if id == roomID {
			c.joined = append(c.joined[:i], c.joined[i+1:]...)
			c.enqueueLocked(protocol.SignalRoomLeave, protocol.RoomSignal{RoomID: roomID})
			return
		}
	}
}

// Joined returns the joined rooms in join order.
func (c *Channel) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.joined))
	copy(out, c.joined)
	return out
}

// SendTyping is fire-and-forget: it is dropped while disconnected.
func (c *Channel) SendTyping(roomID string, isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(protocol.SignalTypingSet, protocol.TypingSignal{RoomID: roomID, IsTyping: isTyping})
}

// OnEvent registers handler for one inbound event kind. Handlers of a
// kind run in registration order on the connection's read goroutine.
func (c *Channel) OnEvent(kind protocol.EventType, handler func(json.RawMessage)) (unsubscribe func()) {
	c.handlersMu.Lock()
	reg, ok := c.handlers[kind]
	if !ok {
		reg = &Registry[json.RawMessage]{}
		c.handlers[kind] = reg
	}
	c.handlersMu.Unlock()
	return reg.Subscribe(handler)
}

// OnConnectivity registers fn to observe connectivity flips.
func (c *Channel) OnConnectivity(fn func(connected bool)) (unsubscribe func()) {
	return c.connectivity.Subscribe(fn)
}

func (c *Channel) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		cerr := &ConnectionError{URL: c.cfg.URL, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
			resp.Body.Close()
		}
		return nil, cerr
	}
	return conn, nil
}

// install adopts a freshly dialed connection and re-joins every
// remembered room before anything else is written.
func (c *Channel) install(conn *websocket.Conn, token string) {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.token = token
	c.pending = ""
	size := sendBuffer
	if len(c.joined)+sendBuffer/2 > size {
		size = len(c.joined) + sendBuffer/2
	}
	c.conn = conn
	c.send = make(chan []byte, size)
	c.done = make(chan struct{})
	for _, roomID := range c.joined {
		c.enqueueLocked(protocol.SignalRoomJoin, protocol.RoomSignal{RoomID: roomID})
	}
	send, done := c.send, c.done
	rejoined := len(c.joined)
	c.mu.Unlock()

	log.Infof("connected to %s, re-joined %d rooms", c.cfg.URL, rejoined)
	go c.writePump(conn, send, done)
	go c.readPump(conn)
	c.connectivity.Publish(true)
}

// enqueueLocked queues a frame on the live connection. Frames are
// dropped while disconnected or when the buffer is full.
func (c *Channel) enqueueLocked(kind protocol.EventType, payload interface{}) {
	if c.conn == nil {
		return
	}
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		log.Errorf("encode %s: %v", kind, err)
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Warningf("send buffer full, dropping %s", kind)
	}
}

func (c *Channel) readPump(conn *websocket.Conn) {
	defer c.drop(conn)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warningf("push channel read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.dispatch(data)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-done:
			return
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		log.Warningf("unparseable push frame: %v", err)
		return
	}
	if env.Type == protocol.EventError {
		log.Warningf("server error frame: %s", string(env.Data))
		return
	}
	c.handlersMu.Lock()
	reg := c.handlers[env.Type]
	c.handlersMu.Unlock()
	if reg == nil {
		log.Debugf("no handler for %s", env.Type)
		return
	}
	reg.Publish(env.Data)
}

// drop is called when conn's read loop ends. An unexpected loss
// schedules a reconnect; presence and typing state the consumers hold
// is left to go stale on its own.
func (c *Channel) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	close(c.done)
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	c.connectivity.Publish(false)
	if !closed {
		log.Warning("push channel lost, reconnecting")
		c.scheduleReconnect()
	}
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	stop := c.stop
	c.mu.Unlock()

	go c.reconnectLoop(stop)
}

func (c *Channel) reconnectLoop(stop <-chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		// jitter may overshoot MaxInterval
		wait := b.NextBackOff()
		if wait > c.cfg.MaxBackoff {
			wait = c.cfg.MaxBackoff
		}
		select {
		case <-stop:
			return
		case <-c.clock.After(wait):
		}

		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			return
		}
		token := c.pending
		if token == "" {
			token = c.token
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		conn, err := c.dial(ctx, token)
		cancel()
		if err != nil {
			log.Debugf("reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		c.install(conn, token)
		return
	}
}
