package handler

import (
	"log"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"jobchat/internal/protocol"
)

// sendBuffer is the per-connection outbound queue length
const sendBuffer = 64

// Client is one authenticated push connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte

	mu     sync.Mutex
	closed bool
	rooms  map[string]bool // guarded by hub.mu
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]bool),
	}
}

// enqueue queues frame without blocking. A full queue means the peer
// stopped reading; the connection is closed so readPump unregisters it.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Printf("[WebSocket] ❌ Send queue full for %s, closing connection", c.userID)
		if c.conn != nil {
			c.conn.Close()
		}
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// delivery is one frame addressed to a set of connections
type delivery struct {
	users       []string // nil means every connection
	roomID      string   // only connections joined to roomID
	excludeUser string
	frame       []byte
}

// Hub tracks push connections per user and per joined room
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	users   map[string]map[*Client]bool
	rooms   map[string]map[*Client]bool

	broadcast chan delivery
}

// NewHub creates an empty Hub. Run must be started to deliver frames.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*Client]bool),
		users:     make(map[string]map[*Client]bool),
		rooms:     make(map[string]map[*Client]bool),
		broadcast: make(chan delivery, 256),
	}
}

// Register adds c and reports whether it is the user's first connection
func (h *Hub) Register(c *Client) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = true
	conns, ok := h.users[c.userID]
	if !ok {
		conns = make(map[*Client]bool)
		h.users[c.userID] = conns
	}
	conns[c] = true
	return len(conns) == 1
}

// Unregister removes c from every room and reports whether it was the
// user's last connection. Calling it twice is a no-op.
func (h *Hub) Unregister(c *Client) (last bool) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, c)
	for roomID := range c.rooms {
		h.leaveLocked(c, roomID)
	}
	conns := h.users[c.userID]
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.users, c.userID)
		last = true
	}
	h.mu.Unlock()

	c.closeSend()
	return last
}

// Join subscribes c to room-scoped events for roomID
func (h *Hub) Join(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[roomID] = members
	}
	members[c] = true
	c.rooms[roomID] = true
}

// Leave removes c from roomID
func (h *Hub) Leave(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, roomID)
}

func (h *Hub) leaveLocked(c *Client, roomID string) {
	delete(c.rooms, roomID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Joined reports whether c has joined roomID
func (h *Hub) Joined(c *Client, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.rooms[roomID]
}

// Len returns the number of open connections
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Online returns the users with at least one open connection, sorted
func (h *Hub) Online() []string {
	h.mu.RLock()
	users := make([]string, 0, len(h.users))
	for userID := range h.users {
		users = append(users, userID)
	}
	h.mu.RUnlock()
	sort.Strings(users)
	return users
}

// ToUsers queues an event for every connection of the given users
func (h *Hub) ToUsers(eventType protocol.EventType, data interface{}, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	h.queue(eventType, data, delivery{users: userIDs})
}

// ToRoom queues an event for connections joined to roomID, skipping excludeUser
func (h *Hub) ToRoom(eventType protocol.EventType, data interface{}, roomID, excludeUser string) {
	h.queue(eventType, data, delivery{roomID: roomID, excludeUser: excludeUser})
}

// ToAll queues an event for every connection
func (h *Hub) ToAll(eventType protocol.EventType, data interface{}) {
	h.queue(eventType, data, delivery{})
}

func (h *Hub) queue(eventType protocol.EventType, data interface{}, d delivery) {
	frame, err := protocol.Encode(eventType, data)
	if err != nil {
		log.Printf("[WebSocket] ❌ Failed to encode %s: %v", eventType, err)
		return
	}
	d.frame = frame
	h.broadcast <- d
}

// Run delivers queued events until Close is called
func (h *Hub) Run() {
	for d := range h.broadcast {
		// 対象の接続をスナップショットしてからロックを外すことで、
		// 送信中に Unregister が走ってもマップ競合が起きないようにする
		targets := h.targets(d)
		for _, c := range targets {
			c.enqueue(d.frame)
		}
	}
}

// Close stops Run. No events may be queued afterwards.
func (h *Hub) Close() {
	close(h.broadcast)
}

func (h *Hub) targets(d delivery) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets []*Client
	add := func(conns map[*Client]bool) {
		for c := range conns {
			if d.excludeUser != "" && c.userID == d.excludeUser {
				continue
			}
			targets = append(targets, c)
		}
	}

	switch {
	case d.roomID != "":
		add(h.rooms[d.roomID])
	case d.users != nil:
		seen := make(map[string]bool, len(d.users))
		for _, userID := range d.users {
			if seen[userID] {
				continue
			}
			seen[userID] = true
			add(h.users[userID])
		}
	default:
		add(h.clients)
	}
	return targets
}
