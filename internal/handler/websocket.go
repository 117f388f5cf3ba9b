package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"jobchat/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
)

// createUpgrader creates a WebSocket upgrader with the given allowed origins.
// Requests without an Origin header come from non-browser clients and are accepted.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedMap[origin]
		},
	}
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(r)
	if !ok {
		log.Printf("[GET /ws] ❌ Unauthorized from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	upgrader := createUpgrader(h.Config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	c := newClient(h.Hub, conn, userID)
	first := h.Hub.Register(c)
	log.Printf("[WebSocket] ✅ %s connected. Total clients: %d", userID, h.Hub.Len())

	// 接続直後に現在のオンライン状態を送る
	for _, other := range h.Hub.Online() {
		if other == userID {
			continue
		}
		if frame, err := protocol.Encode(protocol.EventPresenceChanged, protocol.PresenceChanged{UserID: other, IsOnline: true}); err == nil {
			c.enqueue(frame)
		}
	}
	if first {
		h.Hub.ToAll(protocol.EventPresenceChanged, protocol.PresenceChanged{UserID: userID, IsOnline: true})
	}

	go c.writePump()
	h.readPump(r.Context(), c)
}

// readPump handles client frames until the connection fails
func (h *Handler) readPump(ctx context.Context, c *Client) {
	defer func() {
		if h.Hub.Unregister(c) {
			h.Hub.ToAll(protocol.EventPresenceChanged, protocol.PresenceChanged{UserID: c.userID, IsOnline: false})
		}
		c.conn.Close()
		log.Printf("[WebSocket] Client %s disconnected. Total clients: %d", c.userID, h.Hub.Len())
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WebSocket] ❌ Read error for %s: %v", c.userID, err)
			}
			return
		}
		h.handleFrame(ctx, c, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, c *Client, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMsg, "invalid frame")
		return
	}

	switch env.Type {
	case protocol.SignalRoomJoin:
		var sig protocol.RoomSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil || sig.RoomID == "" {
			c.sendError(protocol.ErrCodeInvalidMsg, "roomId is required")
			return
		}
		room, err := h.Store.Room(ctx, sig.RoomID, c.userID)
		if err != nil || !room.HasParticipant(c.userID) {
			log.Printf("[WebSocket] ❌ %s may not join room %s", c.userID, sig.RoomID)
			c.sendError(protocol.ErrCodeForbidden, "not a participant of "+sig.RoomID)
			return
		}
		h.Hub.Join(c, sig.RoomID)

	case protocol.SignalRoomLeave:
		var sig protocol.RoomSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil || sig.RoomID == "" {
			c.sendError(protocol.ErrCodeInvalidMsg, "roomId is required")
			return
		}
		h.Hub.Leave(c, sig.RoomID)

	case protocol.SignalTypingSet:
		var sig protocol.TypingSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil || sig.RoomID == "" {
			c.sendError(protocol.ErrCodeInvalidMsg, "roomId is required")
			return
		}
		if !h.Hub.Joined(c, sig.RoomID) {
			c.sendError(protocol.ErrCodeForbidden, "join "+sig.RoomID+" before typing")
			return
		}
		h.Hub.ToRoom(protocol.EventTypingChanged, protocol.TypingChanged{
			RoomID:   sig.RoomID,
			UserID:   c.userID,
			IsTyping: sig.IsTyping,
		}, sig.RoomID, c.userID)

	default:
		c.sendError(protocol.ErrCodeInvalidMsg, "unknown frame type: "+string(env.Type))
	}
}

func (c *Client) sendError(code, message string) {
	frame, err := protocol.Encode(protocol.EventError, protocol.ErrorMessage{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// writePump drains the send queue and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
