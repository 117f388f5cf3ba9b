package chatsync

import (
	"context"
	"encoding/json"

	"jobchat/internal/model"
	"jobchat/internal/protocol"
)

// API is the request/response surface the session consumes.
type API interface {
	Rooms(ctx context.Context) ([]model.Room, error)
	Messages(ctx context.Context, roomID string) ([]model.Message, error)
	SendMessage(ctx context.Context, roomID, body string) (model.Message, error)
	MarkRead(ctx context.Context, roomID string) error
	CreateRoom(ctx context.Context, otherUserID, jobID string) (model.Room, error)
}

// Duplex is the push channel surface the session consumes. *Channel
// implements it.
type Duplex interface {
	Connect(ctx context.Context, authToken string) error
	Disconnect()
	Connected() bool
	JoinRoom(roomID string)
	LeaveRoom(roomID string)
	SendTyping(roomID string, isTyping bool)
	OnEvent(kind protocol.EventType, handler func(json.RawMessage)) (unsubscribe func())
}

var _ Duplex = (*Channel)(nil)
