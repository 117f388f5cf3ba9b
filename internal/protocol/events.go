package protocol

import (
	"encoding/json"

	"jobchat/internal/model"
)

// EventType identifies the type of a push channel frame.
type EventType string

const (
	// Server -> Client
	EventMessageCreated  EventType = "message:new"
	EventMessageRead     EventType = "message:read"
	EventPresenceChanged EventType = "presence:changed"
	EventTypingChanged   EventType = "typing:changed"
	EventEntityUpdated   EventType = "entity:updated"
	EventError           EventType = "error"

	// Client -> Server
	SignalRoomJoin  EventType = "room:join"
	SignalRoomLeave EventType = "room:leave"
	SignalTypingSet EventType = "typing:set"
)

// Inbound lists the event kinds a client may subscribe to, in a stable order.
var Inbound = []EventType{
	EventMessageCreated,
	EventMessageRead,
	EventPresenceChanged,
	EventTypingChanged,
	EventEntityUpdated,
}

// Envelope wraps every frame on the push channel with a type field.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessageCreated is pushed when a message is stored in a room.
type MessageCreated = model.Message

// MessageRead is pushed when a participant marks a room read.
type MessageRead struct {
	RoomID   string `json:"roomId"`
	ReaderID string `json:"readerId"`
}

// PresenceChanged is pushed when a user's first connection opens or last one closes.
type PresenceChanged struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// TypingChanged is relayed to everyone else joined to the room.
type TypingChanged struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// EntityUpdated carries a metadata patch for a room or job.
type EntityUpdated struct {
	EntityType string                     `json:"entityType"`
	EntityID   string                     `json:"entityId"`
	Patch      map[string]json.RawMessage `json:"patch"`
}

// Entity types carried by EntityUpdated.
const (
	EntityRoom = "room"
	EntityJob  = "job"
)

// Patch keys understood by clients.
const (
	PatchDeleted  = "deleted"
	PatchJobTitle = "jobTitle"
)

// RoomSignal is sent by the client to join or leave a room.
type RoomSignal struct {
	RoomID string `json:"roomId"`
}

// TypingSignal is sent by the client when local typing starts or stops.
type TypingSignal struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorMessage is sent by the server when a client frame cannot be handled.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidMsg = "invalid_message"
	ErrCodeForbidden  = "forbidden"
)

// NewEnvelope creates an envelope with the given type and data.
func NewEnvelope(eventType EventType, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type: eventType,
		Data: raw,
	}, nil
}

// Encode marshals an envelope with the given type and data in one step.
func Encode(eventType EventType, data interface{}) ([]byte, error) {
	env, err := NewEnvelope(eventType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ParseEnvelope parses a JSON frame into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Bool decodes a boolean patch field. ok is false when the key is absent or not a bool.
func (e EntityUpdated) Bool(key string) (value bool, ok bool) {
	raw, present := e.Patch[key]
	if !present {
		return false, false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return false, false
	}
	return value, true
}

// String decodes a string patch field. ok is false when the key is absent or not a string.
func (e EntityUpdated) String(key string) (value string, ok bool) {
	raw, present := e.Patch[key]
	if !present {
		return "", false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}
