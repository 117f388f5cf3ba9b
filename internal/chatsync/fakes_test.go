package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"jobchat/internal/model"
	"jobchat/internal/protocol"
)

// fakeAPI is an in-memory API. Hooks, when set, replace the default behavior.
type fakeAPI struct {
	mu       sync.Mutex
	rooms    []model.Room
	messages map[string][]model.Message
	nextID   int

	send      func(roomID, body string) (model.Message, error)
	loaded    func(roomID string) // runs after the history snapshot is taken
	loadErr   error
	markErr   error
	markReads []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{messages: make(map[string][]model.Message)}
}

func (f *fakeAPI) setRooms(rooms ...model.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = rooms
}

func (f *fakeAPI) setMessages(roomID string, msgs ...model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[roomID] = msgs
}

func (f *fakeAPI) Rooms(ctx context.Context) ([]model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]model.Room(nil), f.rooms...), nil
}

func (f *fakeAPI) Messages(ctx context.Context, roomID string) ([]model.Message, error) {
	f.mu.Lock()
	if f.loadErr != nil {
		f.mu.Unlock()
		return nil, f.loadErr
	}
	snapshot := append([]model.Message(nil), f.messages[roomID]...)
	hook := f.loaded
	f.mu.Unlock()
	if hook != nil {
		hook(roomID)
	}
	return snapshot, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, roomID, body string) (model.Message, error) {
	f.mu.Lock()
	hook := f.send
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.mu.Unlock()
	if hook != nil {
		return hook(roomID, body)
	}
	return model.Message{ID: id, RoomID: roomID, SenderID: "u1", Body: body, CreatedAt: t0, UpdatedAt: t0}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, roomID)
	return f.markErr
}

func (f *fakeAPI) CreateRoom(ctx context.Context, otherUserID, jobID string) (model.Room, error) {
	if otherUserID == "" {
		return model.Room{}, errors.New("otherUserId is required")
	}
	r := room("new-"+otherUserID, otherUserID, otherUserID, 0)
	if jobID != "" {
		r.Job = &model.JobRef{ID: jobID}
	}
	return r, nil
}

func (f *fakeAPI) markReadCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markReads...)
}

// fakeDuplex records outbound signals and lets tests push inbound events.
type fakeDuplex struct {
	mu        sync.Mutex
	connected bool
	joined    []string
	left      []string
	typing    typingRecorder
	handlers  map[protocol.EventType]*Registry[json.RawMessage]
}

func newFakeDuplex() *fakeDuplex {
	return &fakeDuplex{handlers: make(map[protocol.EventType]*Registry[json.RawMessage])}
}

func (f *fakeDuplex) Connect(ctx context.Context, authToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeDuplex) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeDuplex) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDuplex) JoinRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomID)
}

func (f *fakeDuplex) LeaveRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
}

func (f *fakeDuplex) SendTyping(roomID string, isTyping bool) {
	f.typing.send(roomID, isTyping)
}

func (f *fakeDuplex) OnEvent(kind protocol.EventType, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	reg, ok := f.handlers[kind]
	if !ok {
		reg = &Registry[json.RawMessage]{}
		f.handlers[kind] = reg
	}
	f.mu.Unlock()
	return reg.Subscribe(handler)
}

func (f *fakeDuplex) push(t *testing.T, kind protocol.EventType, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", kind, err)
	}
	f.mu.Lock()
	reg := f.handlers[kind]
	f.mu.Unlock()
	if reg == nil {
		t.Fatalf("no handler registered for %s", kind)
	}
	reg.Publish(raw)
}

func (f *fakeDuplex) leftRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.left...)
}

func (f *fakeDuplex) joinedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joined...)
}
