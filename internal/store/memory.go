package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobchat/internal/model"
)

// Memory is an in-process Store used in development and tests.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]model.Participant
	rooms    map[string]*memRoom
	messages map[string][]model.Message // roomID -> ascending
}

type memRoom struct {
	id        string
	users     [2]string
	job       *model.JobRef
	createdAt time.Time
	deletedAt *time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]model.Participant),
		rooms:    make(map[string]*memRoom),
		messages: make(map[string][]model.Message),
	}
}

func (m *Memory) UpsertUser(ctx context.Context, user model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *Memory) User(ctx context.Context, userID string) (model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userLocked(userID), nil
}

func (m *Memory) ListRooms(ctx context.Context, viewerID string) ([]model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := []model.Room{}
	for _, r := range m.rooms {
		if r.deletedAt != nil || (r.users[0] != viewerID && r.users[1] != viewerID) {
			continue
		}
		rooms = append(rooms, m.viewLocked(r, viewerID))
	}
	sortByActivity(rooms)
	return rooms, nil
}

func (m *Memory) Room(ctx context.Context, roomID, viewerID string) (model.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok || r.deletedAt != nil {
		return model.Room{}, ErrNotFound
	}
	return m.viewLocked(r, viewerID), nil
}

func (m *Memory) CreateRoom(ctx context.Context, viewerID, otherUserID string, job *model.JobRef, at time.Time) (model.Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobID := ""
	if job != nil {
		jobID = job.ID
	}
	for _, r := range m.rooms {
		if r.deletedAt != nil || !samePair(r.users, viewerID, otherUserID) {
			continue
		}
		existingJob := ""
		if r.job != nil {
			existingJob = r.job.ID
		}
		if existingJob == jobID {
			return m.viewLocked(r, viewerID), false, nil
		}
	}

	r := &memRoom{
		id:        uuid.NewString(),
		users:     [2]string{viewerID, otherUserID},
		createdAt: at,
	}
	if job != nil {
		j := *job
		r.job = &j
	}
	m.rooms[r.id] = r
	return m.viewLocked(r, viewerID), true, nil
}

func (m *Memory) DeleteRoom(ctx context.Context, roomID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok || r.deletedAt != nil {
		return ErrNotFound
	}
	ts := at
	r.deletedAt = &ts
	return nil
}

func (m *Memory) SetJobTitle(ctx context.Context, roomID, title string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok || r.deletedAt != nil {
		return "", ErrNotFound
	}
	if r.job == nil {
		r.job = &model.JobRef{}
	}
	r.job.Title = title
	return r.job.ID, nil
}

func (m *Memory) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rooms[roomID]; !ok || r.deletedAt != nil {
		return nil, ErrNotFound
	}
	out := make([]model.Message, len(m.messages[roomID]))
	copy(out, m.messages[roomID])
	return out, nil
}

func (m *Memory) CreateMessage(ctx context.Context, roomID, senderID, body string, at time.Time) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; !ok || r.deletedAt != nil {
		return model.Message{}, ErrNotFound
	}
	msg := model.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: at,
		UpdatedAt: at,
	}
	m.messages[roomID] = append(m.messages[roomID], msg)
	return msg, nil
}

func (m *Memory) MarkRead(ctx context.Context, roomID, readerID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; !ok || r.deletedAt != nil {
		return 0, ErrNotFound
	}
	var changed int64
	msgs := m.messages[roomID]
	for i := range msgs {
		if msgs[i].SenderID == readerID || msgs[i].Read {
			continue
		}
		msgs[i].Read = true
		msgs[i].UpdatedAt = at
		changed++
	}
	return changed, nil
}

func (m *Memory) userLocked(userID string) model.Participant {
	if u, ok := m.users[userID]; ok {
		return u
	}
	return fallbackParticipant(userID)
}

func (m *Memory) viewLocked(r *memRoom, viewerID string) model.Room {
	room := model.Room{
		ID:           r.id,
		Participants: [2]model.Participant{m.userLocked(r.users[0]), m.userLocked(r.users[1])},
		CreatedAt:    r.createdAt,
	}
	if r.job != nil {
		j := *r.job
		room.Job = &j
	}
	msgs := m.messages[r.id]
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		room.LastMessage = last.Body
		ts := last.CreatedAt
		room.LastMessageAt = &ts
	}
	for _, msg := range msgs {
		if msg.SenderID != viewerID && !msg.Read {
			room.UnreadCount++
		}
	}
	return room
}

func samePair(users [2]string, a, b string) bool {
	return (users[0] == a && users[1] == b) || (users[0] == b && users[1] == a)
}
