// Package store persists rooms and messages behind the REST API.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"jobchat/internal/model"
)

// ErrNotFound is returned when a room does not exist or was deleted.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence surface used by the HTTP handlers.
type Store interface {
	UpsertUser(ctx context.Context, user model.Participant) error
	User(ctx context.Context, userID string) (model.Participant, error)

	// ListRooms returns viewerID's live rooms, most recent activity
	// first, with UnreadCount computed for viewerID.
	ListRooms(ctx context.Context, viewerID string) ([]model.Room, error)
	Room(ctx context.Context, roomID, viewerID string) (model.Room, error)

	// CreateRoom returns the existing live room for the same pair and
	// job when there is one; created reports which case applied.
	CreateRoom(ctx context.Context, viewerID, otherUserID string, job *model.JobRef, at time.Time) (room model.Room, created bool, err error)
	DeleteRoom(ctx context.Context, roomID string, at time.Time) error
	SetJobTitle(ctx context.Context, roomID, title string) (jobID string, err error)

	ListMessages(ctx context.Context, roomID string) ([]model.Message, error)
	CreateMessage(ctx context.Context, roomID, senderID, body string, at time.Time) (model.Message, error)

	// MarkRead flags every message in roomID not sent by readerID as
	// read and returns how many changed.
	MarkRead(ctx context.Context, roomID, readerID string, at time.Time) (int64, error)
}

// fallbackParticipant is used for users with no profile row.
func fallbackParticipant(userID string) model.Participant {
	return model.Participant{ID: userID, DisplayName: userID}
}

// sortByActivity orders rooms by last message time, falling back to
// creation time, newest first.
func sortByActivity(rooms []model.Room) {
	activity := func(r model.Room) time.Time {
		if r.LastMessageAt != nil {
			return *r.LastMessageAt
		}
		return r.CreatedAt
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		return activity(rooms[i]).After(activity(rooms[j]))
	})
}
