package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jobchat/internal/model"
)

// MySQL is a Store backed by MariaDB/MySQL (see database.Migrate for
// the schema).
type MySQL struct {
	db *sql.DB
}

// NewMySQL wraps an open connection pool.
func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db}
}

func (s *MySQL) UpsertUser(ctx context.Context, user model.Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, avatar_url) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE display_name = VALUES(display_name), avatar_url = VALUES(avatar_url)`,
		user.ID, user.DisplayName, user.AvatarURL)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

func (s *MySQL) User(ctx context.Context, userID string) (model.Participant, error) {
	var u model.Participant
	err := s.db.QueryRowContext(ctx,
		"SELECT id, display_name, avatar_url FROM users WHERE id = ?", userID,
	).Scan(&u.ID, &u.DisplayName, &u.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return fallbackParticipant(userID), nil
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	return u, nil
}

const roomColumns = `r.id, r.user_a, r.user_b, r.job_id, r.job_title, r.created_at,
	(SELECT m.body FROM messages m WHERE m.room_id = r.id ORDER BY m.id DESC LIMIT 1),
	(SELECT m.created_at FROM messages m WHERE m.room_id = r.id ORDER BY m.id DESC LIMIT 1),
	(SELECT COUNT(*) FROM messages m WHERE m.room_id = r.id AND m.sender_id <> ? AND m.is_read = FALSE)`

func (s *MySQL) ListRooms(ctx context.Context, viewerID string) ([]model.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r WHERE r.deleted_at IS NULL AND (r.user_a = ? OR r.user_b = ?)",
		viewerID, viewerID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []model.Room{}
	for rows.Next() {
		room, err := s.scanRoom(ctx, rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	sortByActivity(rooms)
	return rooms, nil
}

func (s *MySQL) Room(ctx context.Context, roomID, viewerID string) (model.Room, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r WHERE r.deleted_at IS NULL AND r.id = ?",
		viewerID, roomID)
	room, err := s.scanRoom(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Room{}, ErrNotFound
	}
	return room, err
}

func (s *MySQL) CreateRoom(ctx context.Context, viewerID, otherUserID string, job *model.JobRef, at time.Time) (model.Room, bool, error) {
	jobID, jobTitle := "", ""
	if job != nil {
		jobID, jobTitle = job.ID, job.Title
	}

	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM rooms WHERE deleted_at IS NULL AND job_id = ?
		 AND ((user_a = ? AND user_b = ?) OR (user_a = ? AND user_b = ?)) LIMIT 1`,
		jobID, viewerID, otherUserID, otherUserID, viewerID,
	).Scan(&existing)
	switch {
	case err == nil:
		room, err := s.Room(ctx, existing, viewerID)
		return room, false, err
	case !errors.Is(err, sql.ErrNoRows):
		return model.Room{}, false, fmt.Errorf("find room: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (user_a, user_b, job_id, job_title, created_at) VALUES (?, ?, ?, ?, ?)",
		viewerID, otherUserID, jobID, jobTitle, at)
	if err != nil {
		return model.Room{}, false, fmt.Errorf("create room: %w", err)
	}
	lastInsertID, err := result.LastInsertId()
	if err != nil {
		return model.Room{}, false, fmt.Errorf("create room: %w", err)
	}

	room, err := s.Room(ctx, fmt.Sprintf("%d", lastInsertID), viewerID)
	return room, true, err
}

func (s *MySQL) DeleteRoom(ctx context.Context, roomID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL", at, roomID)
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQL) SetJobTitle(ctx context.Context, roomID, title string) (string, error) {
	var jobID string
	err := s.db.QueryRowContext(ctx,
		"SELECT job_id FROM rooms WHERE id = ? AND deleted_at IS NULL", roomID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load room %s: %w", roomID, err)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE rooms SET job_title = ? WHERE id = ?", title, roomID); err != nil {
		return "", fmt.Errorf("update room %s: %w", roomID, err)
	}
	return jobID, nil
}

func (s *MySQL) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, body, is_read, created_at, updated_at
		 FROM messages WHERE room_id = ? ORDER BY id ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var msg model.Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Body, &msg.Read, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (s *MySQL) CreateMessage(ctx context.Context, roomID, senderID, body string, at time.Time) (model.Message, error) {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return model.Message{}, err
	}
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (room_id, sender_id, body, is_read, created_at, updated_at) VALUES (?, ?, ?, FALSE, ?, ?)",
		roomID, senderID, body, at, at)
	if err != nil {
		return model.Message{}, fmt.Errorf("create message: %w", err)
	}
	lastInsertID, err := result.LastInsertId()
	if err != nil {
		return model.Message{}, fmt.Errorf("create message: %w", err)
	}
	return model.Message{
		ID:        fmt.Sprintf("%d", lastInsertID),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

func (s *MySQL) MarkRead(ctx context.Context, roomID, readerID string, at time.Time) (int64, error) {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE, updated_at = ? WHERE room_id = ? AND sender_id <> ? AND is_read = FALSE",
		at, roomID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return result.RowsAffected()
}

func (s *MySQL) requireRoom(ctx context.Context, roomID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM rooms WHERE id = ? AND deleted_at IS NULL)", roomID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check room %s: %w", roomID, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *MySQL) scanRoom(ctx context.Context, row rowScanner) (model.Room, error) {
	var (
		room         model.Room
		userA, userB string
		jobID        string
		jobTitle     string
		lastBody     sql.NullString
		lastAt       sql.NullTime
	)
	err := row.Scan(&room.ID, &userA, &userB, &jobID, &jobTitle, &room.CreatedAt, &lastBody, &lastAt, &room.UnreadCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Room{}, err
		}
		return model.Room{}, fmt.Errorf("scan room: %w", err)
	}

	a, err := s.User(ctx, userA)
	if err != nil {
		return model.Room{}, err
	}
	b, err := s.User(ctx, userB)
	if err != nil {
		return model.Room{}, err
	}
	room.Participants = [2]model.Participant{a, b}
	if jobID != "" || jobTitle != "" {
		room.Job = &model.JobRef{ID: jobID, Title: jobTitle}
	}
	if lastBody.Valid {
		room.LastMessage = lastBody.String
	}
	if lastAt.Valid {
		ts := lastAt.Time
		room.LastMessageAt = &ts
	}
	return room, nil
}
