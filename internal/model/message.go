package model

import "time"

// Participant is the public summary of one side of a conversation
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// JobRef points at the job posting a conversation was started from
type JobRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Room is a two-party conversation as seen by one viewer
type Room struct {
	ID            string         `json:"id"`
	Participants  [2]Participant `json:"participants"`
	Job           *JobRef        `json:"job,omitempty"`
	LastMessage   string         `json:"lastMessage"`
	LastMessageAt *time.Time     `json:"lastMessageAt,omitempty"`
	UnreadCount   int            `json:"unreadCount"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Other returns the participant that is not viewerID
func (r Room) Other(viewerID string) Participant {
	if r.Participants[0].ID == viewerID {
		return r.Participants[1]
	}
	return r.Participants[0]
}

// HasParticipant reports whether userID is one of the two sides of the room
func (r Room) HasParticipant(userID string) bool {
	return r.Participants[0].ID == userID || r.Participants[1].ID == userID
}

// Message represents a chat message
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
