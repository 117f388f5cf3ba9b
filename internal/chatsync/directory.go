package chatsync

import (
	"strings"
	"time"

	"jobchat/internal/model"
)

// Directory holds the viewer's conversation rooms. The most recently
// active room is kept first. Unread counts only grow on new messages in
// a room that is not active and only drop, to zero, on ClearUnread.
//
// Directory is not safe for concurrent use; Session serializes access.
// Subscribers are notified after every mutation with a copy of the
// room list.
type Directory struct {
	viewerID string
	rooms    []model.Room
	active   string
	changed  Registry[[]model.Room]
}

// NewDirectory returns an empty directory for viewerID.
func NewDirectory(viewerID string) *Directory {
	return &Directory{viewerID: viewerID}
}

// Subscribe registers fn to receive the room list after each change.
func (d *Directory) Subscribe(fn func([]model.Room)) (unsubscribe func()) {
	return d.changed.Subscribe(fn)
}

// Replace installs a freshly fetched room list. When targetRoomID
// names one of the rooms it becomes the active room.
func (d *Directory) Replace(rooms []model.Room, targetRoomID string) {
	d.rooms = make([]model.Room, 0, len(rooms))
	seen := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		if _, dup := seen[room.ID]; dup {
			continue
		}
		seen[room.ID] = struct{}{}
		if room.UnreadCount < 0 {
			room.UnreadCount = 0
		}
		d.rooms = append(d.rooms, room)
	}
	if d.active != "" && d.indexOf(d.active) < 0 {
		d.active = ""
	}
	if targetRoomID != "" && d.indexOf(targetRoomID) >= 0 {
		d.active = targetRoomID
	}
	d.notify()
}

// SetActive marks roomID as the room the viewer is looking at. Unknown
// rooms are accepted so that a deep link can be activated before the
// directory fetch completes.
func (d *Directory) SetActive(roomID string) {
	d.active = roomID
}

// ClearActive forgets the active room if it is roomID.
func (d *Directory) ClearActive(roomID string) {
	if d.active == roomID {
		d.active = ""
	}
}

// Active returns the active room identifier, or "".
func (d *Directory) Active() string { return d.active }

// Upsert inserts room at the front, or refreshes the stored copy in
// place keeping its unread count.
func (d *Directory) Upsert(room model.Room) {
	if i := d.indexOf(room.ID); i >= 0 {
		room.UnreadCount = d.rooms[i].UnreadCount
		d.rooms[i] = room
	} else {
		if room.UnreadCount < 0 {
			room.UnreadCount = 0
		}
		d.rooms = append([]model.Room{room}, d.rooms...)
	}
	d.notify()
}

// ApplyLastMessage records a new message preview for roomID and moves
// the room to the front. The unread count is incremented only when
// incrementUnreadIfNotActive is set and roomID is not the active room.
// It reports whether the room is known.
func (d *Directory) ApplyLastMessage(roomID, preview string, at time.Time, incrementUnreadIfNotActive bool) bool {
	i := d.indexOf(roomID)
	if i < 0 {
		return false
	}
	room := d.rooms[i]
	room.LastMessage = preview
	ts := at
	room.LastMessageAt = &ts
	if incrementUnreadIfNotActive && roomID != d.active {
		room.UnreadCount++
	}
	d.rooms = append(d.rooms[:i], d.rooms[i+1:]...)
	d.rooms = append([]model.Room{room}, d.rooms...)
	d.notify()
	return true
}

// RevertPreview puts back before's preview on roomID if the current
// preview is still the one recorded as preview at at. A newer message
// that replaced it in the meantime is left alone.
func (d *Directory) RevertPreview(roomID, preview string, at time.Time, before model.Room) bool {
	i := d.indexOf(roomID)
	if i < 0 {
		return false
	}
	room := &d.rooms[i]
	if room.LastMessage != preview || room.LastMessageAt == nil || !room.LastMessageAt.Equal(at) {
		return false
	}
	room.LastMessage = before.LastMessage
	room.LastMessageAt = before.LastMessageAt
	d.notify()
	return true
}

// ClearUnread zeroes the unread count of roomID and returns the count
// it held.
func (d *Directory) ClearUnread(roomID string) int {
	i := d.indexOf(roomID)
	if i < 0 {
		return 0
	}
	prev := d.rooms[i].UnreadCount
	if prev == 0 {
		return 0
	}
	d.rooms[i].UnreadCount = 0
	d.notify()
	return prev
}

// Remove deletes roomID, used when the server announces a moderation
// removal. It reports whether the room was present.
func (d *Directory) Remove(roomID string) bool {
	i := d.indexOf(roomID)
	if i < 0 {
		return false
	}
	d.rooms = append(d.rooms[:i], d.rooms[i+1:]...)
	d.ClearActive(roomID)
	d.notify()
	return true
}

// SetJobTitle renames the job reference of roomID.
func (d *Directory) SetJobTitle(roomID, title string) bool {
	i := d.indexOf(roomID)
	if i < 0 || d.rooms[i].Job == nil {
		return false
	}
	job := *d.rooms[i].Job
	job.Title = title
	d.rooms[i].Job = &job
	d.notify()
	return true
}

// SetJobTitleForJob renames the job reference on every room started
// from jobID and returns how many rooms changed.
func (d *Directory) SetJobTitleForJob(jobID, title string) int {
	changed := 0
	for i := range d.rooms {
		if d.rooms[i].Job == nil || d.rooms[i].Job.ID != jobID {
			continue
		}
		job := *d.rooms[i].Job
		job.Title = title
		d.rooms[i].Job = &job
		changed++
	}
	if changed > 0 {
		d.notify()
	}
	return changed
}

// Room returns a copy of roomID's entry.
func (d *Directory) Room(roomID string) (model.Room, bool) {
	i := d.indexOf(roomID)
	if i < 0 {
		return model.Room{}, false
	}
	return d.rooms[i], true
}

// Rooms returns a copy of the room list.
func (d *Directory) Rooms() []model.Room {
	out := make([]model.Room, len(d.rooms))
	copy(out, d.rooms)
	return out
}

// Search filters the current list by the other participant's display
// name.
func (d *Directory) Search(query string) []model.Room {
	return FilterRooms(d.rooms, d.viewerID, query)
}

// FilterRooms returns the rooms whose other participant's display name
// contains query, case-insensitively. An empty query matches all.
func FilterRooms(rooms []model.Room, viewerID, query string) []model.Room {
	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]model.Room, 0, len(rooms))
	for _, room := range rooms {
		name := strings.ToLower(room.Other(viewerID).DisplayName)
		if needle == "" || strings.Contains(name, needle) {
			out = append(out, room)
		}
	}
	return out
}

func (d *Directory) indexOf(roomID string) int {
	for i := range d.rooms {
		if d.rooms[i].ID == roomID {
			return i
		}
	}
	return -1
}

func (d *Directory) notify() {
	d.changed.Publish(d.Rooms())
}
