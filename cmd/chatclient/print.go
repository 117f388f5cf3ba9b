package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"jobchat/internal/chatsync"
	"jobchat/internal/model"
)

func printRooms(s *chatsync.Session, rooms []model.Room) {
	if len(rooms) == 0 {
		fmt.Println("(no rooms)")
		return
	}
	active := s.ActiveRoom()
	for _, room := range rooms {
		other := room.Other(s.ViewerID())
		marker := " "
		if room.ID == active {
			marker = ">"
		}
		status := "offline"
		if s.IsOnline(other.ID) {
			status = "online"
		}
		job := ""
		if room.Job != nil && room.Job.Title != "" {
			job = " [" + room.Job.Title + "]"
		}
		unread := ""
		if room.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", room.UnreadCount)
		}
		fmt.Printf("%s %s  %s (%s)%s%s: %s\n", marker, room.ID, other.DisplayName, status, job, unread, room.LastMessage)
	}
}

func printHistory(s *chatsync.Session, roomID string) {
	if roomID == "" {
		fmt.Println("no room open")
		return
	}
	for _, e := range s.Timeline(roomID) {
		pending := ""
		if e.State == chatsync.Provisional {
			pending = " …"
		}
		read := ""
		if e.Message.SenderID == s.ViewerID() && e.Message.Read {
			read = " ✓"
		}
		fmt.Printf("%s %s: %s%s%s\n", e.Message.CreatedAt.Format("15:04"), e.Message.SenderID, e.Message.Body, pending, read)
	}
	if typers := s.ActiveTypers(roomID); len(typers) > 0 {
		fmt.Printf("* %s typing…\n", strings.Join(typers, ", "))
	}
}

// feed prints what changes while the prompt is idle: messages pushed
// into open rooms, activity in other rooms and typing changes.
type feed struct {
	s *chatsync.Session

	mu       sync.Mutex
	printed  map[string]struct{}  // message IDs already shown or part of a loaded history
	loaded   map[string]bool      // rooms whose history has been seen
	lastAt   map[string]time.Time // last preview time per room
	listSeen bool
}

func newFeed(s *chatsync.Session) *feed {
	return &feed{
		s:       s,
		printed: make(map[string]struct{}),
		loaded:  make(map[string]bool),
		lastAt:  make(map[string]time.Time),
	}
}

func (f *feed) subscribe() {
	f.s.SubscribeRooms(f.onRooms)
	f.s.SubscribeTimeline(f.onTimeline)
	f.s.SubscribeTyping(f.onTyping)
}

func (f *feed) onRooms(rooms []model.Room) {
	active := f.s.ActiveRoom()
	f.mu.Lock()
	defer f.mu.Unlock()

	first := !f.listSeen
	f.listSeen = true
	for _, room := range rooms {
		if room.LastMessageAt == nil {
			continue
		}
		prev, known := f.lastAt[room.ID]
		f.lastAt[room.ID] = *room.LastMessageAt
		if first || room.ID == active || (known && !room.LastMessageAt.After(prev)) {
			continue
		}
		other := room.Other(f.s.ViewerID())
		fmt.Printf("* %s (%s): %s\n", room.ID, other.DisplayName, room.LastMessage)
	}
}

func (f *feed) onTimeline(c chatsync.TimelineChange) {
	if c.Entries == nil {
		f.mu.Lock()
		delete(f.loaded, c.RoomID)
		f.mu.Unlock()
		fmt.Printf("* room %s was removed\n", c.RoomID)
		return
	}
	if f.s.RoomState(c.RoomID) == chatsync.Loading {
		return
	}
	// rooms in the background are announced by onRooms
	background := f.s.ActiveRoom() != c.RoomID

	f.mu.Lock()
	defer f.mu.Unlock()
	history := !f.loaded[c.RoomID]
	f.loaded[c.RoomID] = true
	for _, e := range c.Entries {
		if e.State != chatsync.Confirmed {
			continue
		}
		if _, done := f.printed[e.Message.ID]; done {
			continue
		}
		f.printed[e.Message.ID] = struct{}{}
		if history || background || e.Message.SenderID == f.s.ViewerID() {
			continue
		}
		fmt.Printf("[%s] %s %s: %s\n", c.RoomID, e.Message.CreatedAt.Format("15:04"), e.Message.SenderID, e.Message.Body)
	}
}

func (f *feed) onTyping(c chatsync.TypingChange) {
	if len(c.UserIDs) == 0 {
		fmt.Printf("* [%s] typing stopped\n", c.RoomID)
		return
	}
	fmt.Printf("* [%s] %s typing…\n", c.RoomID, strings.Join(c.UserIDs, ", "))
}
