package chatsync

import (
	"sync"

	"jobchat/internal/model"
)

// TimelineChange carries a room's entries after they changed. Entries
// is nil when the timeline was dropped.
type TimelineChange struct {
	RoomID  string
	Entries []Entry
}

// TypingChange carries the other users typing in a room after the set
// changed, including when a mark goes stale.
type TypingChange struct {
	RoomID  string
	UserIDs []string
}

// changeNotifier fans session state out to UI surfaces. Mutations only
// mark what changed (under the session lock); flush takes fresh
// snapshots and publishes them with the lock released, one flusher at a
// time, so an observer never sees an older state after a newer one.
type changeNotifier struct {
	// guarded by Session.mu
	roomsDirty bool
	timelines  map[string]struct{}
	typing     map[string]struct{}
	lastTypers map[string][]string

	flushing sync.Mutex
	rooms    Registry[[]model.Room]
	entries  Registry[TimelineChange]
	typers   Registry[TypingChange]
}

type changeBatch struct {
	rooms     []model.Room
	hasRooms  bool
	timelines []TimelineChange
	typing    []TypingChange
}

func (b changeBatch) empty() bool {
	return !b.hasRooms && len(b.timelines) == 0 && len(b.typing) == 0
}

func newChangeNotifier() *changeNotifier {
	return &changeNotifier{
		timelines:  make(map[string]struct{}),
		typing:     make(map[string]struct{}),
		lastTypers: make(map[string][]string),
	}
}

func (n *changeNotifier) dirtyLocked() bool {
	return n.roomsDirty || len(n.timelines) > 0 || len(n.typing) > 0
}

// SubscribeRooms registers fn for room list changes.
func (s *Session) SubscribeRooms(fn func([]model.Room)) (unsubscribe func()) {
	return s.notes.rooms.Subscribe(fn)
}

// SubscribeTimeline registers fn for changes to any room's timeline.
func (s *Session) SubscribeTimeline(fn func(TimelineChange)) (unsubscribe func()) {
	return s.notes.entries.Subscribe(fn)
}

// SubscribeTyping registers fn for changes to who is typing in a room.
func (s *Session) SubscribeTyping(fn func(TypingChange)) (unsubscribe func()) {
	return s.notes.typers.Subscribe(fn)
}

func (s *Session) touchTimelineLocked(roomID string) {
	s.notes.timelines[roomID] = struct{}{}
}

func (s *Session) touchTypingLocked(roomID string) {
	s.notes.typing[roomID] = struct{}{}
}

// takeChanges snapshots everything marked since the last call.
func (s *Session) takeChanges() changeBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notes

	var b changeBatch
	if n.roomsDirty {
		b.rooms, b.hasRooms = s.directory.Rooms(), true
		n.roomsDirty = false
	}
	for roomID := range n.timelines {
		change := TimelineChange{RoomID: roomID}
		if tl, ok := s.timelines[roomID]; ok {
			change.Entries = tl.Entries()
		}
		b.timelines = append(b.timelines, change)
		delete(n.timelines, roomID)
	}
	for roomID := range n.typing {
		delete(n.typing, roomID)
		typers := s.typing.ActiveTypers(roomID, s.viewerID)
		if sameUsers(typers, n.lastTypers[roomID]) {
			continue
		}
		if len(typers) == 0 {
			delete(n.lastTypers, roomID)
		} else {
			n.lastTypers[roomID] = typers
		}
		b.typing = append(b.typing, TypingChange{RoomID: roomID, UserIDs: typers})
	}
	return b
}

// flushChanges publishes pending changes. A call that finds another
// flush running returns at once; the running one picks up its changes.
func (s *Session) flushChanges() {
	n := s.notes
	for {
		if !n.flushing.TryLock() {
			return
		}
		for {
			b := s.takeChanges()
			if b.empty() {
				break
			}
			if b.hasRooms {
				n.rooms.Publish(b.rooms)
			}
			for _, c := range b.timelines {
				n.entries.Publish(c)
			}
			for _, c := range b.typing {
				n.typers.Publish(c)
			}
		}
		n.flushing.Unlock()

		s.mu.Lock()
		idle := !n.dirtyLocked()
		s.mu.Unlock()
		if idle {
			return
		}
	}
}

func sameUsers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
