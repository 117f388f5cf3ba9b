package chatsync

import (
	"time"

	"jobchat/internal/model"
)

// EntryState tags a timeline entry as provisional (shown before the
// server confirmed it) or confirmed (carrying a server identifier).
type EntryState int

const (
	Provisional EntryState = iota
	Confirmed
)

func (s EntryState) String() string {
	if s == Provisional {
		return "provisional"
	}
	return "confirmed"
}

// Entry is one row of a room's timeline. ProvisionalID is set only
// while State is Provisional; Message.ID is set only once Confirmed.
type Entry struct {
	State         EntryState
	ProvisionalID string
	Message       model.Message
}

// LoadState is the per-room load lifecycle from the viewer's side.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Loaded
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	}
	return "unloaded"
}

// Timeline is the ordered message log of one room. Entries are kept in
// arrival order; the only reordering is the baseline replacement done
// by Replace. No two entries share a server identifier.
//
// Timeline is not safe for concurrent use; Session serializes access.
type Timeline struct {
	roomID    string
	state     LoadState
	entries   []Entry
	serverIDs map[string]struct{}

	// server IDs merged while Loading; Replace keeps them when the
	// baseline predates them
	arrived map[string]struct{}
}

// NewTimeline returns an empty, unloaded timeline for roomID.
func NewTimeline(roomID string) *Timeline {
	return &Timeline{
		roomID:    roomID,
		serverIDs: make(map[string]struct{}),
	}
}

func (t *Timeline) RoomID() string { return t.roomID }

func (t *Timeline) State() LoadState { return t.state }

func (t *Timeline) Len() int { return len(t.entries) }

// BeginLoad moves the timeline to Loading. Existing entries stay
// visible until Replace or FailLoad.
func (t *Timeline) BeginLoad() {
	t.state = Loading
	t.arrived = make(map[string]struct{})
}

// FailLoad drops back to Unloaded with an empty log.
func (t *Timeline) FailLoad() {
	t.state = Unloaded
	t.entries = nil
	t.serverIDs = make(map[string]struct{})
	t.arrived = nil
}

// Replace installs messages as the authoritative baseline and moves
// the timeline to Loaded. Repeated identifiers in messages keep their
// first occurrence. Pending provisional entries, and messages merged
// since BeginLoad that the baseline lacks, are kept after it in
// arrival order.
func (t *Timeline) Replace(messages []model.Message) {
	previous := t.entries
	t.entries = make([]Entry, 0, len(messages))
	t.serverIDs = make(map[string]struct{}, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		if _, dup := t.serverIDs[msg.ID]; dup {
			continue
		}
		t.serverIDs[msg.ID] = struct{}{}
		t.entries = append(t.entries, Entry{State: Confirmed, Message: msg})
	}

	for _, e := range previous {
		if e.State == Provisional {
			t.entries = append(t.entries, e)
			continue
		}
		if _, late := t.arrived[e.Message.ID]; !late {
			continue
		}
		if _, dup := t.serverIDs[e.Message.ID]; dup {
			continue
		}
		t.serverIDs[e.Message.ID] = struct{}{}
		t.entries = append(t.entries, e)
	}
	t.arrived = nil
	t.state = Loaded
}

// AppendProvisional appends an unconfirmed entry authored by senderID.
func (t *Timeline) AppendProvisional(provisionalID, senderID, body string, now time.Time) Entry {
	entry := Entry{
		State:         Provisional,
		ProvisionalID: provisionalID,
		Message: model.Message{
			RoomID:    t.roomID,
			SenderID:  senderID,
			Body:      body,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	t.entries = append(t.entries, entry)
	return entry
}

// Confirm swaps the provisional entry for its server-issued message,
// keeping its position. If the server identifier is already present
// the provisional entry is dropped instead. If the provisional entry
// is gone (a failed load emptied the log) and the server identifier is
// absent, the message is appended.
func (t *Timeline) Confirm(provisionalID string, msg model.Message) Outcome {
	if msg.ID == "" {
		return Invalid
	}
	if msg.RoomID == "" {
		msg.RoomID = t.roomID
	}
	i := t.indexOfProvisional(provisionalID)

	if _, exists := t.serverIDs[msg.ID]; exists {
		if i >= 0 {
			t.removeAt(i)
		}
		return StaleDuplicate
	}

	t.serverIDs[msg.ID] = struct{}{}
	t.noteArrival(msg.ID)
	confirmed := Entry{State: Confirmed, Message: msg}
	if i < 0 {
		t.entries = append(t.entries, confirmed)
		return Applied
	}
	t.entries[i] = confirmed
	return Applied
}

// Reject removes the provisional entry. It reports whether the entry
// was still present.
func (t *Timeline) Reject(provisionalID string) bool {
	i := t.indexOfProvisional(provisionalID)
	if i < 0 {
		return false
	}
	t.removeAt(i)
	return true
}

// ApplyIncoming merges a pushed message. A known server identifier is
// a no-op, and so is a message authored by viewerID: the viewer's own
// sends are already represented by their optimistic entries.
func (t *Timeline) ApplyIncoming(msg model.Message, viewerID string) Outcome {
	if msg.ID == "" {
		return Invalid
	}
	if _, exists := t.serverIDs[msg.ID]; exists {
		return StaleDuplicate
	}
	if msg.SenderID == viewerID {
		return StaleSelfEcho
	}
	t.serverIDs[msg.ID] = struct{}{}
	t.noteArrival(msg.ID)
	t.entries = append(t.entries, Entry{State: Confirmed, Message: msg})
	return Applied
}

// MarkRead flips the read flag on every loaded message viewerID has
// not yet read, i.e. confirmed messages authored by someone else. It
// returns the number of entries changed.
func (t *Timeline) MarkRead(viewerID string) int {
	return t.flipRead(func(e Entry) bool { return e.Message.SenderID != viewerID })
}

// ApplyReadReceipt marks as read every confirmed message readerID
// did not author. It returns the number of entries changed.
func (t *Timeline) ApplyReadReceipt(readerID string) int {
	return t.flipRead(func(e Entry) bool { return e.Message.SenderID != readerID })
}

// Entries returns a copy of the log.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Last returns the most recent entry.
func (t *Timeline) Last() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Contains reports whether a confirmed entry carries serverID.
func (t *Timeline) Contains(serverID string) bool {
	_, ok := t.serverIDs[serverID]
	return ok
}

func (t *Timeline) flipRead(match func(Entry) bool) int {
	changed := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.State != Confirmed || e.Message.Read || !match(*e) {
			continue
		}
		e.Message.Read = true
		changed++
	}
	return changed
}

func (t *Timeline) noteArrival(serverID string) {
	if t.state == Loading && t.arrived != nil {
		t.arrived[serverID] = struct{}{}
	}
}

func (t *Timeline) indexOfProvisional(provisionalID string) int {
	for i, e := range t.entries {
		if e.State == Provisional && e.ProvisionalID == provisionalID {
			return i
		}
	}
	return -1
}

func (t *Timeline) removeAt(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}
