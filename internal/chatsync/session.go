// Package chatsync keeps a viewer's conversation state consistent
// across optimistic local actions, request/response confirmations and
// pushed events.
//
// A Session is the composition root: it owns one Directory, one
// Timeline per opened room, a Presence tracker, Typing marks and the
// local typing Debouncer, and routes push events from a Duplex channel
// into them. All merges run under a single session lock, which plays
// the role of the event loop: network calls are made outside the lock
// and their completions re-enter it, so any interleaving of user
// input, timers and pushes is applied one merge at a time.
package chatsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobchat/internal/clock"
	"jobchat/internal/model"
	"jobchat/internal/protocol"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// ViewerID is the signed-in user.
	ViewerID string

	// TypingWindow is the local quiet period and the remote staleness
	// window. Defaults to DefaultTypingWindow.
	TypingWindow time.Duration

	Clock clock.Clock

	// NewProvisionalID defaults to uuid.NewString.
	NewProvisionalID func() string
}

// Session is safe for concurrent use.
type Session struct {
	api      API
	channel  Duplex
	clock    clock.Clock
	viewerID string
	newID    func() string

	mu        sync.Mutex
	directory *Directory
	timelines map[string]*Timeline
	presence  *Presence
	typing    *Typing
	seen      map[string]struct{}
	notes     *changeNotifier

	typingWindow time.Duration
	typingTimers map[string]*clock.Timer // roomID+"\x00"+userID -> staleness timer

	debouncer *Debouncer
	unread    *UnreadAggregator
	unsub     []func()
	bg        sync.WaitGroup
}

// NewSession wires api and channel into a fresh session and registers
// its push handlers. Call Close to detach.
func NewSession(api API, channel Duplex, cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.TypingWindow <= 0 {
		cfg.TypingWindow = DefaultTypingWindow
	}
	if cfg.NewProvisionalID == nil {
		cfg.NewProvisionalID = uuid.NewString
	}

	s := &Session{
		api:       api,
		channel:   channel,
		clock:     cfg.Clock,
		viewerID:  cfg.ViewerID,
		newID:     cfg.NewProvisionalID,
		directory: NewDirectory(cfg.ViewerID),
		timelines: make(map[string]*Timeline),
		presence:  NewPresence(),
		typing:    NewTyping(cfg.Clock, cfg.TypingWindow),
		seen:      make(map[string]struct{}),
		notes:     newChangeNotifier(),

		typingWindow: cfg.TypingWindow,
		typingTimers: make(map[string]*clock.Timer),
	}
	s.unread = NewUnreadAggregator(s.directory)
	s.debouncer = NewDebouncer(cfg.Clock, cfg.TypingWindow, channel.SendTyping)

	s.unsub = append(s.unsub,
		channel.OnEvent(protocol.EventMessageCreated, func(raw json.RawMessage) { s.onMessageCreated(raw) }),
		channel.OnEvent(protocol.EventMessageRead, func(raw json.RawMessage) { s.onMessageRead(raw) }),
		channel.OnEvent(protocol.EventPresenceChanged, func(raw json.RawMessage) { s.onPresenceChanged(raw) }),
		channel.OnEvent(protocol.EventTypingChanged, func(raw json.RawMessage) { s.onTypingChanged(raw) }),
		channel.OnEvent(protocol.EventEntityUpdated, func(raw json.RawMessage) { s.onEntityUpdated(raw) }),
		s.directory.Subscribe(func([]model.Room) { s.notes.roomsDirty = true }),
	)
	return s
}

// ViewerID returns the signed-in user.
func (s *Session) ViewerID() string { return s.viewerID }

// Connect opens the push channel. A *ConnectionError is informational:
// the channel keeps retrying and Connected reports the outcome.
func (s *Session) Connect(ctx context.Context, authToken string) error {
	return s.channel.Connect(ctx, authToken)
}

// Connected is the connectivity flag for the offline indicator.
func (s *Session) Connected() bool { return s.channel.Connected() }

// Close stops typing timers, unregisters push handlers, disconnects
// the channel and waits for background read-receipt calls.
func (s *Session) Close() {
	s.debouncer.Stop()
	for _, fn := range s.unsub {
		fn()
	}
	s.unread.Close()

	s.mu.Lock()
	for key, timer := range s.typingTimers {
		timer.Stop()
		delete(s.typingTimers, key)
	}
	s.mu.Unlock()

	s.channel.Disconnect()
	s.bg.Wait()
}

// LoadRooms fetches the room directory. When targetRoomID names a
// fetched room it becomes active.
func (s *Session) LoadRooms(ctx context.Context, targetRoomID string) error {
	rooms, err := s.api.Rooms(ctx)
	if err != nil {
		return &LoadFailure{Err: err}
	}
	s.mu.Lock()
	s.directory.Replace(rooms, targetRoomID)
	s.unlock()
	return nil
}

// OpenRoom activates roomID, joins its push scope, loads its history
// and marks it read. A failed load leaves the room Unloaded.
func (s *Session) OpenRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.directory.SetActive(roomID)
	tl := s.timelineLocked(roomID)
	tl.BeginLoad()
	s.touchTimelineLocked(roomID)
	s.unlock()

	s.channel.JoinRoom(roomID)

	messages, err := s.api.Messages(ctx, roomID)
	if err != nil {
		s.mu.Lock()
		if s.timelines[roomID] == tl {
			tl.FailLoad()
			s.touchTimelineLocked(roomID)
		}
		s.unlock()
		return &LoadFailure{RoomID: roomID, Err: err}
	}

	s.mu.Lock()
	if s.timelines[roomID] != tl {
		// Removed by the server while loading.
		s.unlock()
		return nil
	}
	tl.Replace(messages)
	s.touchTimelineLocked(roomID)
	for _, msg := range messages {
		s.seen[msg.ID] = struct{}{}
	}
	s.markReadLocked(roomID)
	s.unlock()

	if err := s.api.MarkRead(ctx, roomID); err != nil {
		log.Warningf("mark read %s after load: %v", roomID, err)
	}
	return nil
}

// CloseRoom leaves roomID's push scope and cancels its typing timer.
// The loaded timeline is kept.
func (s *Session) CloseRoom(roomID string) {
	s.mu.Lock()
	s.directory.ClearActive(roomID)
	s.unlock()

	s.debouncer.Cancel(roomID)
	s.channel.LeaveRoom(roomID)
}

// MarkRead flips the local read state of roomID and tells the server.
// A failed request is returned but the local state is not rolled back.
func (s *Session) MarkRead(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.markReadLocked(roomID)
	s.unlock()
	return s.api.MarkRead(ctx, roomID)
}

// Send shows body in roomID's timeline at once, then confirms it with
// the server. On success the provisional entry is replaced in place and
// the server's message is returned. On failure the entry is removed and
// a *SendFailure is returned.
func (s *Session) Send(ctx context.Context, roomID, body string) (model.Message, error) {
	if strings.TrimSpace(body) == "" {
		return model.Message{}, ErrEmptyBody
	}

	provisionalID := s.newID()
	now := s.clock.Now()

	s.mu.Lock()
	before, _ := s.directory.Room(roomID)
	tl := s.timelineLocked(roomID)
	tl.AppendProvisional(provisionalID, s.viewerID, body, now)
	s.touchTimelineLocked(roomID)
	s.directory.ApplyLastMessage(roomID, body, now, false)
	s.unlock()

	// rollback undoes the optimistic entry and preview of a failed send
	rollback := func(tl *Timeline, live bool) {
		restore := before
		if live {
			tl.Reject(provisionalID)
			s.touchTimelineLocked(roomID)
			if last, ok := tl.Last(); ok {
				at := last.Message.CreatedAt
				restore = model.Room{LastMessage: last.Message.Body, LastMessageAt: &at}
			}
		}
		s.directory.RevertPreview(roomID, body, now, restore)
	}

	s.debouncer.SetLocalTyping(roomID, false)

	msg, err := s.api.SendMessage(ctx, roomID, body)

	s.mu.Lock()
	defer s.unlock()
	// The room may have been removed by the server meanwhile.
	tl, live := s.timelines[roomID]
	if err != nil {
		rollback(tl, live)
		log.Warningf("send to %s failed: %v", roomID, err)
		return model.Message{}, &SendFailure{RoomID: roomID, ProvisionalID: provisionalID, Err: err}
	}
	if msg.ID == "" {
		rollback(tl, live)
		return model.Message{}, &SendFailure{RoomID: roomID, ProvisionalID: provisionalID, Err: errInvalidConfirmation}
	}

	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	s.seen[msg.ID] = struct{}{}
	if live {
		tl.Confirm(provisionalID, msg)
		s.touchTimelineLocked(roomID)
		s.directory.ApplyLastMessage(roomID, msg.Body, msg.CreatedAt, false)
	}
	return msg, nil
}

// StartConversation creates (or reuses) the room with otherUserID and
// adds it to the directory.
func (s *Session) StartConversation(ctx context.Context, otherUserID, jobID string) (model.Room, error) {
	room, err := s.api.CreateRoom(ctx, otherUserID, jobID)
	if err != nil {
		return model.Room{}, err
	}
	s.mu.Lock()
	s.directory.Upsert(room)
	s.unlock()
	return room, nil
}

// SetTyping feeds a local keystroke (true) or input clear (false) into
// the debouncer.
func (s *Session) SetTyping(roomID string, isTyping bool) {
	s.debouncer.SetLocalTyping(roomID, isTyping)
}

// Rooms returns the directory in display order.
func (s *Session) Rooms() []model.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory.Rooms()
}

// Room returns one directory entry.
func (s *Session) Room(roomID string) (model.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory.Room(roomID)
}

// SearchRooms filters the directory by the other participant's name.
func (s *Session) SearchRooms(query string) []model.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory.Search(query)
}

// ActiveRoom returns the room the viewer has open, or "".
func (s *Session) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory.Active()
}

// Timeline returns a copy of roomID's entries.
func (s *Session) Timeline(roomID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tl, ok := s.timelines[roomID]; ok {
		return tl.Entries()
	}
	return nil
}

// RoomState returns roomID's load state.
func (s *Session) RoomState(roomID string) LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tl, ok := s.timelines[roomID]; ok {
		return tl.State()
	}
	return Unloaded
}

// IsOnline reports the last pushed presence of userID.
func (s *Session) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.IsOnline(userID)
}

// ActiveTypers lists the other users currently typing in roomID.
func (s *Session) ActiveTypers(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing.ActiveTypers(roomID, s.viewerID)
}

// Totals returns the current badge totals.
func (s *Session) Totals() Totals { return s.unread.Totals() }

// SubscribeTotals registers fn for badge total changes.
func (s *Session) SubscribeTotals(fn func(Totals)) (unsubscribe func()) {
	return s.unread.Subscribe(fn)
}

func (s *Session) onMessageCreated(raw json.RawMessage) Outcome {
	var msg protocol.MessageCreated
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warningf("bad %s payload: %v", protocol.EventMessageCreated, err)
		return Invalid
	}

	s.mu.Lock()
	outcome, markActive := s.applyIncomingLocked(msg)
	s.unlock()

	if outcome.Stale() {
		log.Debugf("%s %s in %s: %s", protocol.EventMessageCreated, msg.ID, msg.RoomID, outcome)
	}
	if outcome == StaleUnknownRoom {
		s.background(func(ctx context.Context) {
			if err := s.LoadRooms(ctx, ""); err != nil {
				log.Warningf("refresh rooms for %s: %v", msg.RoomID, err)
			}
		})
	}
	if markActive {
		s.background(func(ctx context.Context) {
			if err := s.api.MarkRead(ctx, msg.RoomID); err != nil {
				log.Warningf("mark read %s: %v", msg.RoomID, err)
			}
		})
	}
	return outcome
}

// applyIncomingLocked merges a pushed message into the timeline (when
// the room has one) and the directory. markActive reports that the
// message landed in the open room and should be acknowledged.
func (s *Session) applyIncomingLocked(msg model.Message) (outcome Outcome, markActive bool) {
	if msg.ID == "" || msg.RoomID == "" {
		return Invalid, false
	}

	if tl, ok := s.timelines[msg.RoomID]; ok {
		outcome = tl.ApplyIncoming(msg, s.viewerID)
		if outcome == Applied {
			s.touchTimelineLocked(msg.RoomID)
		}
		if outcome == Applied && s.hasSeenLocked(msg.ID) {
			// Dropped by a reload and pushed again; the directory
			// already counted it.
			return Applied, false
		}
	} else {
		switch {
		case s.hasSeenLocked(msg.ID):
			outcome = StaleDuplicate
		case msg.SenderID == s.viewerID:
			outcome = StaleSelfEcho
		default:
			outcome = Applied
		}
	}
	if outcome != Applied {
		return outcome, false
	}
	s.seen[msg.ID] = struct{}{}

	if !s.directory.ApplyLastMessage(msg.RoomID, msg.Body, msg.CreatedAt, true) {
		return StaleUnknownRoom, false
	}
	if s.directory.Active() == msg.RoomID {
		if tl, ok := s.timelines[msg.RoomID]; ok {
			tl.MarkRead(s.viewerID)
		}
		return Applied, true
	}
	return Applied, false
}

func (s *Session) onMessageRead(raw json.RawMessage) {
	var ev protocol.MessageRead
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Warningf("bad %s payload: %v", protocol.EventMessageRead, err)
		return
	}
	s.mu.Lock()
	defer s.unlock()
	if ev.ReaderID == s.viewerID {
		// Read on another device.
		s.markReadLocked(ev.RoomID)
		return
	}
	if tl, ok := s.timelines[ev.RoomID]; ok && tl.ApplyReadReceipt(ev.ReaderID) > 0 {
		s.touchTimelineLocked(ev.RoomID)
	}
}

func (s *Session) onPresenceChanged(raw json.RawMessage) {
	var ev protocol.PresenceChanged
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Warningf("bad %s payload: %v", protocol.EventPresenceChanged, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence.Apply(ev.UserID, ev.IsOnline)
}

func (s *Session) onTypingChanged(raw json.RawMessage) {
	var ev protocol.TypingChanged
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Warningf("bad %s payload: %v", protocol.EventTypingChanged, err)
		return
	}
	if ev.UserID == s.viewerID {
		return
	}
	s.mu.Lock()
	defer s.unlock()
	s.typing.ApplyRemote(ev.RoomID, ev.UserID, ev.IsTyping)
	s.touchTypingLocked(ev.RoomID)

	key := ev.RoomID + "\x00" + ev.UserID
	if timer, ok := s.typingTimers[key]; ok {
		timer.Stop()
		delete(s.typingTimers, key)
	}
	if !ev.IsTyping {
		return
	}
	// re-evaluate once the mark would go stale
	var timer *clock.Timer
	timer = s.clock.AfterFunc(s.typingWindow, func() {
		s.mu.Lock()
		if s.typingTimers[key] == timer {
			delete(s.typingTimers, key)
		}
		s.touchTypingLocked(ev.RoomID)
		s.unlock()
	})
	s.typingTimers[key] = timer
}

func (s *Session) onEntityUpdated(raw json.RawMessage) {
	var ev protocol.EntityUpdated
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Warningf("bad %s payload: %v", protocol.EventEntityUpdated, err)
		return
	}

	leave := false
	s.mu.Lock()
	switch ev.EntityType {
	case protocol.EntityRoom:
		if deleted, ok := ev.Bool(protocol.PatchDeleted); ok && deleted {
			s.directory.Remove(ev.EntityID)
			delete(s.timelines, ev.EntityID)
			s.touchTimelineLocked(ev.EntityID)
			leave = true
			break
		}
		if title, ok := ev.String(protocol.PatchJobTitle); ok {
			s.directory.SetJobTitle(ev.EntityID, title)
		}
	case protocol.EntityJob:
		if title, ok := ev.String(protocol.PatchJobTitle); ok {
			s.directory.SetJobTitleForJob(ev.EntityID, title)
		}
	default:
		log.Debugf("ignoring %s for entity type %q", protocol.EventEntityUpdated, ev.EntityType)
	}
	s.unlock()

	if leave {
		s.debouncer.Cancel(ev.EntityID)
		s.channel.LeaveRoom(ev.EntityID)
	}
}

func (s *Session) markReadLocked(roomID string) {
	if tl, ok := s.timelines[roomID]; ok && tl.MarkRead(s.viewerID) > 0 {
		s.touchTimelineLocked(roomID)
	}
	s.directory.ClearUnread(roomID)
}

func (s *Session) timelineLocked(roomID string) *Timeline {
	tl, ok := s.timelines[roomID]
	if !ok {
		tl = NewTimeline(roomID)
		s.timelines[roomID] = tl
	}
	return tl
}

func (s *Session) hasSeenLocked(messageID string) bool {
	_, ok := s.seen[messageID]
	return ok
}

// unlock releases the session lock and then publishes badge totals and
// state changes, so subscribers may call back into the session.
func (s *Session) unlock() {
	s.mu.Unlock()
	s.unread.Flush()
	s.flushChanges()
}

func (s *Session) background(fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		fn(ctx)
	}()
}
