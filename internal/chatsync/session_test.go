package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"jobchat/internal/clock"
	"jobchat/internal/model"
	"jobchat/internal/protocol"
)

type sessionFixture struct {
	api     *fakeAPI
	duplex  *fakeDuplex
	clock   *clock.FakeClock
	session *Session
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		api:    newFakeAPI(),
		duplex: newFakeDuplex(),
		clock:  clock.Fake(t0),
	}
	var mu sync.Mutex
	n := 0
	f.session = NewSession(f.api, f.duplex, SessionConfig{
		ViewerID: "u1",
		Clock:    f.clock,
		NewProvisionalID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("tmp-%d", n)
		},
	})
	t.Cleanup(f.session.Close)
	return f
}

func (f *sessionFixture) load(t *testing.T, target string, rooms ...model.Room) {
	t.Helper()
	f.api.setRooms(rooms...)
	if err := f.session.LoadRooms(context.Background(), target); err != nil {
		t.Fatalf("LoadRooms: %v", err)
	}
}

func (f *sessionFixture) open(t *testing.T, roomID string, msgs ...model.Message) {
	t.Helper()
	f.api.setMessages(roomID, msgs...)
	if err := f.session.OpenRoom(context.Background(), roomID); err != nil {
		t.Fatalf("OpenRoom: %v", err)
	}
}

func unreadOf(t *testing.T, s *Session, roomID string) int {
	t.Helper()
	r, ok := s.Room(roomID)
	if !ok {
		t.Fatalf("room %s not in directory", roomID)
	}
	return r.UnreadCount
}

func TestSession_SendConfirmsProvisionalEntry(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0))
	f.open(t, "R")

	var during []Entry
	f.api.send = func(roomID, body string) (model.Message, error) {
		during = f.session.Timeline(roomID)
		return msg("srv-42", roomID, "u1", body, t0.Add(time.Second)), nil
	}

	got, err := f.session.Send(context.Background(), "R", "Hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.ID != "srv-42" {
		t.Errorf("Expected srv-42, got %q", got.ID)
	}

	if len(during) != 1 || during[0].State != Provisional || during[0].ProvisionalID != "tmp-1" || during[0].Message.Read {
		t.Errorf("Expected one unread provisional entry tmp-1 while sending, got %+v", during)
	}

	entries := f.session.Timeline("R")
	if len(entries) != 1 {
		t.Fatalf("Expected exactly one entry, got %d", len(entries))
	}
	if e := entries[0]; e.State != Confirmed || e.Message.ID != "srv-42" || e.Message.Body != "Hello" {
		t.Errorf("Unexpected entry %+v", e)
	}
	if r, _ := f.session.Room("R"); r.LastMessage != "Hello" || r.UnreadCount != 0 {
		t.Errorf("Expected preview 'Hello' and no unread, got %+v", r)
	}
}

func TestSession_SelfEchoDoesNotDuplicate(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0))
	f.open(t, "R")

	echo := msg("srv-7", "R", "u1", "hi", t0)
	var echoOutcome Outcome
	f.api.send = func(roomID, body string) (model.Message, error) {
		// the push arrives before the response
		raw, _ := json.Marshal(echo)
		echoOutcome = f.session.onMessageCreated(raw)
		return echo, nil
	}

	if _, err := f.session.Send(context.Background(), "R", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if echoOutcome != StaleSelfEcho {
		t.Errorf("Expected stale-self-echo, got %s", echoOutcome)
	}

	raw, _ := json.Marshal(echo)
	if got := f.session.onMessageCreated(raw); got != StaleDuplicate {
		t.Errorf("Echo after confirmation: expected stale-duplicate, got %s", got)
	}
	assertIDs(t, f.session.Timeline("R"), "srv-7")
}

func TestSession_SendFailureRemovesProvisionalEntry(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0))
	f.open(t, "R", msg("a", "R", "u2", "first", t0))

	boom := errors.New("503 service unavailable")
	f.api.send = func(roomID, body string) (model.Message, error) {
		return model.Message{}, boom
	}

	_, err := f.session.Send(context.Background(), "R", "second")
	var sendErr *SendFailure
	if !errors.As(err, &sendErr) {
		t.Fatalf("Expected *SendFailure, got %v", err)
	}
	if sendErr.ProvisionalID != "tmp-1" || !errors.Is(err, boom) {
		t.Errorf("Unexpected failure %+v", sendErr)
	}

	assertIDs(t, f.session.Timeline("R"), "a")
	if r, _ := f.session.Room("R"); r.LastMessage != "first" {
		t.Errorf("Preview should roll back to 'first', got %q", r.LastMessage)
	}
}

func TestSession_SendRejectsEmptyBody(t *testing.T) {
	f := newSessionFixture(t)
	if _, err := f.session.Send(context.Background(), "R", "   "); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("Expected ErrEmptyBody, got %v", err)
	}
	if len(f.session.Timeline("R")) != 0 {
		t.Error("Blank body must not create an entry")
	}
}

func TestSession_SendWithoutServerIDFails(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0))
	f.api.send = func(roomID, body string) (model.Message, error) {
		return model.Message{Body: body}, nil
	}

	_, err := f.session.Send(context.Background(), "R", "hi")
	if !errors.Is(err, errInvalidConfirmation) {
		t.Errorf("Expected invalid confirmation, got %v", err)
	}
	if len(f.session.Timeline("R")) != 0 {
		t.Error("Provisional entry should be removed")
	}
}

func TestSession_OpenRoomClearsUnread(t *testing.T) {
	f := newSessionFixture(t)

	var published []Totals
	f.session.SubscribeTotals(func(t Totals) { published = append(published, t) })

	f.load(t, "", room("R", "u2", "Ann", 3), room("Q", "u3", "Bob", 2))
	if got := f.session.Totals(); got != (Totals{5, 2}) {
		t.Fatalf("Expected {5 2}, got %+v", got)
	}
	before := f.session.Totals()

	f.open(t, "R",
		msg("m1", "R", "u2", "a", t0),
		msg("m2", "R", "u2", "b", t0),
		msg("m3", "R", "u2", "c", t0),
	)

	if got := unreadOf(t, f.session, "R"); got != 0 {
		t.Errorf("Expected R unread 0, got %d", got)
	}
	after := f.session.Totals()
	if drop := before.UnreadMessages - after.UnreadMessages; drop != 3 {
		t.Errorf("Expected aggregate to drop by exactly 3, got %d", drop)
	}
	if len(published) != 2 || published[1] != after {
		t.Errorf("Expected subscribers to see [%v %v], got %v", before, after, published)
	}

	if f.session.RoomState("R") != Loaded || f.session.ActiveRoom() != "R" {
		t.Errorf("Expected R loaded and active, got %s / %q", f.session.RoomState("R"), f.session.ActiveRoom())
	}
	for _, e := range f.session.Timeline("R") {
		if !e.Message.Read {
			t.Errorf("Message %s should be read", e.Message.ID)
		}
	}
	if got := f.duplex.joinedRooms(); !sameStrings(got, []string{"R"}) {
		t.Errorf("Expected join of R, got %v", got)
	}
	if got := f.api.markReadCalls(); !sameStrings(got, []string{"R"}) {
		t.Errorf("Expected server mark-read for R, got %v", got)
	}
}

func TestSession_OpenRoomLoadFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 3))
	f.api.loadErr = errors.New("timeout")

	err := f.session.OpenRoom(context.Background(), "R")
	var loadErr *LoadFailure
	if !errors.As(err, &loadErr) || loadErr.RoomID != "R" {
		t.Fatalf("Expected *LoadFailure for R, got %v", err)
	}
	if f.session.RoomState("R") != Unloaded {
		t.Errorf("Expected unloaded, got %s", f.session.RoomState("R"))
	}
	if got := unreadOf(t, f.session, "R"); got != 3 {
		t.Errorf("Failed load must not clear unread, got %d", got)
	}

	if err := f.session.LoadRooms(context.Background(), ""); !errors.As(err, &loadErr) || loadErr.RoomID != "" {
		t.Errorf("Expected directory *LoadFailure, got %v", err)
	}
}

func TestSession_MarkReadFailureKeepsLocalState(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 2))
	f.api.markErr = errors.New("offline")

	if err := f.session.MarkRead(context.Background(), "R"); err == nil {
		t.Error("Expected the network error to be returned")
	}
	if got := unreadOf(t, f.session, "R"); got != 0 {
		t.Errorf("Local read state should not roll back, got %d", got)
	}
}

func TestSession_IncomingMessageUpdatesDirectory(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0), room("Q", "u3", "Bob", 0))
	f.open(t, "R")

	m := msg("q1", "Q", "u3", "are you free?", t0.Add(time.Minute))
	f.duplex.push(t, protocol.EventMessageCreated, m)
	f.duplex.push(t, protocol.EventMessageCreated, m)

	q, _ := f.session.Room("Q")
	if q.UnreadCount != 1 || q.LastMessage != "are you free?" {
		t.Errorf("Expected Q unread 1 with preview, got %+v", q)
	}
	if rooms := f.session.Rooms(); rooms[0].ID != "Q" {
		t.Errorf("Q should move to the front, got %v", roomIDs(rooms))
	}
	if got := f.session.Totals(); got != (Totals{1, 1}) {
		t.Errorf("Expected totals {1 1}, got %+v", got)
	}

	// message in the open room is read at once
	f.duplex.push(t, protocol.EventMessageCreated, msg("r1", "R", "u2", "yes", t0.Add(2*time.Minute)))
	f.session.bg.Wait()

	if got := unreadOf(t, f.session, "R"); got != 0 {
		t.Errorf("Active room should stay at 0 unread, got %d", got)
	}
	entries := f.session.Timeline("R")
	if len(entries) != 1 || !entries[0].Message.Read {
		t.Errorf("Expected one read entry in R, got %+v", entries)
	}
	if got := f.api.markReadCalls(); !sameStrings(got, []string{"R", "R"}) {
		t.Errorf("Expected a second server mark-read for R, got %v", got)
	}
}

func TestSession_IncomingForUnknownRoomRefreshesDirectory(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0))

	z := room("Z", "u5", "Eve", 1)
	f.api.setRooms(room("R", "u2", "Ann", 0), z)

	raw, _ := json.Marshal(msg("z1", "Z", "u5", "hello there", t0))
	if got := f.session.onMessageCreated(raw); got != StaleUnknownRoom {
		t.Fatalf("Expected stale-unknown-room, got %s", got)
	}
	f.session.bg.Wait()

	if got := unreadOf(t, f.session, "Z"); got != 1 {
		t.Errorf("Expected Z from the refreshed directory with 1 unread, got %d", got)
	}
}

func TestSession_IncomingIsIdempotentWithoutTimeline(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("Q", "u3", "Bob", 0))

	raw, _ := json.Marshal(msg("q1", "Q", "u3", "x", t0))
	if got := f.session.onMessageCreated(raw); got != Applied {
		t.Fatalf("Expected applied, got %s", got)
	}
	if got := f.session.onMessageCreated(raw); got != StaleDuplicate {
		t.Errorf("Expected stale-duplicate, got %s", got)
	}
	if got := unreadOf(t, f.session, "Q"); got != 1 {
		t.Errorf("Expected unread 1, got %d", got)
	}

	self, _ := json.Marshal(msg("q2", "Q", "u1", "mine", t0))
	if got := f.session.onMessageCreated(self); got != StaleSelfEcho {
		t.Errorf("Expected stale-self-echo, got %s", got)
	}
	if got := f.session.onMessageCreated(json.RawMessage(`{"body":"no ids"}`)); got != Invalid {
		t.Errorf("Expected invalid, got %s", got)
	}
}

func TestSession_PresenceForUnknownUser(t *testing.T) {
	f := newSessionFixture(t)
	if f.session.IsOnline("u9") {
		t.Fatal("Unknown user should read as offline")
	}

	f.duplex.push(t, protocol.EventPresenceChanged, protocol.PresenceChanged{UserID: "u9", IsOnline: true})
	if !f.session.IsOnline("u9") {
		t.Error("Expected u9 online")
	}

	f.duplex.push(t, protocol.EventPresenceChanged, protocol.PresenceChanged{UserID: "u9", IsOnline: false})
	if f.session.IsOnline("u9") {
		t.Error("Last write should win")
	}
}

func TestSession_RemoteTypingGoesStale(t *testing.T) {
	f := newSessionFixture(t)

	f.duplex.push(t, protocol.EventTypingChanged, protocol.TypingChanged{RoomID: "R", UserID: "u2", IsTyping: true})
	f.duplex.push(t, protocol.EventTypingChanged, protocol.TypingChanged{RoomID: "R", UserID: "u1", IsTyping: true})
	if got := f.session.ActiveTypers("R"); !sameStrings(got, []string{"u2"}) {
		t.Fatalf("Expected [u2], got %v", got)
	}

	f.clock.Advance(DefaultTypingWindow)
	if got := f.session.ActiveTypers("R"); len(got) != 0 {
		t.Errorf("Stale mark should be excluded, got %v", got)
	}
}

func TestSession_LocalTypingIsDebounced(t *testing.T) {
	f := newSessionFixture(t)

	for i := 0; i < 10; i++ {
		f.session.SetTyping("R", true)
		f.clock.Advance(10 * time.Millisecond)
	}
	assertTypingCalls(t, f.duplex.typing.snapshot(), typingCall{"R", true})

	f.clock.Advance(2 * time.Second)
	assertTypingCalls(t, f.duplex.typing.snapshot(), typingCall{"R", true}, typingCall{"R", false})
}

func TestSession_SendEndsTypingBurst(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0))

	f.session.SetTyping("R", true)
	if _, err := f.session.Send(context.Background(), "R", "done"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	assertTypingCalls(t, f.duplex.typing.snapshot(), typingCall{"R", true}, typingCall{"R", false})
}

func TestSession_ReadReceipts(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0), room("Q", "u3", "Bob", 4))
	f.open(t, "R", msg("a", "R", "u1", "mine", t0))

	f.duplex.push(t, protocol.EventMessageRead, protocol.MessageRead{RoomID: "R", ReaderID: "u2"})
	if e := f.session.Timeline("R")[0]; !e.Message.Read {
		t.Error("The other side's receipt should mark my message read")
	}

	// read on another device of the viewer
	f.duplex.push(t, protocol.EventMessageRead, protocol.MessageRead{RoomID: "Q", ReaderID: "u1"})
	if got := unreadOf(t, f.session, "Q"); got != 0 {
		t.Errorf("Expected Q cleared, got %d", got)
	}
}

func TestSession_RoomDeletedByServer(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0), room("Q", "u3", "Bob", 2))
	f.open(t, "R", msg("a", "R", "u2", "hi", t0))

	f.duplex.push(t, protocol.EventEntityUpdated, protocol.EntityUpdated{
		EntityType: protocol.EntityRoom,
		EntityID:   "R",
		Patch:      map[string]json.RawMessage{protocol.PatchDeleted: json.RawMessage(`true`)},
	})

	if _, ok := f.session.Room("R"); ok {
		t.Error("R should be removed from the directory")
	}
	if f.session.ActiveRoom() != "" || f.session.Timeline("R") != nil {
		t.Error("R should no longer be active or loaded")
	}
	if got := f.duplex.leftRooms(); !sameStrings(got, []string{"R"}) {
		t.Errorf("Expected leave of R, got %v", got)
	}

	// late push for the deleted room
	raw, _ := json.Marshal(msg("b", "R", "u2", "late", t0))
	if got := f.session.onMessageCreated(raw); got != StaleUnknownRoom {
		t.Errorf("Expected stale-unknown-room, got %s", got)
	}
	f.session.bg.Wait()
}

func TestSession_JobTitleUpdates(t *testing.T) {
	f := newSessionFixture(t)
	a := room("R", "u2", "Ann", 0)
	a.Job = &model.JobRef{ID: "j1", Title: "Cook"}
	b := room("Q", "u3", "Bob", 0)
	b.Job = &model.JobRef{ID: "j1", Title: "Cook"}
	f.load(t, "", a, b)

	f.duplex.push(t, protocol.EventEntityUpdated, protocol.EntityUpdated{
		EntityType: protocol.EntityJob,
		EntityID:   "j1",
		Patch:      map[string]json.RawMessage{protocol.PatchJobTitle: json.RawMessage(`"Chef"`)},
	})
	f.duplex.push(t, protocol.EventEntityUpdated, protocol.EntityUpdated{
		EntityType: protocol.EntityRoom,
		EntityID:   "Q",
		Patch:      map[string]json.RawMessage{protocol.PatchJobTitle: json.RawMessage(`"Head Chef"`)},
	})

	r, _ := f.session.Room("R")
	q, _ := f.session.Room("Q")
	if r.Job.Title != "Chef" || q.Job.Title != "Head Chef" {
		t.Errorf("Unexpected titles %q / %q", r.Job.Title, q.Job.Title)
	}
}

func TestSession_StartConversationAndSearch(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0))

	created, err := f.session.StartConversation(context.Background(), "u7", "j3")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if rooms := f.session.Rooms(); rooms[0].ID != created.ID {
		t.Errorf("New room should be first, got %v", roomIDs(rooms))
	}
	if got := roomIDs(f.session.SearchRooms("AN")); !sameStrings(got, []string{"R"}) {
		t.Errorf("Expected search to match R, got %v", got)
	}
}

func TestSession_CloseRoomKeepsTimeline(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "R", room("R", "u2", "Ann", 0))
	if f.session.ActiveRoom() != "R" {
		t.Fatalf("Deep link should activate R, got %q", f.session.ActiveRoom())
	}
	f.open(t, "R", msg("a", "R", "u2", "hi", t0))

	f.session.CloseRoom("R")
	if f.session.ActiveRoom() != "" {
		t.Error("R should no longer be active")
	}
	assertIDs(t, f.session.Timeline("R"), "a")
	if got := f.duplex.leftRooms(); !sameStrings(got, []string{"R"}) {
		t.Errorf("Expected leave of R, got %v", got)
	}

	// messages after leaving count as unread again
	f.duplex.push(t, protocol.EventMessageCreated, msg("b", "R", "u2", "still there?", t0))
	if got := unreadOf(t, f.session, "R"); got != 1 {
		t.Errorf("Expected unread 1 after closing, got %d", got)
	}
}

func TestSession_ConnectDelegatesToChannel(t *testing.T) {
	f := newSessionFixture(t)
	if f.session.Connected() {
		t.Fatal("Should start disconnected")
	}
	if err := f.session.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !f.session.Connected() {
		t.Error("Expected connected")
	}
}

func TestSession_PushDuringLoadIsKept(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0))

	// m2 is pushed after the history snapshot was taken
	f.api.loaded = func(roomID string) {
		f.duplex.push(t, protocol.EventMessageCreated, msg("m2", roomID, "u2", "new", t0.Add(time.Minute)))
	}
	f.open(t, "R", msg("m1", "R", "u2", "old", t0))

	entries := f.session.Timeline("R")
	assertIDs(t, entries, "m1", "m2")
	if !entries[1].Message.Read {
		t.Error("Message pushed into the open room should be read")
	}
	if r, _ := f.session.Room("R"); r.LastMessage != "new" || r.UnreadCount != 0 {
		t.Errorf("Expected preview 'new' and no unread, got %+v", r)
	}
	if f.session.RoomState("R") != Loaded {
		t.Errorf("Expected loaded, got %s", f.session.RoomState("R"))
	}
}

func TestSession_SendFailureRestoresPreviewOfEmptyRoom(t *testing.T) {
	f := newSessionFixture(t)
	seeded := room("R", "u2", "Ann", 0)
	at := t0.Add(-time.Hour)
	seeded.LastMessage, seeded.LastMessageAt = "from the list", &at
	f.load(t, "", seeded)

	f.api.send = func(roomID, body string) (model.Message, error) {
		return model.Message{}, errors.New("offline")
	}
	if _, err := f.session.Send(context.Background(), "R", "lost"); err == nil {
		t.Fatal("Expected send failure")
	}

	if len(f.session.Timeline("R")) != 0 {
		t.Errorf("Expected empty timeline, got %v", entryIDs(f.session.Timeline("R")))
	}
	r, _ := f.session.Room("R")
	if r.LastMessage != "from the list" || r.LastMessageAt == nil || !r.LastMessageAt.Equal(at) {
		t.Errorf("Expected the earlier preview back, got %q at %v", r.LastMessage, r.LastMessageAt)
	}
}

func TestSession_SendFailureKeepsNewerPreview(t *testing.T) {
	f := newSessionFixture(t)
	f.load(t, "", room("R", "u2", "Ann", 0))

	f.api.send = func(roomID, body string) (model.Message, error) {
		// the other side writes while the request is in flight
		f.duplex.push(t, protocol.EventMessageCreated, msg("m9", roomID, "u2", "reply", t0.Add(time.Minute)))
		return model.Message{}, errors.New("offline")
	}
	if _, err := f.session.Send(context.Background(), "R", "lost"); err == nil {
		t.Fatal("Expected send failure")
	}
	if r, _ := f.session.Room("R"); r.LastMessage != "reply" {
		t.Errorf("Expected preview 'reply', got %q", r.LastMessage)
	}
}

func TestSession_SubscriptionsSeeChanges(t *testing.T) {
	f := newSessionFixture(t)

	var mu sync.Mutex
	var roomLists [][]string
	var timelines []string
	var typing []string
	f.session.SubscribeRooms(func(rooms []model.Room) {
		mu.Lock()
		defer mu.Unlock()
		roomLists = append(roomLists, roomIDs(rooms))
	})
	f.session.SubscribeTimeline(func(c TimelineChange) {
		// subscribers may read the session back
		n := len(f.session.Timeline(c.RoomID))
		mu.Lock()
		defer mu.Unlock()
		timelines = append(timelines, fmt.Sprintf("%s:%d:%d", c.RoomID, len(c.Entries), n))
	})
	f.session.SubscribeTyping(func(c TypingChange) {
		mu.Lock()
		defer mu.Unlock()
		typing = append(typing, fmt.Sprintf("%s:%v", c.RoomID, c.UserIDs))
	})

	f.load(t, "", room("A", "u2", "Ann", 0), room("B", "u3", "Bob", 0))
	f.open(t, "A", msg("a1", "A", "u2", "hi", t0))
	f.duplex.push(t, protocol.EventMessageCreated, msg("b1", "B", "u3", "yo", t0.Add(time.Second)))
	f.duplex.push(t, protocol.EventTypingChanged, protocol.TypingChanged{RoomID: "A", UserID: "u2", IsTyping: true})
	f.duplex.push(t, protocol.EventTypingChanged, protocol.TypingChanged{RoomID: "A", UserID: "u2", IsTyping: true})
	f.clock.Advance(DefaultTypingWindow)

	mu.Lock()
	defer mu.Unlock()
	if len(roomLists) == 0 || !sameStrings(roomLists[len(roomLists)-1], []string{"B", "A"}) {
		t.Errorf("Expected last room list [B A], got %v", roomLists)
	}
	// BeginLoad, then the loaded history
	if !sameStrings(timelines, []string{"A:0:0", "A:1:1"}) {
		t.Errorf("Unexpected timeline changes %v", timelines)
	}
	// the repeated mark is not a change; going stale is
	if !sameStrings(typing, []string{"A:[u2]", "A:[]"}) {
		t.Errorf("Unexpected typing changes %v", typing)
	}
}
