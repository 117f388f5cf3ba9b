package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"jobchat/internal/chatsync"
	"jobchat/internal/config"
	"jobchat/internal/handler"
	"jobchat/internal/store"
)

func newTestServer(t *testing.T) (*handler.Handler, *httptest.Server) {
	t.Helper()
	h := handler.New(store.NewMemory(), config.Config{
		Env: "production",
		AuthTokens: map[string]string{
			"tok-u1": "u1",
			"tok-u2": "u2",
		},
	})
	go h.Hub.Run()
	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(srv.Close)
	return h, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_RoundTrip(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()
	alice := New(srv.URL+"/", "tok-u1", nil)
	bob := New(srv.URL, "tok-u2", nil)

	room, err := alice.CreateRoom(ctx, "u2", "job-1")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.ID == "" || room.Job == nil || room.Job.ID != "job-1" {
		t.Fatalf("Unexpected room %+v", room)
	}

	sent, err := alice.SendMessage(ctx, room.ID, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.ID == "" || sent.Body != "hello" || sent.SenderID != "u1" {
		t.Errorf("Unexpected message %+v", sent)
	}

	rooms, err := bob.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].UnreadCount != 1 || rooms[0].LastMessage != "hello" {
		t.Errorf("Unexpected rooms for bob: %+v", rooms)
	}

	msgs, err := bob.Messages(ctx, room.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Errorf("Expected [%s], got %+v", sent.ID, msgs)
	}

	if err := bob.MarkRead(ctx, room.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	rooms, _ = bob.Rooms(ctx)
	if rooms[0].UnreadCount != 0 {
		t.Errorf("Expected 0 unread after MarkRead, got %d", rooms[0].UnreadCount)
	}
}

func TestClient_StatusError(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()

	_, err := New(srv.URL, "wrong", nil).Rooms(ctx)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected *StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized || statusErr.Message != "Unauthorized" {
		t.Errorf("Unexpected error %+v", statusErr)
	}
	if !strings.Contains(statusErr.Error(), "GET /rooms: 401") {
		t.Errorf("Unexpected message %q", statusErr.Error())
	}

	_, err = New(srv.URL, "tok-u1", nil).SendMessage(ctx, "missing", "x")
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %v", err)
	}
}

func newSession(t *testing.T, srv *httptest.Server, token, viewerID string) *chatsync.Session {
	t.Helper()
	channel := chatsync.NewChannel(chatsync.ChannelConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	s := chatsync.NewSession(New(srv.URL, token, nil), channel, chatsync.SessionConfig{ViewerID: viewerID})
	t.Cleanup(s.Close)

	if err := s.Connect(context.Background(), token); err != nil {
		t.Fatalf("Connect %s: %v", viewerID, err)
	}
	if err := s.LoadRooms(context.Background(), ""); err != nil {
		t.Fatalf("LoadRooms %s: %v", viewerID, err)
	}
	return s
}

func TestSession_EndToEnd(t *testing.T) {
	h, srv := newTestServer(t)
	ctx := context.Background()

	alice := newSession(t, srv, "tok-u1", "u1")
	bob := newSession(t, srv, "tok-u2", "u2")
	waitFor(t, "both connections", func() bool { return h.Hub.Len() == 2 })
	waitFor(t, "presence", func() bool { return alice.IsOnline("u2") && bob.IsOnline("u1") })

	room, err := alice.StartConversation(ctx, "u2", "")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if _, err := alice.Send(ctx, room.ID, "hello bob"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// bob learns about the new room from the push and refreshes his directory
	waitFor(t, "bob's unread", func() bool {
		r, ok := bob.Room(room.ID)
		return ok && r.UnreadCount == 1
	})
	if got := bob.Totals(); got.UnreadMessages != 1 || got.UnreadRooms != 1 {
		t.Errorf("Unexpected totals for bob: %+v", got)
	}

	if err := bob.OpenRoom(ctx, room.ID); err != nil {
		t.Fatalf("OpenRoom: %v", err)
	}
	if got := bob.Totals(); got.UnreadMessages != 0 {
		t.Errorf("Expected bob's unread cleared, got %+v", got)
	}

	// the read receipt reaches alice's timeline
	waitFor(t, "read receipt", func() bool {
		entries := alice.Timeline(room.ID)
		return len(entries) == 1 && entries[0].Message.Read
	})

	// typing flows only once both sides joined the room
	if err := alice.OpenRoom(ctx, room.ID); err != nil {
		t.Fatalf("OpenRoom alice: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	alice.SetTyping(room.ID, true)
	waitFor(t, "typing", func() bool {
		typers := bob.ActiveTypers(room.ID)
		return len(typers) == 1 && typers[0] == "u1"
	})

	// bob's reply reaches alice, whose echo of her own message was dropped
	if _, err := bob.Send(ctx, room.ID, "hi alice"); err != nil {
		t.Fatalf("Send bob: %v", err)
	}
	waitFor(t, "alice's timeline", func() bool { return len(alice.Timeline(room.ID)) == 2 })
	entries := alice.Timeline(room.ID)
	if entries[0].Message.Body != "hello bob" || entries[1].Message.Body != "hi alice" {
		t.Errorf("Unexpected order %q, %q", entries[0].Message.Body, entries[1].Message.Body)
	}
}
