package chatsync

import (
	"sort"
	"sync"
	"time"

	"jobchat/internal/clock"
)

// DefaultTypingWindow is both the local quiet period before a "stopped
// typing" signal and the age after which a remote mark is stale.
const DefaultTypingWindow = 2 * time.Second

// Typing holds remote typing marks per room. Marks are advisory:
// anything older than the window is ignored even if no explicit stop
// ever arrived.
type Typing struct {
	clock  clock.Clock
	window time.Duration
	marks  map[string]map[string]time.Time // roomID -> userID -> last signal
}

func NewTyping(c clock.Clock, window time.Duration) *Typing {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &Typing{
		clock:  c,
		window: window,
		marks:  make(map[string]map[string]time.Time),
	}
}

// ApplyRemote inserts or removes the mark for userID in roomID.
func (t *Typing) ApplyRemote(roomID, userID string, isTyping bool) {
	if !isTyping {
		if room := t.marks[roomID]; room != nil {
			delete(room, userID)
			if len(room) == 0 {
				delete(t.marks, roomID)
			}
		}
		return
	}
	room := t.marks[roomID]
	if room == nil {
		room = make(map[string]time.Time)
		t.marks[roomID] = room
	}
	room[userID] = t.clock.Now()
}

// ActiveTypers lists, sorted, the users with a fresh mark in roomID
// other than excludingUserID. Stale marks are pruned as a side effect.
func (t *Typing) ActiveTypers(roomID, excludingUserID string) []string {
	room := t.marks[roomID]
	now := t.clock.Now()
	out := []string{}
	for userID, at := range room {
		if now.Sub(at) >= t.window {
			delete(room, userID)
			continue
		}
		if userID == excludingUserID {
			continue
		}
		out = append(out, userID)
	}
	if room != nil && len(room) == 0 {
		delete(t.marks, roomID)
	}
	sort.Strings(out)
	return out
}

// Debouncer turns a stream of local keystrokes into a "started" signal
// at the start of a burst and a "stopped" signal after the quiet
// period. A burst longer than half the quiet period repeats "started"
// so the peer's mark, which ages out after the same window, stays
// fresh. It is safe for concurrent use.
type Debouncer struct {
	mu     sync.Mutex
	clock  clock.Clock
	quiet  time.Duration
	send   func(roomID string, isTyping bool)
	timers map[string]*pendingStop
}

type pendingStop struct {
	timer   *clock.Timer
	gen     uint64
	started time.Time // last "started" sent
}

// NewDebouncer returns a Debouncer that reports transitions through send.
func NewDebouncer(c clock.Clock, quiet time.Duration, send func(roomID string, isTyping bool)) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultTypingWindow
	}
	return &Debouncer{
		clock:  c,
		quiet:  quiet,
		send:   send,
		timers: make(map[string]*pendingStop),
	}
}

// SetLocalTyping is called on every keystroke with isTyping=true, and
// with false when the input is submitted or cleared.
func (d *Debouncer) SetLocalTyping(roomID string, isTyping bool) {
	d.mu.Lock()
	pending, active := d.timers[roomID]
	if active {
		pending.timer.Stop()
	}

	if !isTyping {
		if !active {
			d.mu.Unlock()
			return
		}
		delete(d.timers, roomID)
		d.mu.Unlock()
		d.send(roomID, false)
		return
	}

	now := d.clock.Now()
	next := &pendingStop{gen: 1, started: now}
	refresh := !active
	if active {
		next.gen = pending.gen + 1
		next.started = pending.started
		if now.Sub(pending.started) >= d.quiet/2 {
			next.started = now
			refresh = true
		}
	}
	gen := next.gen
	d.timers[roomID] = next
	next.timer = d.clock.AfterFunc(d.quiet, func() { d.expire(roomID, gen) })
	d.mu.Unlock()

	if refresh {
		d.send(roomID, true)
	}
}

// Cancel forgets roomID's pending stop without signalling.
func (d *Debouncer) Cancel(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pending, ok := d.timers[roomID]; ok {
		pending.timer.Stop()
		delete(d.timers, roomID)
	}
}

// Stop cancels every pending timer, used when the input goes away.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for roomID, pending := range d.timers {
		pending.timer.Stop()
		delete(d.timers, roomID)
	}
}

// Typing reports whether a burst is in progress for roomID.
func (d *Debouncer) Typing(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[roomID]
	return ok
}

func (d *Debouncer) expire(roomID string, gen uint64) {
	d.mu.Lock()
	pending, ok := d.timers[roomID]
	if !ok || pending.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.timers, roomID)
	d.mu.Unlock()
	d.send(roomID, false)
}
