package chatsync

import (
	"sync"

	"jobchat/internal/model"
)

// Totals is the badge summary derived from the room directory.
type Totals struct {
	UnreadMessages int `json:"unreadMessages"`
	UnreadRooms    int `json:"unreadRooms"`
}

// ComputeTotals sums unread counts, treating negative counts as zero.
func ComputeTotals(rooms []model.Room) Totals {
	var t Totals
	for _, room := range rooms {
		if room.UnreadCount <= 0 {
			continue
		}
		t.UnreadMessages += room.UnreadCount
		t.UnreadRooms++
	}
	return t
}

// UnreadAggregator keeps Totals in step with a Directory and fans them
// out to subscribers such as the header and navigation badges.
//
// Recomputation happens synchronously on every directory change.
// Publication is deferred to Flush so the owner can release its own
// locks first; subscribers only ever see the latest totals, and only
// when they differ from the last published value.
type UnreadAggregator struct {
	mu        sync.Mutex
	current   Totals
	published Totals
	subs      Registry[Totals]
	flushing  sync.Mutex
	stop      func()
}

// NewUnreadAggregator subscribes to dir and computes the initial totals.
func NewUnreadAggregator(dir *Directory) *UnreadAggregator {
	a := &UnreadAggregator{}
	a.current = ComputeTotals(dir.Rooms())
	a.published = a.current
	a.stop = dir.Subscribe(a.recompute)
	return a
}

// Totals returns the totals for the directory's current state.
func (a *UnreadAggregator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Subscribe registers fn for future totals changes.
func (a *UnreadAggregator) Subscribe(fn func(Totals)) (unsubscribe func()) {
	return a.subs.Subscribe(fn)
}

// Flush publishes the current totals if they changed since the last
// publication. A Flush that finds another one in progress returns at
// once; the running one keeps going until it has published the latest
// value, so a subscriber may call Flush re-entrantly.
func (a *UnreadAggregator) Flush() {
	for {
		if !a.flushing.TryLock() {
			return
		}
		for {
			a.mu.Lock()
			if a.current == a.published {
				a.mu.Unlock()
				break
			}
			a.published = a.current
			v := a.current
			a.mu.Unlock()
			a.subs.Publish(v)
		}
		a.flushing.Unlock()

		a.mu.Lock()
		caughtUp := a.current == a.published
		a.mu.Unlock()
		if caughtUp {
			return
		}
	}
}

// Close detaches the aggregator from its directory.
func (a *UnreadAggregator) Close() {
	a.stop()
}

func (a *UnreadAggregator) recompute(rooms []model.Room) {
	a.mu.Lock()
	a.current = ComputeTotals(rooms)
	a.mu.Unlock()
}
