package chatsync

import (
	"errors"
	"fmt"
)

// ErrEmptyBody is returned by Send when the message body is blank.
var ErrEmptyBody = errors.New("chatsync: message body is empty")

// ConnectionError reports that the push channel could not be
// established. StatusCode is the HTTP status of a rejected handshake,
// or zero for transport failures.
type ConnectionError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chatsync: connect %s: handshake rejected (%d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chatsync: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendFailure reports that the confirmation request for an optimistic
// message failed. The provisional entry has already been removed from
// the timeline when this error is returned.
type SendFailure struct {
	RoomID        string
	ProvisionalID string
	Err           error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("chatsync: send to room %s failed: %v", e.RoomID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// LoadFailure reports that a timeline or directory fetch failed.
// RoomID is empty for directory fetches.
type LoadFailure struct {
	RoomID string
	Err    error
}

func (e *LoadFailure) Error() string {
	if e.RoomID == "" {
		return fmt.Sprintf("chatsync: load rooms: %v", e.Err)
	}
	return fmt.Sprintf("chatsync: load room %s: %v", e.RoomID, e.Err)
}

func (e *LoadFailure) Unwrap() error { return e.Err }

// Outcome classifies what a merge did with its input. Every Stale*
// outcome is a deliberate drop, not a lost event.
type Outcome int

const (
	Applied Outcome = iota
	StaleDuplicate
	StaleSelfEcho
	StaleUnknownRoom
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case StaleDuplicate:
		return "stale-duplicate"
	case StaleSelfEcho:
		return "stale-self-echo"
	case StaleUnknownRoom:
		return "stale-unknown-room"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Stale reports whether the input was ignored because it had already
// been represented.
func (o Outcome) Stale() bool {
	return o == StaleDuplicate || o == StaleSelfEcho || o == StaleUnknownRoom
}

var errInvalidConfirmation = errors.New("chatsync: server confirmation carried no message id")
