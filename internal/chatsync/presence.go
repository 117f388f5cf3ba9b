package chatsync

// Presence maps user identifiers to their last reported online state.
// Last write wins; an unknown user reads as offline.
type Presence struct {
	online map[string]bool
}

func NewPresence() *Presence {
	return &Presence{online: make(map[string]bool)}
}

// IsOnline returns false for users with no recorded state.
func (p *Presence) IsOnline(userID string) bool {
	return p.online[userID]
}

// Lookup distinguishes "offline" from "never heard of".
func (p *Presence) Lookup(userID string) (online, known bool) {
	online, known = p.online[userID]
	return online, known
}

func (p *Presence) Apply(userID string, isOnline bool) {
	if userID == "" {
		return
	}
	p.online[userID] = isOnline
}
