package domain

import "time"

type IdentityID string
type ConnectionID string
type RoomID string

// Identity is owned by the external identity store. The core references
// it but never mutates it.
type Identity struct {
	ID          IdentityID
	DisplayName string
}

// Participant is one identity's presence inside one room, keyed by the
// connection that joined.
type Participant struct {
	ConnectionID ConnectionID `json:"connection_id"`
	IdentityID   IdentityID   `json:"identity_id"`
	DisplayName  string       `json:"display_name"`
}

// RecencyEntry records the last time two identities shared a room.
// Keyed by the ordered pair (Observer, Observed); written in both
// directions on every co-present join.
type RecencyEntry struct {
	Observer IdentityID
	Observed IdentityID
	LastSeen time.Time
}
