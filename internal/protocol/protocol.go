// Package protocol defines the JSON messages exchanged between voice clients
// and the signaling relay. The relay routes negotiation payloads verbatim and
// never inspects their contents.
package protocol

import (
	"encoding/json"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
)

// Client-to-server message types.
const (
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeMembers          = "members"
	TypeRelay            = "relay"
	TypeScreenShareStart = "screen-share-start"
	TypeScreenShareStop  = "screen-share-stop"
	TypePresenceQuery    = "presence-query"
)

// Server-to-client event types.
const (
	EventExistingMembers    = "existing-members"
	EventParticipantJoined  = "participant-joined"
	EventParticipantLeft    = "participant-left"
	EventRelay              = "relay"
	EventScreenShareStarted = "screen-share-started"
	EventScreenShareStopped = "screen-share-stopped"
	EventPresenceChanged    = "presence-changed"
	EventMembers            = "members"
	EventPresenceState      = "presence-state"
	EventError              = "error"
)

// Relay payload kinds. Opaque to the server.
const (
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindICECandidate = "ice-candidate"
)

// ClientMessage is the envelope for every client-issued message.
type ClientMessage struct {
	Type    string              `json:"type"`
	Room    domain.RoomID       `json:"room,omitempty"`
	Target  domain.ConnectionID `json:"target,omitempty"`
	Kind    string              `json:"kind,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	// Identities queried by presence-query.
	Identities []domain.IdentityID `json:"identities,omitempty"`
}

// RoomEvent carries a membership transition together with the member list
// after the transition.
type RoomEvent struct {
	Type    string               `json:"type"`
	Room    domain.RoomID        `json:"room"`
	Members []domain.Participant `json:"members"`
	// Who joined or left; unset for existing-members and members replies.
	Participant *domain.Participant `json:"participant,omitempty"`
}

// RelayEvent is a forwarded negotiation payload, tagged with its origin.
type RelayEvent struct {
	Type    string              `json:"type"`
	From    domain.ConnectionID `json:"from"`
	Kind    string              `json:"kind"`
	Payload json.RawMessage     `json:"payload"`
}

// ScreenShareEvent announces a supplementary video track starting or
// stopping somewhere in the room.
type ScreenShareEvent struct {
	Type       string              `json:"type"`
	Room       domain.RoomID       `json:"room"`
	IdentityID domain.IdentityID   `json:"identity_id"`
	Connection domain.ConnectionID `json:"connection_id"`
}

// PresenceEvent reports an identity's online/offline transition to one of
// its contacts.
type PresenceEvent struct {
	Type       string            `json:"type"`
	IdentityID domain.IdentityID `json:"identity_id"`
	Online     bool              `json:"online"`
}

// PresenceStateEvent answers a presence-query with the subset of the queried
// identities that are currently online.
type PresenceStateEvent struct {
	Type   string              `json:"type"`
	Online []domain.IdentityID `json:"online"`
}

// ErrorEvent is sent only for malformed input, never for unroutable relays
// or duplicate join/leave.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
