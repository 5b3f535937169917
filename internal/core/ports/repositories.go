package ports

import (
	"context"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
)

// RoomTable is the source of truth for voice-room membership. Implementations
// must serialize operations on the same room; operations on different rooms may
// run in parallel. Rooms exist only while non-empty.
type RoomTable interface {
	// Join adds the participant to the room, creating the room on first join.
	// Joining again with the same connection id replaces the existing entry
	// instead of double-adding; rejoin reports that case. Returns the member
	// list after the join.
	Join(room domain.RoomID, p domain.Participant) (members []domain.Participant, rejoin bool)
	// Leave removes the participant; a no-op for non-members (ok=false).
	// Returns the remaining members and the removed participant. The room
	// entry is discarded when the set becomes empty.
	Leave(room domain.RoomID, conn domain.ConnectionID) (remaining []domain.Participant, removed domain.Participant, ok bool)
	// Members returns the current member list without mutating anything.
	Members(room domain.RoomID) []domain.Participant
	// RoomsOf returns every room the connection is currently a member of.
	RoomsOf(conn domain.ConnectionID) []domain.RoomID
	// RoomCount reports how many non-empty rooms exist.
	RoomCount() int
	// ParticipantCount reports memberships across all rooms.
	ParticipantCount() int
}

// RecencyRepository stores last co-presence timestamps between identity pairs.
type RecencyRepository interface {
	Upsert(ctx context.Context, observer, observed domain.IdentityID, at time.Time) error
	// ListSince returns entries for the observer with LastSeen >= cutoff,
	// sorted by LastSeen descending.
	ListSince(ctx context.Context, observer domain.IdentityID, cutoff time.Time) ([]domain.RecencyEntry, error)
}

// SocialGraph is the external social-graph collaborator. Lookups may block on
// I/O and must never be called while holding a room lock.
type SocialGraph interface {
	ListContacts(ctx context.Context, id domain.IdentityID) ([]domain.IdentityID, error)
	// AreConnected reports whether the two identities are already in a
	// friend or pending-request relationship.
	AreConnected(ctx context.Context, a, b domain.IdentityID) (bool, error)
}

// TokenVerifier is the authentication collaborator: it turns a bearer token
// into a verified identity binding, or fails.
type TokenVerifier interface {
	Verify(token string) (domain.Identity, error)
}
