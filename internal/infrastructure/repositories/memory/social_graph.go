package memory

import (
	"context"
	"sync"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
)

// FriendshipStatus mirrors the states the social store keeps per pair.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
)

// MemorySocialGraph is an in-process stand-in for the external social-graph
// collaborator, used by the dev server and by tests.
type MemorySocialGraph struct {
	mu sync.RWMutex
	// edges[a][b] = status; stored symmetrically
	edges map[domain.IdentityID]map[domain.IdentityID]FriendshipStatus
}

func NewMemorySocialGraph() *MemorySocialGraph {
	return &MemorySocialGraph{
		edges: make(map[domain.IdentityID]map[domain.IdentityID]FriendshipStatus),
	}
}

var _ ports.SocialGraph = (*MemorySocialGraph)(nil)

func (g *MemorySocialGraph) set(a, b domain.IdentityID, status FriendshipStatus) {
	byPeer, ok := g.edges[a]
	if !ok {
		byPeer = make(map[domain.IdentityID]FriendshipStatus)
		g.edges[a] = byPeer
	}
	byPeer[b] = status
}

// AddFriendship records a relationship between two identities.
func (g *MemorySocialGraph) AddFriendship(a, b domain.IdentityID, status FriendshipStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.set(a, b, status)
	g.set(b, a, status)
}

// RemoveFriendship drops the relationship in both directions.
func (g *MemorySocialGraph) RemoveFriendship(a, b domain.IdentityID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges[a], b)
	delete(g.edges[b], a)
}

func (g *MemorySocialGraph) ListContacts(ctx context.Context, id domain.IdentityID) ([]domain.IdentityID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []domain.IdentityID
	for peer, status := range g.edges[id] {
		if status == FriendshipAccepted {
			out = append(out, peer)
		}
	}
	return out, nil
}

func (g *MemorySocialGraph) AreConnected(ctx context.Context, a, b domain.IdentityID) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// Both accepted friendships and pending requests count as connected.
	_, ok := g.edges[a][b]
	return ok, nil
}
