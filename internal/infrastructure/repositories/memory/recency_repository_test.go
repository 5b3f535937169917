package memory

import (
	"context"
	"testing"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestMemoryRecencyRepository_UpsertMonotonic(t *testing.T) {
	repo := NewMemoryRecencyRepository()
	ctx := context.Background()
	now := time.Now()

	assert.NoError(t, repo.Upsert(ctx, "alice", "bob", now))
	// An older observation must not move the entry backwards.
	assert.NoError(t, repo.Upsert(ctx, "alice", "bob", now.Add(-time.Hour)))

	entries, err := repo.ListSince(ctx, "alice", now.Add(-time.Minute))
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, domain.IdentityID("bob"), entries[0].Observed)
	assert.True(t, entries[0].LastSeen.Equal(now))
}

func TestMemoryRecencyRepository_ListSince(t *testing.T) {
	repo := NewMemoryRecencyRepository()
	ctx := context.Background()
	now := time.Now()

	repo.Upsert(ctx, "alice", "bob", now.Add(-2*time.Hour))
	repo.Upsert(ctx, "alice", "carol", now.Add(-30*time.Minute))
	repo.Upsert(ctx, "alice", "dave", now)

	t.Run("cutoff excludes old entries", func(t *testing.T) {
		entries, err := repo.ListSince(ctx, "alice", now.Add(-time.Hour))
		assert.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("newest first", func(t *testing.T) {
		entries, err := repo.ListSince(ctx, "alice", now.Add(-24*time.Hour))
		assert.NoError(t, err)
		assert.Len(t, entries, 3)
		assert.Equal(t, domain.IdentityID("dave"), entries[0].Observed)
		assert.Equal(t, domain.IdentityID("carol"), entries[1].Observed)
		assert.Equal(t, domain.IdentityID("bob"), entries[2].Observed)
	})

	t.Run("unknown observer yields nothing", func(t *testing.T) {
		entries, err := repo.ListSince(ctx, "nobody", now.Add(-24*time.Hour))
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestMemorySocialGraph(t *testing.T) {
	g := NewMemorySocialGraph()
	ctx := context.Background()

	g.AddFriendship("alice", "bob", FriendshipAccepted)
	g.AddFriendship("alice", "carol", FriendshipPending)

	t.Run("contacts are accepted friendships only", func(t *testing.T) {
		contacts, err := g.ListContacts(ctx, "alice")
		assert.NoError(t, err)
		assert.Equal(t, []domain.IdentityID{"bob"}, contacts)
	})

	t.Run("pending requests still count as connected", func(t *testing.T) {
		connected, err := g.AreConnected(ctx, "alice", "carol")
		assert.NoError(t, err)
		assert.True(t, connected)

		connected, err = g.AreConnected(ctx, "carol", "alice")
		assert.NoError(t, err)
		assert.True(t, connected)
	})

	t.Run("strangers are not connected", func(t *testing.T) {
		connected, err := g.AreConnected(ctx, "alice", "dave")
		assert.NoError(t, err)
		assert.False(t, connected)
	})

	t.Run("removal disconnects both directions", func(t *testing.T) {
		g.RemoveFriendship("alice", "bob")
		connected, _ := g.AreConnected(ctx, "bob", "alice")
		assert.False(t, connected)
	})
}
