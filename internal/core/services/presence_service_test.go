package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type fakeDirectory struct {
	mu    sync.Mutex
	conns map[domain.IdentityID]domain.ConnectionID
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{conns: make(map[domain.IdentityID]domain.ConnectionID)}
}

func (d *fakeDirectory) setOnline(id domain.IdentityID, conn domain.ConnectionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[id] = conn
}

func (d *fakeDirectory) ConnectionOf(id domain.IdentityID) (domain.ConnectionID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.conns[id]
	return conn, ok
}

func (d *fakeDirectory) IsOnline(id domain.IdentityID) bool {
	_, ok := d.ConnectionOf(id)
	return ok
}

func TestPresenceService_NotifiesOnlineContacts(t *testing.T) {
	sink := newRecordingSink()
	dir := newFakeDirectory()
	social := new(MockSocialGraph)
	svc := NewPresenceService(social, dir, sink, &countingMetrics{}, zap.NewNop().Sugar())

	// bob is online, carol is not
	dir.setOnline("bob", "conn-b")
	social.On("ListContacts", mock.Anything, domain.IdentityID("alice")).
		Return([]domain.IdentityID{"bob", "carol"}, nil)

	svc.ConnectionOpened(context.Background(), domain.Identity{ID: "alice"}, "conn-a")

	assert.Eventually(t, func() bool {
		return len(sink.eventsFor("conn-b")) == 1
	}, time.Second, 10*time.Millisecond)

	ev := sink.eventsFor("conn-b")[0].(protocol.PresenceEvent)
	assert.Equal(t, protocol.EventPresenceChanged, ev.Type)
	assert.Equal(t, domain.IdentityID("alice"), ev.IdentityID)
	assert.True(t, ev.Online)

	t.Run("offline transition reaches the same contacts", func(t *testing.T) {
		svc.ConnectionClosed(context.Background(), domain.Identity{ID: "alice"})

		assert.Eventually(t, func() bool {
			return len(sink.eventsFor("conn-b")) == 2
		}, time.Second, 10*time.Millisecond)

		ev := sink.eventsFor("conn-b")[1].(protocol.PresenceEvent)
		assert.False(t, ev.Online)
	})
}

func TestPresenceService_SocialGraphOutageIsSilent(t *testing.T) {
	sink := newRecordingSink()
	dir := newFakeDirectory()
	social := new(MockSocialGraph)
	svc := NewPresenceService(social, dir, sink, &countingMetrics{}, zap.NewNop().Sugar())

	social.On("ListContacts", mock.Anything, domain.IdentityID("alice")).
		Return(nil, errors.New("graph down"))

	svc.ConnectionOpened(context.Background(), domain.Identity{ID: "alice"}, "conn-a")

	// Nothing to wait for; give the goroutine a moment and confirm silence.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.eventsFor("conn-b"))
}

func TestPresenceService_OnlineSubset(t *testing.T) {
	dir := newFakeDirectory()
	svc := NewPresenceService(new(MockSocialGraph), dir, newRecordingSink(), &countingMetrics{}, zap.NewNop().Sugar())

	dir.setOnline("bob", "conn-b")
	dir.setOnline("dave", "conn-d")

	online := svc.OnlineSubset([]domain.IdentityID{"alice", "bob", "carol", "dave"})
	assert.Equal(t, []domain.IdentityID{"bob", "dave"}, online)
}
