package mesh

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/protocol"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, cb Callbacks) (*Manager, *fakeSignaler, *fakeFactory) {
	t.Helper()
	signaler := &fakeSignaler{}
	factory := &fakeFactory{}
	m := NewManager(signaler, ManagerOptions{
		Room:       "r1",
		Identity:   domain.Identity{ID: "self-id", DisplayName: "self"},
		AudioTrack: testAudioTrack(t),
		Callbacks:  cb,
		Logger:     zap.NewNop().Sugar(),
		NewConn:    factory.new,
	})
	return m, signaler, factory
}

func marshalFrame(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	assert.NoError(t, err)
	return raw
}

func existingMembersFrame(t *testing.T, members ...domain.Participant) []byte {
	return marshalFrame(t, protocol.RoomEvent{
		Type:    protocol.EventExistingMembers,
		Room:    "r1",
		Members: members,
	})
}

func participantJoinedFrame(t *testing.T, p domain.Participant, members ...domain.Participant) []byte {
	return marshalFrame(t, protocol.RoomEvent{
		Type:        protocol.EventParticipantJoined,
		Room:        "r1",
		Members:     members,
		Participant: &p,
	})
}

func participantLeftFrame(t *testing.T, p domain.Participant, members ...domain.Participant) []byte {
	return marshalFrame(t, protocol.RoomEvent{
		Type:        protocol.EventParticipantLeft,
		Room:        "r1",
		Members:     members,
		Participant: &p,
	})
}

func TestManager_JoinerInitiatesToExistingMembers(t *testing.T) {
	m, signaler, factory := newTestManager(t, Callbacks{})
	defer m.Leave()

	b := remoteParticipant("conn-b")
	c := remoteParticipant("conn-c")
	m.HandleFrame(existingMembersFrame(t, b, c))

	assert.Equal(t, 2, m.LinkCount())
	eventually(t, func() bool {
		return len(signaler.relayedOfKind(protocol.KindOffer)) == 2
	})

	targets := map[domain.ConnectionID]bool{}
	for _, msg := range signaler.relayedOfKind(protocol.KindOffer) {
		targets[msg.target] = true
	}
	assert.True(t, targets[b.ConnectionID])
	assert.True(t, targets[c.ConnectionID])
	assert.Equal(t, 2, factory.count())
}

func TestManager_LaterJoinerIsAwaited(t *testing.T) {
	m, signaler, _ := newTestManager(t, Callbacks{})
	defer m.Leave()

	d := remoteParticipant("conn-d")
	self := domain.Participant{ConnectionID: "conn-self", IdentityID: "self-id", DisplayName: "self"}
	m.HandleFrame(participantJoinedFrame(t, d, self, d))

	assert.Equal(t, 1, m.LinkCount())
	link, ok := m.Link(d.ConnectionID)
	assert.True(t, ok)

	// The existing member waits for the joiner's offer instead of sending
	// its own.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateNoLink, link.State())
	assert.Empty(t, signaler.relayedOfKind(protocol.KindOffer))
}

func TestManager_OwnAnnounceCreatesNoLink(t *testing.T) {
	m, _, _ := newTestManager(t, Callbacks{})
	defer m.Leave()

	self := domain.Participant{ConnectionID: "conn-self", IdentityID: "self-id", DisplayName: "self"}
	m.HandleFrame(participantJoinedFrame(t, self, self))

	assert.Equal(t, 0, m.LinkCount())
}

func TestManager_ParticipantLeftClosesLink(t *testing.T) {
	var mu sync.Mutex
	removed := 0
	m, _, _ := newTestManager(t, Callbacks{
		PeerRemoved: func(domain.Participant) {
			mu.Lock()
			removed++
			mu.Unlock()
		},
	})
	defer m.Leave()

	b := remoteParticipant("conn-b")
	m.HandleFrame(existingMembersFrame(t, b))
	assert.Equal(t, 1, m.LinkCount())

	m.HandleFrame(participantLeftFrame(t, b))
	assert.Equal(t, 0, m.LinkCount())
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return removed == 1
	})

	t.Run("a second departure for the same link is silent", func(t *testing.T) {
		m.HandleFrame(participantLeftFrame(t, b))
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, removed)
	})
}

func TestManager_OfferBeforeAnnounce(t *testing.T) {
	m, signaler, _ := newTestManager(t, Callbacks{})
	defer m.Leave()

	// The relay delivered the joiner's offer before its announce.
	m.HandleFrame(marshalFrame(t, protocol.RelayEvent{
		Type:    protocol.EventRelay,
		From:    "conn-early",
		Kind:    protocol.KindOffer,
		Payload: offerPayload(t),
	}))

	assert.Equal(t, 1, m.LinkCount())
	eventually(t, func() bool {
		answers := signaler.relayedOfKind(protocol.KindAnswer)
		return len(answers) == 1 && answers[0].target == domain.ConnectionID("conn-early")
	})
}

func TestManager_RelayForUnknownLinkIsDropped(t *testing.T) {
	m, _, factory := newTestManager(t, Callbacks{})
	defer m.Leave()

	m.HandleFrame(marshalFrame(t, protocol.RelayEvent{
		Type:    protocol.EventRelay,
		From:    "conn-x",
		Kind:    protocol.KindAnswer,
		Payload: answerPayload(t),
	}))
	m.HandleFrame(marshalFrame(t, protocol.RelayEvent{
		Type:    protocol.EventRelay,
		From:    "conn-x",
		Kind:    protocol.KindICECandidate,
		Payload: candidatePayload(t),
	}))

	assert.Equal(t, 0, m.LinkCount())
	assert.Equal(t, 0, factory.count())
}

func TestManager_ScreenShareLifecycle(t *testing.T) {
	m, signaler, factory := newTestManager(t, Callbacks{})
	defer m.Leave()

	b := remoteParticipant("conn-b")
	c := remoteParticipant("conn-c")
	m.HandleFrame(existingMembersFrame(t, b, c))
	eventually(t, func() bool { return factory.count() == 2 })

	for i := 0; i < 2; i++ {
		factory.conn(i).fireState(webrtc.PeerConnectionStateConnected)
	}
	eventually(t, func() bool {
		linkB, _ := m.Link(b.ConnectionID)
		linkC, _ := m.Link(c.ConnectionID)
		return linkB.State() == StateLinked && linkC.State() == StateLinked
	})

	share := testVideoTrack(t)
	assert.NoError(t, m.StartScreenShare(share))
	assert.True(t, m.Sharing())

	eventually(t, func() bool {
		return factory.conn(0).trackCount() == 2 && factory.conn(1).trackCount() == 2
	})

	t.Run("starting twice announces once", func(t *testing.T) {
		assert.NoError(t, m.StartScreenShare(share))
		signaler.mu.Lock()
		starts := signaler.shareStarts
		signaler.mu.Unlock()
		assert.Equal(t, 1, starts)
	})

	t.Run("stop restores the pre-share track set", func(t *testing.T) {
		assert.NoError(t, m.StopScreenShare())
		assert.False(t, m.Sharing())
		eventually(t, func() bool {
			return factory.conn(0).trackCount() == 1 && factory.conn(1).trackCount() == 1
		})
	})
}

func TestManager_LateJoinerReceivesActiveShare(t *testing.T) {
	m, _, factory := newTestManager(t, Callbacks{})
	defer m.Leave()

	b := remoteParticipant("conn-b")
	m.HandleFrame(existingMembersFrame(t, b))
	eventually(t, func() bool { return factory.count() == 1 })
	factory.conn(0).fireState(webrtc.PeerConnectionStateConnected)

	share := testVideoTrack(t)
	assert.NoError(t, m.StartScreenShare(share))
	eventually(t, func() bool { return factory.conn(0).trackCount() == 2 })

	// A viewer that joins while the share is live sends its offer; the
	// fresh link must carry the video track from the start.
	c := remoteParticipant("conn-c")
	m.HandleFrame(participantJoinedFrame(t, c, b, c))
	m.HandleFrame(marshalFrame(t, protocol.RelayEvent{
		Type:    protocol.EventRelay,
		From:    c.ConnectionID,
		Kind:    protocol.KindOffer,
		Payload: offerPayload(t),
	}))

	eventually(t, func() bool {
		return factory.count() == 2 && factory.conn(1).trackCount() == 2
	})
}

func TestManager_ShareAttachesOnceNegotiatingLinkEstablishes(t *testing.T) {
	m, _, factory := newTestManager(t, Callbacks{})
	defer m.Leave()

	b := remoteParticipant("conn-b")
	m.HandleFrame(existingMembersFrame(t, b))
	eventually(t, func() bool { return factory.count() == 1 })

	// The link is still negotiating when the share starts. The track is
	// held until the link establishes, then attached.
	share := testVideoTrack(t)
	assert.NoError(t, m.StartScreenShare(share))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, factory.conn(0).trackCount())

	factory.conn(0).fireState(webrtc.PeerConnectionStateConnected)
	eventually(t, func() bool { return factory.conn(0).trackCount() == 2 })
}

func TestManager_AnnounceBackfillsEarlyOfferIdentity(t *testing.T) {
	var mu sync.Mutex
	var removed domain.Participant
	m, _, _ := newTestManager(t, Callbacks{
		PeerRemoved: func(p domain.Participant) {
			mu.Lock()
			removed = p
			mu.Unlock()
		},
	})
	defer m.Leave()

	m.HandleFrame(marshalFrame(t, protocol.RelayEvent{
		Type:    protocol.EventRelay,
		From:    "conn-early",
		Kind:    protocol.KindOffer,
		Payload: offerPayload(t),
	}))
	assert.Equal(t, 1, m.LinkCount())

	early := domain.Participant{
		ConnectionID: "conn-early",
		IdentityID:   "early-id",
		DisplayName:  "Early Bird",
	}
	m.HandleFrame(participantJoinedFrame(t, early, early))
	assert.Equal(t, 1, m.LinkCount())

	link, ok := m.Link(early.ConnectionID)
	assert.True(t, ok)
	assert.Equal(t, early, link.Remote())

	m.HandleFrame(participantLeftFrame(t, early))
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return removed.IdentityID == early.IdentityID && removed.DisplayName == early.DisplayName
	})
}

func TestManager_ScreenShareEventsSurface(t *testing.T) {
	var mu sync.Mutex
	var gotIdentity domain.IdentityID
	var gotActive bool
	m, _, _ := newTestManager(t, Callbacks{
		ScreenShareChanged: func(id domain.IdentityID, active bool) {
			mu.Lock()
			gotIdentity, gotActive = id, active
			mu.Unlock()
		},
	})
	defer m.Leave()

	m.HandleFrame(marshalFrame(t, protocol.ScreenShareEvent{
		Type:       protocol.EventScreenShareStarted,
		Room:       "r1",
		IdentityID: "bob-id",
		Connection: "conn-b",
	}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.IdentityID("bob-id"), gotIdentity)
	assert.True(t, gotActive)
}

func TestManager_LeaveTearsDownEverything(t *testing.T) {
	m, signaler, _ := newTestManager(t, Callbacks{})

	b := remoteParticipant("conn-b")
	m.HandleFrame(existingMembersFrame(t, b))
	assert.Equal(t, 1, m.LinkCount())

	assert.NoError(t, m.Leave())
	assert.Equal(t, 0, m.LinkCount())

	signaler.mu.Lock()
	leaves := len(signaler.leaves)
	signaler.mu.Unlock()
	assert.Equal(t, 1, leaves)
}
