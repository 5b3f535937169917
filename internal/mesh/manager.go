package mesh

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/protocol"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Callbacks surface mesh activity to the embedding application. All fields
// are optional. Callbacks may fire from link goroutines.
type Callbacks struct {
	// PeerAdded fires when a link to a remote participant starts forming.
	PeerAdded func(remote domain.Participant)
	// PeerRemoved fires exactly once per link, when it is discarded.
	PeerRemoved func(remote domain.Participant)
	// RemoteTrack fires for each incoming media track.
	RemoteTrack func(remote domain.Participant, track *webrtc.TrackRemote)
	// SpeakingChanged reports voice activity transitions per remote.
	SpeakingChanged func(remote domain.Participant, speaking bool)
	// ScreenShareChanged reports a remote participant starting or stopping
	// a screen share.
	ScreenShareChanged func(identity domain.IdentityID, active bool)
	// PresenceChanged reports contact online/offline transitions.
	PresenceChanged func(identity domain.IdentityID, online bool)
}

// ManagerOptions configures a mesh Manager.
type ManagerOptions struct {
	Room       domain.RoomID
	Identity   domain.Identity
	AudioTrack webrtc.TrackLocal
	ICEServers []webrtc.ICEServer
	Callbacks  Callbacks
	Logger     *zap.SugaredLogger

	// NewConn overrides media connection construction. Nil uses pion with
	// the configured ICE servers.
	NewConn func() (mediaConn, error)
}

// Manager maintains one PeerLink per remote participant in the room. It is
// driven by raw frames from the signaling relay and by local user actions.
//
// Link direction follows the joiner-initiates rule: on entering the room the
// local side offers to every pre-existing member; when someone else joins
// later, the local side waits for their offer. Each pair therefore
// negotiates exactly once.
type Manager struct {
	room     domain.RoomID
	identity domain.Identity
	signaler Signaler
	factory  connFactory
	audio    webrtc.TrackLocal
	cb       Callbacks
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	links    map[domain.ConnectionID]*PeerLink
	meters   map[domain.ConnectionID]*LevelMeter
	selfConn domain.ConnectionID
	share    webrtc.TrackLocal

	muted atomic.Bool
}

// NewManager builds a Manager bound to one room. Call Join to enter it.
func NewManager(signaler Signaler, opts ManagerOptions) *Manager {
	factory := opts.NewConn
	if factory == nil {
		factory = pionFactory(opts.ICEServers)
	}
	return &Manager{
		room:     opts.Room,
		identity: opts.Identity,
		signaler: signaler,
		factory:  factory,
		audio:    opts.AudioTrack,
		cb:       opts.Callbacks,
		logger:   opts.Logger,
		links:    make(map[domain.ConnectionID]*PeerLink),
		meters:   make(map[domain.ConnectionID]*LevelMeter),
	}
}

func pionFactory(iceServers []webrtc.ICEServer) connFactory {
	return func() (mediaConn, error) {
		return webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: iceServers,
		})
	}
}

// Join asks the relay to admit this connection to the room. The resulting
// existing-members event drives mesh construction.
func (m *Manager) Join() error {
	return m.signaler.Join(m.room)
}

// Leave exits the room and tears down every link.
func (m *Manager) Leave() error {
	m.closeAllLinks()
	return m.signaler.Leave(m.room)
}

// SetMuted flips the local mute flag. The audio producer consults Muted
// before writing samples; no renegotiation happens.
func (m *Manager) SetMuted(muted bool) {
	m.muted.Store(muted)
}

// Muted reports the local mute flag.
func (m *Manager) Muted() bool {
	return m.muted.Load()
}

// LinkCount returns the number of live peer links.
func (m *Manager) LinkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Link returns the link for a remote connection, if one exists.
func (m *Manager) Link(conn domain.ConnectionID) (*PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[conn]
	return l, ok
}

// Run consumes relay frames until the channel closes, then tears down the
// mesh. Typically fed by Client.Frames().
func (m *Manager) Run(frames <-chan []byte) {
	for frame := range frames {
		m.HandleFrame(frame)
	}
	m.closeAllLinks()
}

// HandleFrame dispatches one raw relay frame.
func (m *Manager) HandleFrame(raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		m.logger.Warnw("unreadable relay frame", "error", err)
		return
	}

	switch head.Type {
	case protocol.EventExistingMembers:
		var ev protocol.RoomEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		m.handleExistingMembers(ev)
	case protocol.EventParticipantJoined:
		var ev protocol.RoomEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		m.handleParticipantJoined(ev)
	case protocol.EventParticipantLeft:
		var ev protocol.RoomEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		m.handleParticipantLeft(ev)
	case protocol.EventRelay:
		var ev protocol.RelayEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		m.handleRelay(ev)
	case protocol.EventScreenShareStarted, protocol.EventScreenShareStopped:
		var ev protocol.ScreenShareEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		if m.cb.ScreenShareChanged != nil {
			m.cb.ScreenShareChanged(ev.IdentityID, head.Type == protocol.EventScreenShareStarted)
		}
	case protocol.EventPresenceChanged:
		var ev protocol.PresenceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		if m.cb.PresenceChanged != nil {
			m.cb.PresenceChanged(ev.IdentityID, ev.Online)
		}
	case protocol.EventError:
		var ev protocol.ErrorEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		m.logger.Warnw("relay rejected a message", "message", ev.Message)
	}
}

// handleExistingMembers fires on our own admission. We initiate toward every
// member already in the room.
func (m *Manager) handleExistingMembers(ev protocol.RoomEvent) {
	for _, p := range ev.Members {
		link, created := m.ensureLink(p, true)
		if created {
			link.Start()
		}
	}
}

// handleParticipantJoined records our own connection id when the announce is
// about us, and otherwise prepares a passive link that waits for the
// joiner's offer. A link created earlier from an offer that outran this
// announce gets its identity details filled in here.
func (m *Manager) handleParticipantJoined(ev protocol.RoomEvent) {
	if ev.Participant == nil {
		return
	}
	p := *ev.Participant
	if p.IdentityID == m.identity.ID {
		m.mu.Lock()
		m.selfConn = p.ConnectionID
		m.mu.Unlock()
		return
	}
	if link, created := m.ensureLink(p, false); !created {
		link.UpdateRemote(p)
	}
}

func (m *Manager) handleParticipantLeft(ev protocol.RoomEvent) {
	if ev.Participant == nil {
		return
	}
	m.removeLink(ev.Participant.ConnectionID)
}

func (m *Manager) handleRelay(ev protocol.RelayEvent) {
	m.mu.Lock()
	link, ok := m.links[ev.From]
	m.mu.Unlock()

	switch ev.Kind {
	case protocol.KindOffer:
		if !ok {
			// The offer can beat the participant-joined announce. Identity
			// details arrive with the announce; the link works without them.
			link, _ = m.ensureLink(domain.Participant{ConnectionID: ev.From}, false)
		}
		link.HandleOffer(ev.Payload)
	case protocol.KindAnswer:
		if !ok {
			m.logger.Debugw("answer for unknown link dropped", "from", ev.From)
			return
		}
		link.HandleAnswer(ev.Payload)
	case protocol.KindICECandidate:
		if !ok {
			m.logger.Debugw("candidate for unknown link dropped", "from", ev.From)
			return
		}
		link.HandleCandidate(ev.Payload)
	}
}

// ensureLink returns the link for a remote, creating it if absent. The
// second return reports whether this call created it.
func (m *Manager) ensureLink(remote domain.Participant, initiator bool) (*PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link, ok := m.links[remote.ConnectionID]; ok {
		return link, false
	}
	link := newPeerLink(
		remote,
		initiator,
		m.audio,
		m.share,
		m.signaler,
		m.factory,
		m.handleRemoteTrack,
		m.handleLinkRemoved,
		m.logger,
	)
	m.links[remote.ConnectionID] = link
	if m.cb.PeerAdded != nil {
		go m.cb.PeerAdded(remote)
	}
	return link, true
}

func (m *Manager) removeLink(conn domain.ConnectionID) {
	m.mu.Lock()
	link, ok := m.links[conn]
	if ok {
		delete(m.links, conn)
	}
	meter, hadMeter := m.meters[conn]
	if hadMeter {
		delete(m.meters, conn)
	}
	m.mu.Unlock()

	if hadMeter {
		meter.Stop()
	}
	if ok {
		link.Close()
	}
}

func (m *Manager) closeAllLinks() {
	m.mu.Lock()
	links := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[domain.ConnectionID]*PeerLink)
	meters := make([]*LevelMeter, 0, len(m.meters))
	for _, mt := range m.meters {
		meters = append(meters, mt)
	}
	m.meters = make(map[domain.ConnectionID]*LevelMeter)
	m.mu.Unlock()

	for _, mt := range meters {
		mt.Stop()
	}
	for _, l := range links {
		l.Close()
	}
}

// handleRemoteTrack wires an incoming track into the level meter (audio) and
// the application callback.
func (m *Manager) handleRemoteTrack(remote domain.Participant, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		meter := NewLevelMeter(remote, m.cb.SpeakingChanged, m.logger)
		m.mu.Lock()
		old := m.meters[remote.ConnectionID]
		m.meters[remote.ConnectionID] = meter
		m.mu.Unlock()
		if old != nil {
			// A rebuilt link re-delivers the audio track.
			old.Stop()
		}
		go meter.Run(track)
	}
	if m.cb.RemoteTrack != nil {
		m.cb.RemoteTrack(remote, track)
	}
}

func (m *Manager) handleLinkRemoved(remote domain.Participant) {
	if m.cb.PeerRemoved != nil {
		m.cb.PeerRemoved(remote)
	}
}

// StartScreenShare announces the share and adds the video track to every
// link. Links still negotiating attach it once they establish. Audio tracks
// are untouched.
func (m *Manager) StartScreenShare(track webrtc.TrackLocal) error {
	m.mu.Lock()
	if m.share != nil {
		m.mu.Unlock()
		return nil
	}
	m.share = track
	links := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	if err := m.signaler.ScreenShareStart(m.room); err != nil {
		return err
	}
	for _, l := range links {
		l.AddShareTrack(track)
	}
	return nil
}

// StopScreenShare removes the video track from every link and renegotiates,
// restoring each link's pre-share track set.
func (m *Manager) StopScreenShare() error {
	m.mu.Lock()
	if m.share == nil {
		m.mu.Unlock()
		return nil
	}
	m.share = nil
	links := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	if err := m.signaler.ScreenShareStop(m.room); err != nil {
		return err
	}
	for _, l := range links {
		l.RemoveShareTrack()
	}
	return nil
}

// Sharing reports whether a local screen share is active.
func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.share != nil
}

