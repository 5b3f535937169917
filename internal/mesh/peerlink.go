package mesh

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/protocol"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// LinkState is the negotiation state of one peer link.
type LinkState int32

const (
	StateNoLink LinkState = iota
	StateNegotiating
	StateLinked
	StateRenegotiating
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNoLink:
		return "no-link"
	case StateNegotiating:
		return "negotiating"
	case StateLinked:
		return "linked"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// mediaConn is the subset of *webrtc.PeerConnection the link drives. Tests
// substitute a fake to exercise the state machine without real transports.
type mediaConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	SignalingState() webrtc.SignalingState
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// connFactory builds a fresh media connection. Called once per link attempt;
// a rebuild calls it again.
type connFactory func() (mediaConn, error)

const (
	linkEventBuffer  = 32
	keyframeInterval = 3 * time.Second
)

// PeerLink owns the media session with one remote participant. All state
// transitions run on a single goroutine fed by an event queue, so transport
// callbacks, relay events, and local actions may arrive in any order without
// racing each other.
type PeerLink struct {
	// remote may gain identity details after construction when the link was
	// created from an offer that outran the announce.
	remoteMu sync.Mutex
	remote   domain.Participant

	signaler Signaler
	factory  connFactory
	logger   *zap.SugaredLogger

	events chan func()
	done   chan struct{}
	state  atomic.Int32

	// The fields below are touched only on the event goroutine.
	pc          mediaConn
	initiator   bool
	audioTrack  webrtc.TrackLocal
	shareTrack  webrtc.TrackLocal
	audioSender *webrtc.RTPSender
	shareSender *webrtc.RTPSender
	pending     []webrtc.ICECandidateInit
	remoteSet   bool
	restarted   bool

	onTrack     func(remote domain.Participant, track *webrtc.TrackRemote)
	onRemoved   func(remote domain.Participant)
	removedOnce sync.Once
}

func newPeerLink(
	remote domain.Participant,
	initiator bool,
	audioTrack webrtc.TrackLocal,
	shareTrack webrtc.TrackLocal,
	signaler Signaler,
	factory connFactory,
	onTrack func(domain.Participant, *webrtc.TrackRemote),
	onRemoved func(domain.Participant),
	logger *zap.SugaredLogger,
) *PeerLink {
	l := &PeerLink{
		remote:     remote,
		signaler:   signaler,
		factory:    factory,
		initiator:  initiator,
		audioTrack: audioTrack,
		shareTrack: shareTrack,
		events:     make(chan func(), linkEventBuffer),
		done:       make(chan struct{}),
		onTrack:    onTrack,
		onRemoved:  onRemoved,
		logger:     logger,
	}
	l.state.Store(int32(StateNoLink))
	go l.run()
	return l
}

// State is safe to read from any goroutine.
func (l *PeerLink) State() LinkState {
	return LinkState(l.state.Load())
}

// Remote identifies the participant on the far side of this link. Safe to
// read from any goroutine.
func (l *PeerLink) Remote() domain.Participant {
	l.remoteMu.Lock()
	defer l.remoteMu.Unlock()
	return l.remote
}

// UpdateRemote backfills identity details for a link whose offer arrived
// before the participant-joined announce. The connection id never changes.
func (l *PeerLink) UpdateRemote(p domain.Participant) {
	l.remoteMu.Lock()
	defer l.remoteMu.Unlock()
	if p.ConnectionID != l.remote.ConnectionID {
		return
	}
	l.remote = p
}

func (l *PeerLink) run() {
	for {
		select {
		case fn := <-l.events:
			fn()
		case <-l.done:
			return
		}
	}
}

// enqueue hands an event to the link goroutine. Events arriving after close
// are dropped; the link is already gone.
func (l *PeerLink) enqueue(fn func()) {
	select {
	case l.events <- fn:
	case <-l.done:
	}
}

func (l *PeerLink) setState(s LinkState) {
	l.state.Store(int32(s))
}

// Start begins negotiation. Only the joiner side calls this; the other side
// waits for the offer to arrive.
func (l *PeerLink) Start() {
	l.enqueue(func() { l.negotiate(nil) })
}

// HandleOffer applies a remote offer and replies with an answer.
func (l *PeerLink) HandleOffer(payload json.RawMessage) {
	l.enqueue(func() { l.applyOffer(payload) })
}

// HandleAnswer applies the remote answer to a pending offer.
func (l *PeerLink) HandleAnswer(payload json.RawMessage) {
	l.enqueue(func() { l.applyAnswer(payload) })
}

// HandleCandidate applies a trickled ICE candidate, buffering it if the
// remote description has not been set yet.
func (l *PeerLink) HandleCandidate(payload json.RawMessage) {
	l.enqueue(func() { l.applyCandidate(payload) })
}

// AddShareTrack attaches a supplementary video track and renegotiates. The
// audio track is not touched.
func (l *PeerLink) AddShareTrack(track webrtc.TrackLocal) {
	l.enqueue(func() { l.attachShare(track) })
}

// RemoveShareTrack detaches the video track added by AddShareTrack and
// renegotiates. A link that never had one is left alone.
func (l *PeerLink) RemoveShareTrack() {
	l.enqueue(func() { l.detachShare() })
}

// Close tears the link down and fires the removal callback exactly once.
func (l *PeerLink) Close() {
	l.enqueue(l.teardown)
}

func (l *PeerLink) teardown() {
	if l.State() == StateClosed {
		return
	}
	l.setState(StateClosed)
	if l.pc != nil {
		l.pc.Close()
		l.pc = nil
	}
	l.removedOnce.Do(func() {
		if l.onRemoved != nil {
			l.onRemoved(l.Remote())
		}
	})
	close(l.done)
}

func (l *PeerLink) ensureConn() bool {
	if l.pc != nil {
		return true
	}
	pc, err := l.factory()
	if err != nil {
		l.logger.Errorw("media connection setup failed",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		return false
	}
	l.pc = pc
	l.remoteSet = false

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		payload, err := json.Marshal(init)
		if err != nil {
			return
		}
		if err := l.signaler.Relay(l.Remote().ConnectionID, protocol.KindICECandidate, payload); err != nil {
			l.logger.Warnw("candidate send failed",
				"remote", l.Remote().ConnectionID,
				"error", err,
			)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go l.requestKeyframes(pc, track.SSRC())
		}
		if l.onTrack != nil {
			l.onTrack(l.Remote(), track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.Debugw("link transport state",
			"remote", l.Remote().ConnectionID,
			"state", state.String(),
		)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			l.enqueue(l.markLinked)
		case webrtc.PeerConnectionStateFailed:
			l.enqueue(l.recoverFailed)
		}
	})

	if l.audioTrack != nil {
		sender, err := pc.AddTrack(l.audioTrack)
		if err != nil {
			l.logger.Errorw("audio track attach failed",
				"remote", l.Remote().ConnectionID,
				"error", err,
			)
			pc.Close()
			l.pc = nil
			return false
		}
		l.audioSender = sender
	}
	if l.shareTrack != nil {
		sender, err := pc.AddTrack(l.shareTrack)
		if err != nil {
			l.logger.Warnw("share track attach failed",
				"remote", l.Remote().ConnectionID,
				"error", err,
			)
		} else {
			l.shareSender = sender
		}
	}
	return true
}

// negotiate creates and sends an offer. Passing ICE restart options reuses
// the existing connection with fresh candidates.
func (l *PeerLink) negotiate(opts *webrtc.OfferOptions) {
	if l.State() == StateClosed {
		return
	}
	if !l.ensureConn() {
		return
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		l.logger.Warnw("offer creation failed",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		l.rebuild()
		return
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.logger.Warnw("local description rejected",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		l.rebuild()
		return
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return
	}
	if l.State() == StateLinked {
		l.setState(StateRenegotiating)
	} else {
		l.setState(StateNegotiating)
	}
	if err := l.signaler.Relay(l.Remote().ConnectionID, protocol.KindOffer, payload); err != nil {
		l.logger.Warnw("offer send failed",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
	}
}

func (l *PeerLink) applyOffer(payload json.RawMessage) {
	if l.State() == StateClosed {
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		l.logger.Warnw("offer payload unreadable",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		return
	}
	if !l.ensureConn() {
		return
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		// Conflicting signaling state means both sides offered at once or
		// the session is wedged. Rebuild this link only.
		l.logger.Warnw("remote offer rejected, rebuilding link",
			"remote", l.Remote().ConnectionID,
			"signaling_state", l.pc.SignalingState().String(),
			"error", err,
		)
		l.rebuild()
		return
	}
	l.remoteSet = true
	l.flushCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.logger.Warnw("answer creation failed",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		l.rebuild()
		return
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.logger.Warnw("local answer rejected",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		l.rebuild()
		return
	}
	answerPayload, err := json.Marshal(answer)
	if err != nil {
		return
	}
	if l.State() == StateRenegotiating {
		l.setState(StateLinked)
		l.attachPendingShare()
	} else if l.State() == StateNoLink {
		l.setState(StateNegotiating)
	}
	if err := l.signaler.Relay(l.Remote().ConnectionID, protocol.KindAnswer, answerPayload); err != nil {
		l.logger.Warnw("answer send failed",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
	}
}

func (l *PeerLink) applyAnswer(payload json.RawMessage) {
	if l.State() == StateClosed || l.pc == nil {
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		l.logger.Warnw("answer payload unreadable",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		return
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		l.logger.Warnw("remote answer rejected, rebuilding link",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		l.rebuild()
		return
	}
	l.remoteSet = true
	l.flushCandidates()
	if l.State() == StateRenegotiating {
		l.setState(StateLinked)
		l.attachPendingShare()
	}
}

func (l *PeerLink) applyCandidate(payload json.RawMessage) {
	if l.State() == StateClosed {
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		l.logger.Warnw("candidate payload unreadable",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		return
	}
	// Candidates can outrun the offer; hold them until the remote
	// description is in place.
	if l.pc == nil || !l.remoteSet {
		l.pending = append(l.pending, init)
		return
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		l.logger.Warnw("candidate rejected",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
	}
}

func (l *PeerLink) flushCandidates() {
	for _, init := range l.pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			l.logger.Warnw("buffered candidate rejected",
				"remote", l.Remote().ConnectionID,
				"error", err,
			)
		}
	}
	l.pending = nil
}

func (l *PeerLink) markLinked() {
	if l.State() == StateClosed {
		return
	}
	l.setState(StateLinked)
	l.restarted = false
	l.attachPendingShare()
	l.logger.Infow("peer link established",
		"remote", l.Remote().ConnectionID,
		"identity", l.Remote().IdentityID,
	)
}

// recoverFailed handles transport failure. The offerer side performs one ICE
// restart; the answerer side waits for it rather than restarting too, so the
// pair never double-offers. A second failure rebuilds the link from scratch.
func (l *PeerLink) recoverFailed() {
	switch l.State() {
	case StateClosed, StateNoLink:
		return
	}
	if l.restarted {
		l.logger.Warnw("link failed after restart, rebuilding",
			"remote", l.Remote().ConnectionID,
		)
		l.rebuild()
		return
	}
	l.restarted = true
	if !l.initiator {
		l.logger.Warnw("link transport failed, waiting for remote ICE restart",
			"remote", l.Remote().ConnectionID,
		)
		return
	}
	l.logger.Warnw("link transport failed, attempting ICE restart",
		"remote", l.Remote().ConnectionID,
	)
	l.negotiate(&webrtc.OfferOptions{ICERestart: true})
}

// rebuild discards the current connection and negotiates from scratch. The
// rebuilding side always initiates, whatever its original role.
func (l *PeerLink) rebuild() {
	if l.State() == StateClosed {
		return
	}
	if l.pc != nil {
		l.pc.Close()
		l.pc = nil
	}
	l.audioSender = nil
	l.shareSender = nil
	l.remoteSet = false
	l.pending = nil
	l.restarted = false
	// The rebuilding side owns the new negotiation from here on.
	l.initiator = true
	l.setState(StateNoLink)
	l.negotiate(nil)
}

// attachPendingShare adds a share track that was recorded while the link
// was still negotiating. No-op when nothing is pending.
func (l *PeerLink) attachPendingShare() {
	if l.shareTrack == nil || l.shareSender != nil || l.pc == nil {
		return
	}
	sender, err := l.pc.AddTrack(l.shareTrack)
	if err != nil {
		l.logger.Warnw("share track attach failed",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
		return
	}
	l.shareSender = sender
	l.negotiate(nil)
}

func (l *PeerLink) attachShare(track webrtc.TrackLocal) {
	if l.State() == StateClosed || l.shareSender != nil {
		return
	}
	// Record the track first. A link still negotiating picks it up when
	// it establishes, so a viewer that joins mid-share is not left
	// without it.
	l.shareTrack = track
	if l.State() != StateLinked {
		return
	}
	l.attachPendingShare()
}

func (l *PeerLink) detachShare() {
	if l.State() == StateClosed {
		return
	}
	if l.shareSender == nil || l.pc == nil {
		l.shareTrack = nil
		return
	}
	if err := l.pc.RemoveTrack(l.shareSender); err != nil {
		l.logger.Warnw("share track detach failed",
			"remote", l.Remote().ConnectionID,
			"error", err,
		)
	}
	l.shareSender = nil
	l.shareTrack = nil
	l.negotiate(nil)
}

// requestKeyframes asks the sender for a fresh keyframe periodically while
// the video track is live, so a late-joining viewer is not stuck waiting for
// the next natural keyframe.
func (l *PeerLink) requestKeyframes(pc mediaConn, ssrc webrtc.SSRC) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				return
			}
		}
	}
}
