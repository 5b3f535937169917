package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
	"github.com/Parr-Marketing/Dicksword/internal/protocol"

	"go.uber.org/zap"
)

const recencyWriteTimeout = 5 * time.Second

// relayService routes signaling events between connections and owns the room
// entry/exit side effects. Negotiation payloads are forwarded verbatim, never
// interpreted. No operation here ever fails a well-formed request: unroutable
// relays are dropped and logged, duplicate joins and leaves are no-ops.
type relayService struct {
	rooms   ports.RoomTable
	sink    ports.EventSink
	recency ports.RecencyLedger
	metrics ports.RelayMetrics

	// sharing tracks which connections currently announce a screen share,
	// per room. At most one flag per participant.
	sharingMu sync.Mutex
	sharing   map[domain.RoomID]map[domain.ConnectionID]domain.IdentityID

	logger *zap.SugaredLogger
}

func NewRelayService(rooms ports.RoomTable, sink ports.EventSink, recency ports.RecencyLedger, metrics ports.RelayMetrics, logger *zap.SugaredLogger) ports.Relay {
	return &relayService{
		rooms:   rooms,
		sink:    sink,
		recency: recency,
		metrics: metrics,
		sharing: make(map[domain.RoomID]map[domain.ConnectionID]domain.IdentityID),
		logger:  logger,
	}
}

func (s *relayService) OnJoin(ctx context.Context, p domain.Participant, room domain.RoomID) {
	members, rejoin := s.rooms.Join(room, p)
	if rejoin {
		// Duplicate join from the same connection: normalized to a no-op.
		s.logger.Debugw("duplicate join ignored", "room", room, "connection", p.ConnectionID)
		return
	}

	// The joiner learns about the pre-existing members so it can initiate
	// one offer per member.
	existing := make([]domain.Participant, 0, len(members)-1)
	for _, m := range members {
		if m.ConnectionID != p.ConnectionID {
			existing = append(existing, m)
		}
	}
	s.send(p.ConnectionID, protocol.RoomEvent{
		Type:    protocol.EventExistingMembers,
		Room:    room,
		Members: existing,
	})

	// Everyone in the room, the joiner included, sees the updated list.
	// Existing members wait for the joiner's offer rather than initiating.
	joined := p
	s.broadcast(members, protocol.RoomEvent{
		Type:        protocol.EventParticipantJoined,
		Room:        room,
		Members:     members,
		Participant: &joined,
	})

	if len(existing) > 0 {
		// Best-effort side effect; never blocks the relay path.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), recencyWriteTimeout)
			defer cancel()
			s.recency.RecordCoPresence(ctx, p.IdentityID, existing, time.Now())
		}()
	}

	s.logger.Infow("participant joined",
		"room", room,
		"connection", p.ConnectionID,
		"identity", p.IdentityID,
		"members", len(members),
	)
}

func (s *relayService) OnLeave(ctx context.Context, conn domain.ConnectionID, room domain.RoomID) {
	remaining, removed, ok := s.rooms.Leave(room, conn)
	if !ok {
		// Leaving a room the connection never joined, or already left.
		return
	}

	s.stopShareIfActive(room, conn, removed.IdentityID, remaining)

	left := removed
	s.broadcast(remaining, protocol.RoomEvent{
		Type:        protocol.EventParticipantLeft,
		Room:        room,
		Members:     remaining,
		Participant: &left,
	})

	s.logger.Infow("participant left",
		"room", room,
		"connection", conn,
		"remaining", len(remaining),
	)
}

func (s *relayService) OnMembers(ctx context.Context, conn domain.ConnectionID, room domain.RoomID) {
	s.send(conn, protocol.RoomEvent{
		Type:    protocol.EventMembers,
		Room:    room,
		Members: s.rooms.Members(room),
	})
}

func (s *relayService) OnRelay(ctx context.Context, from, to domain.ConnectionID, kind string, payload json.RawMessage) {
	err := s.sink.Send(to, protocol.RelayEvent{
		Type:    protocol.EventRelay,
		From:    from,
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		// The target raced a disconnect; the sender's own link will fail
		// and self-heal. Nothing is surfaced to the sender.
		if errors.Is(err, domain.ErrTargetNotConnected) {
			s.metrics.RelayDropped()
			s.logger.Debugw("relay target gone, dropping", "from", from, "to", to, "kind", kind)
			return
		}
		s.logger.Warnw("relay delivery failed", "from", from, "to", to, "kind", kind, "error", err)
	}
}

func (s *relayService) OnScreenShareStart(ctx context.Context, p domain.Participant, room domain.RoomID) {
	members := s.rooms.Members(room)
	if !containsConn(members, p.ConnectionID) {
		s.logger.Debugw("share start from non-member ignored", "connection", p.ConnectionID, "room", room)
		return
	}

	s.sharingMu.Lock()
	byConn, ok := s.sharing[room]
	if !ok {
		byConn = make(map[domain.ConnectionID]domain.IdentityID)
		s.sharing[room] = byConn
	}
	_, already := byConn[p.ConnectionID]
	byConn[p.ConnectionID] = p.IdentityID
	s.sharingMu.Unlock()
	if already {
		return
	}

	s.broadcast(members, protocol.ScreenShareEvent{
		Type:       protocol.EventScreenShareStarted,
		Room:       room,
		IdentityID: p.IdentityID,
		Connection: p.ConnectionID,
	})
}

func containsConn(members []domain.Participant, conn domain.ConnectionID) bool {
	for _, m := range members {
		if m.ConnectionID == conn {
			return true
		}
	}
	return false
}

func (s *relayService) OnScreenShareStop(ctx context.Context, p domain.Participant, room domain.RoomID) {
	if !s.clearShare(room, p.ConnectionID) {
		return
	}
	s.broadcast(s.rooms.Members(room), protocol.ScreenShareEvent{
		Type:       protocol.EventScreenShareStopped,
		Room:       room,
		IdentityID: p.IdentityID,
		Connection: p.ConnectionID,
	})
}

// OnDisconnect performs the leave bookkeeping for every room the connection
// was a member of. Safe to call more than once: the second sweep finds no
// remaining memberships.
func (s *relayService) OnDisconnect(ctx context.Context, conn domain.ConnectionID) {
	rooms := s.rooms.RoomsOf(conn)
	for _, room := range rooms {
		s.OnLeave(ctx, conn, room)
	}
	if len(rooms) > 0 {
		s.logger.Infow("connection swept from rooms", "connection", conn, "rooms", len(rooms))
	}
}

// stopShareIfActive clears a leaver's screen-share flag and tells the room,
// so remote meshes do not wait for a stop that will never arrive.
func (s *relayService) stopShareIfActive(room domain.RoomID, conn domain.ConnectionID, id domain.IdentityID, remaining []domain.Participant) {
	if !s.clearShare(room, conn) {
		return
	}
	s.broadcast(remaining, protocol.ScreenShareEvent{
		Type:       protocol.EventScreenShareStopped,
		Room:       room,
		IdentityID: id,
		Connection: conn,
	})
}

func (s *relayService) clearShare(room domain.RoomID, conn domain.ConnectionID) bool {
	s.sharingMu.Lock()
	defer s.sharingMu.Unlock()
	byConn, ok := s.sharing[room]
	if !ok {
		return false
	}
	if _, sharing := byConn[conn]; !sharing {
		return false
	}
	delete(byConn, conn)
	if len(byConn) == 0 {
		delete(s.sharing, room)
	}
	return true
}

func (s *relayService) broadcast(members []domain.Participant, event interface{}) {
	start := time.Now()
	for _, m := range members {
		s.send(m.ConnectionID, event)
	}
	s.metrics.ObserveBroadcast(time.Since(start))
}

func (s *relayService) send(conn domain.ConnectionID, event interface{}) {
	if err := s.sink.Send(conn, event); err != nil && !errors.Is(err, domain.ErrTargetNotConnected) {
		s.logger.Warnw("event delivery failed", "connection", conn, "error", err)
	}
}
