package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
	"github.com/Parr-Marketing/Dicksword/internal/infrastructure/monitoring"
	"github.com/Parr-Marketing/Dicksword/internal/protocol"
	"github.com/Parr-Marketing/Dicksword/pkg/tracing"
	"github.com/Parr-Marketing/Dicksword/pkg/utils"
	"github.com/Parr-Marketing/Dicksword/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// client is one registered signaling connection. Writes go through the send
// channel so the write pump is the only goroutine touching the socket.
type client struct {
	id       domain.ConnectionID
	identity domain.Identity
	conn     *websocket.Conn
	send     chan []byte

	// closing guards the send channel; disconnect bookkeeping must run
	// exactly once even if the transport reports the close twice.
	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) participant() domain.Participant {
	return domain.Participant{
		ConnectionID: c.id,
		IdentityID:   c.identity.ID,
		DisplayName:  c.identity.DisplayName,
	}
}

// WebSocketServer owns the Connection Registry: the identity -> connection
// mapping every other component delivers through. It implements
// ports.EventSink and ports.ConnectionDirectory.
type WebSocketServer struct {
	verifier ports.TokenVerifier
	relay    ports.Relay
	presence ports.PresenceNotifier
	rooms    ports.RoomTable
	metrics  *monitoring.PrometheusCollector

	mu         sync.RWMutex
	byConn     map[domain.ConnectionID]*client
	byIdentity map[domain.IdentityID]*client

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	sendBuffer   int

	msgRate  rate.Limit
	msgBurst int

	logger *zap.SugaredLogger
}

type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int
}

func NewWebSocketServer(verifier ports.TokenVerifier, rooms ports.RoomTable, metrics *monitoring.PrometheusCollector, logger *zap.SugaredLogger, opts Options) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 50
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 100
	}
	return &WebSocketServer{
		verifier:     verifier,
		rooms:        rooms,
		metrics:      metrics,
		byConn:       make(map[domain.ConnectionID]*client),
		byIdentity:   make(map[domain.IdentityID]*client),
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		writeTimeout: opts.WriteTimeout,
		sendBuffer:   opts.SendBuffer,
		msgRate:      rate.Limit(opts.MessagesPerSecond),
		msgBurst:     opts.MessageBurst,
		logger:       logger,
	}
}

// SetRelay and SetPresence break the construction cycle: the relay and the
// presence notifier both deliver through this server.
func (s *WebSocketServer) SetRelay(r ports.Relay)               { s.relay = r }
func (s *WebSocketServer) SetPresence(p ports.PresenceNotifier) { s.presence = p }

// Send implements ports.EventSink.
func (s *WebSocketServer) Send(conn domain.ConnectionID, event interface{}) error {
	s.mu.RLock()
	c, ok := s.byConn[conn]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrTargetNotConnected
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return domain.ErrTargetNotConnected
	default:
		// The consumer stopped draining; a wedged socket must not stall
		// the rest of the room. Closing the socket makes the read pump
		// exit and run the disconnect sweep, ordered after whatever
		// message that pump is still handling.
		s.logger.Warnw("send buffer full, dropping connection", "connection", conn, "identity", c.identity.ID)
		c.conn.Close()
		return domain.ErrTargetNotConnected
	}
}

// ConnectionOf implements ports.ConnectionDirectory.
func (s *WebSocketServer) ConnectionOf(id domain.IdentityID) (domain.ConnectionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byIdentity[id]
	if !ok {
		return "", false
	}
	return c.id, true
}

func (s *WebSocketServer) IsOnline(id domain.IdentityID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byIdentity[id]
	return ok
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byConn)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.metrics.ConnectionRejected()
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// One active connection per identity: a second connect is rejected
	// instead of silently displacing the first and orphaning its calls.
	if s.IsOnline(identity.ID) {
		s.metrics.ConnectionRejected()
		http.Error(w, "identity already connected", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       domain.ConnectionID(utils.GenerateConnectionID()),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, s.sendBuffer),
		done:     make(chan struct{}),
	}

	if !s.register(c) {
		// Lost the race against another connect for the same identity.
		s.metrics.ConnectionRejected()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "identity already connected"),
			time.Now().Add(s.writeTimeout))
		conn.Close()
		return
	}

	s.metrics.ConnectionOpened()
	s.logger.Infow("connection registered",
		"connection", c.id,
		"identity", identity.ID,
		"display_name", identity.DisplayName,
	)
	s.presence.ConnectionOpened(r.Context(), identity, c.id)

	go s.writePump(c)
	s.readPump(c)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *WebSocketServer) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byIdentity[c.identity.ID]; exists {
		return false
	}
	s.byConn[c.id] = c
	s.byIdentity[c.identity.ID] = c
	return true
}

// disconnect unregisters the client and runs the room sweep. Idempotent.
func (s *WebSocketServer) disconnect(c *client) {
	c.closeOnce.Do(func() {
		close(c.done)

		s.mu.Lock()
		delete(s.byConn, c.id)
		if cur, ok := s.byIdentity[c.identity.ID]; ok && cur == c {
			delete(s.byIdentity, c.identity.ID)
		}
		s.mu.Unlock()

		c.conn.Close()

		s.relay.OnDisconnect(context.Background(), c.id)
		s.presence.ConnectionClosed(context.Background(), c.identity)
		s.metrics.ConnectionClosed()
		s.observeRoomGauges()

		s.logger.Infow("connection closed", "connection", c.id, "identity", c.identity.ID)
	})
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.disconnect(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.disconnect(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *WebSocketServer) readPump(c *client) {
	defer s.disconnect(c)

	c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	limiter := rate.NewLimiter(s.msgRate, s.msgBurst)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "connection", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))

		if !limiter.Allow() {
			s.logger.Warnw("message rate exceeded, dropping message", "connection", c.id, "identity", c.identity.ID)
			continue
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.rejectMalformed(c, "invalid message encoding")
			continue
		}
		s.handleMessage(c, msg)
	}
}

// handleMessage dispatches one client message. A malformed message is
// answered with an error event and otherwise ignored; it never tears down
// the connection or touches another room's state.
func (s *WebSocketServer) handleMessage(c *client, msg protocol.ClientMessage) {
	ctx, span := tracing.TraceSignalMessage(context.Background(), msg.Type, string(c.id))
	defer span.End()

	switch msg.Type {
	case protocol.TypeJoin:
		if err := validation.ValidateRoomID(string(msg.Room)); err != nil {
			s.rejectMalformed(c, "join: "+err.Error())
			return
		}
		s.metrics.JoinRequested()
		s.relay.OnJoin(ctx, c.participant(), msg.Room)
		s.observeRoomGauges()

	case protocol.TypeLeave:
		if msg.Room == "" {
			s.rejectMalformed(c, "leave requires a room")
			return
		}
		s.relay.OnLeave(ctx, c.id, msg.Room)
		s.observeRoomGauges()

	case protocol.TypeMembers:
		if msg.Room == "" {
			s.rejectMalformed(c, "members requires a room")
			return
		}
		s.relay.OnMembers(ctx, c.id, msg.Room)

	case protocol.TypeRelay:
		if msg.Target == "" || !validRelayKind(msg.Kind) {
			s.rejectMalformed(c, "relay requires a target and a kind of offer, answer or ice-candidate")
			return
		}
		s.relay.OnRelay(ctx, c.id, msg.Target, msg.Kind, msg.Payload)
		s.metrics.MessageRelayed(msg.Kind)

	case protocol.TypeScreenShareStart:
		if msg.Room == "" {
			s.rejectMalformed(c, "screen-share-start requires a room")
			return
		}
		s.relay.OnScreenShareStart(ctx, c.participant(), msg.Room)

	case protocol.TypeScreenShareStop:
		if msg.Room == "" {
			s.rejectMalformed(c, "screen-share-stop requires a room")
			return
		}
		s.relay.OnScreenShareStop(ctx, c.participant(), msg.Room)

	case protocol.TypePresenceQuery:
		online := s.presence.OnlineSubset(msg.Identities)
		s.Send(c.id, protocol.PresenceStateEvent{
			Type:   protocol.EventPresenceState,
			Online: online,
		})

	default:
		s.rejectMalformed(c, "unknown message type: "+msg.Type)
	}
}

func validRelayKind(kind string) bool {
	switch kind {
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindICECandidate:
		return true
	}
	return false
}

func (s *WebSocketServer) observeRoomGauges() {
	s.metrics.SetActiveRooms(s.rooms.RoomCount())
	s.metrics.SetActiveParticipants(s.rooms.ParticipantCount())
}

func (s *WebSocketServer) rejectMalformed(c *client, reason string) {
	s.metrics.MalformedMessage()
	s.logger.Debugw("malformed message", "connection", c.id, "reason", reason)
	s.Send(c.id, protocol.ErrorEvent{Type: protocol.EventError, Message: reason})
}
