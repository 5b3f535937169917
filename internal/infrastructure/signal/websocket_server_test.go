package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
	"github.com/Parr-Marketing/Dicksword/internal/core/services"
	"github.com/Parr-Marketing/Dicksword/internal/infrastructure/monitoring"
	"github.com/Parr-Marketing/Dicksword/internal/infrastructure/repositories/memory"
	"github.com/Parr-Marketing/Dicksword/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	srv, _ := newTestServerWith(t, Options{})
	return srv
}

func newTestServerWith(t *testing.T, opts Options) (*httptest.Server, ports.RoomTable) {
	t.Helper()

	logger := zap.NewNop().Sugar()
	metrics := monitoring.NewPrometheusCollectorWith(prometheus.NewRegistry())
	rooms := memory.NewRoomTable()
	social := memory.NewMemorySocialGraph()

	verifier := services.NewAuthService(testSecret)
	ws := NewWebSocketServer(verifier, rooms, metrics, logger, opts)

	recency := services.NewRecencyService(memory.NewMemoryRecencyRepository(), social, logger)
	ws.SetRelay(services.NewRelayService(rooms, ws, recency, metrics, logger))
	ws.SetPresence(services.NewPresenceService(social, ws, ws, metrics, logger))

	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(srv.Close)
	return srv, rooms
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
}

func dialAs(t *testing.T, srv *httptest.Server, identity, name string) *websocket.Conn {
	t.Helper()
	token, err := services.IssueToken(testSecret, domain.Identity{
		ID:          domain.IdentityID(identity),
		DisplayName: name,
	}, time.Minute)
	assert.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent decodes the next frame, returning its type and raw bytes.
func readEvent(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	assert.NoError(t, err)

	var head struct {
		Type string `json:"type"`
	}
	assert.NoError(t, json.Unmarshal(raw, &head))
	return head.Type, raw
}

func readRoomEvent(t *testing.T, conn *websocket.Conn, wantType string) protocol.RoomEvent {
	t.Helper()
	typ, raw := readEvent(t, conn)
	assert.Equal(t, wantType, typ)
	var ev protocol.RoomEvent
	assert.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	assert.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocketServer_RejectsBadToken(t *testing.T) {
	srv := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "garbage"), nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketServer_RejectsSecondConnectionPerIdentity(t *testing.T) {
	srv := newTestServer(t)

	dialAs(t, srv, "alice-id", "Alice")

	token, err := services.IssueToken(testSecret, domain.Identity{ID: "alice-id", DisplayName: "Alice"}, time.Minute)
	assert.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebSocketServer_JoinRelayAndDisconnectFlow(t *testing.T) {
	srv := newTestServer(t)

	alice := dialAs(t, srv, "alice-id", "Alice")
	bob := dialAs(t, srv, "bob-id", "Bob")

	// Alice joins first and is alone.
	sendMessage(t, alice, protocol.ClientMessage{Type: protocol.TypeJoin, Room: "r1"})
	existing := readRoomEvent(t, alice, protocol.EventExistingMembers)
	assert.Empty(t, existing.Members)
	joined := readRoomEvent(t, alice, protocol.EventParticipantJoined)
	assert.Equal(t, domain.IdentityID("alice-id"), joined.Participant.IdentityID)
	aliceConn := joined.Participant.ConnectionID

	// Bob joins and learns about Alice.
	sendMessage(t, bob, protocol.ClientMessage{Type: protocol.TypeJoin, Room: "r1"})
	existing = readRoomEvent(t, bob, protocol.EventExistingMembers)
	assert.Len(t, existing.Members, 1)
	assert.Equal(t, domain.IdentityID("alice-id"), existing.Members[0].IdentityID)

	bobJoined := readRoomEvent(t, bob, protocol.EventParticipantJoined)
	bobConn := bobJoined.Participant.ConnectionID

	// Alice sees Bob's announce with the updated member list.
	aliceSees := readRoomEvent(t, alice, protocol.EventParticipantJoined)
	assert.Equal(t, domain.IdentityID("bob-id"), aliceSees.Participant.IdentityID)
	assert.Len(t, aliceSees.Members, 2)

	t.Run("negotiation payloads route verbatim", func(t *testing.T) {
		payload := json.RawMessage(`{"sdp":"v=0","type":"offer"}`)
		sendMessage(t, bob, protocol.ClientMessage{
			Type:    protocol.TypeRelay,
			Target:  aliceConn,
			Kind:    protocol.KindOffer,
			Payload: payload,
		})

		typ, raw := readEvent(t, alice)
		assert.Equal(t, protocol.EventRelay, typ)
		var relayed protocol.RelayEvent
		assert.NoError(t, json.Unmarshal(raw, &relayed))
		assert.Equal(t, bobConn, relayed.From)
		assert.Equal(t, protocol.KindOffer, relayed.Kind)
		assert.JSONEq(t, string(payload), string(relayed.Payload))
	})

	t.Run("screen share start reaches the room", func(t *testing.T) {
		sendMessage(t, bob, protocol.ClientMessage{Type: protocol.TypeScreenShareStart, Room: "r1"})

		typ, raw := readEvent(t, alice)
		assert.Equal(t, protocol.EventScreenShareStarted, typ)
		var share protocol.ScreenShareEvent
		assert.NoError(t, json.Unmarshal(raw, &share))
		assert.Equal(t, domain.IdentityID("bob-id"), share.IdentityID)
	})

	t.Run("dropped transport sweeps membership", func(t *testing.T) {
		bob.Close()

		// Bob was sharing, so the sweep stops the share before the leave.
		typ, _ := readEvent(t, alice)
		assert.Equal(t, protocol.EventScreenShareStopped, typ)

		left := readRoomEvent(t, alice, protocol.EventParticipantLeft)
		assert.Equal(t, domain.IdentityID("bob-id"), left.Participant.IdentityID)
		assert.Len(t, left.Members, 1)
	})
}

func TestWebSocketServer_SlowConsumerIsSweptFromRooms(t *testing.T) {
	srv, rooms := newTestServerWith(t, Options{SendBuffer: 1})

	alice := dialAs(t, srv, "alice-id", "Alice")
	bob := dialAs(t, srv, "bob-id", "Bob")

	sendMessage(t, bob, protocol.ClientMessage{Type: protocol.TypeJoin, Room: "r1"})
	readRoomEvent(t, bob, protocol.EventExistingMembers)
	joined := readRoomEvent(t, bob, protocol.EventParticipantJoined)
	bobConn := joined.Participant.ConnectionID

	sendMessage(t, alice, protocol.ClientMessage{Type: protocol.TypeJoin, Room: "r1"})
	readRoomEvent(t, alice, protocol.EventExistingMembers)
	readRoomEvent(t, alice, protocol.EventParticipantJoined)
	assert.Len(t, rooms.Members("r1"), 2)

	// Bob stops reading. Flooding him with large relay payloads backs up
	// his transport until the send buffer overflows, which must end in a
	// full membership sweep rather than a member with no connection.
	payload := json.RawMessage(`{"sdp":"` + strings.Repeat("a", 64*1024) + `"}`)
	for i := 0; i < 64; i++ {
		err := alice.WriteJSON(protocol.ClientMessage{
			Type:    protocol.TypeRelay,
			Target:  bobConn,
			Kind:    protocol.KindOffer,
			Payload: payload,
		})
		if err != nil {
			break
		}
	}

	assert.Eventually(t, func() bool {
		members := rooms.Members("r1")
		return len(members) == 1 && members[0].IdentityID == "alice-id"
	}, 5*time.Second, 10*time.Millisecond)

	left := readRoomEvent(t, alice, protocol.EventParticipantLeft)
	assert.Equal(t, domain.IdentityID("bob-id"), left.Participant.IdentityID)

	bob.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := bob.ReadMessage(); err != nil {
			break
		}
	}
}

func TestWebSocketServer_MalformedMessages(t *testing.T) {
	srv := newTestServer(t)
	alice := dialAs(t, srv, "alice-id", "Alice")

	t.Run("invalid json gets an error event", func(t *testing.T) {
		assert.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{nope")))
		typ, _ := readEvent(t, alice)
		assert.Equal(t, protocol.EventError, typ)
	})

	t.Run("join without a room gets an error event", func(t *testing.T) {
		sendMessage(t, alice, protocol.ClientMessage{Type: protocol.TypeJoin})
		typ, _ := readEvent(t, alice)
		assert.Equal(t, protocol.EventError, typ)
	})

	t.Run("relay with a bogus kind gets an error event", func(t *testing.T) {
		sendMessage(t, alice, protocol.ClientMessage{
			Type:   protocol.TypeRelay,
			Target: "conn-x",
			Kind:   "spray",
		})
		typ, _ := readEvent(t, alice)
		assert.Equal(t, protocol.EventError, typ)
	})

	t.Run("unroutable relay is dropped without an error", func(t *testing.T) {
		sendMessage(t, alice, protocol.ClientMessage{
			Type:    protocol.TypeRelay,
			Target:  "conn-gone",
			Kind:    protocol.KindOffer,
			Payload: json.RawMessage(`{}`),
		})
		sendMessage(t, alice, protocol.ClientMessage{Type: protocol.TypeMembers, Room: "r1"})

		// The next frame is the members reply, proving no error was sent
		// for the unroutable relay.
		typ, _ := readEvent(t, alice)
		assert.Equal(t, protocol.EventMembers, typ)
	})
}

func TestWebSocketServer_PresenceQuery(t *testing.T) {
	srv := newTestServer(t)

	alice := dialAs(t, srv, "alice-id", "Alice")
	dialAs(t, srv, "bob-id", "Bob")

	sendMessage(t, alice, protocol.ClientMessage{
		Type:       protocol.TypePresenceQuery,
		Identities: []domain.IdentityID{"bob-id", "carol-id"},
	})

	typ, raw := readEvent(t, alice)
	assert.Equal(t, protocol.EventPresenceState, typ)
	var state protocol.PresenceStateEvent
	assert.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, []domain.IdentityID{"bob-id"}, state.Online)
}
