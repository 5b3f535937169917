// Package mesh implements the client side of a voice call: one negotiated
// media link per remote participant in the room, driven by events from the
// signaling relay. The relay only routes envelopes; all media flows directly
// between peers.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/protocol"
	"github.com/Parr-Marketing/Dicksword/pkg/retry"
	"github.com/Parr-Marketing/Dicksword/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Signaler is the outbound half of the relay session. The Manager depends on
// this interface so tests can capture outgoing messages without a socket.
type Signaler interface {
	Join(room domain.RoomID) error
	Leave(room domain.RoomID) error
	Relay(target domain.ConnectionID, kind string, payload json.RawMessage) error
	ScreenShareStart(room domain.RoomID) error
	ScreenShareStop(room domain.RoomID) error
}

// Client maintains the websocket session with the signaling relay. Incoming
// frames are delivered on Frames(); the channel closes when the session ends.
type Client struct {
	conn         *websocket.Conn
	frames       chan []byte
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// DialOptions tunes the relay session.
type DialOptions struct {
	WriteTimeout time.Duration
	DialRetry    retry.Config
}

// DefaultDialOptions returns the settings used when none are supplied.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		WriteTimeout: 10 * time.Second,
		DialRetry:    retry.DefaultConfig(),
	}
}

// Dial connects to the relay's websocket endpoint, retrying transient dial
// failures with backoff. The token is passed as a query parameter and
// verified by the relay before the upgrade.
func Dial(ctx context.Context, serverURL, token string, opts DialOptions, logger *zap.SugaredLogger) (*Client, error) {
	if err := validation.ValidateServerURL(serverURL); err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultDialOptions().WriteTimeout
	}

	var conn *websocket.Conn
	err = retry.Retry(ctx, opts.DialRetry, func() error {
		c, resp, derr := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if derr != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			logger.Warnw("relay dial failed",
				"url", u.Host,
				"status", status,
				"error", derr,
			)
			// A rejected token or a duplicate identity will not get
			// better on the next attempt.
			switch status {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict:
				return retry.Permanent(derr)
			}
			return derr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	cl := &Client{
		conn:         conn,
		frames:       make(chan []byte, 64),
		writeTimeout: opts.WriteTimeout,
		logger:       logger,
	}
	go cl.readLoop()
	return cl, nil
}

// Frames returns the stream of raw relay frames. Closed on session end.
func (c *Client) Frames() <-chan []byte {
	return c.frames
}

// Err reports the read error that ended the session, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Close tears the session down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
				c.logger.Warnw("relay session ended", "error", err)
			}
			return
		}
		c.frames <- data
	}
}

func (c *Client) send(msg protocol.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(msg)
}

// Join asks the relay to add this connection to a room.
func (c *Client) Join(room domain.RoomID) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeJoin, Room: room})
}

// Leave removes this connection from a room.
func (c *Client) Leave(room domain.RoomID) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeLeave, Room: room})
}

// Members requests the current member list of a room.
func (c *Client) Members(room domain.RoomID) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeMembers, Room: room})
}

// Relay forwards an opaque negotiation payload to one connection in the room.
func (c *Client) Relay(target domain.ConnectionID, kind string, payload json.RawMessage) error {
	return c.send(protocol.ClientMessage{
		Type:    protocol.TypeRelay,
		Target:  target,
		Kind:    kind,
		Payload: payload,
	})
}

// ScreenShareStart announces that this connection is about to add a video track.
func (c *Client) ScreenShareStart(room domain.RoomID) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeScreenShareStart, Room: room})
}

// ScreenShareStop announces that this connection removed its video track.
func (c *Client) ScreenShareStop(room domain.RoomID) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeScreenShareStop, Room: room})
}

// PresenceQuery asks which of the given identities are currently online.
func (c *Client) PresenceQuery(identities []domain.IdentityID) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypePresenceQuery, Identities: identities})
}
