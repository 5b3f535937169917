package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
)

// Relay routes client-issued signaling events. It owns room entry/exit side
// effects but never interprets negotiation payloads.
type Relay interface {
	OnJoin(ctx context.Context, p domain.Participant, room domain.RoomID)
	OnLeave(ctx context.Context, conn domain.ConnectionID, room domain.RoomID)
	OnMembers(ctx context.Context, conn domain.ConnectionID, room domain.RoomID)
	OnRelay(ctx context.Context, from domain.ConnectionID, to domain.ConnectionID, kind string, payload json.RawMessage)
	OnScreenShareStart(ctx context.Context, p domain.Participant, room domain.RoomID)
	OnScreenShareStop(ctx context.Context, p domain.Participant, room domain.RoomID)
	OnDisconnect(ctx context.Context, conn domain.ConnectionID)
}

// PresenceNotifier derives online/offline broadcasts from registry changes.
// All methods are best-effort and must not block signaling.
type PresenceNotifier interface {
	ConnectionOpened(ctx context.Context, id domain.Identity, conn domain.ConnectionID)
	ConnectionClosed(ctx context.Context, id domain.Identity)
	OnlineSubset(ids []domain.IdentityID) []domain.IdentityID
}

// RecencyLedger records room co-presence and answers the "people you met"
// query.
type RecencyLedger interface {
	RecordCoPresence(ctx context.Context, joiner domain.IdentityID, present []domain.Participant, at time.Time)
	RecentlySeen(ctx context.Context, id domain.IdentityID, window time.Duration) ([]domain.RecencyEntry, error)
}

// RelayMetrics receives side-effect observations from the relay and the
// presence notifier.
type RelayMetrics interface {
	ObserveBroadcast(d time.Duration)
	RelayDropped()
	PresenceEventEmitted()
}

// EventSink delivers a server event to one connection. Delivery to a gone
// connection reports domain.ErrTargetNotConnected.
type EventSink interface {
	Send(conn domain.ConnectionID, event interface{}) error
}

// ConnectionDirectory exposes the identity -> connection mapping kept by the
// transport layer.
type ConnectionDirectory interface {
	ConnectionOf(id domain.IdentityID) (domain.ConnectionID, bool)
	IsOnline(id domain.IdentityID) bool
}
