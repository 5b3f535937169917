package services

import (
	"context"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
	"github.com/Parr-Marketing/Dicksword/internal/protocol"
	"github.com/Parr-Marketing/Dicksword/pkg/cache"
	"github.com/Parr-Marketing/Dicksword/pkg/circuitbreaker"

	"go.uber.org/zap"
)

const (
	contactLookupTimeout = 3 * time.Second
	contactCacheTTL      = 30 * time.Second
)

// presenceService tells an identity's contacts when it comes online or goes
// offline. Presence is a side effect of connect/disconnect, not of room
// membership. Everything here is best-effort: a social-graph outage degrades
// presence, never signaling.
type presenceService struct {
	social  ports.SocialGraph
	dir     ports.ConnectionDirectory
	sink    ports.EventSink
	breaker *circuitbreaker.CircuitBreaker
	// contact lists are cached briefly so a burst of reconnects does not
	// hammer the social graph
	contacts *cache.TTL[domain.IdentityID, []domain.IdentityID]
	metrics  ports.RelayMetrics
	logger   *zap.SugaredLogger
}

func NewPresenceService(social ports.SocialGraph, dir ports.ConnectionDirectory, sink ports.EventSink, metrics ports.RelayMetrics, logger *zap.SugaredLogger) ports.PresenceNotifier {
	return &presenceService{
		social:   social,
		dir:      dir,
		sink:     sink,
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
		contacts: cache.NewTTL[domain.IdentityID, []domain.IdentityID](contactCacheTTL),
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *presenceService) ConnectionOpened(ctx context.Context, id domain.Identity, conn domain.ConnectionID) {
	go s.notifyContacts(id.ID, true)
}

func (s *presenceService) ConnectionClosed(ctx context.Context, id domain.Identity) {
	go s.notifyContacts(id.ID, false)
}

func (s *presenceService) OnlineSubset(ids []domain.IdentityID) []domain.IdentityID {
	online := make([]domain.IdentityID, 0, len(ids))
	for _, id := range ids {
		if s.dir.IsOnline(id) {
			online = append(online, id)
		}
	}
	return online
}

func (s *presenceService) notifyContacts(id domain.IdentityID, online bool) {
	contacts, err := s.lookupContacts(id)
	if err != nil {
		s.logger.Warnw("contact lookup failed, presence update skipped",
			"identity", id,
			"online", online,
			"error", err,
		)
		return
	}

	event := protocol.PresenceEvent{
		Type:       protocol.EventPresenceChanged,
		IdentityID: id,
		Online:     online,
	}
	for _, contact := range contacts {
		conn, ok := s.dir.ConnectionOf(contact)
		if !ok {
			continue
		}
		if err := s.sink.Send(conn, event); err != nil {
			s.logger.Debugw("presence event dropped", "contact", contact, "error", err)
			continue
		}
		s.metrics.PresenceEventEmitted()
	}
}

func (s *presenceService) lookupContacts(id domain.IdentityID) ([]domain.IdentityID, error) {
	if cached, ok := s.contacts.Get(id); ok {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), contactLookupTimeout)
	defer cancel()

	var contacts []domain.IdentityID
	err := s.breaker.Do(func() error {
		var err error
		contacts, err = s.social.ListContacts(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.contacts.Set(id, contacts)
	return contacts, nil
}
