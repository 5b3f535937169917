package services

import (
	"context"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"

	"go.uber.org/zap"
)

// recencyService maintains the "people you met" ledger: a last co-presence
// timestamp for every ordered identity pair that shared a voice room.
type recencyService struct {
	repo   ports.RecencyRepository
	social ports.SocialGraph
	logger *zap.SugaredLogger
}

func NewRecencyService(repo ports.RecencyRepository, social ports.SocialGraph, logger *zap.SugaredLogger) ports.RecencyLedger {
	return &recencyService{
		repo:   repo,
		social: social,
		logger: logger,
	}
}

// RecordCoPresence upserts an entry in both directions for every pair formed
// by the joiner and a member already present. Write failures are logged and
// swallowed: the ledger is derived state and must never fail a join.
func (s *recencyService) RecordCoPresence(ctx context.Context, joiner domain.IdentityID, present []domain.Participant, at time.Time) {
	for _, m := range present {
		if m.IdentityID == joiner {
			// The same identity in the room via another entry; nothing to record.
			continue
		}
		if err := s.repo.Upsert(ctx, joiner, m.IdentityID, at); err != nil {
			s.logger.Warnw("recency upsert failed", "observer", joiner, "observed", m.IdentityID, "error", err)
			continue
		}
		if err := s.repo.Upsert(ctx, m.IdentityID, joiner, at); err != nil {
			s.logger.Warnw("recency upsert failed", "observer", m.IdentityID, "observed", joiner, "error", err)
		}
	}
}

// RecentlySeen returns entries within the window, newest first, excluding
// identities the observer is already connected to (friends or pending
// requests).
func (s *recencyService) RecentlySeen(ctx context.Context, id domain.IdentityID, window time.Duration) ([]domain.RecencyEntry, error) {
	cutoff := time.Now().Add(-window)
	entries, err := s.repo.ListSince(ctx, id, cutoff)
	if err != nil {
		return nil, err
	}

	filtered := make([]domain.RecencyEntry, 0, len(entries))
	for _, e := range entries {
		connected, err := s.social.AreConnected(ctx, e.Observer, e.Observed)
		if err != nil {
			// Prefer a complete answer over a wrongly filtered one.
			s.logger.Warnw("social graph lookup failed during recency query", "observer", e.Observer, "observed", e.Observed, "error", err)
			filtered = append(filtered, e)
			continue
		}
		if !connected {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}
