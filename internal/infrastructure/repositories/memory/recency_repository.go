package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
)

type MemoryRecencyRepository struct {
	mu sync.RWMutex
	// entries[observer][observed] = last co-presence timestamp
	entries map[domain.IdentityID]map[domain.IdentityID]time.Time
}

func NewMemoryRecencyRepository() ports.RecencyRepository {
	return &MemoryRecencyRepository{
		entries: make(map[domain.IdentityID]map[domain.IdentityID]time.Time),
	}
}

func (r *MemoryRecencyRepository) Upsert(ctx context.Context, observer, observed domain.IdentityID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byObserved, ok := r.entries[observer]
	if !ok {
		byObserved = make(map[domain.IdentityID]time.Time)
		r.entries[observer] = byObserved
	}
	// Entries only move forward in time.
	if at.After(byObserved[observed]) {
		byObserved[observed] = at
	}
	return nil
}

func (r *MemoryRecencyRepository) ListSince(ctx context.Context, observer domain.IdentityID, cutoff time.Time) ([]domain.RecencyEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.RecencyEntry
	for observed, at := range r.entries[observer] {
		if at.Before(cutoff) {
			continue
		}
		out = append(out, domain.RecencyEntry{
			Observer: observer,
			Observed: observed,
			LastSeen: at,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}
