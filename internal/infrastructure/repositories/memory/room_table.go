package memory

import (
	"sync"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/ports"
)

// roomState holds one room's members. Each room has its own lock so that
// operations on different rooms never contend; the table lock is only taken
// for the room map and the reverse index.
type roomState struct {
	mu sync.Mutex
	// defunct is set when the room emptied and was scheduled for removal.
	// A Join that raced the removal retries against a fresh entry.
	defunct bool
	order   []domain.ConnectionID
	members map[domain.ConnectionID]domain.Participant
}

func (r *roomState) snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out
}

type RoomTable struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*roomState
	// reverse index: connection -> rooms it is a member of
	byConn map[domain.ConnectionID]map[domain.RoomID]struct{}
}

func NewRoomTable() ports.RoomTable {
	return &RoomTable{
		rooms:  make(map[domain.RoomID]*roomState),
		byConn: make(map[domain.ConnectionID]map[domain.RoomID]struct{}),
	}
}

func (t *RoomTable) room(id domain.RoomID) *roomState {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rooms[id]
	if !ok {
		r = &roomState{members: make(map[domain.ConnectionID]domain.Participant)}
		t.rooms[id] = r
	}
	return r
}

func (t *RoomTable) index(conn domain.ConnectionID, room domain.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byConn[conn]
	if !ok {
		set = make(map[domain.RoomID]struct{})
		t.byConn[conn] = set
	}
	set[room] = struct{}{}
}

func (t *RoomTable) unindex(conn domain.ConnectionID, room domain.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.byConn[conn]; ok {
		delete(set, room)
		if len(set) == 0 {
			delete(t.byConn, conn)
		}
	}
}

func (t *RoomTable) Join(room domain.RoomID, p domain.Participant) ([]domain.Participant, bool) {
	for {
		r := t.room(room)
		r.mu.Lock()
		if r.defunct {
			r.mu.Unlock()
			continue
		}
		_, rejoin := r.members[p.ConnectionID]
		if !rejoin {
			r.order = append(r.order, p.ConnectionID)
		}
		// Re-join from the same connection replaces, never double-adds.
		r.members[p.ConnectionID] = p
		snap := r.snapshot()
		// Index before releasing the room lock. A disconnect sweep that
		// runs concurrently must never see the membership without the
		// reverse-index entry, or it would leave the member behind.
		t.index(p.ConnectionID, room)
		r.mu.Unlock()
		return snap, rejoin
	}
}

func (t *RoomTable) Leave(room domain.RoomID, conn domain.ConnectionID) ([]domain.Participant, domain.Participant, bool) {
	t.mu.Lock()
	r, ok := t.rooms[room]
	t.mu.Unlock()
	if !ok {
		return nil, domain.Participant{}, false
	}

	r.mu.Lock()
	if r.defunct {
		r.mu.Unlock()
		return nil, domain.Participant{}, false
	}
	removed, member := r.members[conn]
	if !member {
		snap := r.snapshot()
		r.mu.Unlock()
		return snap, domain.Participant{}, false
	}
	delete(r.members, conn)
	for i, id := range r.order {
		if id == conn {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	empty := len(r.members) == 0
	if empty {
		r.defunct = true
	}
	snap := r.snapshot()
	r.mu.Unlock()

	t.unindex(conn, room)

	if empty {
		t.mu.Lock()
		if cur, ok := t.rooms[room]; ok && cur == r {
			delete(t.rooms, room)
		}
		t.mu.Unlock()
	}
	return snap, removed, true
}

func (t *RoomTable) Members(room domain.RoomID) []domain.Participant {
	t.mu.Lock()
	r, ok := t.rooms[room]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defunct {
		return nil
	}
	return r.snapshot()
}

func (t *RoomTable) RoomsOf(conn domain.ConnectionID) []domain.RoomID {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byConn[conn]
	if !ok {
		return nil
	}
	out := make([]domain.RoomID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (t *RoomTable) RoomCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}

func (t *RoomTable) ParticipantCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, set := range t.byConn {
		n += len(set)
	}
	return n
}
