package reconcile

import (
	"time"

	"github.com/manifest-network/shardviz/internal/models"
)

// Entry tracks one unresolved transaction.
type Entry struct {
	ID       string          `json:"id"`
	Status   models.TxStatus `json:"status"`
	Attempts uint            `json:"attempts"`
	AddedAt  time.Time       `json:"added_at"`
}

// PendingSet is an immutable set of unresolved transaction ids. Every
// mutation returns a new set; the zero value is empty and ready to use.
type PendingSet struct {
	entries map[string]Entry
	order   []string
}

// With returns a set that also contains ids. Ids already present keep their entry.
func (s PendingSet) With(now time.Time, ids ...string) PendingSet {
	next := s.clone()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := next.entries[id]; ok {
			continue
		}
		next.entries[id] = Entry{ID: id, Status: models.StatusPending, AddedAt: now}
		next.order = append(next.order, id)
	}
	return next
}

// Without returns a set with ids removed.
func (s PendingSet) Without(ids ...string) PendingSet {
	if len(ids) == 0 {
		return s
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	next := PendingSet{entries: make(map[string]Entry, len(s.entries))}
	for _, id := range s.order {
		if drop[id] {
			continue
		}
		next.entries[id] = s.entries[id]
		next.order = append(next.order, id)
	}
	return next
}

// withEntries returns a set where the given entries replace existing ones.
// Entries for ids outside the set are ignored.
func (s PendingSet) withEntries(updated []Entry) PendingSet {
	next := s.clone()
	for _, e := range updated {
		if _, ok := next.entries[e.ID]; ok {
			next.entries[e.ID] = e
		}
	}
	return next
}

func (s PendingSet) clone() PendingSet {
	next := PendingSet{
		entries: make(map[string]Entry, len(s.entries)+1),
		order:   make([]string, len(s.order), len(s.order)+1),
	}
	for id, e := range s.entries {
		next.entries[id] = e
	}
	copy(next.order, s.order)
	return next
}

// Len returns the number of pending ids.
func (s PendingSet) Len() int {
	return len(s.order)
}

// Contains reports whether id is pending.
func (s PendingSet) Contains(id string) bool {
	_, ok := s.entries[id]
	return ok
}

// Entry returns the tracking entry for id.
func (s PendingSet) Entry(id string) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// IDs returns the pending ids in insertion order.
func (s PendingSet) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Entries returns the tracking entries in insertion order.
func (s PendingSet) Entries() []Entry {
	out := make([]Entry, len(s.order))
	for i, id := range s.order {
		out[i] = s.entries[id]
	}
	return out
}
