// Package session provides the authoritative in-memory store of active
// lab sessions.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vulnzero/machines/internal/domain"
)

// Registry holds active sessions. One mutex guards the table and the
// in-flight reservation count, so the capacity check and the slot claim are
// a single step.
type Registry struct {
	mu       sync.Mutex
	max      int
	reserved int
	entries  map[string]*entry
}

type entry struct {
	session domain.Session

	// teardown serializes release and reap for this session.
	teardown sync.Mutex
	removed  bool // guarded by Registry.mu
}

// NewRegistry creates a registry that admits at most max concurrent sessions.
func NewRegistry(max int) *Registry {
	return &Registry{
		max:     max,
		entries: make(map[string]*entry),
	}
}

// Reservation is a claimed capacity slot awaiting Commit or Cancel.
type Reservation struct {
	r    *Registry
	done bool // guarded by r.mu
}

// Reserve claims a capacity slot. It fails with CapacityExceeded when active
// plus reserved sessions already reach the maximum.
func (r *Registry) Reserve() (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries)+r.reserved >= r.max {
		return nil, domain.NewError(domain.KindCapacityExceeded, "no resources available, try again later", nil)
	}
	r.reserved++
	return &Reservation{r: r}, nil
}

// Commit converts the reservation into a registered session.
func (res *Reservation) Commit(s domain.Session) error {
	r := res.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.done {
		return fmt.Errorf("reservation already settled")
	}
	if _, exists := r.entries[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	res.done = true
	r.reserved--
	r.entries[s.ID] = &entry{session: s.Clone()}
	return nil
}

// Cancel returns the slot. Cancelling a settled reservation is a no-op.
func (res *Reservation) Cancel() {
	r := res.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.done {
		return
	}
	res.done = true
	r.reserved--
}

// Get returns a copy of the session registered under id.
func (r *Registry) Get(id string) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return domain.Session{}, false
	}
	return e.session.Clone(), true
}

// Lease grants exclusive teardown rights over one session.
type Lease struct {
	r *Registry
	e *entry
}

// Acquire waits for exclusive teardown rights over the session. It returns
// false if the session is absent, including when a concurrent holder removed
// it while this caller waited.
func (r *Registry) Acquire(id string) (*Lease, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.teardown.Lock()

	r.mu.Lock()
	removed := e.removed
	r.mu.Unlock()
	if removed {
		e.teardown.Unlock()
		return nil, false
	}
	return &Lease{r: r, e: e}, true
}

// Session returns a copy of the leased session.
func (l *Lease) Session() domain.Session {
	return l.e.session.Clone()
}

// Remove deletes the leased session from the registry. It reports true only
// for the call that actually removed it.
func (l *Lease) Remove() bool {
	r := l.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.e.removed {
		return false
	}
	l.e.removed = true
	if cur, ok := r.entries[l.e.session.ID]; ok && cur == l.e {
		delete(r.entries, l.e.session.ID)
	}
	return true
}

// Unlock gives up the teardown rights.
func (l *Lease) Unlock() {
	l.e.teardown.Unlock()
}

// List returns copies of all sessions ordered by start time.
func (r *Registry) List() []domain.Session {
	r.mu.Lock()
	out := make([]domain.Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Expired returns the sessions whose time-to-live has elapsed at now.
func (r *Registry) Expired(now time.Time) []domain.Session {
	var out []domain.Session
	for _, s := range r.List() {
		if s.Expired(now) {
			out = append(out, s)
		}
	}
	return out
}

// Stats reports registry occupancy.
type Stats struct {
	Active   int `json:"active"`
	Reserved int `json:"reserved"`
	Capacity int `json:"capacity"`
}

// Stats returns the current occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Active: len(r.entries), Reserved: r.reserved, Capacity: r.max}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
