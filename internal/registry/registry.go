package registry

import (
	"errors"
	"sort"
	"sync"

	"crm-voice/internal/calls"
)

// Registry is the in-memory authoritative set of call sessions and pending invites.
//
// Invariants:
// - At most one session in a live (non-ended) state at any time.
// - Removal of an absent id is a no-op; removals race with cancellations.
// - Observers run after the mutation, outside the lock, with a snapshot copy.
//   They must not be relied upon for correctness.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]calls.Session
	invites  map[string]calls.Invite

	obsMu     sync.Mutex
	nextObsID int
	observers map[int]func(calls.Snapshot)
}

var (
	ErrActiveSession  = errors.New("registry: a live call session already exists")
	ErrDuplicateCall  = errors.New("registry: call id already tracked")
	ErrNotFound       = errors.New("registry: call not found")
	ErrInvalidSession = errors.New("registry: invalid session")
)

func New() *Registry {
	return &Registry{
		sessions:  make(map[string]calls.Session),
		invites:   make(map[string]calls.Invite),
		observers: make(map[int]func(calls.Snapshot)),
	}
}

// Add inserts a session. It refuses to replace an existing live session.
func (r *Registry) Add(s calls.Session) error {
	if s.ID == "" || s.State == "" {
		return ErrInvalidSession
	}
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; ok {
		r.mu.Unlock()
		return ErrDuplicateCall
	}
	if s.State.Live() && r.hasLiveLocked() {
		r.mu.Unlock()
		return ErrActiveSession
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.notify()
	return nil
}

// Update applies fn to the stored session under the registry lock.
// fn must not move a second session into a live state; that is rejected.
func (r *Registry) Update(id string, fn func(*calls.Session)) (calls.Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return calls.Session{}, ErrNotFound
	}
	wasLive := s.State.Live()
	fn(&s)
	s.ID = id
	if !wasLive && s.State.Live() && r.hasLiveLocked() {
		r.mu.Unlock()
		return calls.Session{}, ErrActiveSession
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.notify()
	return s, nil
}

// Remove deletes a session or pending invite with the given id.
// It reports whether anything was removed; absent ids are not an error.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, hadSession := r.sessions[id]
	_, hadInvite := r.invites[id]
	delete(r.sessions, id)
	delete(r.invites, id)
	r.mu.Unlock()

	if hadSession || hadInvite {
		r.notify()
	}
	return hadSession || hadInvite
}

func (r *Registry) Find(id string) (calls.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Live returns the live session, if any.
func (r *Registry) Live() (calls.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.State.Live() {
			return s, true
		}
	}
	return calls.Session{}, false
}

func (r *Registry) HasLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasLiveLocked()
}

func (r *Registry) hasLiveLocked() bool {
	for _, s := range r.sessions {
		if s.State.Live() {
			return true
		}
	}
	return false
}

// AddInvite records a pending invite. Multiple invites may coexist.
func (r *Registry) AddInvite(inv calls.Invite) error {
	if inv.ID == "" {
		return ErrInvalidSession
	}
	r.mu.Lock()
	if _, ok := r.invites[inv.ID]; ok {
		r.mu.Unlock()
		return ErrDuplicateCall
	}
	if _, ok := r.sessions[inv.ID]; ok {
		r.mu.Unlock()
		return ErrDuplicateCall
	}
	r.invites[inv.ID] = inv
	r.mu.Unlock()

	r.notify()
	return nil
}

// RemoveInvite deletes a pending invite and returns it.
func (r *Registry) RemoveInvite(id string) (calls.Invite, bool) {
	r.mu.Lock()
	inv, ok := r.invites[id]
	delete(r.invites, id)
	r.mu.Unlock()

	if ok {
		r.notify()
	}
	return inv, ok
}

func (r *Registry) FindInvite(id string) (calls.Invite, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invites[id]
	return inv, ok
}

// Promote atomically replaces a pending invite with a session.
// The invite stays in place when the session cannot be added.
func (r *Registry) Promote(id string, s calls.Session) error {
	r.mu.Lock()
	if _, ok := r.invites[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if r.hasLiveLocked() {
		r.mu.Unlock()
		return ErrActiveSession
	}
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return ErrDuplicateCall
	}
	s.ID = id
	delete(r.invites, id)
	r.sessions[id] = s
	r.mu.Unlock()

	r.notify()
	return nil
}

// ResetAll clears every session and invite. Safe to call repeatedly.
func (r *Registry) ResetAll() []calls.Session {
	r.mu.Lock()
	var cleared []calls.Session
	for _, s := range r.sessions {
		cleared = append(cleared, s)
	}
	changed := len(r.sessions) > 0 || len(r.invites) > 0
	r.sessions = make(map[string]calls.Session)
	r.invites = make(map[string]calls.Invite)
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return cleared
}

// Snapshot returns copies of everything tracked, ordered for stable rendering.
func (r *Registry) Snapshot() calls.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() calls.Snapshot {
	snap := calls.Snapshot{
		Sessions: make([]calls.Session, 0, len(r.sessions)),
		Invites:  make([]calls.Invite, 0, len(r.invites)),
	}
	for _, s := range r.sessions {
		snap.Sessions = append(snap.Sessions, s)
	}
	for _, inv := range r.invites {
		snap.Invites = append(snap.Invites, inv)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		return snap.Sessions[i].StartedAt.Before(snap.Sessions[j].StartedAt)
	})
	sort.Slice(snap.Invites, func(i, j int) bool {
		return snap.Invites[i].ReceivedAt.Before(snap.Invites[j].ReceivedAt)
	})
	return snap
}

// OnChange subscribes fn to every mutation and returns the unsubscribe func.
func (r *Registry) OnChange(fn func(calls.Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	r.obsMu.Lock()
	id := r.nextObsID
	r.nextObsID++
	r.observers[id] = fn
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Registry) notify() {
	r.obsMu.Lock()
	if len(r.observers) == 0 {
		r.obsMu.Unlock()
		return
	}
	fns := make([]func(calls.Snapshot), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.Unlock()

	snap := r.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
