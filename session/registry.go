package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/session-fleet/channel"
)

// TenantSession is the in-memory state of one tenant. Fields are only
// touched under the registry lock; readers get a Snapshot.
type TenantSession struct {
	TenantID          string
	State             State
	Challenge         string
	ReconnectAttempts int
	InitStartedAt     time.Time
	ReadyAt           time.Time
	LastError         string
	UpdatedAt         time.Time

	handle     channel.Channel
	generation uint64
	stopTasks  context.CancelFunc
	// closed and replaced on every transition
	changed chan struct{}
}

// Snapshot is a point-in-time copy of a tenant's state
type Snapshot struct {
	TenantID          string    `json:"tenantId"`
	State             State     `json:"state"`
	Challenge         string    `json:"-"`
	HasChallenge      bool      `json:"hasChallenge"`
	Connected         bool      `json:"connected"`
	Initializing      bool      `json:"initializing"`
	Saving            bool      `json:"saving"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	InitStartedAt     time.Time `json:"initStartedAt,omitzero"`
	ReadyAt           time.Time `json:"readyAt,omitzero"`
	LastError         string    `json:"lastError,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// TransitionFunc observes state changes. It runs outside the registry lock.
type TransitionFunc func(tenantID string, from, to State)

// Registry is the single source of truth for tenant sessions and the
// initializing/saving guard sets.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*TenantSession
	initializing map[string]struct{}
	saving       map[string]struct{}

	hooks []TransitionFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*TenantSession),
		initializing: make(map[string]struct{}),
		saving:       make(map[string]struct{}),
	}
}

// OnTransition registers a hook called after every state change
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Ensure returns the tenant's entry, creating an UNINITIALIZED one if needed.
// The bool reports whether the entry was created.
func (r *Registry) Ensure(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[tenantID]; ok {
		return false
	}
	r.sessions[tenantID] = &TenantSession{
		TenantID:  tenantID,
		State:     StateUninitialized,
		UpdatedAt: time.Now(),
		changed:   make(chan struct{}),
	}
	return true
}

// Has reports whether the tenant is known
func (r *Registry) Has(tenantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[tenantID]
	return ok
}

// State returns the tenant's current state
func (r *Registry) State(tenantID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tenantID]
	if !ok {
		return StateUninitialized, false
	}
	return s.State, true
}

// Get returns a snapshot of one tenant
func (r *Registry) Get(tenantID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tenantID]
	if !ok {
		return Snapshot{TenantID: tenantID, State: StateUninitialized}, false
	}
	return r.snapshotLocked(s), true
}

// List returns snapshots of every tenant ordered by tenant id
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, r.snapshotLocked(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (r *Registry) snapshotLocked(s *TenantSession) Snapshot {
	_, initializing := r.initializing[s.TenantID]
	_, saving := r.saving[s.TenantID]
	return Snapshot{
		TenantID:          s.TenantID,
		State:             s.State,
		Challenge:         s.Challenge,
		HasChallenge:      s.Challenge != "",
		Connected:         s.handle != nil && s.handle.IsConnected(),
		Initializing:      initializing,
		Saving:            saving,
		ReconnectAttempts: s.ReconnectAttempts,
		InitStartedAt:     s.InitStartedAt,
		ReadyAt:           s.ReadyAt,
		LastError:         s.LastError,
		UpdatedAt:         s.UpdatedAt,
	}
}

// Transition moves the tenant to a new state and returns the previous one
func (r *Registry) Transition(tenantID string, to State) State {
	return r.TransitionWith(tenantID, to, nil)
}

// TransitionWith moves the tenant to a new state, applying fn to the entry
// under the same lock.
func (r *Registry) TransitionWith(tenantID string, to State, fn func(*TenantSession)) State {
	return r.transition(tenantID, to, fn, false)
}

// TransitionReleasing moves the tenant to a new state and drops its init
// guard in one step, so no caller sees the new state with the guard held
// or the guard free in the old state.
func (r *Registry) TransitionReleasing(tenantID string, to State, fn func(*TenantSession)) State {
	return r.transition(tenantID, to, fn, true)
}

func (r *Registry) transition(tenantID string, to State, fn func(*TenantSession), releaseInit bool) State {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	if !ok {
		r.mu.Unlock()
		return StateUninitialized
	}
	if releaseInit {
		delete(r.initializing, tenantID)
	}
	from := s.State
	s.State = to
	s.UpdatedAt = time.Now()
	if fn != nil {
		fn(s)
	}
	close(s.changed)
	s.changed = make(chan struct{})
	hooks := r.hooks
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(tenantID, from, to)
	}
	return from
}

// Update mutates the tenant's entry without changing its state
func (r *Registry) Update(tenantID string, fn func(*TenantSession)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// Wait blocks until the tenant's state satisfies done or ctx ends
func (r *Registry) Wait(ctx context.Context, tenantID string, done func(State) bool) (State, error) {
	for {
		r.mu.RLock()
		s, ok := r.sessions[tenantID]
		if !ok {
			r.mu.RUnlock()
			return StateUninitialized, ErrUnknownTenant
		}
		state, changed := s.State, s.changed
		r.mu.RUnlock()

		if done(state) {
			return state, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// Handles

// Attach installs a live handle and returns its generation. Events from a
// handle whose generation is no longer current are ignored.
func (r *Registry) Attach(tenantID string, h channel.Channel) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	if !ok {
		return 0
	}
	s.generation++
	s.handle = h
	return s.generation
}

// Detach removes the live handle and stops the tenant's scheduled tasks.
// The caller owns destroying the returned handle.
func (r *Registry) Detach(tenantID string) channel.Channel {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	h := s.handle
	s.handle = nil
	s.generation++
	stop := s.stopTasks
	s.stopTasks = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	return h
}

// DetachIf detaches the handle only if generation still owns it. The bool
// reports whether the caller won ownership of the teardown.
func (r *Registry) DetachIf(tenantID string, generation uint64) (channel.Channel, bool) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	if !ok || s.generation != generation || s.handle == nil {
		r.mu.Unlock()
		return nil, false
	}
	h := s.handle
	s.handle = nil
	s.generation++
	stop := s.stopTasks
	s.stopTasks = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	return h, true
}

// DetachIfStuck detaches the handle of a launch that has held the init guard
// in a launching state for at least threshold. The check and the detach
// happen under one lock; on success the caller owns the guard and must
// release it. A launch with no handle attached yet is never stuck.
func (r *Registry) DetachIfStuck(tenantID string, threshold time.Duration) (channel.Channel, time.Duration, bool) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	if !ok || s.handle == nil || !s.State.Launching() {
		r.mu.Unlock()
		return nil, 0, false
	}
	if _, held := r.initializing[tenantID]; !held {
		r.mu.Unlock()
		return nil, 0, false
	}
	stuckFor := time.Since(s.UpdatedAt)
	if stuckFor < threshold {
		r.mu.Unlock()
		return nil, 0, false
	}
	h := s.handle
	s.handle = nil
	s.generation++
	stop := s.stopTasks
	s.stopTasks = nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	return h, stuckFor, true
}

// Handle returns the live handle, or nil
func (r *Registry) Handle(tenantID string) channel.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[tenantID]; ok {
		return s.handle
	}
	return nil
}

// IsCurrent reports whether generation still owns the tenant's handle
func (r *Registry) IsCurrent(tenantID string, generation uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tenantID]
	return ok && s.generation == generation && s.handle != nil
}

// SetTasks installs the cancel func of the tenant's scheduled tasks,
// cancelling the previous set first.
func (r *Registry) SetTasks(tenantID string, stop context.CancelFunc) {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	if !ok {
		r.mu.Unlock()
		stop()
		return
	}
	prev := s.stopTasks
	s.stopTasks = stop
	r.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Guards

// TryAcquireInit atomically adds the tenant to the initializing set.
// Returns false if it was already there.
func (r *Registry) TryAcquireInit(tenantID string) bool {
	return r.tryAcquire(r.initializing, tenantID)
}

// ReleaseInit removes the tenant from the initializing set
func (r *Registry) ReleaseInit(tenantID string) {
	r.release(r.initializing, tenantID)
}

// IsInitializing reports whether the init guard is held
func (r *Registry) IsInitializing(tenantID string) bool {
	return r.held(r.initializing, tenantID)
}

// TryAcquireSave atomically adds the tenant to the saving set
func (r *Registry) TryAcquireSave(tenantID string) bool {
	return r.tryAcquire(r.saving, tenantID)
}

// ReleaseSave removes the tenant from the saving set
func (r *Registry) ReleaseSave(tenantID string) {
	r.release(r.saving, tenantID)
}

// IsSaving reports whether the save guard is held
func (r *Registry) IsSaving(tenantID string) bool {
	return r.held(r.saving, tenantID)
}

func (r *Registry) tryAcquire(set map[string]struct{}, tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := set[tenantID]; held {
		return false
	}
	set[tenantID] = struct{}{}
	return true
}

func (r *Registry) release(set map[string]struct{}, tenantID string) {
	r.mu.Lock()
	delete(set, tenantID)
	r.mu.Unlock()
}

func (r *Registry) held(set map[string]struct{}, tenantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := set[tenantID]
	return ok
}

// CountByState returns the number of tenants per state
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[State]int, len(AllStates))
	for _, st := range AllStates {
		counts[st] = 0
	}
	for _, s := range r.sessions {
		counts[s.State]++
	}
	return counts
}
