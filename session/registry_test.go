package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoyuanzhu-com/session-fleet/channel"
)

func TestRegistry_EnsureCreatesUninitialized(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.Ensure("T1"))
	assert.False(t, r.Ensure("T1"))

	state, ok := r.State("T1")
	assert.True(t, ok)
	assert.Equal(t, StateUninitialized, state)

	_, ok = r.State("missing")
	assert.False(t, ok)
}

func TestRegistry_InitGuardIsExclusive(t *testing.T) {
	r := NewRegistry()
	r.Ensure("T1")

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAcquireInit("T1") {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
	assert.True(t, r.IsInitializing("T1"))

	r.ReleaseInit("T1")
	assert.False(t, r.IsInitializing("T1"))
	assert.True(t, r.TryAcquireInit("T1"))
}

func TestRegistry_GuardsAreIndependent(t *testing.T) {
	r := NewRegistry()
	r.Ensure("T1")

	require.True(t, r.TryAcquireInit("T1"))
	assert.True(t, r.TryAcquireSave("T1"))
	assert.False(t, r.TryAcquireSave("T1"))
	assert.True(t, r.TryAcquireInit("T2"), "guards are per tenant")

	snap, ok := r.Get("T1")
	require.True(t, ok)
	assert.True(t, snap.Initializing)
	assert.True(t, snap.Saving)
}

func TestRegistry_TransitionReleasingDropsGuard(t *testing.T) {
	r := NewRegistry()
	r.Ensure("T1")
	require.True(t, r.TryAcquireInit("T1"))

	var seenGuard bool
	r.OnTransition(func(tenantID string, from, to State) {
		seenGuard = r.IsInitializing(tenantID)
	})

	from := r.TransitionReleasing("T1", StateReady, nil)
	assert.Equal(t, StateUninitialized, from)
	assert.False(t, r.IsInitializing("T1"))
	assert.False(t, seenGuard)
}

func TestRegistry_WaitWakesOnTransition(t *testing.T) {
	r := NewRegistry()
	r.Ensure("T1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Transition("T1", StateInitializing)
		r.Transition("T1", StateReady)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := r.Wait(ctx, "T1", func(s State) bool { return s == StateReady })
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)
}

func TestRegistry_WaitTimesOut(t *testing.T) {
	r := NewRegistry()
	r.Ensure("T1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	state, err := r.Wait(ctx, "T1", func(s State) bool { return s == StateReady })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateUninitialized, state)

	_, err = r.Wait(context.Background(), "missing", func(State) bool { return true })
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestRegistry_DetachIfOnlyOwnerWins(t *testing.T) {
	r := NewRegistry()
	r.Ensure("T1")

	first := &fakeChannel{events: make(chan channel.Event)}
	gen1 := r.Attach("T1", first)
	assert.True(t, r.IsCurrent("T1", gen1))

	// a relaunch replaces the handle
	second := &fakeChannel{events: make(chan channel.Event)}
	r.Detach("T1")
	gen2 := r.Attach("T1", second)

	h, owned := r.DetachIf("T1", gen1)
	assert.False(t, owned)
	assert.Nil(t, h)
	assert.Same(t, second, r.Handle("T1"))

	h, owned = r.DetachIf("T1", gen2)
	assert.True(t, owned)
	assert.Same(t, second, h)
	assert.Nil(t, r.Handle("T1"))

	_, owned = r.DetachIf("T1", gen2)
	assert.False(t, owned, "teardown is owned once")
}

func TestRegistry_DetachStopsTasks(t *testing.T) {
	r := NewRegistry()
	r.Ensure("T1")
	r.Attach("T1", &fakeChannel{events: make(chan channel.Event)})

	ctx, cancel := context.WithCancel(context.Background())
	r.SetTasks("T1", cancel)
	r.Detach("T1")

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestRegistry_ListAndCount(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"T3", "T1", "T2"} {
		r.Ensure(id)
	}
	r.Transition("T2", StateReady)
	r.Transition("T3", StateReady)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "T1", list[0].TenantID)
	assert.Equal(t, "T3", list[2].TenantID)

	counts := r.CountByState()
	assert.Equal(t, 2, counts[StateReady])
	assert.Equal(t, 1, counts[StateUninitialized])
}
