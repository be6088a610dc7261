package fs

import (
	"sync"
	"sync/atomic"
	"time"
)

// debouncer coalesces bursts of changes per key. The callback runs once the
// key has been quiet for the configured delay; new changes reset the timer.
type debouncer struct {
	pending  map[string]*time.Timer
	mu       sync.Mutex
	delay    time.Duration
	onFire   func(key string)
	stopping atomic.Bool
}

func newDebouncer(delay time.Duration, onFire func(key string)) *debouncer {
	return &debouncer{
		pending: make(map[string]*time.Timer),
		delay:   delay,
		onFire:  onFire,
	}
}

// Queue records a change for key.
// Returns false if the debouncer is stopping and the change was ignored.
func (d *debouncer) Queue(key string) bool {
	if d.stopping.Load() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Re-check under the lock, Stop may have run in between
	if d.stopping.Load() {
		return false
	}

	if t, ok := d.pending[key]; ok && t.Reset(d.delay) {
		return true
	}

	// New key, or the timer already fired and onTimer owns the old entry
	d.pending[key] = time.AfterFunc(d.delay, func() {
		d.onTimer(key)
	})
	return true
}

// Cancel drops a pending change for key without firing
func (d *debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[key]; ok {
		t.Stop()
		delete(d.pending, key)
	}
}

func (d *debouncer) onTimer(key string) {
	d.mu.Lock()
	_, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok && !d.stopping.Load() {
		d.onFire(key)
	}
}

// Stop cancels all pending changes and rejects new ones.
func (d *debouncer) Stop() {
	d.stopping.Store(true)

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range d.pending {
		t.Stop()
	}
	d.pending = make(map[string]*time.Timer)
}

// PendingCount returns the number of pending keys (for testing)
func (d *debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
