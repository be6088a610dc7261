package fs

import (
	"sync"
	"testing"
	"time"
)

func TestDebouncer_CoalescesBurstPerKey(t *testing.T) {
	var fired []string
	var mu sync.Mutex

	d := newDebouncer(50*time.Millisecond, func(key string) {
		mu.Lock()
		fired = append(fired, key)
		mu.Unlock()
	})
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Queue("T1")
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(fired) != 1 {
		t.Fatalf("expected 1 fire, got %d", len(fired))
	}
	if fired[0] != "T1" {
		t.Errorf("expected key T1, got %s", fired[0])
	}
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	var mu sync.Mutex
	counts := make(map[string]int)

	d := newDebouncer(30*time.Millisecond, func(key string) {
		mu.Lock()
		counts[key]++
		mu.Unlock()
	})
	defer d.Stop()

	d.Queue("T1")
	d.Queue("T2")

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if counts["T1"] != 1 || counts["T2"] != 1 {
		t.Errorf("expected one fire per key, got %v", counts)
	}
}

func TestDebouncer_CancelDropsPending(t *testing.T) {
	fired := make(chan string, 1)
	d := newDebouncer(30*time.Millisecond, func(key string) {
		fired <- key
	})
	defer d.Stop()

	d.Queue("T1")
	d.Cancel("T1")

	select {
	case key := <-fired:
		t.Errorf("cancelled key fired: %s", key)
	case <-time.After(80 * time.Millisecond):
	}

	if d.PendingCount() != 0 {
		t.Errorf("expected no pending keys, got %d", d.PendingCount())
	}
}

func TestDebouncer_StopRejectsNewKeys(t *testing.T) {
	d := newDebouncer(10*time.Millisecond, func(key string) {
		t.Errorf("fired after stop: %s", key)
	})

	d.Queue("T1")
	d.Stop()

	if d.Queue("T2") {
		t.Error("expected Queue to return false after Stop")
	}

	time.Sleep(40 * time.Millisecond)
}
