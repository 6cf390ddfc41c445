package reactor_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/wsclient/reactor"
)

func TestTimerFiresAfterDelay(t *testing.T) {
	tm := reactor.NewTimer()
	defer tm.Stop()

	done := make(chan struct{})
	tm.Schedule(func() { close(done) }, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerCancelIsIdempotentAndPreventsFiring(t *testing.T) {
	tm := reactor.NewTimer()
	defer tm.Stop()

	var fired atomic.Bool
	h := tm.Schedule(func() { fired.Store(true) }, 30*time.Millisecond)
	tm.Cancel(h)
	tm.Cancel(h) // must not panic or double-free

	time.Sleep(80 * time.Millisecond)
	if fired.Load() {
		t.Fatal("cancelled task fired anyway")
	}
}

func TestTimerOrdersMultipleTasksByDeadline(t *testing.T) {
	tm := reactor.NewTimer()
	defer tm.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	tm.Schedule(func() { mu.Lock(); order = append(order, 3); mu.Unlock(); wg.Done() }, 30*time.Millisecond)
	tm.Schedule(func() { mu.Lock(); order = append(order, 1); mu.Unlock(); wg.Done() }, 10*time.Millisecond)
	tm.Schedule(func() { mu.Lock(); order = append(order, 2); mu.Unlock(); wg.Done() }, 20*time.Millisecond)

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected fire order: %v", order)
	}
}
