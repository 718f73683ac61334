package core

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsPostedWorkInOrder(t *testing.T) {
	q := NewQueue(8)
	defer q.Stop()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		q.Post(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for posted work")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want strictly increasing", order)
		}
	}
}

func TestPostAndWaitBlocksUntilRun(t *testing.T) {
	q := NewQueue(1)
	defer q.Stop()

	var ran atomic.Bool
	q.PostAndWait(func() { ran.Store(true) })
	if !ran.Load() {
		t.Fatalf("PostAndWait returned before the function ran")
	}
}

func TestTimerServicePostsOntoQueue(t *testing.T) {
	q := NewQueue(1)
	defer q.Stop()
	ts := NewTimerService(q)

	fired := make(chan struct{})
	var onQueueGoroutine atomic.Bool
	q.PostAndWait(func() {}) // warm up, no-op

	ts.Schedule(10*time.Millisecond, func() {
		onQueueGoroutine.Store(true)
		close(fired)
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	if !onQueueGoroutine.Load() {
		t.Fatalf("timer callback should have run")
	}
}

func TestTimerHandleCancel(t *testing.T) {
	q := NewQueue(1)
	defer q.Stop()
	ts := NewTimerService(q)

	var fired atomic.Bool
	h := ts.Schedule(20*time.Millisecond, func() { fired.Store(true) })
	h.Cancel()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("cancelled timer must not fire")
	}
}
