// Package core implements the single logical queue the concurrency model
// requires: every state mutation (replay cache, SAR tables, outbound queue,
// FSMs) runs on one goroutine, with bearer I/O, delegate callbacks and timer
// fires dispatched onto it (SPEC_FULL.md §5, "implementation mapping").
package core

import (
	"context"
	"time"
)

// Queue is a single-goroutine cooperative work loop. It is the concrete
// stand-in for the "one logical queue" the concurrency model describes: a
// buffered chan func() drained by exactly one worker goroutine, so no two
// posted functions ever run concurrently with each other.
type Queue struct {
	work   chan func()
	done   chan struct{}
	cancel context.CancelFunc
}

// NewQueue starts the worker goroutine and returns a ready Queue. capacity
// bounds how many pending posts may queue up before Post blocks.
func NewQueue(capacity int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		work:   make(chan func(), capacity),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go q.run(ctx)
	return q
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case fn := <-q.work:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// Post schedules fn to run on the queue's goroutine. It does not wait for fn
// to run.
func (q *Queue) Post(fn func()) {
	select {
	case q.work <- fn:
	case <-q.done:
	}
}

// PostAndWait schedules fn and blocks until it has run, or the queue has
// stopped.
func (q *Queue) PostAndWait(fn func()) {
	ready := make(chan struct{})
	q.Post(func() {
		defer close(ready)
		fn()
	})
	select {
	case <-ready:
	case <-q.done:
	}
}

// Stop halts the worker goroutine. Pending posted work that has not yet run
// is discarded.
func (q *Queue) Stop() {
	q.cancel()
	<-q.done
}

// TimerService schedules deadlines whose callbacks are posted back onto a
// Queue rather than run inline from time.AfterFunc's own goroutine, so a
// timer firing concurrently with inbound bearer delivery never races the
// state it touches.
type TimerService struct {
	queue *Queue
}

// NewTimerService binds a TimerService to the Queue its callbacks post onto.
func NewTimerService(queue *Queue) *TimerService {
	return &TimerService{queue: queue}
}

// TimerHandle cancels a scheduled callback before it fires.
type TimerHandle struct {
	timer *time.Timer
}

// Cancel prevents the callback from firing if it has not already. It is
// safe to call Cancel after the callback has already fired or already been
// cancelled.
func (h *TimerHandle) Cancel() {
	if h == nil || h.timer == nil {
		return
	}
	h.timer.Stop()
}

// Schedule arranges for callback to be posted onto the bound Queue after
// duration elapses.
func (s *TimerService) Schedule(after time.Duration, callback func()) *TimerHandle {
	t := time.AfterFunc(after, func() {
		s.queue.Post(callback)
	})
	return &TimerHandle{timer: t}
}
