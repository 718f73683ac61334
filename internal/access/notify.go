package access

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// NotificationQueue fans delegate callbacks and manager-level notifications
// out onto a small worker pool via errgroup, so a slow or panicking
// delegate cannot wedge the core's single logical queue (SPEC_FULL.md
// §4.F "Notification dispatch"). Work is still delivered in submission
// order per worker, but multiple workers may run concurrently; callers
// that need strict ordering across all notifications should use a single
// worker.
type NotificationQueue struct {
	work chan func()

	group  *errgroup.Group
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewNotificationQueue starts workers workers, each draining work from a
// shared buffered channel until Close is called.
func NewNotificationQueue(workers int, bufferSize int) *NotificationQueue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	q := &NotificationQueue{
		work:   make(chan func(), bufferSize),
		group:  g,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case fn, ok := <-q.work:
					if !ok {
						return nil
					}
					fn()
				}
			}
		})
	}
	return q
}

// Post submits fn for asynchronous execution. It is a no-op once Close has
// been called.
func (q *NotificationQueue) Post(fn func()) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	q.work <- fn
}

// Close stops accepting new work and blocks until all already-submitted
// work has drained, joining every worker goroutine.
func (q *NotificationQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.work)
	err := q.group.Wait()
	q.cancel()
	return err
}
