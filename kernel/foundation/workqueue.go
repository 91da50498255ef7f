package foundation

import (
	"context"
	"sync"
	"sync/atomic"
)

// WorkQueue runs at most one pending task per key on a fixed set of workers. Scheduling
// a key that is already pending is a no-op, so the producer side never blocks and never
// allocates: it is safe to call from an interrupt loop.
type WorkQueue struct {
	run     func(key int)
	pending []atomic.Bool
	ready   chan int
	workers int

	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc

	coalesced atomic.Uint64
	executed  atomic.Uint64
}

// NewWorkQueue creates a queue for keys 0..size-1. run is called on a worker goroutine.
func NewWorkQueue(size, workers int, run func(key int)) *WorkQueue {
	if workers < 1 {
		workers = 1
	}
	return &WorkQueue{
		run:     run,
		pending: make([]atomic.Bool, size),
		ready:   make(chan int, size),
		workers: workers,
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (q *WorkQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Schedule marks key pending. It reports false when the key was already pending.
func (q *WorkQueue) Schedule(key int) bool {
	if key < 0 || key >= len(q.pending) {
		return false
	}
	if !q.pending[key].CompareAndSwap(false, true) {
		q.coalesced.Add(1)
		return false
	}
	// Capacity equals the key space and each key is queued at most once.
	q.ready <- key
	return true
}

// Stop stops the workers and waits for the running tasks to return.
func (q *WorkQueue) Stop() {
	q.once.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
	})
	q.wg.Wait()
}

// Stats returns how many schedules were coalesced and how many tasks ran.
func (q *WorkQueue) Stats() (coalesced, executed uint64) {
	return q.coalesced.Load(), q.executed.Load()
}

func (q *WorkQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-q.ready:
			// Clear before running so work arriving during the run schedules again.
			q.pending[key].Store(false)
			q.run(key)
			q.executed.Add(1)
		}
	}
}
