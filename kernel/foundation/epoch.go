// Package foundation holds the signalling primitives shared by the protocol layer: an
// epoch counter that waiters block on, and a coalescing deferred work queue.
package foundation

import (
	"context"
	"sync"
	"sync/atomic"
)

// Epoch is a monotonically increasing counter with wait-for-change semantics. A waiter
// samples Load, scans for work, and if it found none calls WaitForChange with the
// sampled value; an Increment between the sample and the wait is never lost.
type Epoch struct {
	value atomic.Uint32

	waitersMu sync.Mutex
	waiters   []chan struct{}

	stats EpochStats
}

// EpochStats tracks epoch activity.
type EpochStats struct {
	Increments atomic.Uint64
	Wakes      atomic.Uint64
	MaxWaiters atomic.Uint32
}

// NewEpoch creates an epoch at zero.
func NewEpoch() *Epoch {
	return &Epoch{waiters: make([]chan struct{}, 0, 8)}
}

// Load returns the current value.
func (e *Epoch) Load() uint32 {
	return e.value.Load()
}

// Increment advances the epoch and wakes every waiter. It never blocks.
func (e *Epoch) Increment() uint32 {
	v := e.value.Add(1)
	e.stats.Increments.Add(1)
	e.notifyWaiters()
	return v
}

// WaitForChange blocks until the value differs from last or ctx is done.
func (e *Epoch) WaitForChange(ctx context.Context, last uint32) (uint32, error) {
	if v := e.value.Load(); v != last {
		e.stats.Wakes.Add(1)
		return v, nil
	}

	ch := make(chan struct{}, 1)
	e.addWaiter(ch)
	defer e.removeWaiter(ch)

	// Re-check after registering: an Increment may have raced the first load.
	for {
		if v := e.value.Load(); v != last {
			e.stats.Wakes.Add(1)
			return v, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return e.value.Load(), ctx.Err()
		}
	}
}

// Stats returns the increment and wake counters.
func (e *Epoch) Stats() (increments, wakes uint64) {
	return e.stats.Increments.Load(), e.stats.Wakes.Load()
}

func (e *Epoch) addWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	e.waiters = append(e.waiters, ch)
	if n := uint32(len(e.waiters)); n > e.stats.MaxWaiters.Load() {
		e.stats.MaxWaiters.Store(n)
	}
}

func (e *Epoch) removeWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i, waiter := range e.waiters {
		if waiter == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
}

func (e *Epoch) notifyWaiters() {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for _, ch := range e.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
