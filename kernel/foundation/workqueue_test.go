package foundation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkQueue_RunsScheduledKeys(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}
	var wg sync.WaitGroup
	wg.Add(3)

	q := NewWorkQueue(8, 2, func(key int) {
		mu.Lock()
		seen[key]++
		mu.Unlock()
		wg.Done()
	})
	q.Start(context.Background())
	defer q.Stop()

	assert.True(t, q.Schedule(1))
	assert.True(t, q.Schedule(4))
	assert.True(t, q.Schedule(7))
	assert.False(t, q.Schedule(8), "out of range")

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int]int{1: 1, 4: 1, 7: 1}, seen)
}

func TestWorkQueue_CoalescesPendingKey(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var runs atomic.Int32

	q := NewWorkQueue(4, 1, func(key int) {
		runs.Add(1)
		started <- struct{}{}
		<-release
	})

	// Not started yet: the key stays pending and repeats coalesce.
	assert.True(t, q.Schedule(2))
	assert.False(t, q.Schedule(2))
	assert.False(t, q.Schedule(2))

	q.Start(context.Background())
	<-started

	// Running clears pending, so one more schedule is accepted.
	assert.True(t, q.Schedule(2))
	close(release)
	<-started

	assert.Eventually(t, func() bool {
		_, executed := q.Stats()
		return executed == 2
	}, time.Second, time.Millisecond)
	q.Stop()

	coalesced, _ := q.Stats()
	assert.Equal(t, uint64(2), coalesced)
	assert.Equal(t, int32(2), runs.Load())
}
