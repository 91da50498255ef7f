package foundation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpoch_IncrementAndLoad(t *testing.T) {
	e := NewEpoch()
	assert.Equal(t, uint32(0), e.Load())

	assert.Equal(t, uint32(1), e.Increment())
	assert.Equal(t, uint32(2), e.Increment())

	increments, _ := e.Stats()
	assert.Equal(t, uint64(2), increments)
}

func TestEpoch_WaitForChange_FastPath(t *testing.T) {
	e := NewEpoch()
	last := e.Load()
	e.Increment()

	v, err := e.WaitForChange(context.Background(), last)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
}

func TestEpoch_WaitForChange_Cancelled(t *testing.T) {
	e := NewEpoch()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := e.WaitForChange(ctx, e.Load())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEpoch_WaitForChange_WakesAllWaiters(t *testing.T) {
	e := NewEpoch()
	last := e.Load()

	var wg sync.WaitGroup
	results := make(chan uint32, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.WaitForChange(context.Background(), last)
			if err == nil {
				results <- v
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	e.Increment()
	wg.Wait()
	close(results)

	n := 0
	for v := range results {
		assert.Equal(t, uint32(1), v)
		n++
	}
	assert.Equal(t, 8, n)
}
