package hal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBankReadWrite(t *testing.T) {
	bank := NewMemoryBank(64)
	defer bank.Close()

	bank.Write32(8, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), bank.Read32(8))
	assert.Equal(t, uint32(0), bank.Read32(12))
	assert.Equal(t, uint32(64), bank.Size())
}

func TestMemoryBankRoundsSizeUp(t *testing.T) {
	bank := NewMemoryBank(10)
	assert.Equal(t, uint32(12), bank.Size())
}

func TestMemoryBankMisaligned(t *testing.T) {
	bank := NewMemoryBank(16)
	assert.PanicsWithValue(t, ErrMisaligned, func() { bank.Read32(2) })
	assert.PanicsWithValue(t, ErrOutOfBounds, func() { bank.Write32(16, 1) })
}

func TestSoftLineCoalescesFires(t *testing.T) {
	line := NewSoftLine()
	defer line.Close()

	line.Fire()
	line.Fire()
	line.Fire()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, line.Wait(ctx))

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, line.Wait(short), context.DeadlineExceeded)
}

func TestSoftLineClose(t *testing.T) {
	line := NewSoftLine()
	require.NoError(t, line.Close())
	require.NoError(t, line.Close())
	assert.ErrorIs(t, line.Wait(context.Background()), ErrClosed)
}
