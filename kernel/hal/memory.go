package hal

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBank backs a register window with plain memory. It has no side effects on
// write, which makes it useful for probing code that only reads identity registers and
// as the storage layer of simulated devices.
type MemoryBank struct {
	words []atomic.Uint32
}

// NewMemoryBank creates a zeroed bank of size bytes (rounded up to a whole word).
func NewMemoryBank(size uint32) *MemoryBank {
	return &MemoryBank{words: make([]atomic.Uint32, (size+3)/4)}
}

func (m *MemoryBank) Size() uint32 {
	return uint32(len(m.words)) * 4
}

func (m *MemoryBank) Read32(offset uint32) uint32 {
	if err := checkOffset(m.Size(), offset); err != nil {
		panic(err)
	}
	return m.words[offset/4].Load()
}

func (m *MemoryBank) Write32(offset uint32, val uint32) {
	if err := checkOffset(m.Size(), offset); err != nil {
		panic(err)
	}
	m.words[offset/4].Store(val)
}

// Barrier is a no-op: every word access is already sequentially consistent.
func (m *MemoryBank) Barrier() {}

func (m *MemoryBank) Close() error {
	return nil
}

// SoftLine is an InterruptLine raised by software. Simulated devices fire it from their
// register write path; repeated fires before a Wait coalesce into one wakeup.
type SoftLine struct {
	ticks chan struct{}
	stop  chan struct{}
	once  sync.Once
}

// NewSoftLine returns an idle line.
func NewSoftLine() *SoftLine {
	return &SoftLine{ticks: make(chan struct{}, 1), stop: make(chan struct{})}
}

// Fire raises the line without blocking.
func (l *SoftLine) Fire() {
	select {
	case l.ticks <- struct{}{}:
	default:
	}
}

func (l *SoftLine) Wait(ctx context.Context) error {
	select {
	case <-l.ticks:
		return nil
	case <-l.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *SoftLine) Unmask() error {
	return nil
}

func (l *SoftLine) Close() error {
	l.once.Do(func() { close(l.stop) })
	return nil
}
