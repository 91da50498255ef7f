// Package hal is the only place that touches mapped device memory. Everything above it
// talks to a RegisterBank and an InterruptLine and never to raw addresses.
package hal

import (
	"context"
	"errors"
)

// RegisterBank is a window of 32-bit device registers.
//
// Register accesses are infallible once a bank is mapped: offsets are validated against
// Size when the bank is opened, and an out-of-range access is a programming error that
// panics. Every access is a single atomic 32-bit load or store.
type RegisterBank interface {
	Size() uint32
	Read32(offset uint32) uint32
	Write32(offset uint32, val uint32)
	// Barrier orders every preceding register write before every following one.
	Barrier()
	Close() error
}

// InterruptLine delivers edge notifications for one interrupt line.
//
// Wait blocks until the line fires or ctx is done. Unmask re-arms the line after the
// handler has drained the device.
type InterruptLine interface {
	Wait(ctx context.Context) error
	Unmask() error
	Close() error
}

var (
	ErrOutOfBounds = errors.New("hal: register offset out of bounds")
	ErrMisaligned  = errors.New("hal: register offset is not 4-byte aligned")
	ErrClosed      = errors.New("hal: device closed")
)

func checkOffset(size, offset uint32) error {
	if offset%4 != 0 {
		return ErrMisaligned
	}
	if offset+4 > size {
		return ErrOutOfBounds
	}
	return nil
}
