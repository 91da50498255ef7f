//go:build linux

package hal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// uioPollInterval bounds how long Wait sleeps in poll(2) before re-checking ctx.
const uioPollInterval = 100 // milliseconds

// UIOLine is an InterruptLine backed by a Linux userspace I/O device (/dev/uioN).
// A read returns the interrupt count once the line fires; writing 1 re-enables it.
type UIOLine struct {
	mu   sync.Mutex
	file *os.File
	fd   int
	last uint32
}

// OpenUIO opens a UIO device and enables its interrupt.
func OpenUIO(path string) (*UIOLine, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open uio device: %w", err)
	}
	line := &UIOLine{file: file, fd: int(file.Fd())}
	if err := line.Unmask(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return line, nil
}

func (u *UIOLine) Wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, uioPollInterval)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll uio device: %w", err)
		}
		if n == 0 {
			continue
		}

		var buf [4]byte
		if _, err := unix.Read(u.fd, buf[:]); err != nil {
			return fmt.Errorf("read uio device: %w", err)
		}
		u.mu.Lock()
		u.last = binary.LittleEndian.Uint32(buf[:])
		u.mu.Unlock()
		return nil
	}
}

// Count returns the interrupt count reported by the last wakeup.
func (u *UIOLine) Count() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

func (u *UIOLine) Unmask() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(u.fd, buf[:]); err != nil {
		return fmt.Errorf("unmask uio device: %w", err)
	}
	return nil
}

func (u *UIOLine) Close() error {
	if u.file == nil {
		return nil
	}
	err := u.file.Close()
	u.file = nil
	return err
}
