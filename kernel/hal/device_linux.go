//go:build linux

package hal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultDevicePath is the physical memory device used to map interconnect registers.
const DefaultDevicePath = "/dev/mem"

var deviceFence atomic.Uint32

// DeviceOptions locates one register window in physical memory.
type DeviceOptions struct {
	Path string // defaults to DefaultDevicePath
	Base uint64 // physical base address
	Size uint32 // window size in bytes
}

// DeviceBank is a RegisterBank mapped from a device memory file.
type DeviceBank struct {
	file *os.File
	mmap []byte // page-aligned mapping
	regs []byte // the requested window inside mmap
	size uint32
}

// OpenDevice maps the requested window. Base need not be page aligned; the mapping is
// widened to page boundaries and the window is sliced out of it.
func OpenDevice(opts DeviceOptions) (*DeviceBank, error) {
	if opts.Size == 0 {
		return nil, errors.New("hal: device window size required")
	}
	if opts.Base%4 != 0 {
		return nil, ErrMisaligned
	}
	path := opts.Path
	if path == "" {
		path = DefaultDevicePath
	}

	file, err := os.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open device memory: %w", err)
	}

	page := uint64(os.Getpagesize())
	aligned := opts.Base &^ (page - 1)
	lead := opts.Base - aligned
	length := int((lead + uint64(opts.Size) + page - 1) &^ (page - 1))

	data, err := unix.Mmap(int(file.Fd()), int64(aligned), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap device memory at 0x%x: %w", aligned, err)
	}

	return &DeviceBank{
		file: file,
		mmap: data,
		regs: data[lead : lead+uint64(opts.Size)],
		size: opts.Size,
	}, nil
}

func (d *DeviceBank) Size() uint32 {
	return d.size
}

func (d *DeviceBank) Read32(offset uint32) uint32 {
	return atomic.LoadUint32(d.word(offset))
}

func (d *DeviceBank) Write32(offset uint32, val uint32) {
	atomic.StoreUint32(d.word(offset), val)
}

// Barrier issues a full fence. Register stores are already atomic, the fence keeps the
// ordering explicit at the call sites that depend on it.
func (d *DeviceBank) Barrier() {
	deviceFence.Add(1)
}

func (d *DeviceBank) Close() error {
	var err error
	if d.mmap != nil {
		if unmapErr := unix.Munmap(d.mmap); unmapErr != nil {
			err = unmapErr
		}
		d.mmap = nil
		d.regs = nil
	}
	if d.file != nil {
		if closeErr := d.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		d.file = nil
	}
	return err
}

func (d *DeviceBank) word(offset uint32) *uint32 {
	if d.regs == nil {
		panic(ErrClosed)
	}
	if err := checkOffset(d.size, offset); err != nil {
		panic(err)
	}
	return (*uint32)(unsafe.Pointer(&d.regs[offset]))
}
