// Package lpcio implements hiomap.WindowIO over a memory-mapped LPC
// firmware address space character device, grounded on the same
// open-device-file-then-ioctl/mmap discipline used for raw serial port
// access: open the node with explicit flags, keep the raw file
// descriptor, and operate on it directly rather than through
// buffered os.File I/O.
package lpcio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Options configures how the LPC firmware window device is opened and
// mapped.
type Options struct {
	// Path is the character device exposing the host's LPC-to-flash
	// bridge, e.g. "/dev/aspeed-lpc-ctrl" or "/dev/mtd0" depending on
	// platform. Required.
	Path string

	// WindowSize is the number of bytes to mmap starting at offset 0 of
	// the device; it must be at least as large as the widest window the
	// BMC can grant. Required, must be a multiple of the system page
	// size.
	WindowSize int64
}

// Device mmaps a fixed-size view of the LPC firmware window device and
// serves ReadAt/WriteAt as bounds-checked slice operations against that
// mapping, matching the alignment discipline a WindowIO implementation
// is required to uphold.
type Device struct {
	fd     int
	mapped []byte
	closed atomic.Bool
	mu     sync.RWMutex
}

// Open opens opts.Path and mmaps opts.WindowSize bytes from it.
func Open(opts Options) (*Device, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("lpcio: path required")
	}
	if opts.WindowSize <= 0 {
		return nil, fmt.Errorf("lpcio: window size must be positive")
	}

	fd, err := unix.Open(opts.Path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("lpcio: open %s: %w", opts.Path, err)
	}

	mapped, err := unix.Mmap(fd, 0, int(opts.WindowSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("lpcio: mmap %s: %w", opts.Path, err)
	}

	return &Device{fd: fd, mapped: mapped}, nil
}

// ReadAt implements hiomap.WindowIO. It issues plain slice copies from
// the mapping; the kernel driver behind the device node is responsible
// for translating that into whatever access width (1/2/4-byte) the
// underlying LPC bridge hardware requires.
func (d *Device) ReadAt(p []byte, lpcByteOff int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return 0, fmt.Errorf("lpcio: device closed")
	}
	if lpcByteOff < 0 || lpcByteOff+int64(len(p)) > int64(len(d.mapped)) {
		return 0, fmt.Errorf("lpcio: read [%d,%d) out of mapped range [0,%d)", lpcByteOff, lpcByteOff+int64(len(p)), len(d.mapped))
	}
	n := copy(p, d.mapped[lpcByteOff:lpcByteOff+int64(len(p))])
	return n, nil
}

// WriteAt implements hiomap.WindowIO.
func (d *Device) WriteAt(p []byte, lpcByteOff int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return 0, fmt.Errorf("lpcio: device closed")
	}
	if lpcByteOff < 0 || lpcByteOff+int64(len(p)) > int64(len(d.mapped)) {
		return 0, fmt.Errorf("lpcio: write [%d,%d) out of mapped range [0,%d)", lpcByteOff, lpcByteOff+int64(len(p)), len(d.mapped))
	}
	n := copy(d.mapped[lpcByteOff:lpcByteOff+int64(len(p))], p)
	return n, nil
}

// Close unmaps the window and closes the device file descriptor.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Swap(true) {
		return nil
	}
	if err := unix.Munmap(d.mapped); err != nil {
		unix.Close(d.fd)
		return fmt.Errorf("lpcio: munmap: %w", err)
	}
	return unix.Close(d.fd)
}
