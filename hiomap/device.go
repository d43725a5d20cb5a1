package hiomap

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Device is the block-level flash device façade: read/write/erase at
// byte offsets, hiding windowing, sequencing, and BMC event handling
// from the caller. One Device owns one Session and one WindowIO; it is
// safe for concurrent use — façade calls are serialized by mu, matching
// the single-logical-command-per-session model of spec §5.
type Device struct {
	mu   sync.Mutex
	sess *Session
	io   WindowIO

	pumpOnce  sync.Once
	closeOnce sync.Once
	pumpDone  chan struct{}
}

// NewDevice constructs a Device. The caller must call Init before any
// Read/Write/Erase/GetInfo.
func NewDevice(transport Transport, io WindowIO) *Device {
	return &Device{sess: newSession(transport), io: io}
}

// SetTracer labels this Device's session with target and routes every
// subsequent TraceEvent to t. Call before Init.
func (d *Device) SetTracer(target string, t Tracer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sess.target = target
	if t != nil {
		d.sess.trace = t.Trace
		d.sess.bmcEvent = t.BMCEvent
	} else {
		d.sess.trace = nil
		d.sess.bmcEvent = nil
	}
}

// Init runs the Uninitialised->Ready sequence (ACK + GET_INFO +
// GET_FLASH_INFO) and starts the background pump that folds unsolicited
// BMC events (daemon ready/reset, window reset, flash lost) into the
// session's event state as they arrive, per spec §4.4.
func (d *Device) Init(ctx context.Context) error {
	d.mu.Lock()
	err := d.sess.initialise(ctx)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.pumpOnce.Do(func() {
		d.pumpDone = make(chan struct{})
		go d.pumpEvents()
	})
	return nil
}

// pumpEvents drains the transport's unsolicited event channel into the
// session for the lifetime of the Device. It takes no lock shared with
// the façade command path: mergeEvent only ever touches sess.evMu, per
// the concurrency note on Session. Each packet is also reported to the
// Tracer's BMCEvent hook, independent of whether it changed the latched
// bitmap, so a Manager's analytics can count every occurrence rather
// than just edge transitions.
func (d *Device) pumpEvents() {
	events := d.sess.transport.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.sess.mergeEvent(ev.Bits)
			if d.sess.bmcEvent != nil {
				d.sess.bmcEvent(d.sess.target, ev.Bits)
			}
		case <-d.pumpDone:
			return
		}
	}
}

// Status reports the session's current lifecycle state.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess.status
}

// GetInfo returns the negotiated flash geometry: total size in bytes
// and the erase granule in bytes.
func (d *Device) GetInfo() (totalSize, eraseGranule uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bs := d.sess.blockSize()
	return d.sess.flashSizeBlocks * bs, d.sess.eraseGranuleBlocks * bs
}

func (d *Device) ensureReady(ctx context.Context) error {
	if err := d.sess.reconcile(ctx); err != nil {
		return err
	}
	if d.sess.status == StatusUninitialised {
		return d.sess.initialise(ctx)
	}
	return nil
}

// Read fills buf with flash contents starting at byte offset off. The
// façade fetches whole blocks internally; off and len(buf) need not be
// block-aligned.
func (d *Device) Read(ctx context.Context, off uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureReady(ctx); err != nil {
		return err
	}
	blockSize := d.sess.blockSize()
	total := d.sess.flashSizeBlocks * blockSize
	if off+uint64(len(buf)) > total {
		return newErr(ParameterError, "read", fmt.Errorf("range [%d,%d) exceeds flash size %d", off, off+uint64(len(buf)), total))
	}

	done := uint64(0)
	for done < uint64(len(buf)) {
		if err := d.sess.reconcile(ctx); err != nil {
			return err
		}
		curOff := off + done
		blockOff := curOff / blockSize
		remaining := uint64(len(buf)) - done
		neededBlocks := (curOff%blockSize + remaining + blockSize - 1) / blockSize

		avail, err := d.sess.ensureWindow(ctx, DirRead, blockOff, neededBlocks)
		if err != nil {
			return err
		}
		availBytes := avail*blockSize - curOff%blockSize
		chunk := remaining
		if availBytes < chunk {
			chunk = availBytes
		}
		lpcByteOff := int64((d.sess.win.lpcOff+(blockOff-d.sess.win.flashOff))*blockSize + curOff%blockSize)
		n, ioErr := d.io.ReadAt(buf[done:done+chunk], lpcByteOff)
		d.sess.traceTransfer(DirRead, n, ioErr)
		if ioErr != nil {
			return newErr(IoError, "read", ioErr)
		}
		if err := d.sess.reconcile(ctx); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// Write stores buf to flash starting at byte offset off. Each windowed
// slice is MARK_DIRTY'd immediately after the copy; the accumulated
// dirty range is flushed at the end of the call (and whenever a window
// switch requires it mid-call).
func (d *Device) Write(ctx context.Context, off uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureReady(ctx); err != nil {
		return err
	}
	blockSize := d.sess.blockSize()
	total := d.sess.flashSizeBlocks * blockSize
	if off+uint64(len(buf)) > total {
		return newErr(ParameterError, "write", fmt.Errorf("range [%d,%d) exceeds flash size %d", off, off+uint64(len(buf)), total))
	}

	done := uint64(0)
	for done < uint64(len(buf)) {
		if err := d.sess.reconcile(ctx); err != nil {
			return err
		}
		curOff := off + done
		blockOff := curOff / blockSize
		remaining := uint64(len(buf)) - done
		neededBlocks := (curOff%blockSize + remaining + blockSize - 1) / blockSize

		avail, err := d.sess.ensureWindow(ctx, DirWrite, blockOff, neededBlocks)
		if err != nil {
			return err
		}
		availBytes := avail*blockSize - curOff%blockSize
		chunk := remaining
		if availBytes < chunk {
			chunk = availBytes
		}
		lpcByteOff := int64((d.sess.win.lpcOff+(blockOff-d.sess.win.flashOff))*blockSize + curOff%blockSize)
		n, ioErr := d.io.WriteAt(buf[done:done+chunk], lpcByteOff)
		d.sess.traceTransfer(DirWrite, n, ioErr)
		if ioErr != nil {
			return newErr(IoError, "write", ioErr)
		}
		blocksTouched := (curOff%blockSize + chunk + blockSize - 1) / blockSize
		if err := d.sess.markDirty(ctx, blockOff, blocksTouched); err != nil {
			return newErr(ProtocolError, "write", err)
		}
		if err := d.sess.reconcile(ctx); err != nil {
			return err
		}
		done += chunk
	}
	return d.sess.flushDirty(ctx)
}

// Erase zeroes [off, off+len) in flash. Both off and len must be
// multiples of the negotiated erase granule.
func (d *Device) Erase(ctx context.Context, off, length uint64) error {
	if length == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureReady(ctx); err != nil {
		return err
	}
	blockSize := d.sess.blockSize()
	granule := d.sess.eraseGranuleBlocks * blockSize
	if granule == 0 || off%granule != 0 || length%granule != 0 {
		return newErr(ParameterError, "erase", fmt.Errorf("off=%d len=%d not aligned to erase granule %d", off, length, granule))
	}
	total := d.sess.flashSizeBlocks * blockSize
	if off+length > total {
		return newErr(ParameterError, "erase", fmt.Errorf("range [%d,%d) exceeds flash size %d", off, off+length, total))
	}

	done := uint64(0)
	for done < length {
		if err := d.sess.reconcile(ctx); err != nil {
			return err
		}
		curOff := off + done
		blockOff := curOff / blockSize
		remainingBlocks := (length - done) / blockSize

		avail, err := d.sess.ensureWindow(ctx, DirWrite, blockOff, remainingBlocks)
		if err != nil {
			return err
		}
		winOff := blockOff - d.sess.win.flashOff
		if _, err := d.sess.command(ctx, CmdErase, encodeTwoFields(uint16(winOff), uint16(avail))); err != nil {
			return err
		}
		d.sess.dirty = true
		done += avail * blockSize
	}
	return d.sess.flushDirty(ctx)
}

// Close releases the underlying transport. Per spec §9, a final
// CLOSE_WINDOW is attempted best-effort (flushing a dirty write window
// first) and its outcome is ignored — an unclean shutdown is not a
// correctness issue the next session's reconcile can't recover from.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess.status == StatusReady {
		flags := CloseWindowNone
		if d.sess.dirty {
			flags = CloseWindowFlush
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = d.sess.command(ctx, CmdCloseWindow, []byte{flags})
		cancel()
	}
	if d.pumpDone != nil {
		d.closeOnce.Do(func() { close(d.pumpDone) })
	}
	return d.sess.transport.Close()
}
