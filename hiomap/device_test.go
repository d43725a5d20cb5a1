package hiomap

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scripted Transport: each command is served by a
// handler the test installs, and events can be injected on the channel
// at any point to simulate an async BMC notification arriving mid-flow,
// mirroring the delivery-after-command scripting used by the original
// C test harness this protocol was validated against.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[Command]func(args []byte) ([]byte, error)
	calls    []Command
	events   chan Event
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[Command]func([]byte) ([]byte, error)),
		events:   make(chan Event, 16),
	}
}

func (f *fakeTransport) on(cmd Command, h func(args []byte) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[cmd] = h
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Command(ctx context.Context, cmd Command, seq uint8, args []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	h := f.handlers[cmd]
	f.mu.Unlock()
	if h == nil {
		return nil, &TransportError{Op: cmdName(cmd), Err: errNoHandler}
	}
	return h(args)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) callCount(cmd Command) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == cmd {
			n++
		}
	}
	return n
}

var errNoHandler = &FlashError{Kind: ProtocolError, Op: "fake", Err: nil}

// fakeWindowIO is an in-memory stand-in for the mmap'd LPC window.
type fakeWindowIO struct {
	mu  sync.Mutex
	mem []byte
}

func newFakeWindowIO(size int) *fakeWindowIO {
	return &fakeWindowIO{mem: make([]byte, size)}
}

func (f *fakeWindowIO) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(p, f.mem[off:]), nil
}

func (f *fakeWindowIO) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(f.mem[off:], p), nil
}

// testRig bundles a Device over a fakeTransport/fakeWindowIO, with
// handlers for a flash geometry of blockSize=16, 64 blocks (1024
// bytes), erase granule 4 blocks, and windows that always grant the
// full requested range 1:1 against LPC offset 0.
type testRig struct {
	transport *fakeTransport
	io        *fakeWindowIO
	dev       *Device
}

func newTestRig() *testRig {
	tr := newFakeTransport()
	io := newFakeWindowIO(4096)

	tr.on(CmdAck, func(args []byte) ([]byte, error) { return nil, nil })
	tr.on(CmdGetInfo, func(args []byte) ([]byte, error) {
		buf := make([]byte, 4)
		buf[0] = ProtocolVersion
		buf[1] = 4 // block size 16
		putU16(buf[2:4], 30)
		return buf, nil
	})
	tr.on(CmdGetFlashInfo, func(args []byte) ([]byte, error) {
		buf := make([]byte, 4)
		putU16(buf[0:2], 64) // 64 blocks total
		putU16(buf[2:4], 4)  // erase granule 4 blocks
		return buf, nil
	})
	tr.on(CmdCreateReadWindow, func(args []byte) ([]byte, error) {
		off, length := getU16(args[0:2]), getU16(args[2:4])
		resp := make([]byte, 6)
		putU16(resp[0:2], off) // lpc_off == flash_off, 1:1 mapping
		putU16(resp[2:4], length)
		putU16(resp[4:6], off)
		return resp, nil
	})
	tr.on(CmdCreateWriteWindow, func(args []byte) ([]byte, error) {
		off, length := getU16(args[0:2]), getU16(args[2:4])
		resp := make([]byte, 6)
		putU16(resp[0:2], off)
		putU16(resp[2:4], length)
		putU16(resp[4:6], off)
		return resp, nil
	})
	tr.on(CmdMarkDirty, func(args []byte) ([]byte, error) { return nil, nil })
	tr.on(CmdFlush, func(args []byte) ([]byte, error) { return nil, nil })
	tr.on(CmdCloseWindow, func(args []byte) ([]byte, error) { return nil, nil })
	tr.on(CmdErase, func(args []byte) ([]byte, error) { return nil, nil })

	return &testRig{transport: tr, io: io, dev: NewDevice(tr, io)}
}

// fakeTracer records everything delivered through the Tracer interface,
// standing in for Manager in tests that only care about the wiring
// between Device/Session and whatever consumes TraceEvents/BMC events.
type fakeTracer struct {
	mu      sync.Mutex
	events  []TraceEvent
	bmcHits []uint8
}

func (f *fakeTracer) Trace(ev TraceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeTracer) BMCEvent(target string, bits uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bmcHits = append(f.bmcHits, bits)
}

func (f *fakeTracer) snapshot() ([]TraceEvent, []uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TraceEvent(nil), f.events...), append([]uint8(nil), f.bmcHits...)
}

func TestDeviceTracesDataTransfersWithDirection(t *testing.T) {
	rig := newTestRig()
	tracer := &fakeTracer{}
	rig.dev.SetTracer("host1", tracer)

	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := rig.dev.Write(ctx, 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := rig.dev.Read(ctx, 0, make([]byte, 5)); err != nil {
		t.Fatalf("Read: %v", err)
	}

	events, _ := tracer.snapshot()
	var sawWrite, sawRead bool
	for _, ev := range events {
		if !ev.HasDir {
			continue
		}
		if ev.Dir == DirWrite && ev.Bytes == 5 {
			sawWrite = true
		}
		if ev.Dir == DirRead && ev.Bytes == 5 {
			sawRead = true
		}
	}
	if !sawWrite {
		t.Error("expected a HasDir=true DirWrite TraceEvent carrying the written byte count")
	}
	if !sawRead {
		t.Error("expected a HasDir=true DirRead TraceEvent carrying the read byte count")
	}
}

func TestDevicePumpEventsReportsBMCEvent(t *testing.T) {
	rig := newTestRig()
	tracer := &fakeTracer{}
	rig.dev.SetTracer("host1", tracer)

	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	rig.transport.events <- Event{Bits: uint8(EventWindowReset)}
	waitForPump(t, rig.dev)

	_, bmcHits := tracer.snapshot()
	if len(bmcHits) != 1 || bmcHits[0] != uint8(EventWindowReset) {
		t.Fatalf("BMCEvent hits = %v, want exactly one hit with WINDOW_RESET set", bmcHits)
	}
}

func TestDeviceInit(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := rig.dev.Status(); got != StatusReady {
		t.Fatalf("Status after Init = %v, want Ready", got)
	}
	total, granule := rig.dev.GetInfo()
	if total != 64*16 {
		t.Errorf("total size = %d, want %d", total, 64*16)
	}
	if granule != 4*16 {
		t.Errorf("erase granule = %d, want %d", granule, 4*16)
	}
}

func TestDeviceWriteReadRoundTrip(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	want := []byte("the quick brown fox jumps")
	if err := rig.dev.Write(ctx, 32, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if rig.transport.callCount(CmdFlush) == 0 {
		t.Errorf("expected at least one FLUSH after Write")
	}

	got := make([]byte, len(want))
	if err := rig.dev.Read(ctx, 32, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("read back %q, want %q", got, want)
	}
}

func TestDeviceReadSpanningTwoWindows(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Force every create-window grant to cap at 2 blocks (32 bytes), so a
	// 100-byte read must span several windows.
	rig.transport.on(CmdCreateReadWindow, func(args []byte) ([]byte, error) {
		off := getU16(args[0:2])
		const grantedBlocks = 2
		resp := make([]byte, 6)
		putU16(resp[0:2], off)
		putU16(resp[2:4], grantedBlocks)
		putU16(resp[4:6], off)
		return resp, nil
	})

	want := make([]byte, 100)
	for i := range want {
		want[i] = byte(i)
	}
	copy(rig.io.mem, want)

	got := make([]byte, 100)
	if err := rig.dev.Read(ctx, 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("spanning read mismatch")
	}
	if n := rig.transport.callCount(CmdCreateReadWindow); n < 2 {
		t.Errorf("expected multiple CREATE_READ_WINDOW calls for a spanning read, got %d", n)
	}
}

func TestDeviceEraseRejectsUnalignedRange(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	err := rig.dev.Erase(ctx, 1, 4*16) // off not a multiple of the 4-block granule
	if err == nil {
		t.Fatal("expected ParameterError for unaligned erase")
	}
	fe, ok := err.(*FlashError)
	if !ok || fe.Kind != ParameterError {
		t.Fatalf("got %v, want ParameterError", err)
	}
	if rig.transport.callCount(CmdErase) != 0 {
		t.Errorf("erase command should not have been sent for an invalid range")
	}
}

func TestDeviceErase(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := rig.dev.Erase(ctx, 0, 4*16); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if rig.transport.callCount(CmdErase) == 0 {
		t.Errorf("expected an ERASE command")
	}
	if rig.transport.callCount(CmdFlush) == 0 {
		t.Errorf("expected a FLUSH after erase")
	}
}

// TestProtocolResetWithDaemonReady exercises the reinit decision path:
// the BMC pushes PROTOCOL_RESET|DAEMON_READY, the next façade call must
// ACK the reset and re-run GET_INFO/GET_FLASH_INFO before serving the
// caller's read.
func TestProtocolResetWithDaemonReady(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ackBefore := rig.transport.callCount(CmdAck)
	getInfoBefore := rig.transport.callCount(CmdGetInfo)

	rig.transport.events <- Event{Bits: uint8(EventProtocolReset | EventDaemonReady)}
	waitForPump(t, rig.dev)

	buf := make([]byte, 8)
	if err := rig.dev.Read(ctx, 0, buf); err != nil {
		t.Fatalf("Read after protocol reset: %v", err)
	}
	if rig.transport.callCount(CmdAck) <= ackBefore {
		t.Errorf("expected reconcile to ACK the protocol reset")
	}
	if rig.transport.callCount(CmdGetInfo) <= getInfoBefore {
		t.Errorf("expected reconcile to re-run GET_INFO after protocol reset")
	}
	if rig.dev.Status() != StatusReady {
		t.Errorf("Status = %v, want Ready after successful reinit", rig.dev.Status())
	}
}

// TestProtocolResetWithoutDaemonReady is the unrecoverable path: the
// BMC disappeared without signalling it came back.
func TestProtocolResetWithoutDaemonReady(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	rig.transport.events <- Event{Bits: uint8(EventProtocolReset)}
	waitForPump(t, rig.dev)

	buf := make([]byte, 8)
	err := rig.dev.Read(ctx, 0, buf)
	if err == nil {
		t.Fatal("expected DeviceGone error")
	}
	fe, ok := err.(*FlashError)
	if !ok || fe.Kind != DeviceGone {
		t.Fatalf("got %v, want DeviceGone", err)
	}
	if rig.dev.Status() != StatusDead {
		t.Errorf("Status = %v, want Dead", rig.dev.Status())
	}
}

// TestFlashLost exercises the try-again decision: a host in the middle
// of owning flash loses it to another actor (e.g. the BMC itself during
// a firmware update) and must back off rather than treat it as fatal.
func TestFlashLost(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	rig.transport.events <- Event{Bits: uint8(EventFlashLost)}
	waitForPump(t, rig.dev)

	buf := make([]byte, 8)
	err := rig.dev.Read(ctx, 0, buf)
	if err == nil {
		t.Fatal("expected TryAgain error")
	}
	fe, ok := err.(*FlashError)
	if !ok || fe.Kind != TryAgain {
		t.Fatalf("got %v, want TryAgain", err)
	}
	// Session should still be usable once the BMC clears the bit itself
	// (flash_lost is not ACK'd by the host, per spec, only latched).
	if rig.dev.Status() != StatusReady {
		t.Errorf("Status = %v, should remain Ready while flash is merely unavailable", rig.dev.Status())
	}
}

// TestWindowReset exercises the ack-and-invalidate decision: the BMC
// reassigned the window (e.g. another host context grabbed it), so the
// next access must treat the window as gone and recreate it.
func TestWindowReset(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	buf := make([]byte, 8)
	if err := rig.dev.Read(ctx, 0, buf); err != nil {
		t.Fatalf("initial read: %v", err)
	}
	createsBefore := rig.transport.callCount(CmdCreateReadWindow)

	rig.transport.events <- Event{Bits: uint8(EventWindowReset)}
	waitForPump(t, rig.dev)

	if err := rig.dev.Read(ctx, 0, buf); err != nil {
		t.Fatalf("read after window reset: %v", err)
	}
	if rig.transport.callCount(CmdCreateReadWindow) <= createsBefore {
		t.Errorf("expected a fresh CREATE_READ_WINDOW after WINDOW_RESET invalidated the cached window")
	}
}

func TestDeviceCloseSendsCloseWindowOnCleanSession(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	if err := rig.dev.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var closeFlags []byte
	rig.transport.on(CmdCloseWindow, func(args []byte) ([]byte, error) {
		closeFlags = args
		return nil, nil
	})

	// Nothing has been written since Init, so the session is clean here;
	// assert Close sends CloseWindowNone rather than CloseWindowFlush.
	if err := rig.dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rig.transport.callCount(CmdCloseWindow) != 1 {
		t.Fatalf("expected exactly one CLOSE_WINDOW on Close, got %d", rig.transport.callCount(CmdCloseWindow))
	}
	if len(closeFlags) != 1 || closeFlags[0] != CloseWindowNone {
		t.Errorf("expected CloseWindowNone flags on a clean session, got %v", closeFlags)
	}
	if !rig.transport.closed {
		t.Errorf("expected transport.Close to have been called")
	}
}

// waitForPump gives the background event pump a moment to drain an
// injected event before the test asserts on its effect. The pump reads
// off an unbuffered decision boundary (bmcState under evMu), so a short
// poll is used instead of a fixed sleep.
func waitForPump(t *testing.T, d *Device) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(d.transport().events) == 0 {
			time.Sleep(5 * time.Millisecond) // let mergeEvent finish after the channel drains
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for event pump to drain")
}

func (d *Device) transport() *fakeTransport {
	return d.sess.transport.(*fakeTransport)
}
