package hiomap

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the session's lifecycle state, per spec §3.
type Status int

const (
	StatusUninitialised Status = iota
	StatusReady
	StatusNeedsReinit
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusUninitialised:
		return "uninitialised"
	case StatusReady:
		return "ready"
	case StatusNeedsReinit:
		return "needs-reinit"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Session is one client<->BMC relationship: negotiated protocol
// parameters, the latched event bitmap, the current window, and the
// lifecycle status. A Session is not safe for concurrent façade calls;
// Device.mu (see device.go) enforces the one-command-in-flight
// invariant, matching the single-logical-command-per-session scheduling
// model of spec §5.
type Session struct {
	transport Transport
	seq       sequencer

	// evMu guards bmc only; it is taken from the event-sink goroutine
	// and must never be held while blocked in transport.Command.
	evMu sync.Mutex
	bmc  bmcState

	status Status

	blockSizeShift uint8
	timeoutSeconds uint16

	flashSizeBlocks     uint64
	eraseGranuleBlocks  uint64

	win window

	// dirty tracks the not-yet-flushed sub-range of the current write
	// window that has been MARK_DIRTY'd, per spec §4.5: a window switch
	// must flush this range first or pending writes are lost.
	dirty      bool
	dirtyOff   uint64 // blocks, absolute flash offset
	dirtyLen   uint64 // blocks

	// target, trace, and bmcEvent are set by Device to label and emit
	// TraceEvents/raw BMC event notifications; both func fields are nil
	// unless the Device was given a Tracer via SetTracer.
	target   string
	trace    func(TraceEvent)
	bmcEvent func(target string, bits uint8)
}

// newSession constructs a Session bound to transport, starting
// Uninitialised. Callers must call initialise before any façade op.
func newSession(t Transport) *Session {
	return &Session{transport: t, status: StatusUninitialised}
}

// mergeEvent folds an unsolicited BMC status byte into bmc_state. Safe
// to call concurrently with any façade call; does not take the session
// command path.
func (s *Session) mergeEvent(b uint8) {
	s.evMu.Lock()
	s.bmc.merge(b)
	s.evMu.Unlock()
}

func (s *Session) consultEvents() decision {
	s.evMu.Lock()
	d := s.bmc.evaluate()
	s.evMu.Unlock()
	return d
}

func (s *Session) ackCleared(mask EventBit) {
	s.evMu.Lock()
	s.bmc.ackCleared(mask)
	s.evMu.Unlock()
}

// blockSize returns 1<<k as negotiated by GET_INFO.
func (s *Session) blockSize() uint64 {
	return uint64(1) << s.blockSizeShift
}

// command sends one HIOMAP command and validates the echoed seq, per
// spec §4.3/§4.6. Any non-zero completion code or seq mismatch is a
// ProtocolError. Once GET_INFO has reported a daemon timeout, each
// command waits at most that long for its response.
func (s *Session) command(ctx context.Context, cmd Command, args []byte) ([]byte, error) {
	if s.timeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.timeoutSeconds)*time.Second)
		defer cancel()
	}
	seq := s.seq.next()
	start := time.Now()
	resp, err := s.transport.Command(ctx, cmd, seq, args)
	if s.trace != nil {
		outcome := "ok"
		if err != nil {
			outcome = err.Error()
		}
		s.trace(TraceEvent{
			Target:   s.target,
			Time:     start,
			Command:  cmd,
			Seq:      seq,
			Bytes:    len(args),
			Outcome:  outcome,
			Duration: time.Since(start),
		})
	}
	if err != nil {
		return nil, newErr(ProtocolError, cmdName(cmd), err)
	}
	return resp, nil
}

// traceTransfer emits a TraceEvent for one windowed ReadAt/WriteAt
// chunk, the LPC-side counterpart to command()'s IPMI-side emission.
// Command is left at its zero value — HasDir/Dir/Bytes carry the
// meaning for a raw memory transfer, not a HIOMAP command code.
func (s *Session) traceTransfer(dir Direction, n int, err error) {
	if s.trace == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	s.trace(TraceEvent{
		Target:  s.target,
		Time:    time.Now(),
		HasDir:  true,
		Dir:     dir,
		Bytes:   n,
		Outcome: outcome,
	})
}

func cmdName(cmd Command) string {
	switch cmd {
	case CmdReset:
		return "reset"
	case CmdGetInfo:
		return "get_info"
	case CmdGetFlashInfo:
		return "get_flash_info"
	case CmdCreateReadWindow:
		return "create_read_window"
	case CmdCreateWriteWindow:
		return "create_write_window"
	case CmdCloseWindow:
		return "close_window"
	case CmdMarkDirty:
		return "mark_dirty"
	case CmdFlush:
		return "flush"
	case CmdAck:
		return "ack"
	case CmdErase:
		return "erase"
	default:
		return fmt.Sprintf("cmd(0x%02x)", uint8(cmd))
	}
}

// ack ACKs the given mask and clears it from bmc_state on success.
func (s *Session) ack(ctx context.Context, mask EventBit) error {
	_, err := s.command(ctx, CmdAck, []byte{uint8(mask)})
	if err != nil {
		return err
	}
	s.ackCleared(mask)
	return nil
}

func (s *Session) getInfo(ctx context.Context) error {
	resp, err := s.command(ctx, CmdGetInfo, []byte{ProtocolVersion})
	if err != nil {
		return err
	}
	info, ok := decodeGetInfoResponse(resp)
	if !ok {
		return newErr(ProtocolError, "get_info", fmt.Errorf("short response"))
	}
	s.blockSizeShift = info.BlockSizeShift
	s.timeoutSeconds = info.TimeoutSeconds
	return nil
}

func (s *Session) getFlashInfo(ctx context.Context) error {
	resp, err := s.command(ctx, CmdGetFlashInfo, nil)
	if err != nil {
		return err
	}
	info, ok := decodeGetFlashInfoResponse(resp)
	if !ok {
		return newErr(ProtocolError, "get_flash_info", fmt.Errorf("short response"))
	}
	s.flashSizeBlocks = uint64(info.TotalSizeBlocks)
	s.eraseGranuleBlocks = uint64(info.EraseGranuleBlocks)
	return nil
}

// initialise runs ACK(ack_mask) + GET_INFO + GET_FLASH_INFO, the
// Uninitialised->Ready path of spec §3/§4.7. It is also the recovery
// path out of NeedsReinit.
func (s *Session) initialise(ctx context.Context) error {
	if err := s.ack(ctx, AckMask); err != nil {
		s.status = StatusDead
		return newErr(DeviceGone, "initialise", err)
	}
	if err := s.getInfo(ctx); err != nil {
		s.status = StatusDead
		return newErr(DeviceGone, "initialise", err)
	}
	if err := s.getFlashInfo(ctx); err != nil {
		s.status = StatusDead
		return newErr(DeviceGone, "initialise", err)
	}
	s.win.invalidate()
	s.status = StatusReady
	return nil
}

// reconcile implements the §4.4 decision policy, run at every façade
// entry point. It may ACK, re-initialise, or invalidate the window as a
// side effect; it never issues the caller's actual operation.
func (s *Session) reconcile(ctx context.Context) error {
	switch s.consultEvents() {
	case decisionDeviceGone:
		s.status = StatusDead
		return newErr(DeviceGone, "reconcile", fmt.Errorf("protocol_reset without daemon_ready"))
	case decisionTryAgain:
		return newErr(TryAgain, "reconcile", fmt.Errorf("flash_lost"))
	case decisionReinit:
		s.status = StatusNeedsReinit
		if err := s.ack(ctx, EventProtocolReset); err != nil {
			s.status = StatusDead
			return newErr(DeviceGone, "reconcile", err)
		}
		if err := s.initialise(ctx); err != nil {
			return err
		}
		return nil
	case decisionAckWindowReset:
		if err := s.ack(ctx, EventWindowReset); err != nil {
			return newErr(ProtocolError, "reconcile", err)
		}
		s.win.invalidate()
		return nil
	default:
		if s.status == StatusDead {
			return newErr(DeviceGone, "reconcile", fmt.Errorf("session dead"))
		}
		return nil
	}
}

// ensureWindow makes the current window cover at least one block
// starting at blockOff in the given direction, per spec §4.5. It
// returns how many of neededBlocks are actually covered by the
// resulting window (which may be fewer than requested if the BMC
// granted a shorter window than asked for).
//
// For writes, a miss against an existing dirty write window is flushed
// first so a window switch never silently drops pending writes.
func (s *Session) ensureWindow(ctx context.Context, dir Direction, blockOff, neededBlocks uint64) (uint64, error) {
	if s.win.covers(dir, blockOff, 1) {
		avail := s.win.flashOff + s.win.length - blockOff
		if avail > neededBlocks {
			avail = neededBlocks
		}
		return avail, nil
	}

	if dir == DirWrite && s.dirty {
		if err := s.flushDirty(ctx); err != nil {
			return 0, err
		}
	}

	cmd := CmdCreateReadWindow
	if dir == DirWrite {
		cmd = CmdCreateWriteWindow
	}
	reqLen := neededBlocks
	if reqLen > 0xFFFF {
		reqLen = 0xFFFF
	}
	if blockOff > 0xFFFF {
		return 0, newErr(ParameterError, "create_window", fmt.Errorf("offset out of range"))
	}
	resp, err := s.command(ctx, cmd, encodeTwoFields(uint16(blockOff), uint16(reqLen)))
	if err != nil {
		return 0, err
	}
	wr, ok := decodeWindowResponse(resp)
	if !ok {
		return 0, newErr(ProtocolError, "create_window", fmt.Errorf("short response"))
	}
	s.win = window{
		dir:      dir,
		flashOff: uint64(wr.FlashOffsetBlocks),
		length:   uint64(wr.GrantedLenBlocks),
		lpcOff:   uint64(wr.LPCOffsetBlocks),
		valid:    true,
	}
	s.dirty = false
	avail := s.win.length
	if avail > neededBlocks {
		avail = neededBlocks
	}
	return avail, nil
}

// markDirty extends the pending-flush range to cover [blockOff,
// blockOff+lenBlocks), issuing MARK_DIRTY for that sub-range relative
// to the start of the current window (its flash offset).
func (s *Session) markDirty(ctx context.Context, blockOff, lenBlocks uint64) error {
	winOff := blockOff - s.win.flashOff
	_, err := s.command(ctx, CmdMarkDirty, encodeTwoFields(uint16(winOff), uint16(lenBlocks)))
	if err != nil {
		return err
	}
	if !s.dirty {
		s.dirty = true
		s.dirtyOff = blockOff
		s.dirtyLen = lenBlocks
	} else {
		end := blockOff + lenBlocks
		dirtyEnd := s.dirtyOff + s.dirtyLen
		if end > dirtyEnd {
			dirtyEnd = end
		}
		if blockOff < s.dirtyOff {
			s.dirtyOff = blockOff
		}
		s.dirtyLen = dirtyEnd - s.dirtyOff
	}
	return nil
}

// flushDirty issues FLUSH for the accumulated dirty range. A failure
// here is ProtocolError and leaves the caller's write not-durable, per
// spec §7.
func (s *Session) flushDirty(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	_, err := s.command(ctx, CmdFlush, nil)
	if err != nil {
		s.status = StatusNeedsReinit
		return newErr(ProtocolError, "flush", err)
	}
	s.dirty = false
	s.dirtyOff, s.dirtyLen = 0, 0
	return nil
}
