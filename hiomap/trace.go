package hiomap

import "time"

// TraceEvent records one HIOMAP protocol step for observability. It
// carries no protocol semantics of its own — Device never consults it
// to make decisions — it exists purely so a Manager can log, analyze,
// and stream what a session is doing.
type TraceEvent struct {
	Target   string
	Time     time.Time
	Command  Command
	Seq      uint8
	HasDir   bool
	Dir      Direction
	Bytes    int
	Outcome  string // "ok", or the failing call's error text (err.Error())
	Duration time.Duration
}

// Tracer receives a TraceEvent as soon as a protocol step completes.
// Trace, if set, is called synchronously from within the façade's
// session lock, so implementations must not block.
//
// BMCEvent is called from the background event pump (see
// Device.pumpEvents), once per unsolicited event packet, with the raw
// bitmap exactly as merged into the session's latched event state.
// Unlike Trace it is not part of any command's request/response flow,
// so an accumulator keyed off command traces alone (TraceEvent.Command)
// would never see protocol_reset/window_reset/flash_lost occurrences —
// BMCEvent is the only place they're observable outside the session.
type Tracer interface {
	Trace(ev TraceEvent)
	BMCEvent(target string, bits uint8)
}
