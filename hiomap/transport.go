package hiomap

import "context"

// Event is an unsolicited BMC status notification delivered out-of-band
// from command/response traffic, per spec §4.4.
type Event struct {
	Bits uint8
}

// EventSink receives events as they arrive. Implementations must not block
// the caller for long; Device.pumpEvents drains it into bmcState under a
// short critical section that never holds the session's command lock.
type EventSink interface {
	Events() <-chan Event
}

// Transport is the capability a Session uses to exchange HIOMAP command
// and response frames with the BMC, and to receive unsolicited events.
// A concrete implementation rides IPMI OEM messages (netfn 0x3A, cmd
// 0x5A) over RMCP+, see package ipmitransport.
type Transport interface {
	EventSink

	// Command sends a HIOMAP command frame (cmd, seq, args...) and
	// returns the response args. The caller has already allocated seq
	// via the session's sequencer. Implementations must verify the
	// echoed command and sequence number before returning args, and
	// return a *TransportError on mismatch, timeout, or transport
	// failure.
	Command(ctx context.Context, cmd Command, seq uint8, args []byte) (args []byte, err error)

	// Close releases any transport-held resources (sockets, sessions).
	Close() error
}
