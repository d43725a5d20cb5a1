package hiomap

import "testing"

// These cases mirror the decision table a BMC event stream is scripted
// against: each row is a latched bit combination and the single
// decision §4.4 says the next façade call must take.
func TestBmcStateEvaluate(t *testing.T) {
	cases := []struct {
		name string
		bits EventBit
		want decision
	}{
		{"clean", 0, decisionProceed},
		{"daemon_ready_alone", EventDaemonReady, decisionProceed},
		{"protocol_reset_without_daemon_ready", EventProtocolReset, decisionDeviceGone},
		{"protocol_reset_with_daemon_ready", EventProtocolReset | EventDaemonReady, decisionReinit},
		{"window_reset", EventWindowReset, decisionAckWindowReset},
		{"flash_lost_takes_priority_over_window_reset", EventFlashLost | EventWindowReset, decisionTryAgain},
		{"flash_lost_takes_priority_over_reinit", EventFlashLost | EventProtocolReset | EventDaemonReady, decisionTryAgain},
		{"device_gone_takes_priority_over_everything", EventProtocolReset | EventFlashLost, decisionDeviceGone},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := bmcState{bits: c.bits}
			if got := s.evaluate(); got != c.want {
				t.Errorf("evaluate(%08b) = %v, want %v", c.bits, got, c.want)
			}
		})
	}
}

func TestBmcStateAckClearsOnlyAckedBits(t *testing.T) {
	var s bmcState
	s.merge(uint8(EventProtocolReset | EventFlashLost))
	s.ackCleared(EventProtocolReset)
	if s.has(EventProtocolReset) {
		t.Error("ACK should have cleared PROTOCOL_RESET")
	}
	if !s.has(EventFlashLost) {
		t.Error("ACK of PROTOCOL_RESET must not clear FLASH_LOST, which is never host-acked")
	}
}

func TestBmcStateMergeIsAdditive(t *testing.T) {
	var s bmcState
	s.merge(uint8(EventWindowReset))
	s.merge(uint8(EventDaemonReady))
	if !s.has(EventWindowReset) || !s.has(EventDaemonReady) {
		t.Error("successive merges should OR bits together, not replace them")
	}
}

func TestSequencerSkipsZeroOnWraparound(t *testing.T) {
	var seq sequencer
	seq.last = 0xFF
	if got := seq.next(); got != 1 {
		t.Errorf("sequencer wrapped to %d, want 1 (0 is reserved)", got)
	}
}

func TestSequencerIncrements(t *testing.T) {
	var seq sequencer
	first := seq.next()
	second := seq.next()
	if second != first+1 {
		t.Errorf("sequencer did not increment: %d then %d", first, second)
	}
}
