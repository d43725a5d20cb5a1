package hiomap

import (
	"context"
	"testing"
	"time"
)

type recordingTraceLog struct {
	entries []TraceEvent
}

func (r *recordingTraceLog) WriteTrace(target string, ev TraceEvent) error {
	r.entries = append(r.entries, ev)
	return nil
}

func TestManagerStartTargetConnectsAndTraces(t *testing.T) {
	rig := newTestRig()
	connected := make(chan struct{})
	connect := func(ctx context.Context, cfg TargetConfig) (*Device, error) {
		close(connected)
		return rig.dev, nil
	}

	traceLog := &recordingTraceLog{}
	m := NewManager(connect, "", traceLog)
	m.StartTarget(TargetConfig{Name: "host1", Host: "10.0.0.1"})

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connector was never invoked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state := m.GetTarget("host1"); state != nil && state.Connected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	state := m.GetTarget("host1")
	if state == nil || !state.Connected {
		t.Fatalf("target never reached Connected state: %+v", state)
	}

	if err := rig.dev.Read(context.Background(), 0, make([]byte, 4)); err != nil {
		t.Fatalf("Read through managed device: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(traceLog.entries) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(traceLog.entries) == 0 {
		t.Fatal("expected the trace log to have received at least one TraceEvent")
	}

	analytics := m.GetAnalytics("host1")
	if analytics.BytesRead == 0 {
		t.Error("expected BytesRead to reflect the Read call's data-transfer trace events")
	}

	rig.transport.events <- Event{Bits: uint8(EventProtocolReset | EventDaemonReady)}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.GetAnalytics("host1").ProtocolResets > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.GetAnalytics("host1").ProtocolResets; got == 0 {
		t.Error("expected the background event pump to report the BMC event to Analytics.RecordBMCEvent")
	}

	m.StopTarget("host1")
	if m.GetTarget("host1") != nil {
		t.Fatal("StopTarget should remove the target from the managed set")
	}
}

func TestManagerSubscribeReceivesBroadcastTrace(t *testing.T) {
	m := NewManager(func(ctx context.Context, cfg TargetConfig) (*Device, error) {
		return nil, nil
	}, "", nil)

	ch := m.Subscribe("host1")
	defer m.Unsubscribe("host1", ch)

	ev := TraceEvent{Target: "host1", Command: CmdGetInfo, Outcome: "ok", Time: time.Now()}
	m.Trace(ev)

	select {
	case got := <-ch:
		if got.Command != CmdGetInfo {
			t.Errorf("got command %v, want %v", got.Command, CmdGetInfo)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the broadcast trace event")
	}
}

func TestManagerTraceCatchupReplaysRecentEvents(t *testing.T) {
	m := NewManager(func(ctx context.Context, cfg TargetConfig) (*Device, error) {
		return nil, nil
	}, "", nil)

	for i := 0; i < 3; i++ {
		m.Trace(TraceEvent{Target: "host1", Seq: uint8(i + 1), Outcome: "ok"})
	}

	catchup := m.TraceCatchup("host1")
	if len(catchup) != 3 {
		t.Fatalf("len(catchup) = %d, want 3", len(catchup))
	}
}
