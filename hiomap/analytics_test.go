package hiomap

import (
	"testing"
	"time"
)

func TestAnalyticsRecordTalliesByCommand(t *testing.T) {
	a := NewAnalytics("") // no dataPath: in-memory only, no file I/O
	now := time.Unix(1000, 0)

	a.Record(TraceEvent{Target: "host1", Command: CmdCreateReadWindow, Time: now, Outcome: "ok"})
	a.Record(TraceEvent{Target: "host1", Command: CmdFlush, Time: now, Outcome: "ok"})
	a.Record(TraceEvent{Target: "host1", HasDir: true, Dir: DirRead, Bytes: 128, Time: now, Outcome: "ok"})
	a.Record(TraceEvent{Target: "host1", HasDir: true, Dir: DirWrite, Bytes: 64, Time: now, Outcome: "ok"})
	a.Record(TraceEvent{Target: "host1", Command: CmdErase, Time: now, Outcome: "protocol error: timeout"})

	got := a.Get("host1")
	if got.ReadWindows != 1 {
		t.Errorf("ReadWindows = %d, want 1", got.ReadWindows)
	}
	if got.Flushes != 1 {
		t.Errorf("Flushes = %d, want 1", got.Flushes)
	}
	if got.Erases != 1 {
		t.Errorf("Erases = %d, want 1", got.Erases)
	}
	if got.BytesRead != 128 {
		t.Errorf("BytesRead = %d, want 128", got.BytesRead)
	}
	if got.BytesWritten != 64 {
		t.Errorf("BytesWritten = %d, want 64", got.BytesWritten)
	}
	if got.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", got.ErrorCount)
	}
	if len(got.RecentErrors) != 1 || got.RecentErrors[0] != "protocol error: timeout" {
		t.Errorf("RecentErrors = %v", got.RecentErrors)
	}
}

func TestAnalyticsRecentErrorsCapped(t *testing.T) {
	a := NewAnalytics("")
	for i := 0; i < maxRecentErrors+5; i++ {
		a.Record(TraceEvent{Target: "host1", Outcome: "boom"})
	}
	got := a.Get("host1")
	if len(got.RecentErrors) != maxRecentErrors {
		t.Fatalf("len(RecentErrors) = %d, want %d", len(got.RecentErrors), maxRecentErrors)
	}
	if got.ErrorCount != uint64(maxRecentErrors+5) {
		t.Errorf("ErrorCount = %d, want %d", got.ErrorCount, maxRecentErrors+5)
	}
}

func TestAnalyticsRecordBMCEvent(t *testing.T) {
	a := NewAnalytics("")
	a.RecordBMCEvent("host1", uint8(EventProtocolReset))
	a.RecordBMCEvent("host1", uint8(EventWindowReset))
	a.RecordBMCEvent("host1", uint8(EventFlashLost|EventProtocolReset))

	got := a.Get("host1")
	if got.ProtocolResets != 2 {
		t.Errorf("ProtocolResets = %d, want 2", got.ProtocolResets)
	}
	if got.WindowResets != 1 {
		t.Errorf("WindowResets = %d, want 1", got.WindowResets)
	}
	if got.FlashLostEvents != 1 {
		t.Errorf("FlashLostEvents = %d, want 1", got.FlashLostEvents)
	}
}

func TestAnalyticsGetUnknownTargetReturnsZeroValue(t *testing.T) {
	a := NewAnalytics("")
	got := a.Get("never-seen")
	if got.Target != "never-seen" || got.BytesRead != 0 {
		t.Errorf("Get(unknown) = %+v, want zero-value with Target set", got)
	}
}

func TestAnalyticsPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()

	a := NewAnalytics(dir)
	a.Record(TraceEvent{Target: "host1", Command: CmdErase, Outcome: "ok"})

	reloaded := NewAnalytics(dir)
	got := reloaded.Get("host1")
	if got.Erases != 1 {
		t.Fatalf("after reload, Erases = %d, want 1 (not persisted/loaded)", got.Erases)
	}
}
