package hiomap

import (
	"testing"
	"time"
)

func TestChurnDetectorFlagsBurst(t *testing.T) {
	cd := NewChurnDetector(time.Second, 3)
	base := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		if thrashing := cd.Observe(base.Add(time.Duration(i) * 10 * time.Millisecond)); thrashing {
			t.Fatalf("observation %d should not yet exceed the limit", i)
		}
	}
	if !cd.Observe(base.Add(40 * time.Millisecond)) {
		t.Fatal("4th observation within the window should trip thrashing")
	}
}

func TestChurnDetectorEvictsOldObservations(t *testing.T) {
	cd := NewChurnDetector(time.Second, 2)
	base := time.Unix(0, 0)

	cd.Observe(base)
	cd.Observe(base.Add(100 * time.Millisecond))
	cd.Observe(base.Add(200 * time.Millisecond))
	if !cd.Check(base.Add(200 * time.Millisecond)) {
		t.Fatal("3 observations within the window should already be thrashing")
	}

	// Long after the window has elapsed, the burst should have aged out.
	if cd.Check(base.Add(10 * time.Second)) {
		t.Fatal("observations should have aged out of the window")
	}
}

func TestIsWindowCreate(t *testing.T) {
	cases := map[Command]bool{
		CmdCreateReadWindow:  true,
		CmdCreateWriteWindow: true,
		CmdFlush:             false,
		CmdAck:               false,
	}
	for cmd, want := range cases {
		if got := IsWindowCreate(cmd); got != want {
			t.Errorf("IsWindowCreate(%v) = %v, want %v", cmd, got, want)
		}
	}
}
