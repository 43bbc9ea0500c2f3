package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceMovesTimeForward(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)

	f.Advance(90 * time.Second)

	if got := f.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("expected %v, got %v", start.Add(90*time.Second), got)
	}
	if got, want := f.NowMillis(), start.Add(90*time.Second).UnixMilli(); got != want {
		t.Fatalf("expected NowMillis %d, got %d", want, got)
	}
}

func TestFakeSetPinsAbsoluteTime(t *testing.T) {
	f := NewFake(time.Unix(1_700_000_000, 0))
	pinned := time.Unix(1_800_000_000, 0)

	f.Set(pinned)

	if got := f.Now(); !got.Equal(pinned) {
		t.Fatalf("expected %v, got %v", pinned, got)
	}
}

func TestSystemClockReflectsWallClock(t *testing.T) {
	var s System
	before := time.Now().UnixMilli()
	got := s.NowMillis()
	after := time.Now().UnixMilli()

	if got < before || got > after {
		t.Fatalf("expected NowMillis between %d and %d, got %d", before, after, got)
	}
}
