package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManual(start)
	c.Advance(1500 * time.Millisecond)
	if got := NowMs(c); got != 1_001_500 {
		t.Fatalf("got %d", got)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("set did not pin")
	}
}

func TestNowMsNilFallsBackToSystem(t *testing.T) {
	before := time.Now().UnixMilli()
	got := NowMs(nil)
	if got < before {
		t.Fatalf("expected wall time, got %d < %d", got, before)
	}
}
