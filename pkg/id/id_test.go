package id

import (
	"encoding/json"
	"testing"
	"time"
)

func resetNow() { NowMs = func() int64 { return time.Now().UnixMilli() } }

func TestOrderingMonotonic(t *testing.T) {
	g := NewGenerator()
	NowMs = func() int64 { return 1000 }
	defer resetNow()

	a := g.Next()
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a<b")
	}
}

func TestClockRegressionGuard(t *testing.T) {
	g := NewGenerator()
	seq := int64(1000)
	NowMs = func() int64 { return seq }
	defer resetNow()

	a := g.Next()
	seq = 900
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected b>a despite clock regression")
	}
}

func TestSequenceOverflowWaitsNextMs(t *testing.T) {
	g := NewGeneratorWithNode(7)
	NowMs = func() int64 { return 2000 }
	defer resetNow()

	g.lastMs = 2000
	g.sequence = maxSequence - 1

	_ = g.Next()

	done := make(chan ID)
	go func() { done <- g.Next() }()

	time.AfterFunc(10*time.Millisecond, func() { NowMs = func() int64 { return 2001 } })

	select {
	case got := <-done:
		if got.Time().UnixMilli() != 2001 {
			t.Fatalf("expected rollover into next ms, got %d", got.Time().UnixMilli())
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for overflow handling")
	}
}

func TestParseRoundTripAndNode(t *testing.T) {
	g := NewGeneratorWithNode(0xBEEF)
	NowMs = func() int64 { return 1_700_000_000_000 }
	defer resetNow()

	v := g.Next()
	if v.Node() != 0xBEEF {
		t.Fatalf("node: %x", v.Node())
	}
	if v.Time().UnixMilli() != 1_700_000_000_000 {
		t.Fatalf("time: %v", v.Time())
	}
	parsed, err := Parse(v.String())
	if err != nil || parsed != v {
		t.Fatalf("parse: %v %v", parsed, err)
	}
	if _, err := Parse("nothex"); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestJSONUsesHexForm(t *testing.T) {
	v := NewGeneratorWithNode(1).Next()
	b, err := json.Marshal(struct {
		ID ID `json:"id"`
	}{ID: v})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":"` + v.String() + `"}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}
