package queue

import (
	"bytes"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	b := encodeRecord(2, 1234, []byte("payload"))
	r, err := decodeRecord(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.attempts != 2 || r.enqueuedAtMs != 1234 || !bytes.Equal(r.payload, []byte("payload")) {
		t.Fatalf("unexpected record %+v", r)
	}
	bumped, err := withAttempts(b, 3)
	if err != nil {
		t.Fatalf("withAttempts: %v", err)
	}
	if r, _ := decodeRecord(bumped); r.attempts != 3 || r.enqueuedAtMs != 1234 {
		t.Fatalf("attempts not rewritten: %+v", r)
	}
}

func TestRecordDetectsCorruption(t *testing.T) {
	b := encodeRecord(0, 1, []byte("x"))
	b[len(b)-5] ^= 0xFF
	if _, err := decodeRecord(b); err != errCorruptRecord {
		t.Fatalf("want errCorruptRecord, got %v", err)
	}
	if _, err := decodeRecord([]byte{0, 0}); err != errCorruptRecord {
		t.Fatalf("short record should be corrupt")
	}
}
