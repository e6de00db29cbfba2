package queue

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Message record: headerLen(4B BE) | header | payload | crc32c(header|payload)
//
// header is attempts(4B) | enqueuedAtMs(8B); payload is the encoded message.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errCorruptRecord = errors.New("queue: corrupt record")

const recordHeaderLen = 12

func encodeRecord(attempts uint32, enqueuedAtMs int64, payload []byte) []byte {
	var header [recordHeaderLen]byte
	binary.BigEndian.PutUint32(header[0:4], attempts)
	binary.BigEndian.PutUint64(header[4:12], uint64(enqueuedAtMs))

	out := make([]byte, 0, 4+len(header)+len(payload)+4)
	out = binary.BigEndian.AppendUint32(out, uint32(len(header)))
	out = append(out, header[:]...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, header[:])
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

type record struct {
	attempts     uint32
	enqueuedAtMs int64
	payload      []byte
}

func decodeRecord(b []byte) (record, error) {
	if len(b) < 8 {
		return record{}, errCorruptRecord
	}
	hlen := int(binary.BigEndian.Uint32(b[:4]))
	if hlen != recordHeaderLen || 4+hlen+4 > len(b) {
		return record{}, errCorruptRecord
	}
	header := b[4 : 4+hlen]
	payload := b[4+hlen : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return record{}, errCorruptRecord
	}
	return record{
		attempts:     binary.BigEndian.Uint32(header[0:4]),
		enqueuedAtMs: int64(binary.BigEndian.Uint64(header[4:12])),
		payload:      append([]byte(nil), payload...),
	}, nil
}

// withAttempts rewrites the attempt counter of an encoded record.
func withAttempts(b []byte, attempts uint32) ([]byte, error) {
	r, err := decodeRecord(b)
	if err != nil {
		return nil, err
	}
	return encodeRecord(attempts, r.enqueuedAtMs, r.payload), nil
}
