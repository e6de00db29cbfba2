package queue

import "encoding/binary"

// Keyspace, all under q/:
//
//	q/meta                          lastSeq (8B)
//	q/msg/{seq}                     record (see record.go)
//	q/ready/{seq}                   available for dequeue, FIFO by seq
//	q/delay/{ready_at_ms}/{seq}     waiting for backoff to elapse
//	q/lease/{seq}                   expires_ms (8B) | token (8B)
//	q/lease_idx/{expires_ms}/{seq}  lease expiry index for reclaim
const (
	prefixRoot     = "q/"
	prefixMsg      = prefixRoot + "msg/"
	prefixReady    = prefixRoot + "ready/"
	prefixDelay    = prefixRoot + "delay/"
	prefixLease    = prefixRoot + "lease/"
	prefixLeaseIdx = prefixRoot + "lease_idx/"
)

var metaKey = []byte(prefixRoot + "meta")

func seqKey(prefix string, seq uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], seq)
	return k
}

func timedKey(prefix string, ms int64, seq uint64) []byte {
	k := make([]byte, len(prefix)+16)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(ms))
	binary.BigEndian.PutUint64(k[len(prefix)+8:], seq)
	return k
}

func msgKey(seq uint64) []byte   { return seqKey(prefixMsg, seq) }
func readyKey(seq uint64) []byte { return seqKey(prefixReady, seq) }
func leaseKey(seq uint64) []byte { return seqKey(prefixLease, seq) }

func delayKey(readyAtMs int64, seq uint64) []byte { return timedKey(prefixDelay, readyAtMs, seq) }
func leaseIdxKey(expMs int64, seq uint64) []byte  { return timedKey(prefixLeaseIdx, expMs, seq) }

// parseSeqKey returns the trailing sequence of a q/{kind}/{seq} key.
func parseSeqKey(prefix string, k []byte) (uint64, bool) {
	if len(k) != len(prefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k[len(prefix):]), true
}

// parseTimedKey splits a q/{kind}/{ms}/{seq} key.
func parseTimedKey(prefix string, k []byte) (int64, uint64, bool) {
	if len(k) != len(prefix)+16 {
		return 0, 0, false
	}
	ms := int64(binary.BigEndian.Uint64(k[len(prefix):]))
	seq := binary.BigEndian.Uint64(k[len(prefix)+8:])
	return ms, seq, true
}
