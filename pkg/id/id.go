package id

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier encoded as 16 bytes
// big-endian: [8 bytes ms_timestamp][2 bytes node][6 bytes sequence].
type ID [16]byte

// Zero is the empty ID.
var Zero ID

const maxSequence = 1<<48 - 1

// ErrInvalid is returned by Parse for malformed input.
var ErrInvalid = errors.New("id: invalid identifier")

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns a 32 character lowercase hex string.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// IsZero reports whether i is the zero ID.
func (i ID) IsZero() bool { return i == Zero }

// Time returns the embedded millisecond timestamp.
func (i ID) Time() time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(i[0:8]))).UTC()
}

// Node returns the generator node that minted the ID.
func (i ID) Node() uint16 { return binary.BigEndian.Uint16(i[8:10]) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != 32 {
		return out, ErrInvalid
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return Zero, ErrInvalid
	}
	return out, nil
}

// FromBytes copies a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	var out ID
	if len(b) != 16 {
		return out, ErrInvalid
	}
	copy(out[:], b)
	return out, nil
}

// Generator produces monotonically increasing IDs per process. The node
// component separates generators running in different processes.
type Generator struct {
	mu       sync.Mutex
	node     uint16
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a Generator with a random node component.
func NewGenerator() *Generator {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return &Generator{node: binary.BigEndian.Uint16(b[:])}
}

// NewGeneratorWithNode creates a Generator with a fixed node component.
func NewGeneratorWithNode(node uint16) *Generator { return &Generator{node: node} }

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If clock goes backwards, it uses lastMs and increments sequence.
// If sequence overflows within the same millisecond, it busy-waits for next ms.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence >= maxSequence {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return makeID(ms, g.node, g.sequence)
}

func makeID(ms int64, node uint16, seq uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	binary.BigEndian.PutUint16(id[8:10], node)
	copy(id[10:16], s[2:8])
	return id
}
