// Package id provides a 128-bit, lexicographically sortable identifier used
// for chat message ids.
//
// # Format
//
// The ID is 16 bytes big-endian: [8 bytes ms_timestamp][2 bytes node][6 bytes sequence].
// Byte-wise comparison preserves chronological order across generators, and
// IDs minted by one generator within the same millisecond remain strictly
// increasing by sequence. The node component keeps separate processes from
// minting the same value.
//
// # Monotonicity
//
// The Generator ensures per-process monotonicity:
//   - If the system clock regresses, it pins to the last seen millisecond and
//     increments the sequence to avoid going backwards.
//   - If the sequence would overflow within a millisecond, it waits for the
//     next millisecond before emitting the next ID.
//
// Usage
//
//	g := id.NewGenerator()
//	newID := g.Next()
//	s := newID.String()      // 32 hex chars, also the JSON form
//	back, _ := id.Parse(s)
package id
