// Package world holds the in-memory entity model shared by every component:
// the Game Table tree (Boards, Markers, Fog, Grid) and the Chat Group /
// Message types. Entities are referenced by id, never by pointer, so they
// can be stored in flat maps and torn down at table-close without chasing
// a parent/child pointer graph.
package world

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces collision-resistant 64-bit entity ids without
// inter-peer coordination: a random high 32 bits drawn once per generator,
// combined with a monotonic low 32-bit counter.
type IDGenerator struct {
	high    uint64
	counter atomic.Uint32
}

// NewIDGenerator seeds the generator's high bits from a fresh UUID.
func NewIDGenerator() *IDGenerator {
	u := uuid.New()
	// Fold the UUID down to 32 bits for the high half of generated ids.
	var h uint32
	for i := 0; i < 16; i += 4 {
		h ^= uint32(u[i])<<24 | uint32(u[i+1])<<16 | uint32(u[i+2])<<8 | uint32(u[i+3])
	}
	return &IDGenerator{high: uint64(h) << 32}
}

// Next returns the next id from this generator.
func (g *IDGenerator) Next() uint64 {
	low := g.counter.Add(1)
	return g.high | uint64(low)
}
