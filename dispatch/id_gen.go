package dispatch

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync/atomic"
)

// idGenerator hands out correlation ids.
//
// It starts from a random value and increments atomically; uniqueness among
// outstanding calls is enforced by the Registry, which refuses to open a slot
// for an id still in use.
type idGenerator struct {
	id atomic.Uint64
}

func newIDGenerator() *idGenerator {
	gen := &idGenerator{}

	var buf [8]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err == nil {
		// ids stay below 2^52 so they are exact in float64-based JSON decoders
		gen.id.Store(binary.LittleEndian.Uint64(buf[:]) >> 12)
	}

	return gen
}

func (g *idGenerator) next() uint64 {
	return g.id.Add(1)
}
