package frame

import (
	"math/rand/v2"
	"sync"
)

// IDSource draws the 16-bit request ids and nonces placed in request frames.
type IDSource interface {
	Uint16() uint16
}

type randomSource struct{}

func (randomSource) Uint16() uint16 {
	return uint16(rand.Uint32() >> 16)
}

// Random returns a uniform source over [0, 65536).
func Random() IDSource {
	return randomSource{}
}

// Sequence is a deterministic IDSource. It yields the given values in order,
// then keeps counting up from the last one.
type Sequence struct {
	mu   sync.Mutex
	vals []uint16
	next uint16
}

// NewSequence builds a Sequence. With no values it counts from 1.
func NewSequence(vals ...uint16) *Sequence {
	return &Sequence{vals: vals, next: 1}
}

func (s *Sequence) Uint16() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.vals) > 0 {
		v := s.vals[0]
		s.vals = s.vals[1:]
		s.next = v + 1
		return v
	}
	v := s.next
	s.next++
	return v
}
