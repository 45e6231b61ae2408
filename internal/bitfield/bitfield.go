// Package bitfield provides a compact set of piece indexes.
package bitfield

import (
	"encoding/hex"
	"errors"
	"math/bits"
)

var errShortBuffer = errors.New("not enough bytes in slice for specified length")

// Bitfield holds one bit per piece. 0 is the most significant bit of the first byte.
type Bitfield struct {
	b      []byte
	length int
}

// New creates a new Bitfield value of length bits.
func New(length int) *Bitfield {
	return &Bitfield{b: make([]byte, (length+7)/8), length: length}
}

// NewBytes returns a new Bitfield value from b.
// Bytes in b are copied. Unused bits in last byte are cleared.
func NewBytes(b []byte, length int) (*Bitfield, error) {
	required := (length + 7) / 8
	if len(b) < required {
		return nil, errShortBuffer
	}
	bf := &Bitfield{b: make([]byte, required), length: length}
	copy(bf.b, b[:required])
	if mod := length % 8; mod != 0 {
		bf.b[required-1] &= ^byte(0xff >> mod)
	}
	return bf, nil
}

// FromBools builds a Bitfield where bit i is set if v[i] is true.
func FromBools(v []bool) *Bitfield {
	bf := New(len(v))
	for i, ok := range v {
		if ok {
			bf.Set(i)
		}
	}
	return bf
}

// Bytes returns bytes in b. If you modify the returned slice the bits in b are modified too.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits as given to New.
func (b *Bitfield) Len() int { return b.length }

// Hex returns bytes as string.
func (b *Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Set bit i. Indexes out of range are ignored.
func (b *Bitfield) Set(i int) {
	if !b.inRange(i) {
		return
	}
	b.b[i/8] |= 1 << (7 - uint(i%8))
}

// Clear bit i. Indexes out of range are ignored.
func (b *Bitfield) Clear(i int) {
	if !b.inRange(i) {
		return
	}
	b.b[i/8] &= ^(1 << (7 - uint(i%8)))
}

// SetTo sets bit i to value.
func (b *Bitfield) SetTo(i int, value bool) {
	if value {
		b.Set(i)
	} else {
		b.Clear(i)
	}
}

// Test bit i. Indexes out of range report false.
func (b *Bitfield) Test(i int) bool {
	if b == nil || !b.inRange(i) {
		return false
	}
	return b.b[i/8]&(1<<(7-uint(i%8))) != 0
}

// Count returns the count of set bits.
func (b *Bitfield) Count() int {
	if b == nil {
		return 0
	}
	var total int
	for _, v := range b.b {
		total += bits.OnesCount8(v)
	}
	return total
}

// CountRange returns the count of set bits in [first, last].
func (b *Bitfield) CountRange(first, last int) int {
	var total int
	for i := first; i <= last; i++ {
		if b.Test(i) {
			total++
		}
	}
	return total
}

// Copy returns an independent copy of b.
func (b *Bitfield) Copy() *Bitfield {
	c := &Bitfield{b: make([]byte, len(b.b)), length: b.length}
	copy(c.b, b.b)
	return c
}

func (b *Bitfield) inRange(i int) bool {
	return i >= 0 && i < b.length
}
