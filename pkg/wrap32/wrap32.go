// Package wrap32 converts between 64-bit absolute stream offsets and the
// 32-bit wrapping sequence numbers carried on the wire.
package wrap32

import (
	"strconv"

	"github.com/google/netstack/tcpip/seqnum"
)

const cycle = uint64(1) << 32

// Wrap32 is a 32-bit sequence number. Arithmetic is modulo 2^32.
type Wrap32 uint32

// Wrap returns the sequence number of absolute offset n given the zero point.
func Wrap(n uint64, zero Wrap32) Wrap32 {
	return zero + Wrap32(uint32(n))
}

// Unwrap returns the absolute offset that wraps to w and is closest to
// checkpoint. Ties resolve to the smaller offset. Offsets never go below zero
// or above 2^64-1.
func (w Wrap32) Unwrap(zero Wrap32, checkpoint uint64) uint64 {
	offset := uint64(seqnum.Value(zero).Size(seqnum.Value(w)))
	base := checkpoint&^(cycle-1) | offset
	switch {
	case base > checkpoint:
		// base-cycle is the other candidate, valid only when base is past the first cycle.
		if base >= cycle && checkpoint-(base-cycle) <= base-checkpoint {
			return base - cycle
		}
		return base
	case base < checkpoint:
		// base+cycle is the other candidate unless it overflows.
		if base+cycle > base && base+cycle-checkpoint < checkpoint-base {
			return base + cycle
		}
		return base
	}
	return base
}

// Add advances w by n sequence numbers.
func (w Wrap32) Add(n uint32) Wrap32 { return w + Wrap32(n) }

// LessThan reports whether w comes before v in modular order.
func (w Wrap32) LessThan(v Wrap32) bool {
	return seqnum.Value(w).LessThan(seqnum.Value(v))
}

// InWindow reports whether w lies in [first, first+size) modulo 2^32.
func (w Wrap32) InWindow(first Wrap32, size uint32) bool {
	return seqnum.Value(w).InWindow(seqnum.Value(first), seqnum.Size(size))
}

// Raw returns the value as carried on the wire.
func (w Wrap32) Raw() uint32 { return uint32(w) }

func (w Wrap32) String() string { return strconv.FormatUint(uint64(w), 10) }
