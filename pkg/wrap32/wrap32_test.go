package wrap32

import (
	"math"
	"math/rand"
	"testing"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		n    uint64
		zero Wrap32
		want Wrap32
	}{
		{n: 3 * cycle, zero: 0, want: 0},
		{n: 3*cycle + 17, zero: 15, want: 32},
		{n: 7*cycle - 2, zero: 15, want: 13},
		{n: 0, zero: math.MaxUint32, want: math.MaxUint32},
		{n: 1, zero: math.MaxUint32, want: 0},
	}
	for _, tc := range tests {
		if got := Wrap(tc.n, tc.zero); got != tc.want {
			t.Errorf("Wrap(%d, %d): want %d, got %d", tc.n, tc.zero, tc.want, got)
		}
	}
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		w          Wrap32
		zero       Wrap32
		checkpoint uint64
		want       uint64
	}{
		{w: 1, zero: 0, checkpoint: 0, want: 1},
		{w: 1, zero: 0, checkpoint: math.MaxUint32, want: cycle + 1},
		{w: math.MaxUint32 - 1, zero: 0, checkpoint: 3 * cycle, want: 3*cycle - 2},
		{w: math.MaxUint32 - 10, zero: 0, checkpoint: 3 * cycle, want: 3*cycle - 11},
		{w: math.MaxUint32, zero: 10, checkpoint: 3 * cycle, want: 3*cycle - 11},
		{w: math.MaxUint32, zero: 0, checkpoint: 0, want: math.MaxUint32},
		{w: 16, zero: 16, checkpoint: 0, want: 0},
		{w: 15, zero: 16, checkpoint: 0, want: math.MaxUint32},
		{w: 0, zero: math.MaxInt32, checkpoint: 0, want: math.MaxInt32 + 2},
		{w: math.MaxUint32, zero: math.MaxInt32, checkpoint: 0, want: 1 << 31},
		{w: math.MaxUint32, zero: 1 << 31, checkpoint: 0, want: math.MaxUint32 >> 1},
		// Exact tie between two candidates resolves to the smaller one.
		{w: 0, zero: 0, checkpoint: 1 << 31, want: 0},
		{w: 0, zero: 0, checkpoint: cycle + 1<<31, want: cycle},
		// Checkpoints at the top of the 64-bit space must not overflow.
		{w: 5, zero: 0, checkpoint: math.MaxUint64, want: math.MaxUint64 - math.MaxUint32 + 5},
		{w: math.MaxUint32, zero: 0, checkpoint: math.MaxUint64 - 3, want: math.MaxUint64},
	}
	for _, tc := range tests {
		if got := tc.w.Unwrap(tc.zero, tc.checkpoint); got != tc.want {
			t.Errorf("%d.Unwrap(%d, %d): want %d, got %d", tc.w, tc.zero, tc.checkpoint, tc.want, got)
		}
	}
}

func TestRoundTripNearCheckpoint(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const half = uint64(1) << 31
	for i := 0; i < 100000; i++ {
		zero := Wrap32(rng.Uint32())
		checkpoint := rng.Uint64() >> uint(rng.Intn(64))
		lo := uint64(0)
		if checkpoint > half {
			lo = checkpoint - half
		}
		hi := checkpoint + half - 1
		if hi < checkpoint {
			hi = math.MaxUint64
		}
		n := lo + rng.Uint64()%(hi-lo+1)
		if got := Wrap(n, zero).Unwrap(zero, checkpoint); got != n {
			t.Fatalf("unwrap(wrap(%d, %d), %d): got %d", n, zero, checkpoint, got)
		}
	}
}

func TestModularOrder(t *testing.T) {
	if !Wrap32(math.MaxUint32).LessThan(2) {
		t.Fatal("MaxUint32 must precede 2 modulo 2^32")
	}
	if !Wrap32(1).InWindow(math.MaxUint32, 3) {
		t.Fatal("1 must lie in window [MaxUint32, MaxUint32+3)")
	}
	if Wrap32(2).InWindow(math.MaxUint32, 3) {
		t.Fatal("2 must lie outside window [MaxUint32, MaxUint32+3)")
	}
}
