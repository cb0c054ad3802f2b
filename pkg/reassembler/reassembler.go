// Package reassembler turns byte ranges that arrive in any order, possibly
// overlapping or duplicated, back into a contiguous stream.
package reassembler

import (
	"github.com/google/btree"
	"go.uber.org/zap"

	"tcp-tcp-team-pa/pkg/bytestream"
)

const btreeDegree = 8

// span is a run of bytes held out of order, starting at absolute index start.
type span struct {
	start uint64
	data  []byte
}

func (s span) end() uint64 { return s.start + uint64(len(s.data)) }

func spanLess(a, b span) bool { return a.start < b.start }

// Reassembler writes bytes into its output stream in index order as soon as
// they become contiguous, and holds the rest until the gaps are filled.
type Reassembler struct {
	output  *bytestream.ByteStream
	pending *btree.BTreeG[span] // non-overlapping, non-adjacent runs keyed by start
	nbytes  uint64              // total bytes held in pending
	next    uint64              // absolute index of the next byte the output expects
	hasLast bool                // the final index of the stream is known
	last    uint64              // absolute index one past the final byte
	log     *zap.Logger
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithLogger sets the logger used to report dropped bytes.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reassembler) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a Reassembler that writes into output.
func New(output *bytestream.ByteStream, opts ...Option) *Reassembler {
	r := &Reassembler{
		output:  output,
		pending: btree.NewG[span](btreeDegree, spanLess),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert offers data whose first byte sits at absolute index firstIndex.
// isLast marks data's final byte as the final byte of the whole stream.
// Bytes already delivered and bytes past the output's free capacity are
// discarded.
func (r *Reassembler) Insert(firstIndex uint64, data []byte, isLast bool) {
	w := r.output.Writer()
	if w.HasError() {
		return
	}
	if len(data) == 0 {
		if isLast {
			r.hasLast = true
			r.last = firstIndex
			r.closeIfDone()
		}
		return
	}

	// Acceptance window is [next, next+available).
	windowEnd := r.next + w.AvailableCapacity()
	end := firstIndex + uint64(len(data))
	if end <= r.next || firstIndex >= windowEnd {
		r.log.Debug("reassembler: segment outside window",
			zap.Uint64("first_index", firstIndex),
			zap.Int("len", len(data)),
			zap.Uint64("next", r.next),
			zap.Uint64("window_end", windowEnd),
		)
		return
	}
	if end > windowEnd {
		data = data[:windowEnd-firstIndex]
		end = windowEnd
		isLast = false
	}
	if isLast {
		r.hasLast = true
		r.last = end
	}

	if firstIndex > r.next {
		r.store(firstIndex, data)
		return
	}
	r.write(data[r.next-firstIndex:])
	r.drain()
	r.closeIfDone()
}

// CountBytesPending returns the number of bytes held out of order.
func (r *Reassembler) CountBytesPending() uint64 { return r.nbytes }

// NextIndex returns the absolute index of the next byte the output expects.
func (r *Reassembler) NextIndex() uint64 { return r.next }

// Reader returns the read side of the output stream.
func (r *Reassembler) Reader() *bytestream.Reader { return r.output.Reader() }

// Writer returns the write side of the output stream for inspection.
func (r *Reassembler) Writer() *bytestream.Writer { return r.output.Writer() }

// SetError marks the output stream as permanently failed.
func (r *Reassembler) SetError() { r.output.Writer().SetError() }

func (r *Reassembler) write(data []byte) {
	r.output.Writer().Push(data)
	r.next += uint64(len(data))
}

// store inserts [start, start+len(data)) into the pending set, merging it with
// every run it overlaps or touches so the set stays coalesced.
func (r *Reassembler) store(start uint64, data []byte) {
	end := start + uint64(len(data))
	merged := span{start: start, data: data}

	// Predecessor that overlaps or touches the new run.
	if prev, ok := r.predecessor(start); ok && prev.end() >= start {
		if prev.end() >= end {
			return // Already held in full.
		}
		merged = span{start: prev.start, data: append(prev.data[:len(prev.data):len(prev.data)], data[prev.end()-start:]...)}
		r.remove(prev)
	} else {
		merged.data = append([]byte(nil), data...)
	}

	// Successors that start inside or right after the merged run.
	var absorbed []span
	r.pending.AscendGreaterOrEqual(span{start: merged.start}, func(s span) bool {
		if s.start > merged.end() {
			return false
		}
		absorbed = append(absorbed, s)
		return true
	})
	for _, s := range absorbed {
		if s.end() > merged.end() {
			merged.data = append(merged.data, s.data[merged.end()-s.start:]...)
		}
		r.remove(s)
	}

	r.pending.ReplaceOrInsert(merged)
	r.nbytes += uint64(len(merged.data))
}

func (r *Reassembler) predecessor(start uint64) (prev span, ok bool) {
	r.pending.DescendLessOrEqual(span{start: start}, func(s span) bool {
		prev, ok = s, true
		return false
	})
	return prev, ok
}

func (r *Reassembler) remove(s span) {
	r.pending.Delete(s)
	r.nbytes -= uint64(len(s.data))
}

// drain moves every pending run that has become contiguous into the output.
func (r *Reassembler) drain() {
	for {
		first, ok := r.pending.Min()
		if !ok || first.start > r.next {
			return
		}
		r.remove(first)
		if first.end() > r.next {
			r.write(first.data[r.next-first.start:])
		}
	}
}

func (r *Reassembler) closeIfDone() {
	if r.hasLast && r.next >= r.last {
		r.output.Writer().Close()
	}
}
