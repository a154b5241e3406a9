// Package reassembler turns an unframed serial byte stream into validated
// frames.
//
// The stream has no link-level framing: frame boundaries are found by
// hunting for the sync marker. Bytes that cannot start a frame are thrown
// away and the accumulator is bounded so an unsynchronised stream cannot
// grow memory without limit. Gaps in the producer's sequence ids are
// reported as loss events ahead of the frame that revealed them.
//
// Framing problems never surface as errors; they show up in Stats.
package reassembler

import (
	"iter"

	"github.com/banshee-data/phisualize/internal/frame"
)

// EventKind distinguishes the two kinds of Event.
type EventKind int

const (
	// EventFrame carries a decoded frame.
	EventFrame EventKind = iota
	// EventLoss reports sequence ids skipped before the next frame.
	EventLoss
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventLoss:
		return "loss"
	default:
		return "unknown"
	}
}

// Event is one element of the sequence produced by Feed.
type Event struct {
	Kind  EventKind
	Frame frame.Frame

	// Loss events only.
	Lost   uint16
	LastID uint16
	NextID uint16
}

// Stats counts what the reassembler has seen since construction or Reset.
type Stats struct {
	Frames         uint64
	Lost           uint64
	InvalidFrames  uint64
	DiscardedBytes uint64
	Resyncs        uint64
}

// Reassembler is not safe for concurrent use.
type Reassembler struct {
	store []byte
	buf   []byte

	lastID   uint16
	haveLast bool

	pending [2]Event
	head    int
	tail    int

	stats Stats
}

// New returns an empty Reassembler.
func New() *Reassembler {
	store := make([]byte, 0, 4*frame.Size)
	return &Reassembler{store: store, buf: store}
}

// Feed appends chunk to the accumulator and returns the events it makes
// available. The sequence is lazy: frames are located and decoded as the
// caller ranges over it. Events not consumed before the caller stops are
// delivered by the next sequence returned from Feed.
func (r *Reassembler) Feed(chunk []byte) iter.Seq[Event] {
	r.compact()
	r.buf = append(r.buf, chunk...)
	r.store = r.buf[:0]
	return r.drain
}

// Buffered reports how many bytes are waiting in the accumulator.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// LastSequence returns the sequence id of the most recent frame.
func (r *Reassembler) LastSequence() (uint16, bool) {
	return r.lastID, r.haveLast
}

// Stats returns a snapshot of the counters.
func (r *Reassembler) Stats() Stats {
	return r.stats
}

// Reset drops buffered bytes, undelivered events and the last sequence id,
// so the next frame starts a fresh gap computation. Counters are cleared.
func (r *Reassembler) Reset() {
	r.buf = r.store[:0]
	r.haveLast = false
	r.lastID = 0
	r.head, r.tail = 0, 0
	r.stats = Stats{}
}

func (r *Reassembler) drain(yield func(Event) bool) {
	for {
		for r.head < r.tail {
			ev := r.pending[r.head]
			r.head++
			if !yield(ev) {
				return
			}
		}
		r.head, r.tail = 0, 0
		if !r.next() {
			return
		}
	}
}

// next locates and decodes at most one frame, queueing its events. It
// reports false when the accumulator needs more bytes.
func (r *Reassembler) next() bool {
	for len(r.buf) >= frame.Size {
		idx, ok := frame.ScanSync(r.buf)
		if !ok {
			// Keep a possible partial frame at the tail.
			r.discard(len(r.buf) - (frame.Size - 1))
			r.stats.Resyncs++
			return false
		}
		if idx > 0 {
			r.discard(idx)
			r.stats.Resyncs++
		}
		if len(r.buf) < frame.Size {
			return false
		}

		f, err := frame.Decode(r.buf[:frame.Size])
		if err != nil {
			r.stats.InvalidFrames++
			r.discard(len(frame.SyncMarker))
			continue
		}
		r.buf = r.buf[frame.Size:]
		r.stats.Frames++

		if r.haveLast {
			if lost := frame.SequenceGap(r.lastID, f.SequenceID); lost > 0 {
				r.stats.Lost += uint64(lost)
				r.push(Event{Kind: EventLoss, Lost: lost, LastID: r.lastID, NextID: f.SequenceID})
			}
		}
		r.lastID, r.haveLast = f.SequenceID, true
		r.push(Event{Kind: EventFrame, Frame: f})
		return true
	}
	return false
}

func (r *Reassembler) push(ev Event) {
	r.pending[r.tail] = ev
	r.tail++
}

func (r *Reassembler) discard(n int) {
	r.buf = r.buf[n:]
	r.stats.DiscardedBytes += uint64(n)
}

// compact moves unconsumed bytes to the front of the backing array.
func (r *Reassembler) compact() {
	r.buf = append(r.store[:0], r.buf...)
}
