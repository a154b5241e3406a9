// Package ringbuf implements a single-producer ring of fixed-size frame
// slots that lives in a named shared memory segment.
//
// SEGMENT LAYOUT:
//
//	├── [0:4]  write_index u32 little-endian, producer-owned, monotonic
//	└── [4:]   capacity × slot_size bytes, slot = write_index mod capacity
//
// The producer copies a frame into its slot and only then publishes the
// incremented write index (atomic store). A consumer loads the write index
// (atomic load) before reading the slots it covers. That store/load pair is
// the only synchronisation; there are no locks and the producer never waits.
// A consumer that falls more than capacity frames behind loses the oldest
// frames and is told how many.
//
// Creating, attaching, detaching and destroying are separate operations.
// Detach only drops the caller's mapping; the segment outlives both
// processes until Destroy unlinks it.
package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the size of the write index at the start of a segment.
const HeaderSize = 4

var (
	ErrAlreadyExists   = errors.New("shared memory segment already exists")
	ErrSegmentNotFound = errors.New("shared memory segment not found")
	ErrLayoutMismatch  = errors.New("shared memory segment layout mismatch")
	ErrInvalidName     = errors.New("invalid shared memory segment name")
	ErrInvalidLayout   = errors.New("invalid ring layout")
	ErrSlotSize        = errors.New("frame does not match slot size")
	ErrReadAhead       = errors.New("read index is ahead of write index")
	ErrDetached        = errors.New("ring buffer handle is detached")
	ErrUnsupported     = errors.New("shared memory ring buffer not supported on this platform")
)

// ResourceError reports an operating system failure while acquiring or
// mapping a segment.
type ResourceError struct {
	Op   string
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("ringbuf %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Layout fixes the geometry of a ring.
type Layout struct {
	Capacity int
	SlotSize int
}

// Size is the segment size in bytes.
func (l Layout) Size() int {
	return HeaderSize + l.Capacity*l.SlotSize
}

func (l Layout) validate() error {
	if l.Capacity <= 0 || l.SlotSize <= 0 {
		return fmt.Errorf("%w: capacity %d, slot size %d", ErrInvalidLayout, l.Capacity, l.SlotSize)
	}
	return nil
}

// layoutForSize recovers a Layout from a segment size and a known slot size.
func layoutForSize(size, slotSize int) (Layout, error) {
	if slotSize <= 0 || size < HeaderSize+slotSize || (size-HeaderSize)%slotSize != 0 {
		return Layout{}, fmt.Errorf("%w: %d bytes is not %d + n×%d", ErrLayoutMismatch, size, HeaderSize, slotSize)
	}
	return Layout{Capacity: (size - HeaderSize) / slotSize, SlotSize: slotSize}, nil
}

var littleEndianHost = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// ring is the view of a mapped segment shared by both handle types.
type ring struct {
	mem    []byte
	cursor *uint32
	layout Layout
}

func newRing(mem []byte, layout Layout) (ring, error) {
	if err := layout.validate(); err != nil {
		return ring{}, err
	}
	if len(mem) != layout.Size() {
		return ring{}, fmt.Errorf("%w: mapped %d bytes, layout needs %d", ErrLayoutMismatch, len(mem), layout.Size())
	}
	if !littleEndianHost {
		return ring{}, fmt.Errorf("%w: write index is stored little-endian", ErrUnsupported)
	}
	p := unsafe.Pointer(&mem[0])
	if uintptr(p)%4 != 0 {
		return ring{}, fmt.Errorf("%w: segment base not 4-byte aligned", ErrLayoutMismatch)
	}
	return ring{mem: mem, cursor: (*uint32)(p), layout: layout}, nil
}

func (r *ring) slot(i uint32) []byte {
	off := HeaderSize + int(i%uint32(r.layout.Capacity))*r.layout.SlotSize
	return r.mem[off : off+r.layout.SlotSize]
}

func (r *ring) loadCursor() uint32 {
	return atomic.LoadUint32(r.cursor)
}

// Producer is the only handle that may write to a segment. Exactly one
// exists per segment, returned by Create.
type Producer struct {
	ring
	seg  *segment
	next uint32
}

func newProducer(mem []byte, layout Layout, seg *segment) (*Producer, error) {
	r, err := newRing(mem, layout)
	if err != nil {
		return nil, err
	}
	return &Producer{ring: r, seg: seg, next: r.loadCursor()}, nil
}

// Push copies b into the next slot and publishes it. It never blocks and,
// once capacity frames are buffered, overwrites the oldest slot. The only
// errors are caller bugs: a wrong-sized frame or a detached handle.
func (p *Producer) Push(b []byte) error {
	if p.mem == nil {
		return ErrDetached
	}
	if len(b) != p.layout.SlotSize {
		return fmt.Errorf("%w: %d bytes, slot is %d", ErrSlotSize, len(b), p.layout.SlotSize)
	}
	w := p.next
	copy(p.slot(w), b)
	atomic.StoreUint32(p.cursor, w+1)
	p.next = w + 1
	return nil
}

// WriteIndex returns the number of frames published so far (mod 2^32).
func (p *Producer) WriteIndex() uint32 {
	return p.next
}

// Layout returns the ring geometry.
func (p *Producer) Layout() Layout {
	return p.layout
}

// Detach unmaps the segment from this process without destroying it.
// Detaching twice is a no-op.
func (p *Producer) Detach() error {
	if p.mem == nil {
		return nil
	}
	p.mem, p.cursor = nil, nil
	return p.seg.close()
}

// Batch is the result of one Poll.
type Batch struct {
	// Frames holds copies of the new slots in publish order. The slices
	// share one scratch buffer owned by the Consumer and stay valid until
	// the next Poll.
	Frames [][]byte
	// Next is the read index to pass to the following Poll.
	Next uint32
	// Lost counts frames overwritten before they could be read.
	Lost uint64
}

// Consumer reads a segment it did not create. Its mapping is read-only.
type Consumer struct {
	ring
	seg     *segment
	scratch []byte
	frames  [][]byte
	indexes []uint32
}

func newConsumer(mem []byte, layout Layout, seg *segment) (*Consumer, error) {
	r, err := newRing(mem, layout)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		ring:    r,
		seg:     seg,
		scratch: make([]byte, layout.Capacity*layout.SlotSize),
		frames:  make([][]byte, 0, layout.Capacity),
		indexes: make([]uint32, 0, layout.Capacity),
	}, nil
}

// WriteIndex loads the producer's current write index.
func (c *Consumer) WriteIndex() (uint32, error) {
	if c.mem == nil {
		return 0, ErrDetached
	}
	return c.loadCursor(), nil
}

// OldestIndex returns the index of the oldest frame still held by the ring,
// the write index minus at most capacity. Readers that want the backlog
// start here; index 0 stops being a valid read index once the write index
// passes 2^31.
func (c *Consumer) OldestIndex() (uint32, error) {
	if c.mem == nil {
		return 0, ErrDetached
	}
	w := c.loadCursor()
	return w - min(w, uint32(c.layout.Capacity)), nil
}

// Layout returns the ring geometry.
func (c *Consumer) Layout() Layout {
	return c.layout
}

// Poll returns the frames published since readIndex. It never blocks; an
// empty batch means no new data. When the producer has lapped the reader,
// only the newest capacity frames are returned and the rest are counted in
// Lost.
//
// readIndex must come from WriteIndex, OldestIndex or a previous
// Batch.Next. Indexes are compared modulo 2^32, so one more than 2^31
// behind the write index cannot be told apart from one ahead of it; both
// are ErrReadAhead.
func (c *Consumer) Poll(readIndex uint32) (Batch, error) {
	if c.mem == nil {
		return Batch{}, ErrDetached
	}
	capacity := uint32(c.layout.Capacity)

	w := c.loadCursor()
	pending := w - readIndex
	if pending == 0 {
		return Batch{Next: readIndex}, nil
	}
	if pending > 1<<31 {
		return Batch{}, fmt.Errorf("%w: read %d, write %d", ErrReadAhead, readIndex, w)
	}

	var lost uint64
	r := readIndex
	if pending > capacity {
		lost = uint64(pending - capacity)
		r = w - capacity
	}

	c.frames = c.frames[:0]
	c.indexes = c.indexes[:0]
	off := 0
	for i := r; i != w; i++ {
		if overwrittenAtWrap(i, w, capacity) {
			lost++
			continue
		}
		dst := c.scratch[off : off+c.layout.SlotSize]
		copy(dst, c.slot(i))
		c.frames = append(c.frames, dst)
		c.indexes = append(c.indexes, i)
		off += c.layout.SlotSize
	}

	// The producer may have lapped us while we copied. Anything older than
	// the newest capacity entries at this point may be torn. The oldest
	// entry of a full window can still race an unpublished write; the
	// layout has no per-slot sequence to detect that.
	w2 := c.loadCursor()
	drop := 0
	for _, i := range c.indexes {
		if w2-i <= capacity {
			break
		}
		drop++
	}
	lost += uint64(drop)

	return Batch{Frames: c.frames[drop:], Next: w, Lost: lost}, nil
}

// overwrittenAtWrap reports whether index i shares a slot with a newer
// index in the window ending at w. That only happens when the window spans
// the 2^32 wrap of the write index and capacity does not divide 2^32: the
// slot sequence restarts at 0 there.
func overwrittenAtWrap(i, w, capacity uint32) bool {
	if i < w {
		return false
	}
	// i is before the wrap; slots 0..w-1 were rewritten after it.
	return i%capacity < w
}

// Detach unmaps the segment from this process without destroying it.
// Detaching twice is a no-op.
func (c *Consumer) Detach() error {
	if c.mem == nil {
		return nil
	}
	c.mem, c.cursor = nil, nil
	return c.seg.close()
}
