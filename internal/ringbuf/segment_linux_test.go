//go:build linux

package ringbuf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/phisualize/internal/frame"
	"github.com/banshee-data/phisualize/internal/testutil"
)

func testOptions(t *testing.T) Options {
	return Options{Dir: t.TempDir()}
}

func TestCreateAttachRoundTrip(t *testing.T) {
	opts := testOptions(t)
	layout := Layout{Capacity: 100, SlotSize: frame.Size}

	p, err := Create("phisualize_buffer", layout, opts)
	require.NoError(t, err)
	defer p.Detach()

	fi, err := os.Stat(filepath.Join(opts.Dir, "phisualize_buffer"))
	require.NoError(t, err)
	assert.Equal(t, int64(4+100*118), fi.Size())

	for id := uint16(0); id < 5; id++ {
		require.NoError(t, p.Push(testutil.FrameBytes(id)))
	}

	c, err := Attach("phisualize_buffer", frame.Size, opts)
	require.NoError(t, err)
	defer c.Detach()
	assert.Equal(t, layout, c.Layout())

	b, err := c.Poll(0)
	require.NoError(t, err)
	require.Len(t, b.Frames, 5)
	for i, raw := range b.Frames {
		f, err := frame.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, testutil.Frame(uint16(i)), f)
	}
}

func TestWriteIndexIsLittleEndianOnDisk(t *testing.T) {
	opts := testOptions(t)
	p, err := Create("idx", Layout{Capacity: 2, SlotSize: 4}, opts)
	require.NoError(t, err)
	defer p.Detach()

	for i := 0; i < 258; i++ {
		require.NoError(t, p.Push([]byte{1, 2, 3, 4}))
	}
	raw, err := os.ReadFile(filepath.Join(opts.Dir, "idx"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 0x00, 0x00}, raw[:4])
}

func TestCreateAlreadyExists(t *testing.T) {
	opts := testOptions(t)
	layout := Layout{Capacity: 4, SlotSize: frame.Size}

	p, err := Create("seg", layout, opts)
	require.NoError(t, err)
	defer p.Detach()

	_, err = Create("seg", layout, opts)
	require.ErrorIs(t, err, ErrAlreadyExists)
	var rerr *ResourceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "create", rerr.Op)
}

func TestCreateReclaim(t *testing.T) {
	opts := testOptions(t)
	layout := Layout{Capacity: 4, SlotSize: frame.Size}

	stale, err := Create("seg", layout, opts)
	require.NoError(t, err)
	require.NoError(t, stale.Push(testutil.FrameBytes(1)))
	require.NoError(t, stale.Detach())

	opts.Reclaim = true
	p, err := Create("seg", layout, opts)
	require.NoError(t, err)
	defer p.Detach()
	assert.Equal(t, uint32(0), p.WriteIndex())

	info, err := Stat("seg", frame.Size, opts)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), info.WriteIndex)
}

func TestAttachNotFound(t *testing.T) {
	_, err := Attach("missing", frame.Size, testOptions(t))
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestAttachLayoutMismatch(t *testing.T) {
	opts := testOptions(t)
	require.NoError(t, os.WriteFile(filepath.Join(opts.Dir, "odd"), make([]byte, 4+frame.Size+3), 0o600))
	_, err := Attach("odd", frame.Size, opts)
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestOldestIndexPastHalfRange(t *testing.T) {
	opts := testOptions(t)
	const w = 1<<31 + 8
	require.NoError(t, os.WriteFile(filepath.Join(opts.Dir, "late"), testutil.SegmentImage(w, 4), 0o600))

	c, err := Attach("late", frame.Size, opts)
	require.NoError(t, err)
	defer c.Detach()

	start, err := c.OldestIndex()
	require.NoError(t, err)
	assert.Equal(t, uint32(w-4), start)

	batch, err := c.Poll(start)
	require.NoError(t, err)
	assert.Equal(t, uint32(w), batch.Next)
	assert.Zero(t, batch.Lost)
	require.Len(t, batch.Frames, 4)
	for k, b := range batch.Frames {
		assert.Equal(t, testutil.FrameBytes(uint16(w-4+k)), b)
	}

	// Index 0 is more than 2^31 behind and reads as ahead of the writer.
	_, err = c.Poll(0)
	assert.ErrorIs(t, err, ErrReadAhead)
}

func TestOldestIndexBeforeFirstLap(t *testing.T) {
	opts := testOptions(t)
	p, err := Create("early", Layout{Capacity: 8, SlotSize: frame.Size}, opts)
	require.NoError(t, err)
	defer p.Detach()
	require.NoError(t, p.Push(testutil.FrameBytes(0)))
	require.NoError(t, p.Push(testutil.FrameBytes(1)))

	c, err := Attach("early", frame.Size, opts)
	require.NoError(t, err)
	start, err := c.OldestIndex()
	require.NoError(t, err)
	assert.Zero(t, start)

	require.NoError(t, c.Detach())
	_, err = c.OldestIndex()
	assert.ErrorIs(t, err, ErrDetached)
}

func TestDetachKeepsSegment(t *testing.T) {
	opts := testOptions(t)
	p, err := Create("keep", Layout{Capacity: 8, SlotSize: frame.Size}, opts)
	require.NoError(t, err)
	for id := uint16(0); id < 3; id++ {
		require.NoError(t, p.Push(testutil.FrameBytes(id)))
	}

	first, err := Attach("keep", frame.Size, opts)
	require.NoError(t, err)
	require.NoError(t, first.Detach())
	require.NoError(t, p.Detach())

	second, err := Attach("keep", frame.Size, opts)
	require.NoError(t, err, "a detached segment must still be attachable")
	defer second.Detach()

	w, err := second.WriteIndex()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), w)

	b, err := second.Poll(0)
	require.NoError(t, err)
	assert.Len(t, b.Frames, 3)
}

func TestDestroy(t *testing.T) {
	opts := testOptions(t)
	p, err := Create("gone", Layout{Capacity: 2, SlotSize: frame.Size}, opts)
	require.NoError(t, err)
	require.NoError(t, p.Detach())

	require.NoError(t, Destroy("gone", opts))
	_, err = Attach("gone", frame.Size, opts)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
	assert.ErrorIs(t, Destroy("gone", opts), ErrSegmentNotFound)
}

func TestConsumerMappingIsReadOnlyView(t *testing.T) {
	opts := testOptions(t)
	p, err := Create("live", Layout{Capacity: 4, SlotSize: frame.Size}, opts)
	require.NoError(t, err)
	defer p.Detach()

	c, err := Attach("live", frame.Size, opts)
	require.NoError(t, err)
	defer c.Detach()

	// Writes made after attaching are visible through the shared mapping.
	require.NoError(t, p.Push(testutil.FrameBytes(9)))
	b, err := c.Poll(0)
	require.NoError(t, err)
	require.Len(t, b.Frames, 1)
	assert.Equal(t, testutil.FrameBytes(9), b.Frames[0])
}

func TestInvalidNames(t *testing.T) {
	opts := testOptions(t)
	for _, name := range []string{"", "/", "a/b", "..", "."} {
		_, err := Create(name, Layout{Capacity: 1, SlotSize: 1}, opts)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}

	// A leading slash is accepted, as shm_open names carry one.
	p, err := Create("/slashed", Layout{Capacity: 1, SlotSize: 1}, opts)
	require.NoError(t, err)
	defer p.Detach()
	_, err = os.Stat(filepath.Join(opts.Dir, "slashed"))
	assert.NoError(t, err)
}
