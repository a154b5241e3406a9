package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout constants. Size is fixed for the lifetime of a deployment;
// the firmware and every reader must agree on it.
const (
	Size        = 118
	HeaderSize  = 8
	PayloadSize = Size - HeaderSize

	SyncByte0 byte = 0xAA
	SyncByte1 byte = 0xBB
)

// SyncMarker is the 2-byte frame start marker.
var SyncMarker = []byte{SyncByte0, SyncByte1}

// ErrInvalidFrame is returned by Decode for a buffer of the wrong length or
// one that does not start with the sync marker.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one decoded sampling instant.
type Frame struct {
	SequenceID  uint16
	TimestampUS uint32
	Payload     [PayloadSize]byte
}

// ScanSync returns the offset of the first sync marker in buf.
// ok is false when no complete marker is present.
func ScanSync(buf []byte) (offset int, ok bool) {
	offset = bytes.Index(buf, SyncMarker)
	return offset, offset >= 0
}

// Decode parses exactly one frame. On failure the returned Frame is the
// zero value; callers never see a partially decoded frame.
func Decode(b []byte) (Frame, error) {
	if len(b) != Size {
		return Frame{}, fmt.Errorf("%w: length %d, want %d", ErrInvalidFrame, len(b), Size)
	}
	if b[0] != SyncByte0 || b[1] != SyncByte1 {
		return Frame{}, fmt.Errorf("%w: sync %#02x %#02x", ErrInvalidFrame, b[0], b[1])
	}
	var f Frame
	f.SequenceID = binary.LittleEndian.Uint16(b[2:4])
	f.TimestampUS = binary.LittleEndian.Uint32(b[4:8])
	copy(f.Payload[:], b[HeaderSize:])
	return f, nil
}

// Encode returns the wire bytes for f.
func Encode(f Frame) []byte {
	return AppendEncode(make([]byte, 0, Size), f)
}

// AppendEncode appends the wire bytes for f to dst.
func AppendEncode(dst []byte, f Frame) []byte {
	dst = append(dst, SyncByte0, SyncByte1)
	dst = binary.LittleEndian.AppendUint16(dst, f.SequenceID)
	dst = binary.LittleEndian.AppendUint32(dst, f.TimestampUS)
	return append(dst, f.Payload[:]...)
}

// Sample decodes the payload channels of f.
func (f Frame) Sample() Sample {
	return DecodeSample(f.Payload[:])
}

// SequenceGap returns how many sequence ids were skipped between last and
// next: (next - last - 1) mod 65536. Equal ids read as a full wrap (65535).
func SequenceGap(last, next uint16) uint16 {
	return next - last - 1
}
