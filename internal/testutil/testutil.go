// Package testutil provides shared test utilities and fixtures.
//
// Frame builders produce wire-exact telemetry frames so reassembler, ring
// buffer and consumer tests agree on one definition of a valid stream.
package testutil

import (
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/phisualize/internal/frame"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// Sample returns a deterministic sample derived from seq. No float in it
// encodes to bytes containing the sync marker. Frames built by Frame for ids
// below 12000 carry exactly one marker, at offset 0.
func Sample(seq uint16) frame.Sample {
	base := float32(seq%100) + 1
	s := frame.Sample{
		AudioRMS:    base / 4,
		AudioZCR:    base / 8,
		IMU:         [3]float32{base, base + 1, base + 2},
		Mag:         [3]float32{base * 2, base * 3, base * 4},
		Pressure:    1000 + base,
		Temperature: 20 + base/10,
		Humidity:    40 + base/10,
		Proximity:   uint8(seq),
	}
	for i := range s.AudioBands {
		s.AudioBands[i] = base + float32(i)
	}
	return s
}

// Frame builds a decoded frame with sequence id seq.
func Frame(seq uint16) frame.Frame {
	return frame.Frame{
		SequenceID:  seq,
		TimestampUS: uint32(seq) * 1000,
		Payload:     Sample(seq).EncodePayload(),
	}
}

// FrameBytes returns the wire encoding of Frame(seq).
func FrameBytes(seq uint16) []byte {
	return frame.Encode(Frame(seq))
}

// Stream concatenates the wire encodings of frames with the given ids.
func Stream(ids ...uint16) []byte {
	out := make([]byte, 0, len(ids)*frame.Size)
	for _, id := range ids {
		out = frame.AppendEncode(out, Frame(id))
	}
	return out
}

// SegmentImage returns the bytes of a ring segment whose write index is
// writeIndex and whose slots hold the newest capacity frames, slot i%capacity
// holding Frame(uint16(i)). Tests write it to disk to start a ring at an
// index a fresh producer would take billions of pushes to reach.
func SegmentImage(writeIndex uint32, capacity int) []byte {
	img := make([]byte, 4+capacity*frame.Size)
	binary.LittleEndian.PutUint32(img, writeIndex)
	n := min(writeIndex, uint32(capacity))
	for i := writeIndex - n; i != writeIndex; i++ {
		off := 4 + int(i%uint32(capacity))*frame.Size
		copy(img[off:], FrameBytes(uint16(i)))
	}
	return img
}

// ContainsSync reports whether v's little-endian encoding contains the sync
// marker, for tests that craft payloads by hand.
func ContainsSync(v float32) bool {
	b := math.Float32bits(v)
	bytes := [4]byte{byte(b), byte(b >> 8), byte(b >> 16), byte(b >> 24)}
	for i := 0; i < 3; i++ {
		if bytes[i] == frame.SyncByte0 && bytes[i+1] == frame.SyncByte1 {
			return true
		}
	}
	return false
}
