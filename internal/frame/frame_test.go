package frame

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSample() Sample {
	s := Sample{
		AudioRMS:    0.25,
		AudioZCR:    0.125,
		IMU:         [3]float32{0.01, -0.02, 9.81},
		Mag:         [3]float32{21.5, -3.25, 40},
		Pressure:    1013.25,
		Temperature: 21.5,
		Humidity:    48,
		Proximity:   7,
	}
	for i := range s.AudioBands {
		s.AudioBands[i] = float32(i) * 1.5
	}
	return s
}

func TestDecodeRoundTrip(t *testing.T) {
	in := Frame{SequenceID: 0xBEEF, TimestampUS: 0x01020304, Payload: testSample().EncodePayload()}
	raw := Encode(in)
	require.Len(t, raw, Size)

	assert.Equal(t, []byte{0xAA, 0xBB, 0xEF, 0xBE, 0x04, 0x03, 0x02, 0x01}, raw[:HeaderSize])

	got, err := Decode(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}

	again, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, got, again, "decode must be deterministic")
	assert.Equal(t, raw, Encode(got))
}

func TestDecodeInvalid(t *testing.T) {
	valid := Encode(Frame{SequenceID: 1})

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short", valid[:Size-1]},
		{"long", append(append([]byte{}, valid...), 0)},
		{"bad first sync byte", append([]byte{0xAB}, valid[1:]...)},
		{"bad second sync byte", append([]byte{0xAA, 0x00}, valid[2:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.buf)
			require.ErrorIs(t, err, ErrInvalidFrame)
			assert.Equal(t, Frame{}, f)
		})
	}
}

func TestScanSync(t *testing.T) {
	tests := []struct {
		name   string
		buf    []byte
		offset int
		ok     bool
	}{
		{"empty", nil, -1, false},
		{"at start", []byte{0xAA, 0xBB, 1}, 0, true},
		{"after garbage", []byte{1, 2, 0xAA, 3, 0xAA, 0xBB}, 4, true},
		{"split marker", []byte{1, 2, 0xAA}, -1, false},
		{"reversed", []byte{0xBB, 0xAA}, -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, ok := ScanSync(tt.buf)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.offset, offset)
		})
	}
}

func TestSequenceGap(t *testing.T) {
	tests := []struct {
		last, next uint16
		want       uint16
	}{
		{10, 11, 0},
		{10, 13, 2},
		{65535, 0, 0},
		{65534, 1, 2},
		{5, 5, 65535},
		{100, 99, 65534},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SequenceGap(tt.last, tt.next), "last=%d next=%d", tt.last, tt.next)
	}
}

func TestSampleFields(t *testing.T) {
	s := testSample()
	p := s.EncodePayload()
	decoded := DecodeSample(p[:])
	assert.Equal(t, s, decoded)

	fields := decoded.Fields()
	require.Len(t, fields, len(ChannelNames))
	assert.Equal(t, 28, len(ChannelNames))
	assert.InDelta(t, 22.5, fields["audio_band_15"], 1e-6)
	assert.InDelta(t, 9.81, fields["imu_z"], 1e-5)
	assert.InDelta(t, 1013.25, fields["pressure"], 1e-6)
	assert.Equal(t, 7.0, fields["proximity"])
	assert.Equal(t, "proximity", ChannelNames[len(ChannelNames)-1])
}

func TestDecodeSamplePanicsOnShortPayload(t *testing.T) {
	assert.Panics(t, func() { DecodeSample(make([]byte, PayloadSize-1)) })
}

func TestSampleFromValues(t *testing.T) {
	s := testSample()
	s.Padding = 0
	got, err := SampleFromValues(s.Values())
	require.NoError(t, err)
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("SampleFromValues mismatch (-want +got):\n%s", diff)
	}

	_, err = SampleFromValues(make([]float64, 3))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
