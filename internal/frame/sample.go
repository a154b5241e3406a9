package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Channel counts of the reference payload.
const (
	AudioBands    = 16
	FloatChannels = 27
)

// Sample holds the decoded payload channels of one frame. Field order
// matches the payload order.
type Sample struct {
	AudioBands  [AudioBands]float32
	AudioRMS    float32
	AudioZCR    float32
	IMU         [3]float32
	Mag         [3]float32
	Pressure    float32
	Temperature float32
	Humidity    float32
	Proximity   uint8
	Padding     uint8
}

// ChannelNames lists the record field names in payload order. Proximity is
// last; padding is not a channel.
var ChannelNames = func() []string {
	names := make([]string, 0, FloatChannels+1)
	for i := 0; i < AudioBands; i++ {
		names = append(names, fmt.Sprintf("audio_band_%d", i))
	}
	return append(names,
		"audio_rms", "audio_zcr",
		"imu_x", "imu_y", "imu_z",
		"mag_x", "mag_y", "mag_z",
		"pressure", "temperature", "humidity",
		"proximity",
	)
}()

// DecodeSample decodes a payload. payload must be PayloadSize bytes; a
// shorter slice panics, as it indicates a caller bug rather than bad input.
func DecodeSample(payload []byte) Sample {
	_ = payload[PayloadSize-1]
	var f [FloatChannels]float32
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	var s Sample
	copy(s.AudioBands[:], f[0:16])
	s.AudioRMS, s.AudioZCR = f[16], f[17]
	copy(s.IMU[:], f[18:21])
	copy(s.Mag[:], f[21:24])
	s.Pressure, s.Temperature, s.Humidity = f[24], f[25], f[26]
	s.Proximity = payload[FloatChannels*4]
	s.Padding = payload[FloatChannels*4+1]
	return s
}

// EncodePayload is the inverse of DecodeSample.
func (s Sample) EncodePayload() [PayloadSize]byte {
	var p [PayloadSize]byte
	for i, v := range s.Values()[:FloatChannels] {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(float32(v)))
	}
	p[FloatChannels*4] = s.Proximity
	p[FloatChannels*4+1] = s.Padding
	return p
}

// Values returns the channel values in ChannelNames order.
func (s Sample) Values() []float64 {
	v := make([]float64, 0, len(ChannelNames))
	for _, b := range s.AudioBands {
		v = append(v, float64(b))
	}
	return append(v,
		float64(s.AudioRMS), float64(s.AudioZCR),
		float64(s.IMU[0]), float64(s.IMU[1]), float64(s.IMU[2]),
		float64(s.Mag[0]), float64(s.Mag[1]), float64(s.Mag[2]),
		float64(s.Pressure), float64(s.Temperature), float64(s.Humidity),
		float64(s.Proximity),
	)
}

// Fields returns the channel values keyed by ChannelNames.
func (s Sample) Fields() map[string]float64 {
	values := s.Values()
	fields := make(map[string]float64, len(values))
	for i, name := range ChannelNames {
		fields[name] = values[i]
	}
	return fields
}

// SampleFromValues is the inverse of Values. Padding is left zero.
func SampleFromValues(v []float64) (Sample, error) {
	var s Sample
	if len(v) != len(ChannelNames) {
		return s, fmt.Errorf("%w: %d channel values, want %d", ErrInvalidFrame, len(v), len(ChannelNames))
	}
	for i := range s.AudioBands {
		s.AudioBands[i] = float32(v[i])
	}
	rest := v[AudioBands:]
	s.AudioRMS, s.AudioZCR = float32(rest[0]), float32(rest[1])
	s.IMU = [3]float32{float32(rest[2]), float32(rest[3]), float32(rest[4])}
	s.Mag = [3]float32{float32(rest[5]), float32(rest[6]), float32(rest[7])}
	s.Pressure, s.Temperature, s.Humidity = float32(rest[8]), float32(rest[9]), float32(rest[10])
	s.Proximity = uint8(rest[11])
	return s, nil
}
