package capture

import (
	"math"
	"time"

	"github.com/banshee-data/phisualize/internal/frame"
)

// SyntheticSource returns a generator of encoded frames with consecutive
// sequence ids and slowly varying channel values. It feeds --dev runs that
// have no sensor bridge attached; every dropEvery-th frame is skipped so the
// loss path is exercised too (0 disables drops).
func SyntheticSource(start time.Time, dropEvery int) func() []byte {
	var seq uint16
	n := 0
	return func() []byte {
		n++
		if dropEvery > 0 && n%dropEvery == 0 {
			seq++
		}
		t := float64(n) / 50
		var s frame.Sample
		for i := range s.AudioBands {
			s.AudioBands[i] = float32(0.5 + 0.5*math.Sin(t+float64(i)/4))
		}
		s.AudioRMS = float32(0.2 + 0.1*math.Sin(t))
		s.AudioZCR = float32(0.1 + 0.05*math.Cos(t))
		s.IMU = [3]float32{float32(0.01 * math.Sin(t*3)), 0.02, 9.81}
		s.Mag = [3]float32{22, -5, float32(40 + math.Sin(t/10))}
		s.Pressure = float32(1013 + 0.5*math.Sin(t/100))
		s.Temperature = 21.5
		s.Humidity = 45
		s.Proximity = uint8(n / 10 % 256)

		f := frame.Frame{
			SequenceID:  seq,
			TimestampUS: uint32(time.Since(start).Microseconds()),
			Payload:     s.EncodePayload(),
		}
		seq++
		return frame.Encode(f)
	}
}
