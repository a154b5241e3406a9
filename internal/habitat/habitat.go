// Package habitat turns a sliding window of decoded samples into the
// fourteen summary features used to fingerprint a room's ambient state.
package habitat

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/phisualize/internal/frame"
	"github.com/banshee-data/phisualize/internal/sink"
)

// DefaultWindowSize is the number of samples each feature vector summarises.
const DefaultWindowSize = 10

// NumFeatures is the length of a feature vector.
const NumFeatures = 14

// FeatureNames lists the features in vector order.
var FeatureNames = [NumFeatures]string{
	"audio_rms_mean",
	"audio_rms_var",
	"audio_rms_delta",
	"audio_zcr_mean",
	"audio_zcr_var",
	"imu_norm_mean",
	"imu_norm_var",
	"mag_norm_mean",
	"mag_norm_var",
	"pressure_mean",
	"pressure_grad",
	"corr_audio_imu",
	"proximity_mean",
	"proximity_max",
}

// flatStdDev is the spread below which a series counts as constant and its
// correlation is reported as zero.
const flatStdDev = 1e-6

// Features is one feature vector and the window it came from.
type Features struct {
	Source    string
	SessionID string
	FirstSeq  uint16
	LastSeq   uint16
	WindowEnd time.Time
	Values    [NumFeatures]float64
}

// Map returns the features keyed by name.
func (f Features) Map() map[string]float64 {
	m := make(map[string]float64, NumFeatures)
	for i, name := range FeatureNames {
		m[name] = f.Values[i]
	}
	return m
}

// Compute summarises samples. Variances are population variances. Any value
// that comes out NaN or infinite is reported as zero, and an empty window
// yields all zeros.
func Compute(samples []frame.Sample) [NumFeatures]float64 {
	var out [NumFeatures]float64
	n := len(samples)
	if n == 0 {
		return out
	}

	rms := make([]float64, n)
	zcr := make([]float64, n)
	imu := make([]float64, n)
	mag := make([]float64, n)
	pressure := make([]float64, n)
	proximity := make([]float64, n)
	for i, s := range samples {
		rms[i] = float64(s.AudioRMS)
		zcr[i] = float64(s.AudioZCR)
		imu[i] = norm(s.IMU)
		mag[i] = norm(s.Mag)
		pressure[i] = float64(s.Pressure)
		proximity[i] = float64(s.Proximity)
	}

	out[0] = stat.Mean(rms, nil)
	out[1] = stat.PopVariance(rms, nil)
	out[2] = rms[n-1] - rms[0]
	out[3] = stat.Mean(zcr, nil)
	out[4] = stat.PopVariance(zcr, nil)
	out[5] = stat.Mean(imu, nil)
	out[6] = stat.PopVariance(imu, nil)
	out[7] = stat.Mean(mag, nil)
	out[8] = stat.PopVariance(mag, nil)
	out[9] = stat.Mean(pressure, nil)
	out[10] = pressure[n-1] - pressure[0]
	out[11] = correlation(rms, imu)
	out[12] = stat.Mean(proximity, nil)
	out[13] = floats.Max(proximity)

	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[i] = 0
		}
	}
	return out
}

func norm(v [3]float32) float64 {
	return floats.Norm([]float64{float64(v[0]), float64(v[1]), float64(v[2])}, 2)
}

func correlation(a, b []float64) float64 {
	if len(a) < 2 {
		return 0
	}
	if math.Sqrt(stat.PopVariance(a, nil)) < flatStdDev || math.Sqrt(stat.PopVariance(b, nil)) < flatStdDev {
		return 0
	}
	return stat.Correlation(a, b, nil)
}

// Window keeps the most recent records and emits a feature vector for every
// record once it is full (stride 1).
type Window struct {
	size    int
	records []sink.Record
	samples []frame.Sample
}

// NewWindow returns a window of the given size. Sizes below 2 use
// DefaultWindowSize.
func NewWindow(size int) *Window {
	if size < 2 {
		size = DefaultWindowSize
	}
	return &Window{
		size:    size,
		records: make([]sink.Record, 0, size),
		samples: make([]frame.Sample, 0, size),
	}
}

// Size returns the window length.
func (w *Window) Size() int { return w.size }

// Add appends rec and returns the features of the window ending at rec, or
// false while fewer than Size records have been seen. A record from a
// different session restarts the window.
func (w *Window) Add(rec sink.Record) (Features, bool) {
	if len(w.records) > 0 && w.records[0].SessionID != rec.SessionID {
		w.Reset()
	}
	if len(w.records) == w.size {
		copy(w.records, w.records[1:])
		w.records = w.records[:w.size-1]
	}
	w.records = append(w.records, rec)
	if len(w.records) < w.size {
		return Features{}, false
	}

	w.samples = w.samples[:0]
	for _, r := range w.records {
		w.samples = append(w.samples, r.Sample)
	}
	first, last := w.records[0], w.records[len(w.records)-1]
	return Features{
		Source:    last.Source,
		SessionID: last.SessionID,
		FirstSeq:  first.SequenceID,
		LastSeq:   last.SequenceID,
		WindowEnd: last.ReceivedAt,
		Values:    Compute(w.samples),
	}, true
}

// Reset empties the window.
func (w *Window) Reset() {
	w.records = w.records[:0]
}
