// Package capture runs the capture daemon: it owns the serial link and the
// producer side of the ring buffer, turning the raw byte stream into
// published frames and keeping loss statistics.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/phisualize/internal/frame"
	"github.com/banshee-data/phisualize/internal/lifecycle"
	"github.com/banshee-data/phisualize/internal/monitoring"
	"github.com/banshee-data/phisualize/internal/reassembler"
	"github.com/banshee-data/phisualize/internal/ringbuf"
	"github.com/banshee-data/phisualize/internal/serialmux"
)

var logf = monitoring.Component("capture")

// ErrNotStarted is returned by Run before a successful Start.
var ErrNotStarted = errors.New("capture daemon not started")

// Config is everything the daemon needs to acquire its resources.
type Config struct {
	SegmentName    string
	Capacity       int
	SegmentOptions ringbuf.Options
	SerialPath     string
	PortOptions    serialmux.PortOptions
	Retry          serialmux.RetryPolicy
}

// Totals is a snapshot of the daemon's counters.
type Totals struct {
	SessionID      string          `json:"session_id"`
	State          lifecycle.State `json:"state"`
	FramesCaptured uint64          `json:"frames_captured"`
	FramesLost     uint64          `json:"frames_lost"`
	LossRate       float64         `json:"loss_rate"`
	LossEvents     uint64          `json:"loss_events"`
	InvalidFrames  uint64          `json:"invalid_frames"`
	DiscardedBytes uint64          `json:"discarded_bytes"`
	Resyncs        uint64          `json:"resyncs"`
	WriteIndex     uint32          `json:"write_index"`
}

// LossRate is lost / (captured + lost), or 0 before any frame was seen.
func LossRate(captured, lost uint64) float64 {
	if captured+lost == 0 {
		return 0
	}
	return float64(lost) / float64(captured+lost)
}

// Daemon moves frames from the serial link into the ring buffer. Start
// acquires the segment and the port, Run loops until shutdown.
type Daemon struct {
	cfg       Config
	factory   serialmux.SerialPortFactory
	sessionID string

	state    lifecycle.Tracker
	producer *ringbuf.Producer
	mux      *serialmux.SerialMux[serialmux.SerialPorter]
	reasm    *reassembler.Reassembler
	scratch  []byte

	captured   atomic.Uint64
	lost       atomic.Uint64
	lossEvents atomic.Uint64
	writeIndex atomic.Uint32

	// reassembler counters are copied here after every chunk so Totals can
	// be read from other goroutines.
	statsMu sync.Mutex
	stats   reassembler.Stats
}

// New returns a daemon in lifecycle.Starting. No resources are acquired yet.
func New(cfg Config, factory serialmux.SerialPortFactory) *Daemon {
	if factory == nil {
		factory = serialmux.RealPortFactory{}
	}
	d := &Daemon{
		cfg:       cfg,
		factory:   factory,
		sessionID: uuid.NewString(),
		reasm:     reassembler.New(),
		scratch:   make([]byte, 0, frame.Size),
	}
	d.state.OnChange = func(_, to lifecycle.State) {
		logf("session %s: %s", d.sessionID, to)
	}
	return d
}

// SessionID identifies this run in logs and admin output.
func (d *Daemon) SessionID() string { return d.sessionID }

// State returns the current lifecycle state.
func (d *Daemon) State() lifecycle.State { return d.state.Load() }

// Start creates the ring buffer segment and opens the serial link. Either
// failure is returned immediately. If the port cannot be opened the segment
// created a moment earlier is removed again, since no frame was ever
// published into it.
func (d *Daemon) Start() error {
	if d.producer != nil {
		return errors.New("capture daemon already started")
	}
	layout := ringbuf.Layout{Capacity: d.cfg.Capacity, SlotSize: frame.Size}
	producer, err := ringbuf.Create(d.cfg.SegmentName, layout, d.cfg.SegmentOptions)
	if err != nil {
		return fmt.Errorf("create ring buffer: %w", err)
	}

	port, err := d.factory.Open(d.cfg.SerialPath, d.cfg.PortOptions)
	if err != nil {
		err = fmt.Errorf("open serial port %s: %w", d.cfg.SerialPath, err)
		return errors.Join(err, producer.Detach(), ringbuf.Destroy(d.cfg.SegmentName, d.cfg.SegmentOptions))
	}

	d.producer = producer
	d.writeIndex.Store(producer.WriteIndex())
	d.mux = serialmux.NewSerialMux(port)
	d.mux.SetRetryPolicy(d.cfg.Retry)
	logf("session %s: segment %q (%d x %d bytes), serial %s", d.sessionID,
		d.cfg.SegmentName, layout.Capacity, layout.SlotSize, d.cfg.SerialPath)
	return nil
}

// Run captures until ctx is cancelled or the serial link fails
// persistently. Either way it detaches from the segment (leaving it in
// place for consumers) and closes the port before returning. A cancelled
// context is a clean shutdown and returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	if d.producer == nil {
		return ErrNotStarted
	}
	d.state.Advance(lifecycle.Running)

	runErr := d.mux.Monitor(ctx, d.handleChunk)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}
	if runErr != nil {
		logf("session %s: capture loop stopped: %v", d.sessionID, runErr)
	}

	d.state.Advance(lifecycle.Draining)
	detachErr := d.producer.Detach()
	closeErr := d.mux.Close()
	d.state.Advance(lifecycle.Stopped)

	t := d.Totals()
	logf("session %s: frames_captured=%d frames_lost=%d loss_rate=%.4f", d.sessionID,
		t.FramesCaptured, t.FramesLost, t.LossRate)

	return errors.Join(runErr, detachErr, closeErr)
}

func (d *Daemon) handleChunk(chunk []byte) error {
	for ev := range d.reasm.Feed(chunk) {
		switch ev.Kind {
		case reassembler.EventLoss:
			d.lost.Add(uint64(ev.Lost))
			d.lossEvents.Add(1)
			logf("session %s: lost %d frames between %d and %d", d.sessionID, ev.Lost, ev.LastID, ev.NextID)
		case reassembler.EventFrame:
			d.scratch = frame.AppendEncode(d.scratch[:0], ev.Frame)
			if err := d.producer.Push(d.scratch); err != nil {
				return fmt.Errorf("push frame %d: %w", ev.Frame.SequenceID, err)
			}
			d.captured.Add(1)
		}
	}
	d.writeIndex.Store(d.producer.WriteIndex())

	d.statsMu.Lock()
	d.stats = d.reasm.Stats()
	d.statsMu.Unlock()
	return nil
}

// Totals returns the current counters. Safe to call from any goroutine.
func (d *Daemon) Totals() Totals {
	d.statsMu.Lock()
	stats := d.stats
	d.statsMu.Unlock()

	captured, lost := d.captured.Load(), d.lost.Load()
	return Totals{
		SessionID:      d.sessionID,
		State:          d.State(),
		FramesCaptured: captured,
		FramesLost:     lost,
		LossRate:       LossRate(captured, lost),
		LossEvents:     d.lossEvents.Load(),
		InvalidFrames:  stats.InvalidFrames,
		DiscardedBytes: stats.DiscardedBytes,
		Resyncs:        stats.Resyncs,
		WriteIndex:     d.writeIndex.Load(),
	}
}
