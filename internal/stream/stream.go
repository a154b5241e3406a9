// Package stream runs the stream consumer: it attaches to the ring buffer a
// capture daemon created, decodes every new frame into a record and forwards
// records in batches to a sink.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"

	"github.com/banshee-data/phisualize/internal/frame"
	"github.com/banshee-data/phisualize/internal/habitat"
	"github.com/banshee-data/phisualize/internal/lifecycle"
	"github.com/banshee-data/phisualize/internal/monitoring"
	"github.com/banshee-data/phisualize/internal/ringbuf"
	"github.com/banshee-data/phisualize/internal/sink"
	"github.com/banshee-data/phisualize/internal/timeutil"
)

var logf = monitoring.Component("stream")

// ErrNotAttached is returned by Run and PollOnce before Attach.
var ErrNotAttached = errors.New("stream consumer not attached")

// flushTimeout bounds the final flush after shutdown has been requested.
const flushTimeout = 5 * time.Second

// Config controls one consumer.
type Config struct {
	SegmentName    string
	SegmentOptions ringbuf.Options
	PollInterval   time.Duration
	BatchSize      int
	Source         string
	Host           string
	// StartLatest skips frames already in the segment at attach time.
	// Otherwise reading starts at the oldest frame the ring still holds.
	StartLatest bool
	// HabitatWindow is the feature window length; 0 disables features.
	HabitatWindow int
}

// FeatureStore receives habitat feature vectors.
type FeatureStore interface {
	InsertFeatures(ctx context.Context, features []habitat.Features) error
}

// Totals is a snapshot of the consumer's counters.
type Totals struct {
	SessionID         string          `json:"session_id"`
	State             lifecycle.State `json:"state"`
	ReadIndex         uint32          `json:"read_index"`
	FramesConsumed    uint64          `json:"frames_consumed"`
	FramesOverwritten uint64          `json:"frames_overwritten"`
	SequenceLost      uint64          `json:"sequence_lost"`
	InvalidFrames     uint64          `json:"invalid_frames"`
	BatchesWritten    uint64          `json:"batches_written"`
	BatchesDropped    uint64          `json:"batches_dropped"`
	FeaturesWritten   uint64          `json:"features_written"`
}

// HostID returns an app-scoped machine identifier, or "" when the host does
// not expose one.
func HostID() string {
	id, err := machineid.ProtectedID("phisualize")
	if err != nil {
		logf("machine id unavailable: %v", err)
		return ""
	}
	return id[:16]
}

// Consumer moves frames from the ring buffer to a sink. Attach, then Run.
// PollOnce and Flush are exported for callers that drive the loop
// themselves; none of the methods except Totals and State are safe for
// concurrent use.
type Consumer struct {
	cfg       Config
	sink      sink.Sink
	features  FeatureStore
	clock     timeutil.Clock
	sessionID string

	state     lifecycle.Tracker
	ring      *ringbuf.Consumer
	readIndex atomic.Uint32

	pending        []sink.Record
	pendingFeature []habitat.Features
	window         *habitat.Window
	lastSeq        uint16
	haveLast       bool

	consumed, overwritten, seqLost, invalid atomic.Uint64
	batchesWritten, batchesDropped          atomic.Uint64
	featuresWritten                         atomic.Uint64

	subMu       sync.Mutex
	subscribers map[chan sink.Record]struct{}
}

// New returns an unattached consumer writing to s. A nil clock uses the
// real one.
func New(cfg Config, s sink.Sink, clock timeutil.Clock) *Consumer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &Consumer{
		cfg:         cfg,
		sink:        s,
		clock:       clock,
		sessionID:   uuid.NewString(),
		pending:     make([]sink.Record, 0, cfg.BatchSize),
		subscribers: make(map[chan sink.Record]struct{}),
	}
	if cfg.HabitatWindow > 0 {
		c.window = habitat.NewWindow(cfg.HabitatWindow)
	}
	c.state.OnChange = func(_, to lifecycle.State) {
		logf("session %s: %s", c.sessionID, to)
	}
	return c
}

// SetFeatureStore enables storing habitat features. Without one, features
// are not computed even if HabitatWindow is set.
func (c *Consumer) SetFeatureStore(fs FeatureStore) { c.features = fs }

// SessionID identifies this run in records and logs.
func (c *Consumer) SessionID() string { return c.sessionID }

// State returns the current lifecycle state.
func (c *Consumer) State() lifecycle.State { return c.state.Load() }

// Attach maps the segment. It fails immediately with
// ringbuf.ErrSegmentNotFound when no capture daemon has created it.
func (c *Consumer) Attach() error {
	ring, err := ringbuf.Attach(c.cfg.SegmentName, frame.Size, c.cfg.SegmentOptions)
	if err != nil {
		return fmt.Errorf("attach ring buffer: %w", err)
	}
	start, err := ring.OldestIndex()
	if c.cfg.StartLatest {
		start, err = ring.WriteIndex()
	}
	if err != nil {
		ring.Detach()
		return err
	}
	c.ring = ring
	c.readIndex.Store(start)
	logf("session %s: attached to %q (capacity %d), reading from index %d",
		c.sessionID, c.cfg.SegmentName, ring.Layout().Capacity, start)
	return nil
}

// PollOnce reads whatever is new in the ring, turns it into records and
// writes every full batch. It returns the number of frames read.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	if c.ring == nil {
		return 0, ErrNotAttached
	}
	batch, err := c.ring.Poll(c.readIndex.Load())
	if err != nil {
		return 0, err
	}
	c.readIndex.Store(batch.Next)
	if batch.Lost > 0 {
		c.overwritten.Add(batch.Lost)
		logf("session %s: %d frames overwritten before they were read", c.sessionID, batch.Lost)
		// Overwritten frames are already counted; do not count the gap
		// they leave in the sequence ids a second time.
		c.haveLast = false
	}

	now := c.clock.Now()
	for _, b := range batch.Frames {
		f, err := frame.Decode(b)
		if err != nil {
			c.invalid.Add(1)
			continue
		}
		if c.haveLast {
			if gap := frame.SequenceGap(c.lastSeq, f.SequenceID); gap > 0 {
				c.seqLost.Add(uint64(gap))
			}
		}
		c.lastSeq, c.haveLast = f.SequenceID, true
		c.consumed.Add(1)

		rec := sink.Record{
			Source:      c.cfg.Source,
			Host:        c.cfg.Host,
			SessionID:   c.sessionID,
			SequenceID:  f.SequenceID,
			TimestampUS: f.TimestampUS,
			ReceivedAt:  now,
			Sample:      f.Sample(),
		}
		c.publish(rec)
		c.pending = append(c.pending, rec)
		if c.window != nil && c.features != nil {
			if fv, ok := c.window.Add(rec); ok {
				c.pendingFeature = append(c.pendingFeature, fv)
			}
		}
		if len(c.pending) >= c.cfg.BatchSize {
			c.Flush(ctx)
		}
	}
	return len(batch.Frames), nil
}

// Flush writes any buffered records and features. Sink errors are logged
// and the batch is dropped; delivery is best effort.
func (c *Consumer) Flush(ctx context.Context) {
	if len(c.pending) > 0 {
		if err := c.sink.WriteRecords(ctx, c.pending); err != nil {
			c.batchesDropped.Add(1)
			logf("session %s: dropped batch of %d records: %v", c.sessionID, len(c.pending), err)
		} else {
			c.batchesWritten.Add(1)
		}
		c.pending = c.pending[:0]
	}
	if len(c.pendingFeature) > 0 {
		if err := c.features.InsertFeatures(ctx, c.pendingFeature); err != nil {
			logf("session %s: dropped %d feature vectors: %v", c.sessionID, len(c.pendingFeature), err)
		} else {
			c.featuresWritten.Add(uint64(len(c.pendingFeature)))
		}
		c.pendingFeature = c.pendingFeature[:0]
	}
}

// Run polls until ctx is done, sleeping one poll interval whenever the ring
// has nothing new. On shutdown it flushes the partial batch and detaches.
func (c *Consumer) Run(ctx context.Context) error {
	if c.ring == nil {
		return ErrNotAttached
	}
	c.state.Advance(lifecycle.Running)

	// Batches completed while polling are written even if shutdown arrives
	// mid-poll; only the wait between polls observes cancellation.
	workCtx := context.WithoutCancel(ctx)
	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	var runErr error
loop:
	for {
		n, err := c.PollOnce(workCtx)
		if err != nil {
			runErr = err
			break
		}
		if n > 0 {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C():
		}
	}
	ticker.Stop()

	c.state.Advance(lifecycle.Draining)
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	c.Flush(flushCtx)
	cancel()
	detachErr := c.ring.Detach()
	c.closeSubscribers()
	c.state.Advance(lifecycle.Stopped)

	t := c.Totals()
	logf("session %s: frames_consumed=%d frames_overwritten=%d sequence_lost=%d batches_written=%d batches_dropped=%d",
		c.sessionID, t.FramesConsumed, t.FramesOverwritten, t.SequenceLost, t.BatchesWritten, t.BatchesDropped)
	return errors.Join(runErr, detachErr)
}

// Totals returns the current counters. Safe to call from any goroutine.
func (c *Consumer) Totals() Totals {
	return Totals{
		SessionID:         c.sessionID,
		State:             c.State(),
		ReadIndex:         c.readIndex.Load(),
		FramesConsumed:    c.consumed.Load(),
		FramesOverwritten: c.overwritten.Load(),
		SequenceLost:      c.seqLost.Load(),
		InvalidFrames:     c.invalid.Load(),
		BatchesWritten:    c.batchesWritten.Load(),
		BatchesDropped:    c.batchesDropped.Load(),
		FeaturesWritten:   c.featuresWritten.Load(),
	}
}

// Subscribe returns a channel receiving every record as it is decoded.
// Slow subscribers miss records rather than stall the consumer.
func (c *Consumer) Subscribe() chan sink.Record {
	ch := make(chan sink.Record, 64)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes ch.
func (c *Consumer) Unsubscribe(ch chan sink.Record) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subscribers[ch]; ok {
		delete(c.subscribers, ch)
		close(ch)
	}
}

func (c *Consumer) publish(rec sink.Record) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (c *Consumer) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subscribers {
		delete(c.subscribers, ch)
		close(ch)
	}
}
