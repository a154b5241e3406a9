// Package sink defines where decoded frames go once the stream consumer has
// read them from the ring buffer.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/banshee-data/phisualize/internal/frame"
)

// Record is one decoded frame plus the tags the stream consumer attaches.
type Record struct {
	Source      string
	Host        string
	SessionID   string
	SequenceID  uint16
	TimestampUS uint32
	ReceivedAt  time.Time
	Sample      frame.Sample
}

type recordJSON struct {
	Source      string             `json:"source"`
	Host        string             `json:"host,omitempty"`
	SessionID   string             `json:"session_id"`
	SequenceID  uint16             `json:"sequence_id"`
	TimestampUS uint32             `json:"timestamp_us"`
	ReceivedAt  time.Time          `json:"received_at"`
	Fields      map[string]float64 `json:"fields"`
}

// MarshalJSON flattens the sample into named fields.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Source:      r.Source,
		Host:        r.Host,
		SessionID:   r.SessionID,
		SequenceID:  r.SequenceID,
		TimestampUS: r.TimestampUS,
		ReceivedAt:  r.ReceivedAt.UTC(),
		Fields:      r.Sample.Fields(),
	})
}

// Sink receives batches of records. A failed write is not retried by the
// caller; implementations decide how much of a batch survives an error.
type Sink interface {
	WriteRecords(ctx context.Context, records []Record) error
	Close() error
}

// Multi writes every batch to all sinks, so one failing sink does not starve
// the others. The returned error joins the individual failures.
type Multi []Sink

func (m Multi) WriteRecords(ctx context.Context, records []Record) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteRecords(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Sink. Close is a no-op.
type Func func(ctx context.Context, records []Record) error

func (f Func) WriteRecords(ctx context.Context, records []Record) error { return f(ctx, records) }
func (f Func) Close() error                                             { return nil }
