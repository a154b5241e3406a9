package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/phisualize/internal/frame"
	"github.com/banshee-data/phisualize/internal/habitat"
	"github.com/banshee-data/phisualize/internal/sink"
)

const sampleTagColumns = "source, host, session_id, sequence_id, timestamp_us, received_at_ns"

var (
	sampleColumns = sampleTagColumns + ", " + strings.Join(frame.ChannelNames, ", ")

	insertSampleSQL = fmt.Sprintf("INSERT INTO samples (%s) VALUES (%s)",
		sampleColumns, placeholders(6+len(frame.ChannelNames)))

	featureColumns = "source, session_id, first_sequence_id, last_sequence_id, window_end_ns, " +
		strings.Join(habitat.FeatureNames[:], ", ")

	insertFeatureSQL = fmt.Sprintf("INSERT INTO habitat_features (%s) VALUES (%s)",
		featureColumns, placeholders(5+habitat.NumFeatures))
)

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// WriteRecords inserts a batch of records in one transaction. Either the
// whole batch is stored or none of it is.
func (db *DB) WriteRecords(ctx context.Context, records []sink.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sample batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, 0, 6+len(frame.ChannelNames))
	for _, r := range records {
		args = append(args[:0], r.Source, r.Host, r.SessionID, int64(r.SequenceID),
			int64(r.TimestampUS), r.ReceivedAt.UnixNano())
		for _, v := range r.Sample.Values() {
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert sample %d: %w", r.SequenceID, err)
		}
	}
	return tx.Commit()
}

// RecentSamples returns up to limit of the most recently stored records,
// oldest first.
func (db *DB) RecentSamples(ctx context.Context, limit int) ([]sink.Record, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+sampleColumns+" FROM (SELECT * FROM samples ORDER BY sample_id DESC LIMIT ?) ORDER BY sample_id ASC",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sink.Record
	values := make([]float64, len(frame.ChannelNames))
	for rows.Next() {
		var (
			r          sink.Record
			seq, ts    int64
			receivedNS int64
		)
		dest := []any{&r.Source, &r.Host, &r.SessionID, &seq, &ts, &receivedNS}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		r.SequenceID = uint16(seq)
		r.TimestampUS = uint32(ts)
		r.ReceivedAt = time.Unix(0, receivedNS)
		if r.Sample, err = frame.SampleFromValues(values); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SampleCount returns the number of stored samples.
func (db *DB) SampleCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples").Scan(&n)
	return n, err
}

// InsertFeatures stores habitat feature vectors in one transaction.
func (db *DB) InsertFeatures(ctx context.Context, features []habitat.Features) error {
	if len(features) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin feature batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertFeatureSQL)
	if err != nil {
		return fmt.Errorf("prepare feature insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range features {
		args := []any{f.Source, f.SessionID, int64(f.FirstSeq), int64(f.LastSeq), f.WindowEnd.UnixNano()}
		for _, v := range f.Values {
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert features ending at %d: %w", f.LastSeq, err)
		}
	}
	return tx.Commit()
}

// RecentFeatures returns up to limit of the latest feature vectors, oldest first.
func (db *DB) RecentFeatures(ctx context.Context, limit int) ([]habitat.Features, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+featureColumns+" FROM (SELECT * FROM habitat_features ORDER BY feature_id DESC LIMIT ?) ORDER BY feature_id ASC",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []habitat.Features
	for rows.Next() {
		var (
			f           habitat.Features
			first, last int64
			windowEndNS int64
		)
		dest := []any{&f.Source, &f.SessionID, &first, &last, &windowEndNS}
		for i := range f.Values {
			dest = append(dest, &f.Values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		f.FirstSeq, f.LastSeq = uint16(first), uint16(last)
		f.WindowEnd = time.Unix(0, windowEndNS)
		out = append(out, f)
	}
	return out, rows.Err()
}
