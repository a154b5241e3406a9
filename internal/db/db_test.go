package db

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/phisualize/internal/habitat"
	"github.com/banshee-data/phisualize/internal/sink"
	"github.com/banshee-data/phisualize/internal/testutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "samples.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(seq uint16) sink.Record {
	f := testutil.Frame(seq)
	s := f.Sample()
	s.Padding = 0
	return sink.Record{
		Source:      "nano",
		Host:        "host-a",
		SessionID:   "session-1",
		SequenceID:  f.SequenceID,
		TimestampUS: f.TimestampUS,
		ReceivedAt:  time.Unix(1760000000, int64(seq)*1000).UTC(),
		Sample:      s,
	}
}

func TestNewDBMigratesToLatest(t *testing.T) {
	db := newTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op.
	again, err := NewDB(db.Path())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	_, err = db.Exec("SELECT COUNT(*) FROM habitat_features")
	assert.Error(t, err)

	require.NoError(t, db.MigrateUp())
}

func TestWriteAndReadRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var batch []sink.Record
	for seq := uint16(1); seq <= 5; seq++ {
		batch = append(batch, testRecord(seq))
	}
	require.NoError(t, db.WriteRecords(ctx, batch))
	require.NoError(t, db.WriteRecords(ctx, nil))

	n, err := db.SampleCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err := db.RecentSamples(ctx, 3)
	require.NoError(t, err)
	want := batch[2:]
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RecentSamples mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRecordsIsAtomic(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, db.WriteRecords(ctx, []sink.Record{testRecord(1)}))
	n, err := db.SampleCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFeaturesRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	f := habitat.Features{
		Source:    "nano",
		SessionID: "session-1",
		FirstSeq:  1,
		LastSeq:   10,
		WindowEnd: time.Unix(1760000000, 0).UTC(),
	}
	for i := range f.Values {
		f.Values[i] = float64(i) / 2
	}
	require.NoError(t, db.InsertFeatures(ctx, []habitat.Features{f}))

	got, err := db.RecentFeatures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].WindowEnd = got[0].WindowEnd.UTC()
	assert.Equal(t, f, got[0])
}

func serve(t *testing.T, db *DB, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "127.0.0.1:4321"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdminSamplesAndChart(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.WriteRecords(context.Background(), []sink.Record{testRecord(1), testRecord(2)}))

	rec := serve(t, db, "/debug/samples?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&samples))
	require.Len(t, samples, 1)
	assert.Equal(t, float64(2), samples[0]["sequence_id"])

	rec = serve(t, db, "/debug/chart?channel=pressure")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "pressure")

	assert.Equal(t, http.StatusBadRequest, serve(t, db, "/debug/chart?channel=nope").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, db, "/debug/samples?limit=0").Code)

	rec = serve(t, db, "/debug/features")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestAdminBackup(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.WriteRecords(context.Background(), []sink.Record{testRecord(1)}))

	rec := serve(t, db, "/debug/backup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "SQLite format 3"))
}
