package db

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/phisualize/internal/frame"
	"github.com/banshee-data/phisualize/internal/httputil"
)

const (
	defaultChartLimit = 500
	maxChartLimit     = 10000
)

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Sample store",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the sample store now", http.HandlerFunc(db.handleBackup))
	debug.Handle("samples", "Most recent samples as JSON (?limit=)", http.HandlerFunc(db.handleSamples))
	debug.Handle("features", "Most recent habitat features as JSON (?limit=)", http.HandlerFunc(db.handleFeatures))
	debug.Handle("chart", "Line chart of recent samples (?channel=&limit=)", http.HandlerFunc(db.handleChannelChart))
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultChartLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxChartLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxChartLimit)
	}
	return n, nil
}

func (db *DB) handleSamples(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	records, err := db.RecentSamples(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query samples: %v", err))
		return
	}
	httputil.WriteJSONOK(w, records)
}

func (db *DB) handleFeatures(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	features, err := db.RecentFeatures(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query features: %v", err))
		return
	}
	out := make([]map[string]any, 0, len(features))
	for _, f := range features {
		out = append(out, map[string]any{
			"source":            f.Source,
			"session_id":        f.SessionID,
			"first_sequence_id": f.FirstSeq,
			"last_sequence_id":  f.LastSeq,
			"window_end":        f.WindowEnd.UTC(),
			"features":          f.Map(),
		})
	}
	httputil.WriteJSONOK(w, out)
}

// handleChannelChart renders one channel of the most recent samples as an
// HTML line chart using go-echarts.
func (db *DB) handleChannelChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "audio_rms"
	}
	if !slices.Contains(frame.ChannelNames, channel) {
		httputil.BadRequest(w, fmt.Sprintf("unknown channel %q", channel))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	records, err := db.RecentSamples(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query samples: %v", err))
		return
	}

	x := make([]string, 0, len(records))
	y := make([]opts.LineData, 0, len(records))
	for _, rec := range records {
		x = append(x, rec.ReceivedAt.Format("15:04:05.000"))
		y = append(y, opts.LineData{Value: rec.Sample.Fields()[channel]})
	}

	subtitle := fmt.Sprintf("points=%d", len(records))
	if n := len(records); n > 0 {
		subtitle += fmt.Sprintf(" source=%s session=%s", records[n-1].Source, records[n-1].SessionID)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "phisualize " + channel, Theme: "dark", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: channel, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).AddSeries(channel, y, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupName := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("phisualize-%d-%s", os.Getpid(), backupName))
	if _, err := db.DB.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	// close the backup file after sending it
	// and remove it from the filesystem
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			log.Printf("Failed to remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupName))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		log.Printf("Failed to write backup file: %v", err)
	}
}
