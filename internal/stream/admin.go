package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/phisualize/internal/httputil"
	"github.com/banshee-data/phisualize/internal/version"
)

// AttachAdminRoutes serves live totals and a record tail under /debug/.
func (c *Consumer) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("stream", "Stream consumer totals as JSON", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		httputil.WriteJSONOK(w, struct {
			Totals
			Segment string `json:"segment"`
			Version string `json:"version"`
		}{c.Totals(), c.cfg.SegmentName, version.Version})
	})

	// Server-Sent Events carrying each decoded record as JSON.
	debug.HandleSilentFunc("record-tail", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		ch := c.Subscribe()
		defer c.Unsubscribe(ch)

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case rec, ok := <-ch:
				if !ok {
					return
				}
				b, err := json.Marshal(rec)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
