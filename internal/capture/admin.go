package capture

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/phisualize/internal/httputil"
	"github.com/banshee-data/phisualize/internal/version"
)

// AttachAdminRoutes serves live totals under /debug/. Once Start has
// succeeded the serial tail is mounted too.
func (d *Daemon) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("capture", "Capture totals as JSON", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		httputil.WriteJSONOK(w, struct {
			Totals
			Version string `json:"version"`
		}{d.Totals(), version.Version})
	})
	if d.mux != nil {
		d.mux.AttachAdminRoutes(mux)
	}
}
