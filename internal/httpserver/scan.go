package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// ScanFunc runs one batch scan and returns how many jobs it enqueued.
type ScanFunc func(ctx context.Context) (int, error)

// RegisterScan exposes POST /v1/scan as a manual scan trigger.
func RegisterScan(r *mux.Router, scan ScanFunc) {
	r.HandleFunc("/v1/scan", func(w http.ResponseWriter, r *http.Request) {
		n, err := scan(r.Context())
		if err != nil {
			slog.Error("manual scan failed", "err", err, "enqueued", n)
			http.Error(w, ErrDependency, http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": n})
	}).Methods(http.MethodPost)
}
