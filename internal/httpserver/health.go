package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// DependencyCheck is one named readiness probe, e.g. "db" or "sqs".
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// Readyz runs every check under one shared timeout and reports each result.
// Any failure answers 503.
func Readyz(timeout time.Duration, checks ...DependencyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		report := readyReport{Status: "ok", Checks: make(map[string]string, len(checks))}
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				slog.Warn("readiness check failed", "dependency", c.Name, "err", err)
				report.Status = "not_ready"
				report.Checks[c.Name] = err.Error()
				continue
			}
			report.Checks[c.Name] = "ok"
		}

		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}
