package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with /healthz and /readyz registered.
func New(readyTimeout time.Duration, checks ...DependencyCheck) *Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
	return &Server{Mux: r}
}

// Handler wraps the router with access logging and request metrics.
func (s *Server) Handler(requests *prometheus.CounterVec) http.Handler {
	s.Mux.Use(Metrics(requests))
	return Logging(s.Mux)
}

// MetricsServer serves the Prometheus registry on its own port.
func MetricsServer(port string, g prometheus.Gatherer) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{Addr: ":" + port, Handler: m, ReadHeaderTimeout: 5 * time.Second}
}

// Serve starts srv in the background and reports its exit on the returned
// channel. http.ErrServerClosed is reported as nil.
func Serve(name string, srv *http.Server) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "server", name, "addr", srv.Addr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	return errCh
}

func Shutdown(timeout time.Duration, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown failed", "addr", srv.Addr, "err", err)
		}
	}
}
