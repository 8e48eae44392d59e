// Package obs implements the observability HTTP responder: a tiny
// server exposing /health and /metrics on the metrics port,
// independent of the gateway's client-facing socket.
package obs

import (
	"context"
	"net/http"
	"time"

	"github.com/aegisgate/aegisgate/internal/metrics"
)

// Server is the /health + /metrics responder.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server bound to addr (typically 0.0.0.0:<metrics.port>).
// ready is polled on every /health request; the server only reports
// OK while the accept loop is running.
func NewServer(addr string, m *metrics.Metrics, ready func() bool) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", m.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// ListenAndServe blocks serving until the server is shut down.
// Returns nil on a clean http.ErrServerClosed shutdown.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting up to the context
// deadline for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
