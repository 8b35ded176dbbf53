package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc reports the current per-account sync state for /health.
type StatusFunc func() any

// Server exposes /metrics and /health over HTTP.
type Server struct {
	server *http.Server
	status StatusFunc
}

// NewServer creates a Server listening on addr. A nil status serves an
// empty /health body.
func NewServer(addr string, status StatusFunc) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		status: status,
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start serves until Stop is called. It returns nil after a clean stop.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"status": "ok"}
	if s.status != nil {
		response["accounts"] = s.status()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
