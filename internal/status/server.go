// Package status serves the agent's health and progress over HTTP.
//
// Two routes: GET /healthz answers "ok" while the process is up, and
// GET /status returns a JSON snapshot of the engine's last cycle. The
// listener is optional; the agent runs fine without it.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nicexxd/auto-uploader/internal/engine"
	"github.com/nicexxd/auto-uploader/internal/logger"
)

// Server exposes engine stats on an HTTP listener.
type Server struct {
	addr  string
	stats func() engine.Stats
	log   *logger.Logger
}

// New creates a Server on addr reading snapshots from stats.
func New(addr string, stats func() engine.Stats, log *logger.Logger) *Server {
	return &Server{addr: addr, stats: stats, log: log}
}

// Handler builds the route tree. Split out so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.stats()); err != nil {
			s.log.Warnf("failed to encode status response: %v", err)
		}
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.log.Infof("status endpoint listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
