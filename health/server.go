package health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/logger"
)

// Prober produces health snapshots; implemented by *Checker.
type Prober interface {
	Check(ctx context.Context) Snapshot
}

// Server serves /healthz and /metrics on the ops address.
type Server struct {
	addr   string
	prober Prober
	log    zerolog.Logger
	srv    *http.Server
}

func NewServer(addr string, prober Prober) *Server {
	return &Server{addr: addr, prober: prober, log: logger.Component("ops")}
}

// Router builds the ops mux. Exposed separately so tests can drive it
// with httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.prober.Check(r.Context())
	if snap.Status != StatusOK {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, snap)
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("ops server failed")
		}
	}()
}

// Stop shuts the ops server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("ops server shutdown")
	}
}
