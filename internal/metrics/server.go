package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
)

// Server exposes the registry on a dedicated listener, kept separate from
// the admin API so scrapes are unaffected by admin traffic.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

// NewServer builds the scrape endpoint for a registry.
func NewServer(cfg config.MetricsConfig, reg *Registry, logger *logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Prometheus(), promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:         cfg.Address(),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger.Component("metrics"),
	}
}

// Start serves scrapes until Stop is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics listener started", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics listener failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
