// Package admin serves the operator-facing HTTP surface: node status,
// ring and membership views, replica freshness, hint backlog, and a small
// key/value API that routes through the replication coordinator.
package admin

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/middleware"
	"github.com/replikv/replikv/internal/replica"
	"github.com/replikv/replikv/internal/replication"
)

// Sources are the read-only views the admin server renders. Narrow
// function fields keep the server decoupled from the components that own
// the state.
type Sources struct {
	NodeID      string
	Ring        func() *cluster.Ring
	Replicas    func() []replica.Entry
	HintDepth   func() int
	HintTargets func() map[string]int
	Keys        func() int
	Coordinator *replication.Coordinator
}

// Server is the admin HTTP listener.
type Server struct {
	app    *fiber.App
	cfg    config.AdminConfig
	src    Sources
	logger *logging.Logger
}

// NewServer builds the admin server and registers its routes. Health
// stays open; everything else sits behind the API key check when auth is
// enabled.
func NewServer(cfg config.AdminConfig, auth config.AuthConfig, src Sources, logger *logging.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		app:    app,
		cfg:    cfg,
		src:    src,
		logger: logger.Component("admin"),
	}

	app.Use(recover.New())
	app.Use(logging.FiberMiddleware(s.logger))

	app.Get("/health", s.health)

	app.Use(middleware.APIKeyAuth(s.logger, auth.APIKeys, auth.Enabled))

	app.Get("/status", s.status)
	app.Get("/ring", s.ring)
	app.Get("/membership", s.membership)
	app.Get("/replicas", s.replicas)
	app.Get("/hints", s.hints)

	v1 := app.Group("/v1")
	v1.Get("/kv/:key", s.getKey)
	v1.Put("/kv/:key", s.putKey)
	v1.Delete("/kv/:key", s.deleteKey)

	return s
}

// Start begins serving in the background. Listen errors after startup are
// logged, not returned.
func (s *Server) Start() {
	addr := s.cfg.Address()
	go func() {
		if err := s.app.Listen(addr); err != nil {
			s.logger.Error("admin server stopped", "addr", addr, "error", err)
		}
	}()
	s.logger.Info("admin server listening", "addr", addr)
}

// Stop shuts the listener down, honoring the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for handler tests.
func (s *Server) App() *fiber.App {
	return s.app
}
