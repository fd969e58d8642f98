package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"gorm.io/gorm"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/fanout"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/registry"
)

// Server holds dependencies for the HTTP API.
type Server struct {
	App    *fiber.App
	db     *gorm.DB
	orch   *orchestrator.Orchestrator
	router *bus.Router
	reg    *registry.Registry
	hub    *fanout.Hub

	jwtSecret []byte
}

// NewServer creates a Fiber app with middleware and registers all routes.
// An empty jwtSecret disables authentication.
func NewServer(db *gorm.DB, orch *orchestrator.Orchestrator, router *bus.Router,
	reg *registry.Registry, hub *fanout.Hub, jwtSecret string) *Server {

	app := fiber.New(fiber.Config{
		AppName:      "AgentMux API",
		ErrorHandler: globalErrorHandler,
	})

	// Middleware.
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	app.Use(requestLogger())

	s := &Server{
		App:       app,
		db:        db,
		orch:      orch,
		router:    router,
		reg:       reg,
		hub:       hub,
		jwtSecret: []byte(jwtSecret),
	}

	s.registerRoutes()
	return s
}

// Listen starts the HTTP server on the given address.
func (s *Server) Listen(addr string) error {
	slog.Info("starting HTTP server", "addr", addr)
	return s.App.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	slog.Info("shutting down HTTP server")
	return s.App.Shutdown()
}
