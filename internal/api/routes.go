package api

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

func (s *Server) registerRoutes() {
	// Health check and token issuance stay unauthenticated.
	s.App.Get("/health", s.HealthCheck)
	s.App.Post("/auth/token", s.IssueToken)

	api := s.App.Group("/api", s.requireAuth())

	// Messages.
	api.Post("/messages", s.SendMessage)
	api.Post("/messages/read", s.MarkMessagesRead)

	// Participants.
	participants := api.Group("/participants")
	participants.Get("/", s.ListParticipants)
	participants.Post("/:id", s.RegisterParticipant)
	participants.Delete("/:id", s.UnregisterParticipant)
	participants.Get("/:id/messages", s.GetMessages)

	// Agents.
	agents := api.Group("/agents")
	agents.Get("/", s.ListAgents)
	agents.Post("/", s.SpawnAgent)
	agents.Get("/:id", s.GetAgent)
	agents.Delete("/:id", s.StopAgent)
	agents.Get("/:id/logs", s.GetLogs)

	// Live event stream.
	s.App.Get("/events", s.requireAuth(), s.StreamEvents)

	// WebSocket endpoints.
	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws/agents/:id/logs", websocket.New(s.StreamLogs))
}
