package api

import (
	"bufio"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/runtime"
)

// ListAgents returns all registered agents, optionally filtered by status
// and capability.
func (s *Server) ListAgents(c *fiber.Ctx) error {
	agents := s.reg.Find(registry.Filter{
		Status:     c.Query("status"),
		Capability: c.Query("capability"),
	})
	return c.JSON(agents)
}

// GetAgent returns one agent.
func (s *Server) GetAgent(c *fiber.Ctx) error {
	a, ok := s.reg.Get(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "agent not found")
	}
	return c.JSON(a)
}

// SpawnAgent starts a new agent end to end: container, registry entry,
// bus participant, and ACP session.
func (s *Server) SpawnAgent(c *fiber.Ctx) error {
	var req SpawnAgentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.AgentID != "" {
		if err := validateName(req.AgentID); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}

	agent, err := s.orch.SpawnAgent(c.Context(), orchestrator.SpawnRequest{
		AgentID:   req.AgentID,
		Task:      req.Task,
		AgentType: req.AgentType,
		Workspace: req.Workspace,
	})
	switch {
	case errors.Is(err, orchestrator.ErrUnknownDefinition):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrAgentExists):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to spawn agent")
	}

	return c.Status(fiber.StatusCreated).JSON(agent)
}

// StopAgent tears an agent down. The registry entry survives a failed
// container stop so the operation can be retried.
func (s *Server) StopAgent(c *fiber.Ctx) error {
	err := s.orch.StopAgent(c.Context(), c.Params("id"))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case err != nil:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to stop agent")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetLogs returns a bounded tail of the agent's container logs.
func (s *Server) GetLogs(c *fiber.Ctx) error {
	tail := c.QueryInt("tail", 100)

	reader, err := s.orch.Logs(c.Context(), c.Params("id"), runtime.LogOptions{Tail: tail})
	if errors.Is(err, registry.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "agent not found")
	}
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read logs")
	}
	defer reader.Close()

	var lines []string
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read logs")
	}

	return c.JSON(fiber.Map{"lines": lines})
}
