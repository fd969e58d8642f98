package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/agentmux/agentmux/internal/bus"
)

// SendMessage routes one message through the bus.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return fiber.NewError(fiber.StatusBadRequest, "content is required")
	}

	res, err := s.router.Send(bus.SendRequest{
		From:     req.From,
		To:       req.To,
		Content:  req.Content,
		Priority: req.Priority,
	})
	switch {
	case errors.Is(err, bus.ErrUnknownRecipient):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, bus.ErrUnknownSender),
		errors.Is(err, bus.ErrInvalidPriority),
		errors.Is(err, bus.ErrEmptyParticipant):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case err != nil:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to send message")
	}

	return c.Status(fiber.StatusCreated).JSON(res)
}

// GetMessages lists a participant's inbox, optionally unread-only,
// limited, and marked read on the way out.
func (s *Server) GetMessages(c *fiber.Ctx) error {
	participant := c.Params("id")

	msgs, err := s.router.GetMessages(participant, bus.GetOptions{
		UnreadOnly: c.QueryBool("unread"),
		Limit:      c.QueryInt("limit"),
		MarkAsRead: c.QueryBool("mark_read"),
	})
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list messages")
	}
	return c.JSON(msgs)
}

// MarkMessagesRead flips the read flag on the given ids; already-read ids
// are counted out.
func (s *Server) MarkMessagesRead(c *fiber.Ctx) error {
	var req MarkReadRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.MessageIDs) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "message_ids is required")
	}

	updated, err := s.router.MarkMessagesRead(req.MessageIDs)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to mark messages read")
	}
	return c.JSON(MarkReadResponse{Updated: updated})
}

// ListParticipants returns all registered participant ids.
func (s *Server) ListParticipants(c *fiber.Ctx) error {
	return c.JSON(s.router.Participants())
}

// RegisterParticipant makes an id addressable on the bus.
func (s *Server) RegisterParticipant(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := validateName(id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := s.router.RegisterParticipant(id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.SendStatus(fiber.StatusCreated)
}

// UnregisterParticipant removes an id from the bus. Message history
// survives removal.
func (s *Server) UnregisterParticipant(c *fiber.Ctx) error {
	if err := s.router.UnregisterParticipant(c.Params("id")); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}
