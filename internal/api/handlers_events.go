package api

import (
	"bufio"
	"encoding/json"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// StreamEvents pushes hub events to the client as server-sent events. The
// first event is always a snapshot of the current agents.
func (s *Server) StreamEvents(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	obs := s.hub.Attach()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer obs.Detach()

		for ev := range obs.C {
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("marshaling sse event", "type", ev.Type, "error", err)
				continue
			}
			if _, err := w.WriteString("event: " + ev.Type + "\ndata: " + string(data) + "\n\n"); err != nil {
				return
			}
			// A failed flush means the client went away.
			if err := w.Flush(); err != nil {
				return
			}
		}
	}))

	return nil
}
