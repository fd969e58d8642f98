package api

import (
	"context"
	"io"
	"log/slog"

	"github.com/gofiber/contrib/websocket"

	"github.com/agentmux/agentmux/internal/runtime"
)

// StreamLogs follows an agent's container logs over a WebSocket.
func (s *Server) StreamLogs(c *websocket.Conn) {
	agentID := c.Params("id")
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader, err := s.orch.Logs(ctx, agentID, runtime.LogOptions{Tail: 100, Follow: true})
	if err != nil {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"error":"agent not found"}`))
		return
	}
	defer reader.Close()

	// Cancel the log stream when the client hangs up.
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if writeErr := c.WriteMessage(websocket.TextMessage, buf[:n]); writeErr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				slog.Error("log stream error", "agent", agentID, "error", err)
			}
			return
		}
	}
}
