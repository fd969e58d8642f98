// Package api implements the Fiber HTTP API over the orchestrator, the
// message router, and the agent registry.
//
// Name validation: agent and participant identifiers must be 1-64
// alphanumeric characters, hyphens, or underscores to prevent injection
// in container names and NATS subjects.
package api

import (
	"fmt"
	"regexp"
)

// SendMessageRequest is the payload for POST /api/messages.
type SendMessageRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Content  string `json:"content"`
	Priority string `json:"priority"`
}

// MarkReadRequest is the payload for POST /api/messages/read.
type MarkReadRequest struct {
	MessageIDs []uint `json:"message_ids"`
}

// MarkReadResponse reports how many messages changed state.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

// SpawnAgentRequest is the payload for POST /api/agents.
type SpawnAgentRequest struct {
	AgentID   string `json:"agent_id"`
	Task      string `json:"task"`
	AgentType string `json:"agent_type"`
	Workspace string `json:"workspace"`
}

// TokenRequest is the payload for POST /auth/token.
type TokenRequest struct {
	Password string `json:"password"`
}

// TokenResponse carries an issued access token.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// validNameRe validates identifiers: alphanumeric, hyphens, underscores, 1-64 chars.
var validNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// validateName checks that an identifier is safe for use in container
// names and NATS subjects.
func validateName(name string) error {
	if !validNameRe.MatchString(name) {
		return fmt.Errorf("name must be 1-64 alphanumeric characters, hyphens, or underscores")
	}
	return nil
}
