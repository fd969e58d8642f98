package acp

import "encoding/json"

// Wire framing: JSON-RPC 2.0 objects, one per line, newline-terminated.
// Outbound requests always carry an integer id; notifications carry a
// method and no id.

// request is an outbound JSON-RPC request or notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// inbound is the loose shape of anything the agent process writes. Only
// the fields the bridge reacts to are declared; everything else is
// ignored.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  *inboundResult  `json:"result"`
}

type inboundResult struct {
	SessionID  string `json:"sessionId"`
	StopReason string `json:"stopReason"`
}

// sessionUpdateParams is the params shape of "session/update"
// notifications.
type sessionUpdateParams struct {
	Update struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"update"`
}

// MCPServer describes one auxiliary tool server handed to the agent in
// the session/new request.
type MCPServer struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Protocol methods and recognized inbound markers.
const (
	methodInitialize    = "initialize"
	methodSessionNew    = "session/new"
	methodSessionPrompt = "session/prompt"
	methodSessionUpdate = "session/update"

	updateAgentMessageChunk = "agent_message_chunk"
	stopReasonEndTurn       = "end_turn"

	protocolVersion = 1
)
