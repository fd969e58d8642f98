package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/acp"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/fanout"
	"github.com/agentmux/agentmux/internal/models"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/runtime"
	"gorm.io/gorm"
)

// mockRuntime implements runtime.AgentRuntime for testing.
type mockRuntime struct {
	spawnErr error
	stopErr  error
}

func (m *mockRuntime) SpawnAgent(_ context.Context, cfg runtime.SpawnConfig) (*runtime.AgentInstance, error) {
	if m.spawnErr != nil {
		return nil, m.spawnErr
	}
	return &runtime.AgentInstance{ID: cfg.AgentID, Task: cfg.Task, ContainerID: "ctr-" + cfg.AgentID}, nil
}

func (m *mockRuntime) StopContainer(_ context.Context, _ string) error   { return m.stopErr }
func (m *mockRuntime) RemoveContainer(_ context.Context, _ string) error { return nil }

func (m *mockRuntime) ListAgents(context.Context) ([]runtime.AgentContainer, error) {
	return nil, nil
}

func (m *mockRuntime) Logs(context.Context, string, runtime.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("log line one\nlog line two\n")), nil
}

func (m *mockRuntime) EnsureBusInfra(context.Context) error           { return nil }
func (m *mockRuntime) NATSConnectURL(context.Context) (string, error) { return "", nil }
func (m *mockRuntime) TeardownInfra(context.Context) error            { return nil }

type mockBridge struct{}

func (mockBridge) Initialize(context.Context) error                  { return nil }
func (mockBridge) SendPrompt(string, string, time.Time) error        { return nil }
func (mockBridge) Healthy() bool                                     { return true }
func (mockBridge) Cleanup()                                          {}

// setupTestServer wires a Server over in-memory SQLite and fakes.
func setupTestServer(t *testing.T, jwtSecret string) (*Server, *gorm.DB) {
	t.Helper()
	db, err := models.InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	router, err := bus.NewRouter(bus.NewGormStore(db))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	rt := &mockRuntime{}
	reg := registry.New(rt)
	hub := fanout.NewHub(reg, router)
	t.Cleanup(hub.Close)

	cfg := &config.Config{WorkspaceRoot: t.TempDir(), ReconcileInterval: time.Minute}
	factory := func(string, string, []string, []acp.MCPServer) orchestrator.Bridge {
		return mockBridge{}
	}
	orch := orchestrator.New(cfg, nil, rt, reg, router, factory)
	t.Cleanup(orch.Close)

	return NewServer(db, orch, router, reg, hub, jwtSecret), db
}

// doRequest performs an HTTP request against the Fiber app.
func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.App.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	resp := doRequest(t, srv, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body: %v", body)
	}
}

func TestMessageEndpoints(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	if resp := doRequest(t, srv, "POST", "/api/participants/agent-a1", "", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("register participant: %d", resp.StatusCode)
	}

	resp := doRequest(t, srv, "POST", "/api/messages", "", SendMessageRequest{
		From: "developer", To: "agent-a1", Content: "hello", Priority: "high",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: %d", resp.StatusCode)
	}
	var sent bus.SendResult
	decodeBody(t, resp, &sent)
	if sent.MessageID == 0 || sent.Recipients != 1 {
		t.Fatalf("send result: %+v", sent)
	}

	resp = doRequest(t, srv, "GET", "/api/participants/agent-a1/messages?unread=true", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get messages: %d", resp.StatusCode)
	}
	var msgs []models.Message
	decodeBody(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].Priority != "high" {
		t.Fatalf("messages: %+v", msgs)
	}

	resp = doRequest(t, srv, "POST", "/api/messages/read", "", MarkReadRequest{
		MessageIDs: []uint{msgs[0].ID},
	})
	var marked MarkReadResponse
	decodeBody(t, resp, &marked)
	if marked.Updated != 1 {
		t.Fatalf("marked: %+v", marked)
	}

	// Marking again changes nothing.
	resp = doRequest(t, srv, "POST", "/api/messages/read", "", MarkReadRequest{
		MessageIDs: []uint{msgs[0].ID},
	})
	decodeBody(t, resp, &marked)
	if marked.Updated != 0 {
		t.Fatalf("second mark: %+v", marked)
	}

	if resp := doRequest(t, srv, "DELETE", "/api/participants/agent-a1", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unregister: %d", resp.StatusCode)
	}
}

func TestSendMessageValidation(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	tests := []struct {
		name string
		req  SendMessageRequest
		want int
	}{
		{"unknown recipient", SendMessageRequest{From: "developer", To: "agent-ghost", Content: "x"}, http.StatusNotFound},
		{"unknown sender", SendMessageRequest{From: "agent-ghost", To: "developer", Content: "x"}, http.StatusBadRequest},
		{"bad priority", SendMessageRequest{From: "developer", To: "developer", Content: "x", Priority: "urgent"}, http.StatusBadRequest},
		{"empty content", SendMessageRequest{From: "developer", To: "developer"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, srv, "POST", "/api/messages", "", tt.req)
			if resp.StatusCode != tt.want {
				t.Errorf("status: %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAgentEndpoints(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	resp := doRequest(t, srv, "POST", "/api/agents", "", SpawnAgentRequest{
		AgentID: "a1", Task: "fix the build",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn: %d", resp.StatusCode)
	}
	var agent registry.Agent
	decodeBody(t, resp, &agent)
	if agent.ID != "a1" || agent.ContainerID != "ctr-a1" {
		t.Fatalf("agent: %+v", agent)
	}

	if resp := doRequest(t, srv, "POST", "/api/agents", "", SpawnAgentRequest{AgentID: "a1"}); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate spawn: %d", resp.StatusCode)
	}
	if resp := doRequest(t, srv, "POST", "/api/agents", "", SpawnAgentRequest{AgentType: "ghost"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown type: %d", resp.StatusCode)
	}
	if resp := doRequest(t, srv, "POST", "/api/agents", "", SpawnAgentRequest{AgentID: "bad name!"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid id: %d", resp.StatusCode)
	}

	resp = doRequest(t, srv, "GET", "/api/agents/", "", nil)
	var agents []registry.Agent
	decodeBody(t, resp, &agents)
	if len(agents) != 1 {
		t.Fatalf("agents: %+v", agents)
	}

	if resp := doRequest(t, srv, "GET", "/api/agents/a1", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("get agent: %d", resp.StatusCode)
	}
	if resp := doRequest(t, srv, "GET", "/api/agents/ghost", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get missing agent: %d", resp.StatusCode)
	}

	resp = doRequest(t, srv, "GET", "/api/agents/a1/logs?tail=10", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs: %d", resp.StatusCode)
	}
	var logs struct {
		Lines []string `json:"lines"`
	}
	decodeBody(t, resp, &logs)
	if len(logs.Lines) != 2 || logs.Lines[0] != "log line one" {
		t.Fatalf("log lines: %v", logs.Lines)
	}

	if resp := doRequest(t, srv, "DELETE", "/api/agents/a1", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("stop: %d", resp.StatusCode)
	}
	if resp := doRequest(t, srv, "DELETE", "/api/agents/a1", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("stop again: %d", resp.StatusCode)
	}
}

func TestAuthFlow(t *testing.T) {
	srv, db := setupTestServer(t, "test-secret")
	if err := SetOperatorPassword(db, "hunter2"); err != nil {
		t.Fatalf("SetOperatorPassword: %v", err)
	}

	// Protected routes reject anonymous and garbage tokens.
	if resp := doRequest(t, srv, "GET", "/api/agents/", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", resp.StatusCode)
	}
	if resp := doRequest(t, srv, "GET", "/api/agents/", "not-a-token", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", resp.StatusCode)
	}

	if resp := doRequest(t, srv, "POST", "/auth/token", "", TokenRequest{Password: "wrong"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", resp.StatusCode)
	}

	resp := doRequest(t, srv, "POST", "/auth/token", "", TokenRequest{Password: "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token: %d", resp.StatusCode)
	}
	var token TokenResponse
	decodeBody(t, resp, &token)
	if token.Token == "" || token.ExpiresIn <= 0 {
		t.Fatalf("token response: %+v", token)
	}

	if resp := doRequest(t, srv, "GET", "/api/agents/", token.Token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated: %d", resp.StatusCode)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"agent-1", true},
		{"a", true},
		{"A_b-2", true},
		{"", false},
		{"-leading", false},
		{"has space", false},
		{strings.Repeat("x", 65), false},
	}
	for _, tt := range tests {
		err := validateName(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("validateName(%q): %v", tt.name, err)
		}
	}
}
