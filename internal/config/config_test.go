package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"LISTEN_ADDR", "DATABASE_PATH", "RUNTIME", "AGENT_IMAGE",
		"AGENT_DEFINITIONS_DIR", "WORKSPACE_ROOT", "NATS_URL",
		"NATS_AUTH_TOKEN", "JWT_SECRET", "RECONCILE_INTERVAL_SECONDS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr: %q", cfg.ListenAddr)
	}
	if cfg.Runtime != "docker" {
		t.Errorf("Runtime: %q", cfg.Runtime)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("ReconcileInterval: %v", cfg.ReconcileInterval)
	}
}

func TestFromEnvOverridesAndValidation(t *testing.T) {
	t.Setenv("RUNTIME", "kubernetes")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "5")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Runtime != "kubernetes" || cfg.ListenAddr != ":9090" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.ReconcileInterval != 5*time.Second {
		t.Errorf("ReconcileInterval: %v", cfg.ReconcileInterval)
	}

	t.Setenv("RUNTIME", "podman")
	if _, err := FromEnv(); err == nil {
		t.Error("unsupported runtime accepted")
	}

	t.Setenv("RUNTIME", "docker")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "zero")
	if _, err := FromEnv(); err == nil {
		t.Error("invalid reconcile interval accepted")
	}
}

func writeDefinition(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

const coderDef = `name: coder
image: ghcr.io/agentmux/agent:latest
system_prompt: |
  You are {{.AgentID}}. Work on: {{.Task}} in {{.Workspace}}.
capabilities: [code, test]
env:
  GIT_AUTHOR_NAME: agent
mcp_servers:
  - name: files
    command: mcp-files
    args: ["--root", "/workspace"]
resources:
  cpu: "1.5"
  memory: 512m
`

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "coder.yaml", coderDef)
	writeDefinition(t, dir, "reviewer.yml", "image: ghcr.io/agentmux/reviewer:latest\n")
	writeDefinition(t, dir, "notes.txt", "not a definition")

	defs, err := LoadDefinitions(dir)
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}

	coder := defs["coder"]
	if coder == nil {
		t.Fatal("coder definition missing")
	}
	if coder.Image != "ghcr.io/agentmux/agent:latest" {
		t.Errorf("Image: %q", coder.Image)
	}
	if len(coder.Capabilities) != 2 || coder.Capabilities[0] != "code" {
		t.Errorf("Capabilities: %v", coder.Capabilities)
	}
	if len(coder.MCPServers) != 1 || coder.MCPServers[0].Command != "mcp-files" {
		t.Errorf("MCPServers: %+v", coder.MCPServers)
	}
	if coder.Resources.Memory != "512m" {
		t.Errorf("Resources: %+v", coder.Resources)
	}

	// Name defaults to the file stem when omitted.
	if defs["reviewer"] == nil {
		t.Error("reviewer definition missing")
	}
}

func TestLoadDefinitionsMissingDir(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("got %d definitions, want 0", len(defs))
	}
}

func TestLoadDefinitionsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a.yaml", "name: coder\nimage: x\n")
	writeDefinition(t, dir, "b.yaml", "name: coder\nimage: y\n")

	if _, err := LoadDefinitions(dir); err == nil {
		t.Error("duplicate definition names accepted")
	}
}

func TestRenderPrompt(t *testing.T) {
	def := &Definition{
		Name:         "coder",
		SystemPrompt: "You are {{.AgentID}} working on {{.Task}} under {{.Workspace}}.",
	}
	got, err := def.RenderPrompt(PromptContext{
		AgentID: "a1", Task: "fix the build", Workspace: "/workspace",
	})
	if err != nil {
		t.Fatalf("RenderPrompt: %v", err)
	}
	want := "You are a1 working on fix the build under /workspace."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	bad := &Definition{Name: "x", SystemPrompt: "{{.Task"}
	if _, err := bad.RenderPrompt(PromptContext{}); err == nil {
		t.Error("malformed template accepted")
	}
}
