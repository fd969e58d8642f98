// Package runtime defines the container runtime interface with Docker and
// Kubernetes implementations. It translates agent-spawn requests into
// concrete container specs and exposes log access; it carries no protocol
// or message-bus logic.
package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// SpawnConfig holds everything needed to start one agent container.
type SpawnConfig struct {
	AgentID   string
	Task      string
	Workspace string            // host path, mounted read-write at /workspace
	AgentType string            // definition name, recorded as a label
	Image     string            // override; falls back to the runtime default
	ConfigDir string            // agent configuration, mounted read-only
	Env       map[string]string // extra environment
	Resources ResourceConfig
}

// ResourceConfig defines compute resource limits for an agent.
type ResourceConfig struct {
	CPU    string `json:"cpu" yaml:"cpu"`
	Memory string `json:"memory" yaml:"memory"`
}

// AgentInstance is the result of a successful spawn.
type AgentInstance struct {
	ID          string `json:"id"`
	Task        string `json:"task"`
	ContainerID string `json:"container_id"`
}

// AgentContainer is one running container that follows the agent naming
// convention, as reported by ListAgents for reconciliation.
type AgentContainer struct {
	AgentID     string
	ContainerID string
	Name        string
	Task        string
	AgentType   string
	StartedAt   time.Time
}

// LogOptions bounds log retrieval.
type LogOptions struct {
	Tail   int
	Follow bool
}

// Shared constants for both runtimes.
const (
	DefaultAgentImage = "ghcr.io/agentmux/agent:latest"
	NATSImage         = "nats:2.10-alpine"

	LabelAgent = "agentmux.agent"
	LabelTask  = "agentmux.task"
	LabelType  = "agentmux.type"

	agentNamePrefix = "agent-"
)

// AgentRuntime is the interface consumed by the registry and orchestrator.
type AgentRuntime interface {
	SpawnAgent(ctx context.Context, config SpawnConfig) (*AgentInstance, error)
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	// ListAgents reports running containers following the agent naming
	// convention. This is the only path ground truth flows into the registry.
	ListAgents(ctx context.Context) ([]AgentContainer, error)
	// Logs returns a reader over the container's logs, bounded by Tail and
	// kept open when Follow is set.
	Logs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)
	// EnsureBusInfra starts the shared NATS instance used by the notifier.
	EnsureBusInfra(ctx context.Context) error
	// NATSConnectURL returns a NATS URL reachable from this process.
	NATSConnectURL(ctx context.Context) (string, error)
	TeardownInfra(ctx context.Context) error
}

// AgentContainerName returns the container name for an agent id.
func AgentContainerName(agentID string) string {
	return agentNamePrefix + agentID
}

// ParseAgentContainerName derives the agent id from a container name
// following the convention, or ok=false for unrelated containers.
func ParseAgentContainerName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, agentNamePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, agentNamePrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// validateAgentID rejects ids that would produce unsafe container names.
func validateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("agent id %q contains invalid character %q", id, r)
	}
	return nil
}
