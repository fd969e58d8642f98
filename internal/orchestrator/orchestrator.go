// Package orchestrator wires the container runtime, agent registry,
// message router, and per-agent bridges into one explicit object. All
// dependencies are passed in; nothing here is global.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/acp"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/runtime"
)

var (
	// ErrUnknownDefinition is returned when a spawn names an agent type
	// with no definition file.
	ErrUnknownDefinition = errors.New("unknown agent definition")
	// ErrAgentExists guards against reusing a live agent id.
	ErrAgentExists = errors.New("agent id already in use")
)

// defaultACPCommand is spoken to over the container's stdio when a
// definition does not override it.
var defaultACPCommand = []string{"acp-agent"}

// Bridge is the slice of the ACP bridge the orchestrator drives.
type Bridge interface {
	Initialize(ctx context.Context) error
	SendPrompt(content, from string, at time.Time) error
	Healthy() bool
	Cleanup()
}

// BridgeFactory builds the bridge for one agent. Injected so tests can
// substitute fakes for the subprocess-backed implementation.
type BridgeFactory func(agentID, workdir string, agentCmd []string, servers []acp.MCPServer) Bridge

// DockerBridgeFactory attaches bridges over docker exec into the agent's
// container.
func DockerBridgeFactory(router *bus.Router) BridgeFactory {
	return func(agentID, workdir string, agentCmd []string, servers []acp.MCPServer) Bridge {
		return acp.NewBridge(acp.Config{
			AgentID:    agentID,
			Workdir:    workdir,
			MCPServers: servers,
			Start:      acp.DockerExecStart(runtime.AgentContainerName(agentID), agentCmd),
		}, router)
	}
}

// K8sBridgeFactory attaches bridges over kubectl exec into the agent's pod.
func K8sBridgeFactory(router *bus.Router, namespace string) BridgeFactory {
	return func(agentID, workdir string, agentCmd []string, servers []acp.MCPServer) Bridge {
		return acp.NewBridge(acp.Config{
			AgentID:    agentID,
			Workdir:    workdir,
			MCPServers: servers,
			Start:      acp.KubectlExecStart(namespace, runtime.AgentContainerName(agentID), agentCmd),
		}, router)
	}
}

// SpawnRequest describes one agent to start.
type SpawnRequest struct {
	AgentID   string // generated when empty
	Task      string
	AgentType string // definition name; optional
	Workspace string // host path; defaults under the workspace root
}

// Orchestrator owns the agent lifecycle end to end: container, registry
// entry, bus participant, and bridge move together.
type Orchestrator struct {
	cfg    *config.Config
	defs   map[string]*config.Definition
	rt     runtime.AgentRuntime
	reg    *registry.Registry
	router *bus.Router

	newBridge BridgeFactory

	mu       sync.Mutex
	bridges  map[string]Bridge
	busToken int
	regToken int
}

// New wires an orchestrator. It subscribes to the router so prompts
// addressed to agents reach their bridges, and to the registry so agents
// that vanish from the runtime get their bridges torn down.
func New(cfg *config.Config, defs map[string]*config.Definition, rt runtime.AgentRuntime,
	reg *registry.Registry, router *bus.Router, newBridge BridgeFactory) *Orchestrator {

	o := &Orchestrator{
		cfg:       cfg,
		defs:      defs,
		rt:        rt,
		reg:       reg,
		router:    router,
		newBridge: newBridge,
		bridges:   make(map[string]Bridge),
	}
	o.busToken = router.Subscribe(o.onBusEvent)
	o.regToken = reg.Subscribe(o.onRegistryEvent)
	return o
}

// SpawnAgent starts a container, registers the agent everywhere, and
// performs the bridge handshake. On handshake failure everything created
// here is rolled back.
func (o *Orchestrator) SpawnAgent(ctx context.Context, req SpawnRequest) (registry.Agent, error) {
	id := req.AgentID
	if id == "" {
		id = uuid.NewString()[:8]
	}
	if _, exists := o.reg.Get(id); exists {
		return registry.Agent{}, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	var def *config.Definition
	if req.AgentType != "" {
		def = o.defs[req.AgentType]
		if def == nil {
			return registry.Agent{}, fmt.Errorf("%w: %s", ErrUnknownDefinition, req.AgentType)
		}
	}

	workspace := req.Workspace
	if workspace == "" {
		workspace = filepath.Join(o.cfg.WorkspaceRoot, id)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return registry.Agent{}, fmt.Errorf("creating workspace %s: %w", workspace, err)
	}

	spawn := runtime.SpawnConfig{
		AgentID:   id,
		Task:      req.Task,
		Workspace: workspace,
		AgentType: req.AgentType,
		Image:     o.cfg.AgentImage,
	}
	if def != nil {
		if def.Image != "" {
			spawn.Image = def.Image
		}
		spawn.Env = def.Env
		spawn.Resources = runtime.ResourceConfig{CPU: def.Resources.CPU, Memory: def.Resources.Memory}
	}

	inst, err := o.rt.SpawnAgent(ctx, spawn)
	if err != nil {
		return registry.Agent{}, fmt.Errorf("spawning agent %s: %w", id, err)
	}

	agent := registry.Agent{
		ID:          id,
		Task:        req.Task,
		ContainerID: inst.ContainerID,
		Status:      "running",
		AgentType:   req.AgentType,
		Workspace:   workspace,
		StartTime:   time.Now().UTC(),
	}
	if def != nil {
		agent.Capabilities = def.Capabilities
	}
	if err := o.reg.Register(agent); err != nil {
		_ = o.rt.StopContainer(ctx, inst.ContainerID)
		_ = o.rt.RemoveContainer(ctx, inst.ContainerID)
		return registry.Agent{}, fmt.Errorf("registering agent %s: %w", id, err)
	}

	participant := bus.AgentParticipant(id)
	if err := o.router.RegisterParticipant(participant); err != nil {
		o.reg.Remove(id)
		_ = o.rt.StopContainer(ctx, inst.ContainerID)
		_ = o.rt.RemoveContainer(ctx, inst.ContainerID)
		return registry.Agent{}, fmt.Errorf("registering participant %s: %w", participant, err)
	}

	bridge := o.newBridge(id, "/workspace", ACPCommand(def), o.mcpServers(def))
	o.mu.Lock()
	o.bridges[id] = bridge
	o.mu.Unlock()

	if err := bridge.Initialize(ctx); err != nil {
		// The handshake may have started the subprocess before failing;
		// Cleanup kills it and its read loop.
		if b := o.dropBridge(id); b != nil {
			b.Cleanup()
		}
		_ = o.router.UnregisterParticipant(participant)
		o.reg.Remove(id)
		_ = o.rt.StopContainer(ctx, inst.ContainerID)
		_ = o.rt.RemoveContainer(ctx, inst.ContainerID)
		return registry.Agent{}, fmt.Errorf("establishing acp session for %s: %w", id, err)
	}

	if prompt, err := o.initialPrompt(def, id, req.Task, workspace); err != nil {
		slog.Warn("rendering initial prompt", "agent", id, "error", err)
	} else if prompt != "" {
		if err := bridge.SendPrompt(prompt, bus.ParticipantDeveloper, time.Now().UTC()); err != nil {
			slog.Warn("sending initial prompt", "agent", id, "error", err)
		}
	}

	slog.Info("agent spawned", "agent", id, "container", inst.ContainerID, "type", req.AgentType)
	return agent, nil
}

// StopAgent tears the agent down. A failed container stop leaves the
// registry entry and the bridge intact so the agent stays reachable for a
// retry; the bridge is torn down only once the container is gone.
func (o *Orchestrator) StopAgent(ctx context.Context, id string) error {
	if err := o.reg.Stop(ctx, id); err != nil {
		return err
	}

	if bridge := o.dropBridge(id); bridge != nil {
		bridge.Cleanup()
	}
	if err := o.router.UnregisterParticipant(bus.AgentParticipant(id)); err != nil {
		slog.Warn("unregistering participant", "agent", id, "error", err)
	}
	slog.Info("agent stopped", "agent", id)
	return nil
}

// Logs streams the agent's container logs.
func (o *Orchestrator) Logs(ctx context.Context, id string, opts runtime.LogOptions) (io.ReadCloser, error) {
	a, ok := o.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	return o.rt.Logs(ctx, a.ContainerID, opts)
}

// BridgeHealthy reports the bridge state for an agent.
func (o *Orchestrator) BridgeHealthy(id string) bool {
	o.mu.Lock()
	bridge := o.bridges[id]
	o.mu.Unlock()
	return bridge != nil && bridge.Healthy()
}

// Run reconciles the registry against the runtime until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.reg.Sync(ctx); err != nil {
				slog.Error("registry sync", "error", err)
			}
		}
	}
}

// Close detaches from the router and registry and tears down every bridge.
func (o *Orchestrator) Close() {
	o.router.Unsubscribe(o.busToken)
	o.reg.Unsubscribe(o.regToken)

	o.mu.Lock()
	bridges := o.bridges
	o.bridges = make(map[string]Bridge)
	o.mu.Unlock()

	for id, bridge := range bridges {
		bridge.Cleanup()
		slog.Debug("bridge cleaned up", "agent", id)
	}
}

// onBusEvent forwards messages received by an agent participant into its
// bridge as a prompt.
func (o *Orchestrator) onBusEvent(ev bus.Event) {
	if ev.Kind != bus.EventMessageReceived {
		return
	}
	id, ok := agentIDFromParticipant(ev.Participant)
	if !ok {
		return
	}

	o.mu.Lock()
	bridge := o.bridges[id]
	o.mu.Unlock()
	if bridge == nil {
		return
	}

	msg := ev.Message
	go func() {
		if err := bridge.SendPrompt(msg.Content, msg.From, msg.CreatedAt); err != nil {
			slog.Error("forwarding prompt to agent", "agent", id, "error", err)
		}
	}()
}

// onRegistryEvent cleans up after agents the reconciler discovered gone.
func (o *Orchestrator) onRegistryEvent(ev registry.Event) {
	if ev.Kind != registry.EventRemoved {
		return
	}
	if bridge := o.dropBridge(ev.Agent.ID); bridge != nil {
		bridge.Cleanup()
	}
	if err := o.router.UnregisterParticipant(bus.AgentParticipant(ev.Agent.ID)); err != nil {
		slog.Debug("unregistering removed agent", "agent", ev.Agent.ID, "error", err)
	}
}

func (o *Orchestrator) dropBridge(id string) Bridge {
	o.mu.Lock()
	defer o.mu.Unlock()
	bridge := o.bridges[id]
	delete(o.bridges, id)
	return bridge
}

func (o *Orchestrator) mcpServers(def *config.Definition) []acp.MCPServer {
	if def == nil {
		return nil
	}
	servers := make([]acp.MCPServer, 0, len(def.MCPServers))
	for _, s := range def.MCPServers {
		servers = append(servers, acp.MCPServer{
			Name: s.Name, Command: s.Command, Args: s.Args, Env: s.Env,
		})
	}
	return servers
}

// initialPrompt renders the definition's system prompt, falling back to
// the bare task.
func (o *Orchestrator) initialPrompt(def *config.Definition, id, task, workspace string) (string, error) {
	if def == nil || def.SystemPrompt == "" {
		return task, nil
	}
	rendered, err := def.RenderPrompt(config.PromptContext{AgentID: id, Task: task, Workspace: workspace})
	if err != nil {
		return "", err
	}
	if task == "" {
		return rendered, nil
	}
	return rendered + "\n\n" + task, nil
}

// ACPCommand picks the stdio command for an agent type.
func ACPCommand(def *config.Definition) []string {
	if def != nil && len(def.ACPCommand) > 0 {
		return def.ACPCommand
	}
	return defaultACPCommand
}

func agentIDFromParticipant(participant string) (string, bool) {
	id := strings.TrimPrefix(participant, "agent-")
	if id == participant || id == "" {
		return "", false
	}
	return id, true
}
