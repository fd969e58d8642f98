// Package registry mirrors the live agent set. The container runtime is
// the source of truth; the in-memory map here is a cache reconciled
// against it by Sync and mutated directly by spawn/stop paths.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/runtime"
)

// ErrNotFound is returned for operations on unknown agent ids.
var ErrNotFound = errors.New("agent not found")

// Agent is the registry's view of one running agent.
type Agent struct {
	ID           string    `json:"id"`
	Task         string    `json:"task"`
	ContainerID  string    `json:"container_id"`
	Status       string    `json:"status,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	StartTime    time.Time `json:"start_time,omitempty"`
	AgentType    string    `json:"agent_type,omitempty"`
	Workspace    string    `json:"workspace,omitempty"`
}

// Update carries a partial-field merge for UpdateAgent. Nil fields are
// left untouched.
type Update struct {
	Task         *string
	Status       *string
	Capabilities []string
	AgentType    *string
	Workspace    *string
}

// Filter selects agents for discovery. Empty fields match everything.
type Filter struct {
	Status     string
	Capability string
}

// EventKind classifies agent lifecycle events.
type EventKind string

const (
	EventCreated EventKind = "agent:created"
	EventUpdated EventKind = "agent:updated"
	EventRemoved EventKind = "agent:removed"
)

// Event carries the full agent record at the time of the transition.
type Event struct {
	Kind  EventKind
	Agent Agent
}

// Runtime is the slice of the container runtime the registry needs:
// listing for reconciliation and stop/remove for StopAgent.
type Runtime interface {
	ListAgents(ctx context.Context) ([]runtime.AgentContainer, error)
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
}

// Registry owns the agent map. All access goes through its methods.
type Registry struct {
	mu     sync.Mutex
	agents map[string]Agent
	rt     Runtime
	events *events.Emitter[Event]
}

// New creates an empty registry backed by rt.
func New(rt Runtime) *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		rt:     rt,
		events: events.NewEmitter[Event](),
	}
}

// Subscribe registers a lifecycle event handler.
func (r *Registry) Subscribe(fn func(Event)) int { return r.events.Subscribe(fn) }

// Unsubscribe releases a Subscribe token.
func (r *Registry) Unsubscribe(id int) { r.events.Unsubscribe(id) }

// Register adds or replaces an agent, emitting agent:created (or
// agent:updated when the id was already present). Two entries never share
// a container id.
func (r *Registry) Register(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if a.StartTime.IsZero() {
		a.StartTime = time.Now().UTC()
	}

	r.mu.Lock()
	if a.ContainerID != "" {
		for id, existing := range r.agents {
			if id != a.ID && existing.ContainerID == a.ContainerID {
				r.mu.Unlock()
				return fmt.Errorf("container %s already registered as agent %s", a.ContainerID, id)
			}
		}
	}
	_, existed := r.agents[a.ID]
	r.agents[a.ID] = a
	r.mu.Unlock()

	kind := EventCreated
	if existed {
		kind = EventUpdated
	}
	slog.Info("agent registered", "agent", a.ID, "container", a.ContainerID)
	r.events.Emit(Event{Kind: kind, Agent: a})
	return nil
}

// Update merges upd into the agent with the given id and emits
// agent:updated. Updating an unknown id is a no-op with ok=false.
func (r *Registry) Update(id string, upd Update) (Agent, bool) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return Agent{}, false
	}
	if upd.Task != nil {
		a.Task = *upd.Task
	}
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	if upd.Capabilities != nil {
		a.Capabilities = upd.Capabilities
	}
	if upd.AgentType != nil {
		a.AgentType = *upd.AgentType
	}
	if upd.Workspace != nil {
		a.Workspace = *upd.Workspace
	}
	r.agents[id] = a
	r.mu.Unlock()

	r.events.Emit(Event{Kind: EventUpdated, Agent: a})
	return a, true
}

// Remove drops the agent from the registry and emits agent:removed.
func (r *Registry) Remove(id string) (Agent, bool) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	if ok {
		slog.Info("agent removed", "agent", id)
		r.events.Emit(Event{Kind: EventRemoved, Agent: a})
	}
	return a, ok
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all agents sorted by id.
func (r *Registry) List() []Agent {
	r.mu.Lock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Find returns agents matching the filter, sorted by id.
func (r *Registry) Find(f Filter) []Agent {
	var out []Agent
	for _, a := range r.List() {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Capability != "" && !hasCapability(a, f.Capability) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func hasCapability(a Agent, cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Sync replaces the registry contents with the runtime's current agent
// containers. Agents whose containers are gone fire agent:removed; present
// containers are upserted without firing update events. An empty runtime
// yields an empty registry.
func (r *Registry) Sync(ctx context.Context) error {
	containers, err := r.rt.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agent containers: %w", err)
	}

	live := make(map[string]runtime.AgentContainer, len(containers))
	for _, c := range containers {
		live[c.AgentID] = c
	}

	var removed []Agent
	r.mu.Lock()
	for id, a := range r.agents {
		if _, ok := live[id]; !ok {
			removed = append(removed, a)
			delete(r.agents, id)
		}
	}
	for id, c := range live {
		a, ok := r.agents[id]
		if !ok {
			a = Agent{ID: id, StartTime: c.StartedAt}
		}
		a.ContainerID = c.ContainerID
		if c.Task != "" {
			a.Task = c.Task
		}
		if c.AgentType != "" {
			a.AgentType = c.AgentType
		}
		r.agents[id] = a
	}
	r.mu.Unlock()

	for _, a := range removed {
		slog.Info("agent gone from runtime", "agent", a.ID)
		r.events.Emit(Event{Kind: EventRemoved, Agent: a})
	}
	return nil
}

// Stop stops and removes the agent's container, then drops the registry
// entry. A failed stop leaves the entry intact so a possibly-running
// container is never lost track of.
func (r *Registry) Stop(ctx context.Context, id string) error {
	a, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if a.ContainerID != "" {
		if err := r.rt.StopContainer(ctx, a.ContainerID); err != nil {
			return fmt.Errorf("stopping container for %s: %w", id, err)
		}
		if err := r.rt.RemoveContainer(ctx, a.ContainerID); err != nil {
			return fmt.Errorf("removing container for %s: %w", id, err)
		}
	}

	r.Remove(id)
	return nil
}
