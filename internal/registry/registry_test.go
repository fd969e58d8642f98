package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/agentmux/agentmux/internal/runtime"
)

// fakeRuntime implements Runtime for tests.
type fakeRuntime struct {
	containers []runtime.AgentContainer
	listErr    error
	stopErr    error
	stopped    []string
	removed    []string
}

func (f *fakeRuntime) ListAgents(_ context.Context) ([]runtime.AgentContainer, error) {
	return f.containers, f.listErr
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func collectEvents(r *Registry) *[]Event {
	var got []Event
	r.Subscribe(func(ev Event) { got = append(got, ev) })
	return &got
}

func TestRegisterEmitsCreated(t *testing.T) {
	r := New(&fakeRuntime{})
	got := collectEvents(r)

	if err := r.Register(Agent{ID: "a", Task: "build", ContainerID: "c1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(*got) != 1 || (*got)[0].Kind != EventCreated || (*got)[0].Agent.ID != "a" {
		t.Errorf("events: %+v", *got)
	}

	// Re-registering the same id is an update, not a second create.
	if err := r.Register(Agent{ID: "a", Task: "test", ContainerID: "c1"}); err != nil {
		t.Fatalf("Register (again): %v", err)
	}
	if len(*got) != 2 || (*got)[1].Kind != EventUpdated {
		t.Errorf("events after re-register: %+v", *got)
	}
}

func TestRegisterRejectsDuplicateContainer(t *testing.T) {
	r := New(&fakeRuntime{})
	if err := r.Register(Agent{ID: "a", ContainerID: "c1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(Agent{ID: "b", ContainerID: "c1"}); err == nil {
		t.Error("expected error registering second agent for the same container")
	}
}

func TestUpdateUnknownIsNoOp(t *testing.T) {
	r := New(&fakeRuntime{})
	got := collectEvents(r)

	status := "working"
	if _, ok := r.Update("ghost", Update{Status: &status}); ok {
		t.Error("Update on unknown id reported ok")
	}
	if len(*got) != 0 {
		t.Errorf("unexpected events: %+v", *got)
	}
}

func TestUpdateMergesPartialFields(t *testing.T) {
	r := New(&fakeRuntime{})
	if err := r.Register(Agent{ID: "a", Task: "build", ContainerID: "c1", Status: "idle"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	status := "working"
	a, ok := r.Update("a", Update{Status: &status, Capabilities: []string{"go"}})
	if !ok {
		t.Fatal("Update reported not found")
	}
	if a.Status != "working" || a.Task != "build" || len(a.Capabilities) != 1 {
		t.Errorf("merged agent: %+v", a)
	}
}

func TestSyncReconciles(t *testing.T) {
	rt := &fakeRuntime{containers: []runtime.AgentContainer{
		{AgentID: "a", ContainerID: "c-a", Name: "agent-a", Task: "build"},
	}}
	r := New(rt)
	if err := r.Register(Agent{ID: "a", ContainerID: "c-a-old"}); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := r.Register(Agent{ID: "b", ContainerID: "c-b"}); err != nil {
		t.Fatalf("Register b: %v", err)
	}

	got := collectEvents(r)
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Exactly one removal event, for b.
	if len(*got) != 1 || (*got)[0].Kind != EventRemoved || (*got)[0].Agent.ID != "b" {
		t.Errorf("events: %+v", *got)
	}

	agents := r.List()
	if len(agents) != 1 || agents[0].ID != "a" {
		t.Fatalf("registry after sync: %+v", agents)
	}
	// Container id overwritten from the runtime snapshot.
	if agents[0].ContainerID != "c-a" {
		t.Errorf("ContainerID: got %q, want 'c-a'", agents[0].ContainerID)
	}
}

func TestSyncEmptyRuntime(t *testing.T) {
	r := New(&fakeRuntime{})
	if err := r.Register(Agent{ID: "a", ContainerID: "c1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("registry not empty after sync against empty runtime: %+v", r.List())
	}
	// Repeated sync against emptiness is safe.
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync (repeat): %v", err)
	}
}

func TestSyncDiscoversUnknownContainers(t *testing.T) {
	rt := &fakeRuntime{containers: []runtime.AgentContainer{
		{AgentID: "new", ContainerID: "c-new", Name: "agent-new", Task: "explore", AgentType: "coder"},
	}}
	r := New(rt)

	got := collectEvents(r)
	if err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	a, ok := r.Get("new")
	if !ok {
		t.Fatal("agent 'new' not discovered")
	}
	if a.Task != "explore" || a.AgentType != "coder" || a.ContainerID != "c-new" {
		t.Errorf("discovered agent: %+v", a)
	}
	// Resynchronization upserts silently.
	if len(*got) != 0 {
		t.Errorf("unexpected events during sync upsert: %+v", *got)
	}
}

func TestStopUnknownAgent(t *testing.T) {
	r := New(&fakeRuntime{})
	err := r.Stop(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestStopFailureKeepsEntry(t *testing.T) {
	rt := &fakeRuntime{stopErr: errors.New("daemon unavailable")}
	r := New(rt)
	if err := r.Register(Agent{ID: "a", ContainerID: "c1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Stop(context.Background(), "a"); err == nil {
		t.Fatal("expected stop error")
	}
	// Fail-safe: the registry still tracks the possibly-running container.
	if _, ok := r.Get("a"); !ok {
		t.Error("registry entry removed despite failed stop")
	}
}

func TestStopRemovesAgent(t *testing.T) {
	rt := &fakeRuntime{}
	r := New(rt)
	if err := r.Register(Agent{ID: "a", ContainerID: "c1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got := collectEvents(r)

	if err := r.Stop(context.Background(), "a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(rt.stopped) != 1 || rt.stopped[0] != "c1" {
		t.Errorf("stopped containers: %v", rt.stopped)
	}
	if len(rt.removed) != 1 || rt.removed[0] != "c1" {
		t.Errorf("removed containers: %v", rt.removed)
	}
	if _, ok := r.Get("a"); ok {
		t.Error("agent still present after stop")
	}
	if len(*got) != 1 || (*got)[0].Kind != EventRemoved {
		t.Errorf("events: %+v", *got)
	}
}

func TestFind(t *testing.T) {
	r := New(&fakeRuntime{})
	agents := []Agent{
		{ID: "a", Status: "working", Capabilities: []string{"go", "docker"}},
		{ID: "b", Status: "idle", Capabilities: []string{"python"}},
		{ID: "c", Status: "working", Capabilities: []string{"python"}},
	}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			t.Fatalf("Register(%s): %v", a.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"a", "b", "c"}},
		{"by status", Filter{Status: "working"}, []string{"a", "c"}},
		{"by capability", Filter{Capability: "python"}, []string{"b", "c"}},
		{"both", Filter{Status: "working", Capability: "python"}, []string{"c"}},
		{"no match", Filter{Status: "blocked"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Find(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d agents, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("[%d]: got %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}
