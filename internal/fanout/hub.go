// Package fanout multiplexes registry and router events to any number of
// observers, each behind its own bounded queue.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/models"
	"github.com/agentmux/agentmux/internal/registry"
)

// observerBuffer bounds each observer's queue. A full queue drops events
// rather than blocking the bus.
const observerBuffer = 64

// TypeSnapshot is the first event every observer receives; its Agents
// field carries the full registry contents at attach time. All later
// events reuse the internal kind names (agent:created, message:sent, ...).
const TypeSnapshot = "snapshot"

// Event is the wire shape observers consume. Exactly one of Agents,
// Agent, or Message is populated depending on Type.
type Event struct {
	Type       string           `json:"type"`
	Agents     []registry.Agent `json:"agents,omitempty"`
	Agent      *registry.Agent  `json:"agent,omitempty"`
	Message    *models.Message  `json:"message,omitempty"`
	Recipients int              `json:"recipients,omitempty"`
}

// Observer is one attached consumer. Read from C until Detach.
type Observer struct {
	C   <-chan Event
	hub *Hub
	id  int
}

// Detach deregisters the observer and closes its channel.
func (o *Observer) Detach() { o.hub.detach(o.id) }

// Hub fans registry lifecycle events and router send events out to
// observers. One hub serves the whole process.
type Hub struct {
	reg    *registry.Registry
	router *bus.Router

	mu        sync.Mutex
	observers map[int]chan Event
	nextID    int
	closed    bool

	regToken int
	busToken int
}

// NewHub wires a hub into reg and router. Call Close to unwire.
func NewHub(reg *registry.Registry, router *bus.Router) *Hub {
	h := &Hub{
		reg:       reg,
		router:    router,
		observers: make(map[int]chan Event),
	}
	h.regToken = reg.Subscribe(h.onRegistryEvent)
	h.busToken = router.Subscribe(h.onRouterEvent)
	return h
}

// Attach registers a new observer. Its channel first yields a snapshot of
// all current agents, then incremental events until Detach.
func (h *Hub) Attach() *Observer {
	ch := make(chan Event, observerBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return &Observer{C: ch, hub: h, id: -1}
	}

	// Snapshot goes into the buffer before the observer can receive
	// anything else, so consumers always see state before deltas.
	ch <- Event{Type: TypeSnapshot, Agents: h.reg.List()}

	h.nextID++
	id := h.nextID
	h.observers[id] = ch
	return &Observer{C: ch, hub: h, id: id}
}

func (h *Hub) detach(id int) {
	h.mu.Lock()
	ch, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Close unwires the hub from its sources and closes every observer.
func (h *Hub) Close() {
	h.reg.Unsubscribe(h.regToken)
	h.router.Unsubscribe(h.busToken)

	h.mu.Lock()
	observers := h.observers
	h.observers = make(map[int]chan Event)
	h.closed = true
	h.mu.Unlock()

	for _, ch := range observers {
		close(ch)
	}
}

func (h *Hub) onRegistryEvent(ev registry.Event) {
	agent := ev.Agent
	h.publish(Event{Type: string(ev.Kind), Agent: &agent})
}

func (h *Hub) onRouterEvent(ev bus.Event) {
	// Per-inbox received events stay private; only sends are observable.
	if ev.Kind != bus.EventMessageSent {
		return
	}
	msg := ev.Message
	h.publish(Event{Type: string(ev.Kind), Message: &msg, Recipients: ev.Recipients})
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.observers {
		select {
		case ch <- ev:
		default:
			slog.Debug("dropping event for slow observer", "observer", id, "type", ev.Type)
		}
	}
}
