// Package bus implements the message router: the single source of truth
// for inter-participant communication, backed by a pluggable store.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/models"
)

// Fixed participant identifiers. Agents register as "agent-<id>".
const (
	ParticipantDeveloper = "developer"
	ParticipantBroadcast = "broadcast"
)

// AgentParticipant returns the bus identifier for an agent id.
func AgentParticipant(agentID string) string {
	return "agent-" + agentID
}

// Sentinel errors so callers can tell validation failures apart from
// transport or persistence failures.
var (
	ErrUnknownSender    = errors.New("unknown sender")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrInvalidPriority  = errors.New("invalid priority")
	ErrEmptyParticipant = errors.New("participant id must not be empty")
)

// EventKind classifies router events.
type EventKind string

const (
	// EventMessageReceived is scoped to a single recipient's inbox.
	EventMessageReceived EventKind = "message:received"
	// EventMessageSent is broadcast to observers for every send call.
	EventMessageSent EventKind = "message:sent"
)

// Event is emitted on every successful send. Received events carry the
// persisted copy addressed to Participant; sent events carry the message
// as submitted plus the resolved recipient count.
type Event struct {
	Kind        EventKind
	Participant string
	Message     models.Message
	Recipients  int
}

// SendRequest is the input to Send.
type SendRequest struct {
	From     string
	To       string
	Content  string
	Priority string
}

// SendResult reports what a send persisted.
type SendResult struct {
	// MessageID is the persisted id for a direct send; for broadcasts it
	// is the id of the first fan-out copy.
	MessageID  uint      `json:"message_id"`
	Recipients int       `json:"recipients"`
	Timestamp  time.Time `json:"timestamp"`
}

// GetOptions filters GetMessages.
type GetOptions struct {
	UnreadOnly bool
	Limit      int
	MarkAsRead bool
}

// Router owns the message store and the participant set. All mutation of
// either goes through its methods.
type Router struct {
	mu           sync.Mutex
	store        MessageStore
	participants map[string]struct{}
	events       *events.Emitter[Event]
}

// NewRouter builds a router over store, restoring any persisted
// participant membership and registering the fixed developer participant.
func NewRouter(store MessageStore) (*Router, error) {
	r := &Router{
		store:        store,
		participants: make(map[string]struct{}),
		events:       events.NewEmitter[Event](),
	}
	ids, err := store.Participants()
	if err != nil {
		return nil, fmt.Errorf("restoring participants: %w", err)
	}
	for _, id := range ids {
		r.participants[id] = struct{}{}
	}
	if err := r.RegisterParticipant(ParticipantDeveloper); err != nil {
		return nil, err
	}
	return r, nil
}

// Subscribe registers a handler for router events; the returned token
// releases it via Unsubscribe.
func (r *Router) Subscribe(fn func(Event)) int { return r.events.Subscribe(fn) }

// Unsubscribe releases a Subscribe token.
func (r *Router) Unsubscribe(id int) { r.events.Unsubscribe(id) }

// RegisterParticipant makes id addressable. Idempotent.
func (r *Router) RegisterParticipant(id string) error {
	if id == "" {
		return ErrEmptyParticipant
	}
	if id == ParticipantBroadcast {
		return fmt.Errorf("%q is a reserved identifier", id)
	}
	r.mu.Lock()
	_, exists := r.participants[id]
	r.participants[id] = struct{}{}
	r.mu.Unlock()

	if err := r.store.SaveParticipant(id); err != nil {
		return err
	}
	if !exists {
		slog.Info("participant registered", "participant", id)
	}
	return nil
}

// UnregisterParticipant removes id from the addressable set. Historical
// messages are kept. Idempotent.
func (r *Router) UnregisterParticipant(id string) error {
	r.mu.Lock()
	_, exists := r.participants[id]
	delete(r.participants, id)
	r.mu.Unlock()

	if err := r.store.DeleteParticipant(id); err != nil {
		return err
	}
	if exists {
		slog.Info("participant unregistered", "participant", id)
	}
	return nil
}

// Participants returns the currently registered participant ids, sorted.
func (r *Router) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsParticipant reports whether id is currently registered.
func (r *Router) IsParticipant(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[id]
	return ok
}

// Send validates, persists, and announces a message. Sending to the
// broadcast identifier persists one copy per other registered participant;
// the sender never receives its own broadcast.
func (r *Router) Send(req SendRequest) (*SendResult, error) {
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(req.Priority) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, req.Priority)
	}
	if !r.IsParticipant(req.From) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSender, req.From)
	}
	if req.To != ParticipantBroadcast && req.To != ParticipantDeveloper && !r.IsParticipant(req.To) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecipient, req.To)
	}

	if req.To == ParticipantBroadcast {
		return r.broadcast(req)
	}

	msg := models.Message{
		From:     req.From,
		To:       req.To,
		Content:  req.Content,
		Priority: req.Priority,
	}
	if err := r.store.AppendMessage(&msg); err != nil {
		return nil, err
	}

	slog.Info("message sent", "from", msg.From, "to", msg.To, "id", msg.ID, "priority", msg.Priority)
	r.events.Emit(Event{Kind: EventMessageReceived, Participant: msg.To, Message: msg})
	r.events.Emit(Event{Kind: EventMessageSent, Message: msg, Recipients: 1})

	return &SendResult{MessageID: msg.ID, Recipients: 1, Timestamp: msg.CreatedAt}, nil
}

// broadcast persists req once per registered participant other than the
// sender, in sorted participant order for stable ids.
func (r *Router) broadcast(req SendRequest) (*SendResult, error) {
	var recipients []string
	for _, id := range r.Participants() {
		if id != req.From {
			recipients = append(recipients, id)
		}
	}

	res := &SendResult{Recipients: len(recipients)}
	for _, to := range recipients {
		msg := models.Message{
			From:     req.From,
			To:       to,
			Content:  req.Content,
			Priority: req.Priority,
		}
		if err := r.store.AppendMessage(&msg); err != nil {
			return nil, fmt.Errorf("broadcast to %s: %w", to, err)
		}
		if res.MessageID == 0 {
			res.MessageID = msg.ID
			res.Timestamp = msg.CreatedAt
		}
		r.events.Emit(Event{Kind: EventMessageReceived, Participant: to, Message: msg})
	}

	slog.Info("broadcast sent", "from", req.From, "recipients", len(recipients))
	r.events.Emit(Event{
		Kind: EventMessageSent,
		Message: models.Message{
			From:      req.From,
			To:        ParticipantBroadcast,
			Content:   req.Content,
			Priority:  req.Priority,
			CreatedAt: res.Timestamp,
		},
		Recipients: len(recipients),
	})
	return res, nil
}

// GetMessages returns participant's inbox in arrival order. With
// MarkAsRead set, the returned messages are flipped to read as a side
// effect and the returned copies reflect that.
func (r *Router) GetMessages(participant string, opts GetOptions) ([]models.Message, error) {
	msgs, err := r.store.MessagesFor(participant, opts.UnreadOnly, opts.Limit)
	if err != nil {
		return nil, err
	}
	if opts.MarkAsRead && len(msgs) > 0 {
		ids := make([]uint, 0, len(msgs))
		for i := range msgs {
			if !msgs[i].Read {
				ids = append(ids, msgs[i].ID)
			}
		}
		if _, err := r.store.MarkRead(ids); err != nil {
			return nil, err
		}
		for i := range msgs {
			msgs[i].Read = true
		}
	}
	return msgs, nil
}

// MarkMessagesRead flips read for the given ids, returning how many
// actually changed. Calling it again with the same ids changes zero.
func (r *Router) MarkMessagesRead(ids []uint) (int64, error) {
	return r.store.MarkRead(ids)
}
