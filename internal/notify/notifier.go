package notify

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/models"
)

const subjectRoot = "agentmux.notify"

// Publisher is the slice of the NATS client the notifier needs.
type Publisher interface {
	Publish(subject string, v any) error
}

// Envelope is the notification payload pushed onto NATS.
type Envelope struct {
	ID          string    `json:"id"`
	Participant string    `json:"participant"`
	MessageID   uint      `json:"message_id"`
	From        string    `json:"from"`
	Content     string    `json:"content"`
	Priority    string    `json:"priority"`
	SentAt      time.Time `json:"sent_at"`
}

// SubjectFor returns the subject a notification for participant lands on.
// High-priority messages go to the alert subject, everything else to feed.
func SubjectFor(participant, priority string) string {
	if priority == models.PriorityHigh {
		return subjectRoot + "." + participant + ".alert"
	}
	return subjectRoot + "." + participant + ".feed"
}

// WatchSubject returns the wildcard subject matching every notification
// for participant, alert and feed alike.
func WatchSubject(participant string) string {
	return subjectRoot + "." + participant + ".>"
}

// Notifier watches one participant's inbox on the router and pushes each
// received message onto NATS, classified by priority.
type Notifier struct {
	pub         Publisher
	router      *bus.Router
	participant string
	token       int
}

// NewNotifier subscribes to router events for participant and starts
// publishing. Call Close to stop.
func NewNotifier(pub Publisher, router *bus.Router, participant string) *Notifier {
	n := &Notifier{pub: pub, router: router, participant: participant}
	n.token = router.Subscribe(n.handle)
	return n
}

func (n *Notifier) handle(ev bus.Event) {
	if ev.Kind != bus.EventMessageReceived || ev.Participant != n.participant {
		return
	}

	env := Envelope{
		ID:          uuid.NewString(),
		Participant: n.participant,
		MessageID:   ev.Message.ID,
		From:        ev.Message.From,
		Content:     ev.Message.Content,
		Priority:    ev.Message.Priority,
		SentAt:      ev.Message.CreatedAt,
	}
	subject := SubjectFor(n.participant, ev.Message.Priority)
	if err := n.pub.Publish(subject, env); err != nil {
		slog.Error("publishing notification", "subject", subject, "error", err)
	}
}

// Close detaches the notifier from the router.
func (n *Notifier) Close() {
	n.router.Unsubscribe(n.token)
}
