// Package notify pushes message notifications for one participant onto
// NATS subjects so external clients can follow their inbox without polling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ClientConfig holds the configuration for the NATS client.
type ClientConfig struct {
	URL              string
	Name             string // connection name for monitoring
	Token            string // auth token (optional, must match the server --auth flag)
	MaxReconnects    int
	ReconnectWait    time.Duration
	JetStreamEnabled bool
}

// DefaultConfig returns a ClientConfig with sensible defaults.
func DefaultConfig(url, name string) ClientConfig {
	return ClientConfig{
		URL:              url,
		Name:             name,
		MaxReconnects:    -1, // unlimited reconnects
		ReconnectWait:    2 * time.Second,
		JetStreamEnabled: true,
	}
}

// Client wraps a NATS connection with JSON publish helpers.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config ClientConfig
	subs   []*nats.Subscription
}

// Connect establishes a connection to the NATS server.
func Connect(config ClientConfig) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", config.URL, err)
	}

	client := &Client{
		conn:   nc,
		config: config,
	}

	if config.JetStreamEnabled {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("creating jetstream context: %w", err)
		}
		client.js = js
	}

	slog.Info("nats connected", "url", config.URL, "name", config.Name)
	return client, nil
}

// EnsureStream creates or updates a JetStream stream retaining recent
// notifications so clients reconnecting can catch up.
func (c *Client) EnsureStream(ctx context.Context) error {
	if c.js == nil {
		return fmt.Errorf("jetstream not enabled")
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "NOTIFY",
		Subjects:  []string{subjectRoot + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.MemoryStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("creating notify stream: %w", err)
	}

	slog.Info("jetstream stream ensured", "stream", "NOTIFY")
	return nil
}

// Publish marshals v as JSON and sends it to subject.
func (c *Client) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return c.conn.Publish(subject, data)
}

// Subscribe registers a raw handler for messages on the given subject.
func (c *Client) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(natsMsg *nats.Msg) {
		handler(natsMsg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	c.subs = append(c.subs, sub)
	slog.Debug("subscribed", "subject", subject)
	return nil
}

// Flush flushes the connection buffer to the server.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close drains all subscriptions and closes the connection.
func (c *Client) Close() {
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			slog.Debug("draining subscription", "subject", sub.Subject, "error", err)
		}
	}
	c.conn.Close()
	slog.Info("nats client closed")
}

// IsConnected returns true if the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}
