// Package nats publishes payment lifecycle events to a JetStream stream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"eventpay/internal/common/events"
)

// Subjects captured by the payments stream
var streamSubjects = []string{"payments.>", "billing.>"}

// Config holds NATS configuration
type Config struct {
	Enabled         bool          `envconfig:"NATS_ENABLED" default:"true"`
	URL             string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name            string        `envconfig:"NATS_CLIENT_NAME" default:"eventpay"`
	MaxReconnects   int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait   time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	Stream          string        `envconfig:"NATS_STREAM" default:"PAYMENTS"`
	StreamMaxAge    time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
	DuplicateWindow time.Duration `envconfig:"NATS_DUPLICATE_WINDOW" default:"10m"`
	PublishTimeout  time.Duration `envconfig:"NATS_PUBLISH_TIMEOUT" default:"5s"`
}

// Client is a JetStream connection bound to the payments stream
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

// New connects to NATS. Disconnects are logged and retried by the client library.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	logger = logger.With("component", "nats")

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("connected", "url", conn.ConnectedUrl(), "stream", cfg.Stream)
	return &Client{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// Close drains pending publishes before closing
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// EnsureStream creates or updates the payments stream. The duplicate window
// must outlast provider webhook retries so a re-published event is dropped.
func (c *Client) EnsureStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.Stream,
		Description: "payment lifecycle, settlement and billing events",
		Subjects:    streamSubjects,
		MaxAge:      c.cfg.StreamMaxAge,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  c.cfg.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("ensuring stream %s: %w", c.cfg.Stream, err)
	}
	c.logger.Info("stream ready", "stream", c.cfg.Stream, "subjects", streamSubjects)
	return nil
}

// HealthCheck reports whether the connection is usable
func (c *Client) HealthCheck() error {
	if status := c.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Publisher implements events.EventPublisher on JetStream
type Publisher struct {
	client *Client
	logger *slog.Logger
}

var _ events.EventPublisher = (*Publisher)(nil)

// NewPublisher creates an event publisher
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Publish sends the event on a subject equal to its type. The event id is the
// JetStream message id; correlation and aggregate ids travel as headers so
// consumers can route without decoding the body.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := nats.NewMsg(event.Type)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set("Aggregate-Id", event.AggregateID)
	if event.CorrelationID != "" {
		msg.Header.Set("Correlation-Id", event.CorrelationID)
	}

	if p.client.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.client.cfg.PublishTimeout)
		defer cancel()
	}

	ack, err := p.client.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"aggregate_id", event.AggregateID,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}
