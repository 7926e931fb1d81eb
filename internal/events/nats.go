package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubject is the subject prefix events are published under.
	// The event kind is appended: servermint.relay.events.agent_authenticated
	DefaultSubject = "servermint.relay.events"

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout = 10 * time.Second

	// ReconnectWait is the pause between reconnect attempts.
	ReconnectWait = 5 * time.Second
)

// NATSSink publishes events as JSON to NATS.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to the NATS server at url. The connection reconnects
// forever in the background; publishes made while disconnected are buffered
// by the client library.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	conn, err := nats.Connect(url,
		nats.Name("servermint-relay"),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	slog.Info("nats event sink ready", "url", url, "subject", subject)
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(SubjectFor(s.subject, e.Kind))
	msg.Data = data
	msg.Header.Set("x-event-kind", string(e.Kind))
	msg.Header.Set("x-timestamp", strconv.FormatInt(e.Time.UnixMilli(), 10))
	if e.NodeID != "" {
		msg.Header.Set("x-node-id", e.NodeID)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish: %w", ctx.Err())
	default:
	}

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

// SubjectFor returns the subject an event of the given kind is published on.
func SubjectFor(prefix string, kind Kind) string {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return prefix + "." + string(kind)
}
