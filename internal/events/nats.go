package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream holding funding events.
const StreamName = "FUNDING_EVENTS"

// SubjectPrefix prefixes every event subject: funding.events.{type}.
const SubjectPrefix = "funding.events"

// NATSPublisher publishes events to JetStream for downstream audit
// consumers.
type NATSPublisher struct {
	js      jetstream.JetStream
	log     *slog.Logger
	timeout time.Duration
}

// NewNATSPublisher creates a publisher over an existing JetStream context.
func NewNATSPublisher(js jetstream.JetStream, log *slog.Logger) *NATSPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &NATSPublisher{js: js, log: log, timeout: 2 * time.Second}
}

// Publish sends e to funding.events.{type}. Failures are logged and dropped;
// the balance audit log in Postgres remains the source of truth.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.log.Warn("event marshal failed", "type", e.Type, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	subject := fmt.Sprintf("%s.%s", SubjectPrefix, e.Type)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(e.ID)); err != nil {
		p.log.Warn("event publish failed", "type", e.Type, "account", e.AccountID, "err", err)
	}
}

// EnsureStream creates the funding events stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("funding-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
