package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// MessageKind selects the parser for a subject.
type MessageKind int

const (
	KindCommand MessageKind = iota
	KindPrice
)

// NATSSubscriber consumes JetStream subjects and queues the raw messages
// for the processor, which owns the clearing house.
type NATSSubscriber struct {
	js        jetstream.JetStream
	out       chan<- RawMessage
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// RawMessage is an unparsed message plus its acknowledgement hooks.
type RawMessage struct {
	Subject  string
	Kind     MessageKind
	Data     []byte
	Received time.Time
	Ack      func() // processed or rejected for good
	Nak      func() // redeliver
	Term     func() // never redeliver

	// Reply, when set, receives the outcome. Only admin submissions set it.
	Reply func(Outcome)
}

// Outcome is the final result of one message.
type Outcome struct {
	Op       string
	Sequence int64 // zero unless committed
	Result   any
	Err      error
}

type SubjectConfig struct {
	Subject      string
	Kind         MessageKind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects: commands on perp.clearing.cmd.<op>, oracle prices on
// perp.clearing.prices.<feed>.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "perp.clearing.cmd.>", Kind: KindCommand, ConsumerName: "clearing-commands", StreamName: "PERP_CLEARING_CMD"},
		{Subject: "perp.clearing.prices.>", Kind: KindPrice, ConsumerName: "clearing-prices", StreamName: "PERP_CLEARING_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawMessage, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:     js,
		out:    out,
		logger: logger,
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ACK, max_deliver=5, ack_wait=30s.
//
// The command consumer allows a single outstanding message so commands
// reach the clearing house in stream order.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:  msg.Subject(),
				Kind:     kind,
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { _ = msg.Ack() },
				Nak:      func() { _ = msg.Nak() },
				Term:     func() { _ = msg.Term() },
			}

			select {
			case ns.out <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams if they don't exist. Streams
// use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "PERP_CLEARING_CMD",
			Subjects:  []string{"perp.clearing.cmd.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PERP_CLEARING_PRICES",
			Subjects:  []string{"perp.clearing.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perp-clearinghoused"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
