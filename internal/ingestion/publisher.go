package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes committed events for downstream consumers on
// perp.clearing.events.{event_type}.{market}. Calls that touch no market
// use "global".
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	skipTo    int64
}

// PublishedEvent is the outbound wire format.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	Index          int             `json:"index"`
	Op             string          `json:"op"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MarketID       *string         `json:"market_id,omitempty"`
	Block          int64           `json:"block"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// SkipThrough suppresses outputs up to seq, which were already published
// before a restart and are now being replayed.
func (op *OutboundPublisher) SkipThrough(seq int64) { op.skipTo = seq }

func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope.Sequence <= op.skipTo {
				continue
			}
			for i, e := range out.Envelope.Events {
				if err := op.publish(ctx, out.Envelope, i, e); err != nil {
					// downstream consumers can read the event log directly
					op.logger.Warn().Err(err).Int64("seq", out.Envelope.Sequence).Msg("outbound publish failed")
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope, i int, e event.Event) error {
	data, err := EncodePublished(env, i, e)
	if err != nil {
		return err
	}
	typ := e.EventType().String()
	_, err = op.js.Publish(ctx, Subject(typ, env.MarketID), data,
		jetstream.WithMsgID(fmt.Sprintf("%d-%d", env.Sequence, i)))
	if err != nil {
		return err
	}
	if op.metrics != nil {
		op.metrics.PublishedEvents.WithLabelValues(typ).Inc()
	}
	return nil
}

// Subject builds the outbound subject of an event.
func Subject(eventType string, market *string) string {
	m := "global"
	if market != nil && *market != "" {
		m = *market
	}
	return fmt.Sprintf("perp.clearing.events.%s.%s", eventType, m)
}

// EncodePublished renders the i-th event of env.
func EncodePublished(env *event.EventEnvelope, i int, e event.Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return json.Marshal(PublishedEvent{
		Sequence:       env.Sequence,
		Index:          i,
		Op:             env.Op,
		EventType:      e.EventType().String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Block:          env.Block,
		Payload:        payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	})
}

// EnsureOutboundStream creates the outbound events stream. Duplicate
// message IDs within two minutes are dropped by the server.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "PERP_CLEARING_EVENTS",
		Subjects:   []string{"perp.clearing.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "PERP_CLEARING_EVENTS").Msg("ensured outbound stream")
	return nil
}
