package ingestion

import (
	"context"
	"errors"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/observability"

	"github.com/rs/zerolog"
)

// Durability reports when a committed sequence is in the event log.
type Durability interface {
	Wait(ctx context.Context, seq int64) error
}

// Processor is the single writer of the clearing house on the live path.
// A message is acknowledged only once its outcome is final: committed and
// durable, rejected by the engine, or unparseable.
type Processor struct {
	ch      *core.ClearingHouse
	in      <-chan RawMessage
	durable Durability
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewProcessor(ch *core.ClearingHouse, in <-chan RawMessage, durable Durability, metrics *observability.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		ch:      ch,
		in:      in,
		durable: durable,
		metrics: metrics,
		logger:  logger,
	}
}

func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-p.in:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// handle returns an error only when the processor must stop.
func (p *Processor) handle(ctx context.Context, msg RawMessage) error {
	parse := ParseCommand
	if msg.Kind == KindPrice {
		parse = ParsePriceUpdate
	}
	cmd, err := parse(msg.Data)
	if err != nil {
		p.count("unknown", "malformed")
		p.logger.Warn().Str("subject", msg.Subject).Err(err).Msg("dropping malformed message")
		reply(msg, Outcome{Err: err})
		msg.Term()
		return nil
	}

	res, err := Apply(p.ch, cmd)
	switch {
	case errors.Is(err, core.ErrDuplicateCommand):
		p.count(cmd.Op, "duplicate")
		reply(msg, Outcome{Op: cmd.Op, Err: err})
		msg.Ack()
		return nil
	case err != nil:
		p.count(cmd.Op, core.KindOf(err).String())
		p.logger.Info().
			Str("op", cmd.Op).
			Str("id", cmd.ID).
			Str("kind", core.KindOf(err).String()).
			Err(err).
			Msg("command rejected")
		reply(msg, Outcome{Op: cmd.Op, Err: err})
		msg.Ack()
		return nil
	}

	if p.metrics != nil {
		p.metrics.IngestToApply.WithLabelValues(cmd.Op).Observe(time.Since(msg.Received).Seconds())
	}
	seq := p.ch.Sequence()
	if p.durable != nil {
		if err := p.durable.Wait(ctx, seq); err != nil {
			// committed in memory but not yet durable: redelivery is caught
			// by the idempotency check once the write lands
			reply(msg, Outcome{Op: cmd.Op, Err: err})
			msg.Nak()
			return err
		}
	}
	p.count(cmd.Op, "applied")
	reply(msg, Outcome{Op: cmd.Op, Sequence: seq, Result: res})
	msg.Ack()
	return nil
}

func reply(msg RawMessage, o Outcome) {
	if msg.Reply != nil {
		msg.Reply(o)
	}
}

func (p *Processor) count(op, result string) {
	if p.metrics != nil {
		p.metrics.IngestCommands.WithLabelValues(op, result).Inc()
	}
}
