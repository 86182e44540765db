package ingestion

import (
	"context"
	"time"
)

// AdminIngestService submits operator commands (market listings, pauses,
// manual price fixes) through the same processor as the NATS path, and
// waits for their outcome. It is not meant for trader traffic.
type AdminIngestService struct {
	out chan<- RawMessage
}

func NewAdminIngestService(out chan<- RawMessage) *AdminIngestService {
	return &AdminIngestService{out: out}
}

// Submit queues one command and blocks until it is committed and durable,
// rejected, or ctx ends.
func (s *AdminIngestService) Submit(ctx context.Context, kind MessageKind, data []byte) (Outcome, error) {
	done := make(chan Outcome, 1)
	noop := func() {}
	msg := RawMessage{
		Subject:  "admin",
		Kind:     kind,
		Data:     data,
		Received: time.Now(),
		Ack:      noop,
		Nak:      noop,
		Term:     noop,
		Reply:    func(o Outcome) { done <- o },
	}

	select {
	case s.out <- msg:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	select {
	case o := <-done:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
