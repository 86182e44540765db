package persistence

import (
	"context"
	"sync"
)

// Watermark tracks the highest sequence known to be durable in the event
// log. Ingestion waits on it before acknowledging upstream messages.
type Watermark struct {
	mu      sync.Mutex
	seq     int64
	changed chan struct{}
}

func NewWatermark(seq int64) *Watermark {
	return &Watermark{seq: seq, changed: make(chan struct{})}
}

func (w *Watermark) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Advance raises the watermark; lower values are ignored.
func (w *Watermark) Advance(seq int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.seq {
		return
	}
	w.seq = seq
	close(w.changed)
	w.changed = make(chan struct{})
}

// Wait blocks until seq is durable or ctx is done.
func (w *Watermark) Wait(ctx context.Context, seq int64) error {
	for {
		w.mu.Lock()
		if w.seq >= seq {
			w.mu.Unlock()
			return nil
		}
		ch := w.changed
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
