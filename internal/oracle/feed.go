package oracle

import (
	"fmt"
	"math/big"
)

// Feed keeps an index series and a mark series per market. It is not
// synchronized; the clearing house owns it and serializes access.
type Feed struct {
	capacity int
	index    map[string]*Accumulator
	mark     map[string]*Accumulator
}

func NewFeed(capacity int) *Feed {
	return &Feed{
		capacity: capacity,
		index:    make(map[string]*Accumulator),
		mark:     make(map[string]*Accumulator),
	}
}

func series(m map[string]*Accumulator, market string, capacity int) *Accumulator {
	acc, ok := m[market]
	if !ok {
		acc = NewAccumulator(capacity)
		m[market] = acc
	}
	return acc
}

func (f *Feed) SetIndexPrice(market string, ts int64, price *big.Int) error {
	if err := series(f.index, market, f.capacity).Record(ts, price); err != nil {
		return fmt.Errorf("index %s: %w", market, err)
	}
	return nil
}

func (f *Feed) RecordMarkPrice(market string, ts int64, price *big.Int) error {
	if err := series(f.mark, market, f.capacity).Record(ts, price); err != nil {
		return fmt.Errorf("mark %s: %w", market, err)
	}
	return nil
}

// IndexPrice returns the latest index price of a market.
func (f *Feed) IndexPrice(market string) (*big.Int, error) {
	acc, ok := f.index[market]
	if !ok {
		return nil, fmt.Errorf("index %s: %w", market, ErrNoObservation)
	}
	p, _, err := acc.Latest()
	return p, err
}

func (f *Feed) IndexTwap(market string, now, interval int64) (*big.Int, error) {
	acc, ok := f.index[market]
	if !ok {
		return nil, fmt.Errorf("index %s: %w", market, ErrNoObservation)
	}
	return acc.Twap(now, interval)
}

func (f *Feed) MarkTwap(market string, now, interval int64) (*big.Int, error) {
	acc, ok := f.mark[market]
	if !ok {
		return nil, fmt.Errorf("mark %s: %w", market, ErrNoObservation)
	}
	return acc.Twap(now, interval)
}

func (f *Feed) Clone() *Feed {
	out := NewFeed(f.capacity)
	for k, v := range f.index {
		out.index[k] = v.Clone()
	}
	for k, v := range f.mark {
		out.mark[k] = v.Clone()
	}
	return out
}
