// Package oracle tracks index prices pushed by an external feed and mark
// prices observed after each committed trade, and answers time-weighted
// averages over both.
package oracle

import (
	"errors"
	"math/big"
	"sort"
)

var (
	ErrNoObservation = errors.New("oracle: no price observation")
	ErrInvalidPrice  = errors.New("oracle: price must be positive")
	ErrOutOfOrder    = errors.New("oracle: observation older than latest")
)

// DefaultCapacity bounds the observation history per series.
const DefaultCapacity = 1024

type Observation struct {
	Timestamp int64
	Price     *big.Int
	// Cumulative is Σ price × seconds up to Timestamp.
	Cumulative *big.Int
}

// Accumulator is a price series with a running price × time integral. A
// recorded price is assumed to hold until the next observation.
type Accumulator struct {
	capacity int
	obs      []Observation
}

func NewAccumulator(capacity int) *Accumulator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Accumulator{capacity: capacity}
}

// Record appends an observation. An observation at the latest timestamp
// replaces that price without touching the integral.
func (a *Accumulator) Record(ts int64, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	n := len(a.obs)
	if n == 0 {
		a.obs = append(a.obs, Observation{Timestamp: ts, Price: new(big.Int).Set(price), Cumulative: new(big.Int)})
		return nil
	}
	last := a.obs[n-1]
	switch {
	case ts < last.Timestamp:
		return ErrOutOfOrder
	case ts == last.Timestamp:
		a.obs[n-1].Price = new(big.Int).Set(price)
		return nil
	}
	cum := new(big.Int).Mul(last.Price, big.NewInt(ts-last.Timestamp))
	cum.Add(cum, last.Cumulative)
	a.obs = append(a.obs, Observation{Timestamp: ts, Price: new(big.Int).Set(price), Cumulative: cum})
	if len(a.obs) > a.capacity {
		a.obs = append(a.obs[:0:0], a.obs[len(a.obs)-a.capacity:]...)
	}
	return nil
}

// Latest returns the most recent price.
func (a *Accumulator) Latest() (*big.Int, int64, error) {
	if len(a.obs) == 0 {
		return nil, 0, ErrNoObservation
	}
	last := a.obs[len(a.obs)-1]
	return new(big.Int).Set(last.Price), last.Timestamp, nil
}

func (a *Accumulator) cumulativeAt(ts int64) *big.Int {
	i := sort.Search(len(a.obs), func(i int) bool { return a.obs[i].Timestamp > ts }) - 1
	if i < 0 {
		i = 0
	}
	o := a.obs[i]
	cum := new(big.Int).Mul(o.Price, big.NewInt(ts-o.Timestamp))
	return cum.Add(cum, o.Cumulative)
}

// Twap returns the time-weighted average price over [now-interval, now]. If
// history is shorter than interval the window starts at the first
// observation; a zero-length window returns the latest price.
func (a *Accumulator) Twap(now, interval int64) (*big.Int, error) {
	if len(a.obs) == 0 {
		return nil, ErrNoObservation
	}
	first := a.obs[0].Timestamp
	if now < a.obs[len(a.obs)-1].Timestamp {
		now = a.obs[len(a.obs)-1].Timestamp
	}
	start := now - interval
	if start < first {
		start = first
	}
	if interval <= 0 || now == start {
		p, _, err := a.Latest()
		return p, err
	}
	diff := new(big.Int).Sub(a.cumulativeAt(now), a.cumulativeAt(start))
	return diff.Quo(diff, big.NewInt(now-start)), nil
}

func (a *Accumulator) Len() int { return len(a.obs) }

func (a *Accumulator) Clone() *Accumulator {
	out := &Accumulator{capacity: a.capacity, obs: make([]Observation, len(a.obs))}
	copy(out.obs, a.obs)
	return out
}
