package state

import (
	"bytes"
	"sort"
)

// table is a copy-on-write view over a committed map. Every value handed out
// by get belongs to the view, so callers mutate it in place; nothing reaches
// the committed map until commit.
type table[K comparable, V any] struct {
	base    map[K]V
	dirty   map[K]V
	deleted map[K]struct{}
	clone   func(V) V
}

func newTable[K comparable, V any](base map[K]V, clone func(V) V) *table[K, V] {
	return &table[K, V]{
		base:    base,
		dirty:   make(map[K]V),
		deleted: make(map[K]struct{}),
		clone:   clone,
	}
}

func (t *table[K, V]) get(k K) (V, bool) {
	var zero V
	if _, gone := t.deleted[k]; gone {
		return zero, false
	}
	if v, ok := t.dirty[k]; ok {
		return v, true
	}
	v, ok := t.base[k]
	if !ok {
		return zero, false
	}
	c := t.clone(v)
	t.dirty[k] = c
	return c, true
}

func (t *table[K, V]) put(k K, v V) {
	delete(t.deleted, k)
	t.dirty[k] = v
}

func (t *table[K, V]) del(k K) {
	delete(t.dirty, k)
	if _, ok := t.base[k]; ok {
		t.deleted[k] = struct{}{}
	}
}

func (t *table[K, V]) commit() {
	for k := range t.deleted {
		delete(t.base, k)
	}
	for k, v := range t.dirty {
		t.base[k] = v
	}
}

// Store holds committed clearing state, keyed by composite keys.
type Store struct {
	positions   map[PositionKey]*Position
	orders      map[OrderKey]*OpenOrder
	orderRanges map[PositionKey][]TickRange
	tokens      map[TokenKey]*TokenDebt
	markets     map[string]*MarketState
	marketIDs   []string
}

func NewStore() *Store {
	return &Store{
		positions:   make(map[PositionKey]*Position),
		orders:      make(map[OrderKey]*OpenOrder),
		orderRanges: make(map[PositionKey][]TickRange),
		tokens:      make(map[TokenKey]*TokenDebt),
		markets:     make(map[string]*MarketState),
	}
}

// Tx is an uncommitted view of the store. Dropping a Tx discards all of its
// writes.
type Tx struct {
	store       *Store
	positions   *table[PositionKey, *Position]
	orders      *table[OrderKey, *OpenOrder]
	orderRanges *table[PositionKey, []TickRange]
	tokens      *table[TokenKey, *TokenDebt]
	markets     *table[string, *MarketState]
	newMarkets  []string
}

func (s *Store) Begin() *Tx {
	return &Tx{
		store:     s,
		positions: newTable(s.positions, (*Position).Clone),
		orders:    newTable(s.orders, (*OpenOrder).Clone),
		orderRanges: newTable(s.orderRanges, func(r []TickRange) []TickRange {
			return append([]TickRange(nil), r...)
		}),
		tokens:  newTable(s.tokens, (*TokenDebt).Clone),
		markets: newTable(s.markets, (*MarketState).Clone),
	}
}

// Commit publishes every write of the transaction to the store.
func (tx *Tx) Commit() {
	tx.positions.commit()
	tx.orders.commit()
	tx.orderRanges.commit()
	tx.tokens.commit()
	tx.markets.commit()
	tx.store.marketIDs = append(tx.store.marketIDs, tx.newMarkets...)
	tx.newMarkets = nil
}

// DirtyTokens returns the token records written by this transaction in a
// deterministic order.
func (tx *Tx) DirtyTokens() []TokenKey {
	keys := make([]TokenKey, 0, len(tx.tokens.dirty))
	for k := range tx.tokens.dirty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].Trader[:], keys[j].Trader[:]); c != 0 {
			return c < 0
		}
		return keys[i].Token < keys[j].Token
	})
	return keys
}

// DirtyPositions returns the position keys written by this transaction,
// including deletions, in a deterministic order.
func (tx *Tx) DirtyPositions() []PositionKey {
	keys := make([]PositionKey, 0, len(tx.positions.dirty)+len(tx.positions.deleted))
	for k := range tx.positions.dirty {
		keys = append(keys, k)
	}
	for k := range tx.positions.deleted {
		keys = append(keys, k)
	}
	sortPositionKeys(keys)
	return keys
}

func sortPositionKeys(keys []PositionKey) {
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].Trader[:], keys[j].Trader[:]); c != 0 {
			return c < 0
		}
		return keys[i].Market < keys[j].Market
	})
}

// Digest returns canonical bytes of every record written by the transaction,
// in key order. Deleted records contribute their key and a tombstone.
func (tx *Tx) Digest() []byte {
	var buf []byte

	for _, k := range tx.DirtyPositions() {
		if p, ok := tx.positions.dirty[k]; ok {
			buf = append(buf, 'P')
			buf = append(buf, p.CanonicalBytes()...)
			continue
		}
		buf = append(buf, 'p')
		buf = append(buf, k.Trader[:]...)
		buf = appendString(buf, k.Market)
	}

	orderKeys := make([]OrderKey, 0, len(tx.orders.dirty)+len(tx.orders.deleted))
	for k := range tx.orders.dirty {
		orderKeys = append(orderKeys, k)
	}
	for k := range tx.orders.deleted {
		orderKeys = append(orderKeys, k)
	}
	sort.Slice(orderKeys, func(i, j int) bool {
		a, b := orderKeys[i], orderKeys[j]
		if c := bytes.Compare(a.Trader[:], b.Trader[:]); c != 0 {
			return c < 0
		}
		if a.Market != b.Market {
			return a.Market < b.Market
		}
		if a.Range.Lower != b.Range.Lower {
			return a.Range.Lower < b.Range.Lower
		}
		return a.Range.Upper < b.Range.Upper
	})
	for _, k := range orderKeys {
		if o, ok := tx.orders.dirty[k]; ok {
			buf = append(buf, 'O')
			buf = append(buf, o.CanonicalBytes()...)
			continue
		}
		buf = append(buf, 'o')
		buf = append(buf, k.Trader[:]...)
		buf = appendString(buf, k.Market)
		buf = appendInt64LE(buf, int64(k.Range.Lower))
		buf = appendInt64LE(buf, int64(k.Range.Upper))
	}

	for _, k := range tx.DirtyTokens() {
		t := tx.tokens.dirty[k]
		buf = append(buf, 'T')
		buf = append(buf, k.Trader[:]...)
		buf = appendString(buf, k.Token)
		buf = appendBig(buf, t.Available)
		buf = appendBig(buf, t.Debt)
	}

	marketIDs := make([]string, 0, len(tx.markets.dirty))
	for id := range tx.markets.dirty {
		marketIDs = append(marketIDs, id)
	}
	sort.Strings(marketIDs)
	for _, id := range marketIDs {
		m := tx.markets.dirty[id]
		buf = append(buf, 'M')
		buf = appendString(buf, id)
		if m.Paused {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendInt64LE(buf, m.GuardBlock)
		buf = appendInt64LE(buf, int64(m.TickAtBlockStart))
		buf = appendBig(buf, m.FundingGrowthGlobal)
		buf = appendInt64LE(buf, m.LastFundingTimestamp)
	}
	return buf
}
