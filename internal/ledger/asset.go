package ledger

import (
	"errors"
	"fmt"
)

var ErrAssetConflict = errors.New("ledger: asset already registered with different decimals")

// AssetID maps asset symbols to compact numeric IDs
type AssetID uint16

// Asset is a collateral token known to the vault. Decimals is the token's
// native precision; ledger amounts are always 18-decimal.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals uint8
}

// Registry assigns asset IDs in registration order. IDs are never reused.
type Registry struct {
	bySymbol map[string]Asset
	byID     map[AssetID]Asset
	next     AssetID
}

func NewRegistry() *Registry {
	return &Registry{
		bySymbol: make(map[string]Asset),
		byID:     make(map[AssetID]Asset),
		next:     1,
	}
}

// Register is idempotent for an identical (symbol, decimals) pair.
func (r *Registry) Register(symbol string, decimals uint8) (Asset, error) {
	if a, ok := r.bySymbol[symbol]; ok {
		if a.Decimals != decimals {
			return Asset{}, fmt.Errorf("%w: %s has %d, got %d", ErrAssetConflict, symbol, a.Decimals, decimals)
		}
		return a, nil
	}
	a := Asset{ID: r.next, Symbol: symbol, Decimals: decimals}
	r.next++
	r.bySymbol[symbol] = a
	r.byID[a.ID] = a
	return a, nil
}

func (r *Registry) BySymbol(symbol string) (Asset, bool) {
	a, ok := r.bySymbol[symbol]
	return a, ok
}

func (r *Registry) ByID(id AssetID) (Asset, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// All returns assets in ID order.
func (r *Registry) All() []Asset {
	out := make([]Asset, 0, len(r.byID))
	for id := AssetID(1); id < r.next; id++ {
		out = append(out, r.byID[id])
	}
	return out
}
