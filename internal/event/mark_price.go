package event

import "math/big"

// IndexPriceUpdated is an oracle observation consumed by the core.
type IndexPriceUpdated struct {
	Market    string
	Price     *big.Int
	Timestamp int64 // block seconds
}

func (i *IndexPriceUpdated) EventType() EventType {
	return EventTypeIndexPriceUpdated
}

func (i *IndexPriceUpdated) MarketID() *string {
	return marketRef(i.Market)
}

// BlockAdvanced moves the versioned block clock.
type BlockAdvanced struct {
	Number    int64
	Timestamp int64
}

func (b *BlockAdvanced) EventType() EventType { return EventTypeBlockAdvanced }
func (b *BlockAdvanced) MarketID() *string    { return nil }
