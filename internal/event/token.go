package event

import (
	"math/big"

	"github.com/google/uuid"
)

// TokenMinted records new virtual-token debt, explicit or auto-minted.
type TokenMinted struct {
	Trader uuid.UUID
	Token  string
	Amount *big.Int
	Auto   bool
}

func (t *TokenMinted) EventType() EventType { return EventTypeTokenMinted }
func (t *TokenMinted) MarketID() *string    { return nil }

// TokenBurned records debt repaid from available balance, explicit or by
// reconciliation.
type TokenBurned struct {
	Trader uuid.UUID
	Token  string
	Amount *big.Int
	Auto   bool
}

func (t *TokenBurned) EventType() EventType { return EventTypeTokenBurned }
func (t *TokenBurned) MarketID() *string    { return nil }
