package query

import (
	"math/big"

	"PerpClearing/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CollateralBalance is one vault asset of an account, in the token's own
// decimals.
type CollateralBalance struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// balanceSource is the part of the engine balances are read from.
type balanceSource interface {
	GetCollateralBalance(trader uuid.UUID, asset string) (*big.Int, error)
}

// collateralBalances lists every non-zero vault balance of trader.
func collateralBalances(src balanceSource, assets []ledger.Asset, trader uuid.UUID) ([]CollateralBalance, error) {
	var out []CollateralBalance
	for _, a := range assets {
		bal, err := src.GetCollateralBalance(trader, a.Symbol)
		if err != nil {
			return nil, err
		}
		if bal.Sign() == 0 {
			continue
		}
		out = append(out, CollateralBalance{
			Asset:   a.Symbol,
			Balance: decimal.NewFromBigInt(bal, -int32(a.Decimals)).String(),
		})
	}
	return out, nil
}
