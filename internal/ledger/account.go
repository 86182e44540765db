package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountKind fixes both what an account holds and its namespace. Trader
// collateral lives under user:, the realized-PnL counterparty under system:,
// and the deposit and withdrawal boundaries under external:.
type AccountKind uint8

const (
	KindCollateral AccountKind = iota + 1
	KindClearingPnl
	KindDeposits
	KindWithdrawals
)

func (k AccountKind) String() string {
	switch k {
	case KindCollateral:
		return "collateral"
	case KindClearingPnl:
		return "clearing_pnl"
	case KindDeposits:
		return "deposits"
	case KindWithdrawals:
		return "withdrawals"
	}
	return "unknown"
}

func (k AccountKind) namespace() string {
	switch k {
	case KindCollateral:
		return "user"
	case KindClearingPnl:
		return "system"
	case KindDeposits, KindWithdrawals:
		return "external"
	}
	return "unknown"
}

// AccountKey identifies one balance. It is comparable and used directly as
// a map key. Owner is the zero UUID for every kind but collateral.
type AccountKey struct {
	Kind    AccountKind
	Owner   uuid.UUID
	AssetID AssetID
}

func CollateralAccount(trader uuid.UUID, asset AssetID) AccountKey {
	return AccountKey{Kind: KindCollateral, Owner: trader, AssetID: asset}
}

// ClearingPnlAccount is the counterparty of every realized-PnL settlement.
// It nets to zero over a trader population that has fully closed out.
func ClearingPnlAccount(asset AssetID) AccountKey {
	return AccountKey{Kind: KindClearingPnl, AssetID: asset}
}

func DepositsAccount(asset AssetID) AccountKey {
	return AccountKey{Kind: KindDeposits, AssetID: asset}
}

func WithdrawalsAccount(asset AssetID) AccountKey {
	return AccountKey{Kind: KindWithdrawals, AssetID: asset}
}

func (k AccountKey) IsTrader() bool { return k.Kind == KindCollateral }

// Path renders the storage form, e.g. user:<uuid>:collateral:USDC or
// system:clearing_pnl:USDC. Unregistered assets render as asset<id>.
func (k AccountKey) Path(assets *Registry) string {
	symbol := fmt.Sprintf("asset%d", k.AssetID)
	if assets != nil {
		if a, ok := assets.ByID(k.AssetID); ok {
			symbol = a.Symbol
		}
	}
	if k.IsTrader() {
		return fmt.Sprintf("%s:%s:%s:%s", k.Kind.namespace(), k.Owner, k.Kind, symbol)
	}
	return fmt.Sprintf("%s:%s:%s", k.Kind.namespace(), k.Kind, symbol)
}

// TraderPathPrefix matches the stored path of every account of trader.
func TraderPathPrefix(trader uuid.UUID) string {
	return KindCollateral.namespace() + ":" + trader.String() + ":"
}
