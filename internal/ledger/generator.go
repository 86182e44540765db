package ledger

import (
	"errors"
	"math/big"

	"github.com/google/uuid"
)

var ErrNonPositiveAmount = errors.New("ledger: amount must be positive")

// Overlay collects the journals of one uncommitted call on top of committed
// balances. Reads see committed balances plus pending entries. Discarding an
// overlay is the rollback.
type Overlay struct {
	base  *BalanceTracker
	delta map[AccountKey]*big.Int
	batch *Batch
}

// Begin opens an overlay for one call.
func (bt *BalanceTracker) Begin(eventRef string, timestamp int64) *Overlay {
	return &Overlay{
		base:  bt,
		delta: make(map[AccountKey]*big.Int),
		batch: &Batch{EventRef: eventRef, Timestamp: timestamp},
	}
}

func (o *Overlay) Balance(key AccountKey) *big.Int {
	b := o.base.GetBalance(key)
	if d, ok := o.delta[key]; ok {
		b.Add(b, d)
	}
	return b
}

func (o *Overlay) UserCollateral(userID uuid.UUID, assetID AssetID) *big.Int {
	return o.Balance(CollateralAccount(userID, assetID))
}

func (o *Overlay) bump(key AccountKey, delta *big.Int) {
	cur, ok := o.delta[key]
	if !ok {
		o.delta[key] = new(big.Int).Set(delta)
		return
	}
	cur.Add(cur, delta)
}

func (o *Overlay) append(debit, credit AccountKey, assetID AssetID, amount *big.Int, typ JournalType) {
	j := Journal{
		EventRef:      o.batch.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        new(big.Int).Set(amount),
		JournalType:   typ,
		Timestamp:     o.batch.Timestamp,
	}
	o.batch.Journals = append(o.batch.Journals, j)
	o.bump(debit, amount)
	o.bump(credit, new(big.Int).Neg(amount))
}

// Deposit moves funds: external:deposits → user:collateral
func (o *Overlay) Deposit(userID uuid.UUID, assetID AssetID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	o.append(
		CollateralAccount(userID, assetID),
		DepositsAccount(assetID),
		assetID, amount, JournalTypeDeposit,
	)
	return nil
}

// Withdraw moves funds: user:collateral → external:withdrawals. Solvency is
// the caller's check; the ledger only records the transfer.
func (o *Overlay) Withdraw(userID uuid.UUID, assetID AssetID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	o.append(
		WithdrawalsAccount(assetID),
		CollateralAccount(userID, assetID),
		assetID, amount, JournalTypeWithdrawal,
	)
	return nil
}

// SettleRealizedPnl merges a signed realized PnL into the trader's
// collateral against system:clearing_pnl. Zero is a no-op.
func (o *Overlay) SettleRealizedPnl(userID uuid.UUID, assetID AssetID, pnl *big.Int) {
	user := CollateralAccount(userID, assetID)
	system := ClearingPnlAccount(assetID)
	switch pnl.Sign() {
	case 1:
		o.append(user, system, assetID, pnl, JournalTypeRealizedPnl)
	case -1:
		o.append(system, user, assetID, new(big.Int).Neg(pnl), JournalTypeRealizedPnl)
	}
}

func (o *Overlay) Empty() bool { return len(o.batch.Journals) == 0 }

// Commit seals the pending batch and applies it to the committed balances.
// An empty overlay commits nothing and returns a nil batch.
func (o *Overlay) Commit(sequence int64) (*Batch, error) {
	if o.Empty() {
		return nil, nil
	}
	o.batch.Seal(sequence)
	if err := o.base.ApplyBatch(o.batch); err != nil {
		return nil, err
	}
	return o.batch, nil
}
