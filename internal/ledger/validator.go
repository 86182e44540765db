package ledger

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrLedgerNotZeroSum   = errors.New("ledger: asset does not net to zero")
	ErrNegativeCollateral = errors.New("ledger: negative non-settlement collateral")
)

// InvariantValidator audits committed balances after a batch lands.
type InvariantValidator struct {
	tracker *BalanceTracker
	assets  *Registry
}

func NewInvariantValidator(tracker *BalanceTracker, assets *Registry) *InvariantValidator {
	return &InvariantValidator{tracker: tracker, assets: assets}
}

// ValidateGlobalBalance reports every asset whose balances do not sum to
// zero, in asset ID order.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()
	ids := make([]AssetID, 0, len(totals))
	for id, total := range totals {
		if total.Sign() != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("%w: %s off by %s", ErrLedgerNotZeroSum, v.symbol(id), totals[id]))
	}
	return errors.Join(errs...)
}

// ValidateTouched checks the trader accounts a batch moved. Only the
// settlement asset absorbs realized losses; any other collateral balance
// must stay non-negative.
func (v *InvariantValidator) ValidateTouched(batch *Batch, settlement AssetID) error {
	if batch == nil {
		return nil
	}
	for _, j := range batch.Journals {
		for _, key := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if !key.IsTrader() || key.AssetID == settlement {
				continue
			}
			if bal := v.tracker.GetBalance(key); bal.Sign() < 0 {
				return fmt.Errorf("%w: %s at %s", ErrNegativeCollateral, key.Path(v.assets), bal)
			}
		}
	}
	return nil
}

func (v *InvariantValidator) symbol(id AssetID) string {
	if v.assets != nil {
		if a, ok := v.assets.ByID(id); ok {
			return a.Symbol
		}
	}
	return fmt.Sprintf("asset%d", id)
}
