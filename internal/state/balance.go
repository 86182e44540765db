package state

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInsufficientAvailable = errors.New("state: insufficient available balance")
	ErrInsufficientDebt      = errors.New("state: burn exceeds debt")
)

// Mint raises both Available and Debt.
func (t *TokenDebt) Mint(amount *big.Int) {
	t.Available.Add(t.Available, amount)
	t.Debt.Add(t.Debt, amount)
}

// Burn lowers both Available and Debt; it needs Available >= amount and
// Debt >= amount.
func (t *TokenDebt) Burn(amount *big.Int) error {
	if t.Available.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientAvailable, t.Available, amount)
	}
	if t.Debt.Cmp(amount) < 0 {
		return fmt.Errorf("%w: debt=%s, burn=%s", ErrInsufficientDebt, t.Debt, amount)
	}
	t.Available.Sub(t.Available, amount)
	t.Debt.Sub(t.Debt, amount)
	return nil
}

// Spend draws amount from Available, minting any shortfall as new debt.
// It returns the amount minted.
func (t *TokenDebt) Spend(amount *big.Int) *big.Int {
	minted := new(big.Int)
	if t.Available.Cmp(amount) < 0 {
		minted.Sub(amount, t.Available)
		t.Mint(minted)
	}
	t.Available.Sub(t.Available, amount)
	return minted
}

// Credit adds amount to Available.
func (t *TokenDebt) Credit(amount *big.Int) {
	t.Available.Add(t.Available, amount)
}

// Adjust moves Available - Debt by a signed delta and returns any amount
// minted to cover a negative delta.
func (t *TokenDebt) Adjust(delta *big.Int) *big.Int {
	if delta.Sign() >= 0 {
		t.Credit(delta)
		return new(big.Int)
	}
	return t.Spend(new(big.Int).Neg(delta))
}

// Reconcile burns min(Available, Debt) and returns the burned amount.
func (t *TokenDebt) Reconcile() *big.Int {
	burn := t.Available
	if t.Debt.Cmp(burn) < 0 {
		burn = t.Debt
	}
	burn = new(big.Int).Set(burn)
	if burn.Sign() > 0 {
		t.Available.Sub(t.Available, burn)
		t.Debt.Sub(t.Debt, burn)
	}
	return burn
}
