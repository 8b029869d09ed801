package vault

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrVaultUnknown  = errors.New("vault: vault not found")
	ErrVaultExists   = errors.New("vault: vault already exists")
	ErrAssetUnknown  = errors.New("vault: asset type not registered")
	ErrAssetExists   = errors.New("vault: asset type already registered")
	ErrInvalidAmount = errors.New("vault: amount must be positive")

	// ErrStaleValuation rejects snapshot inputs older than the vault's
	// freshness window, or assets that were never valued at all.
	ErrStaleValuation = errors.New("vault: stale valuation")
	// ErrCustodyMismatch rejects manifests and custody ledgers that disagree
	// with the vault's own custody records.
	ErrCustodyMismatch = errors.New("vault: custody mismatch")
	// ErrReconciliationIncomplete rejects completion while borrowed assets
	// still lack a post-return valuation.
	ErrReconciliationIncomplete = errors.New("vault: reconciliation incomplete")
	// ErrLossToleranceExceeded aborts completion when the period's cumulative
	// loss would pass the configured budget.
	ErrLossToleranceExceeded = errors.New("vault: loss tolerance exceeded")
	// ErrShareCountMismatch aborts completion when the share supply moved
	// while the operation was armed.
	ErrShareCountMismatch = errors.New("vault: share count changed during operation")
	// ErrOperatorFrozen rejects protocol phases signed by a frozen operator.
	ErrOperatorFrozen = errors.New("vault: operator frozen")
	// ErrInvalidStatusTransition rejects calls the vault's current status
	// does not permit.
	ErrInvalidStatusTransition = errors.New("vault: invalid status transition")

	ErrInsufficientFunds = errors.New("vault: insufficient balance")
	ErrRequestUnknown    = errors.New("vault: request not found")
	ErrRequestNotOwner   = errors.New("vault: request owned by another account")
	ErrNothingToClaim    = errors.New("vault: no rewards to claim")
	ErrReceiptUnknown    = errors.New("vault: no receipt for owner")
	ErrAssetCheckedOut   = errors.New("vault: asset is checked out")
)

// LossViolation conveys the rejected loss alongside the period budget for
// alerts and operator tooling. errors.Is matches it against
// ErrLossToleranceExceeded.
type LossViolation struct {
	Vault          string
	PeriodID       uint64
	Baseline       *big.Int
	Budget         *big.Int
	CumulativeLoss *big.Int
}

func (v *LossViolation) Error() string {
	if v == nil {
		return ErrLossToleranceExceeded.Error()
	}
	return fmt.Sprintf("vault %s: cumulative loss %s exceeds budget %s for period %d",
		v.Vault, v.CumulativeLoss, v.Budget, v.PeriodID)
}

func (v *LossViolation) Unwrap() error {
	return ErrLossToleranceExceeded
}
