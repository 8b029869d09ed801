package vault

import (
	"fmt"
	"math/big"

	"coffer/core/events"
	nativecommon "coffer/native/common"
)

// ray scales the per-share reward index.
var ray = big.NewInt(1_000_000_000_000_000_000)

// settleReceipt folds the reward index delta since the last settlement into
// the receipt's pending balance. Truncation understates per-share
// entitlements, so the sum of all settlements never exceeds the reward pool.
func settleReceipt(v *Vault, r *Receipt) {
	accrued := big.NewInt(0)
	if r.Shares != nil && r.Shares.Sign() > 0 && v.RewardIndexRay != nil && v.RewardIndexRay.Sign() > 0 {
		accrued = new(big.Int).Mul(r.Shares, v.RewardIndexRay)
		accrued.Quo(accrued, ray)
	}
	if r.PendingRewards == nil {
		r.PendingRewards = big.NewInt(0)
	}
	if r.RewardDebt == nil {
		r.RewardDebt = big.NewInt(0)
	}
	pending := new(big.Int).Sub(accrued, r.RewardDebt)
	if pending.Sign() > 0 {
		r.PendingRewards = new(big.Int).Add(r.PendingRewards, pending)
	}
	r.RewardDebt = accrued
}

// resetRewardDebt re-pins the receipt's debt after its share balance changed.
// Must run after settleReceipt so no accrual is lost or double counted.
func resetRewardDebt(v *Vault, r *Receipt) {
	if r.Shares == nil || r.Shares.Sign() == 0 || v.RewardIndexRay == nil || v.RewardIndexRay.Sign() == 0 {
		r.RewardDebt = big.NewInt(0)
		return
	}
	debt := new(big.Int).Mul(r.Shares, v.RewardIndexRay)
	r.RewardDebt = debt.Quo(debt, ray)
}

// AccrueReward credits harvested yield to the vault's reward pool, funded
// from the operator's account. The per-share index advances so every current
// holder earns pro rata; with no shares outstanding there is nobody to pay
// and the accrual is rejected.
func (e *Engine) AccrueReward(operator [20]byte, vaultID string, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return err
	}
	if err := e.checkOperator(operator); err != nil {
		return err
	}
	if vault.Status == StatusDisabled {
		return fmt.Errorf("%w: vault disabled", ErrInvalidStatusTransition)
	}
	if vault.TotalShares.Sign() == 0 {
		return fmt.Errorf("%w: no shares outstanding", ErrInvalidAmount)
	}
	account, err := e.state.GetAccount(operator)
	if err != nil {
		return err
	}
	balance := account.Balance(vault.PrincipalDenom)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s, accrual %s", ErrInsufficientFunds, balance, amount)
	}
	account.SetBalance(vault.PrincipalDenom, new(big.Int).Sub(balance, amount))

	delta := new(big.Int).Mul(amount, ray)
	delta.Quo(delta, vault.TotalShares)
	vault.RewardIndexRay = new(big.Int).Add(vault.RewardIndexRay, delta)
	vault.RewardPool = new(big.Int).Add(vault.RewardPool, amount)

	if err := e.state.PutAccount(operator, account); err != nil {
		return err
	}
	if err := e.state.PutVault(vault); err != nil {
		return err
	}
	e.emitter.Emit(events.RewardAccrued{
		Vault:    vault.ID,
		Operator: operator,
		Amount:   copyBig(amount),
	})
	return nil
}

// ClaimRewards settles and pays out the owner's pending rewards in the
// vault's principal denomination.
func (e *Engine) ClaimRewards(owner [20]byte, vaultID string) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Status == StatusDisabled {
		return nil, fmt.Errorf("%w: vault disabled", ErrInvalidStatusTransition)
	}
	receipt, ok, err := e.state.GetReceipt(vault.ID, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrReceiptUnknown
	}
	settleReceipt(vault, receipt)
	amount := receipt.PendingRewards
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrNothingToClaim
	}
	if vault.RewardPool.Cmp(amount) < 0 {
		return nil, fmt.Errorf("vault %s: reward pool %s below claim %s", vault.ID, vault.RewardPool, amount)
	}
	receipt.PendingRewards = big.NewInt(0)
	vault.RewardPool = new(big.Int).Sub(vault.RewardPool, amount)

	account, err := e.state.GetAccount(owner)
	if err != nil {
		return nil, err
	}
	balance := account.Balance(vault.PrincipalDenom)
	account.SetBalance(vault.PrincipalDenom, new(big.Int).Add(balance, amount))

	if err := e.state.PutReceipt(vault.ID, receipt); err != nil {
		return nil, err
	}
	if err := e.state.PutVault(vault); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(owner, account); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.RewardClaimed{
		Vault:  vault.ID,
		Owner:  owner,
		Amount: copyBig(amount),
	})
	return copyBig(amount), nil
}

// PendingRewards reports the owner's claimable balance without settling it.
func (e *Engine) PendingRewards(vaultID string, owner [20]byte) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, err
	}
	receipt, ok, err := e.state.GetReceipt(vault.ID, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	settleReceipt(vault, receipt)
	return copyBig(receipt.PendingRewards), nil
}
