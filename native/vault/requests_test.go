package vault

import (
	"errors"
	"math/big"
	"testing"

	"coffer/core/types"
)

func (env *testEnv) fundAccount(addr [20]byte, amount int64) {
	account := types.NewAccount()
	account.SetBalance("USDC", big.NewInt(amount))
	env.state.accounts[addr] = account
}

func (env *testEnv) accountBalance(addr [20]byte) *big.Int {
	account, ok := env.state.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return account.Balance("USDC")
}

// depositAndExecute funds the owner, buffers a deposit, and drains the queue.
func (env *testEnv) depositAndExecute(t *testing.T, owner [20]byte, amount int64) {
	t.Helper()
	env.fundAccount(owner, amount)
	if _, err := env.engine.SubmitDeposit(owner, "growth", big.NewInt(amount), nil); err != nil {
		t.Fatalf("submit deposit: %v", err)
	}
	report, err := env.engine.ExecuteRequests(testOperator, "growth", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Executed == 0 || report.Failed > 0 {
		t.Fatalf("deposit should execute cleanly: %+v", report)
	}
}

func TestDepositLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	env.fundAccount(testClient, 50_000)

	request, err := env.engine.SubmitDeposit(testClient, "growth", big.NewInt(10_000), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if env.accountBalance(testClient).Cmp(big.NewInt(40_000)) != 0 {
		t.Fatalf("deposit should escrow funds at submission, balance %s", env.accountBalance(testClient))
	}
	queue, err := env.engine.ListRequests("growth")
	if err != nil || len(queue) != 1 || queue[0].ID != request.ID {
		t.Fatalf("queued request missing: %v %v", queue, err)
	}

	report, err := env.engine.ExecuteRequests(testOperator, "growth", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Executed != 1 || report.Pending != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	stored := env.storedVault(t)
	if stored.Principal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("vault should hold the deposit, principal %s", stored.Principal)
	}
	if stored.TotalShares.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("bootstrap mint should be par, shares %s", stored.TotalShares)
	}
	receipt, err := env.engine.GetReceipt("growth", testClient)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Shares.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("receipt shares %s", receipt.Shares)
	}
}

func TestDepositBelowMinSharesFailsAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	env.fundAccount(testClient, 10_000)

	if _, err := env.engine.SubmitDeposit(testClient, "growth", big.NewInt(10_000), big.NewInt(999_999)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	report, err := env.engine.ExecuteRequests(testOperator, "growth", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Failed != 1 || report.Executed != 0 {
		t.Fatalf("expected one failed request, got %+v", report)
	}
	if env.accountBalance(testClient).Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("failed deposit must refund, balance %s", env.accountBalance(testClient))
	}
	if env.storedVault(t).TotalShares.Sign() != 0 {
		t.Fatalf("failed deposit must not mint")
	}
	queue, _ := env.engine.ListRequests("growth")
	if len(queue) != 0 {
		t.Fatalf("failed request should leave the queue")
	}
}

func TestDepositFeeAccruesToVault(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	params := VaultParams{LossToleranceBps: 10, PeriodSeconds: 86_400, FreshnessSeconds: 60,
		Fees: FeeConfig{DepositBps: 100}}
	if _, err := env.engine.UpdateParams("growth", params); err != nil {
		t.Fatalf("params: %v", err)
	}
	env.fundAccount(testClient, 10_000)
	if _, err := env.engine.SubmitDeposit(testClient, "growth", big.NewInt(10_000), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.engine.ExecuteRequests(testOperator, "growth", 0); err != nil {
		t.Fatalf("execute: %v", err)
	}
	stored := env.storedVault(t)
	// Gross joins the balance; shares are minted on the net of the 1% fee.
	if stored.Principal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("principal %s", stored.Principal)
	}
	if stored.TotalShares.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("shares should be net of fee, got %s", stored.TotalShares)
	}
}

func TestExecutionFeesPayTreasury(t *testing.T) {
	env := newTestEnv(t)
	treasury := [20]byte{0xFE}
	env.engine.SetTreasury(treasury)
	env.createVault(t, 0, 10)
	params := VaultParams{LossToleranceBps: 10, PeriodSeconds: 86_400, FreshnessSeconds: 60,
		Fees: FeeConfig{DepositBps: 100, WithdrawBps: 50}}
	if _, err := env.engine.UpdateParams("growth", params); err != nil {
		t.Fatalf("params: %v", err)
	}
	env.fundAccount(testClient, 10_000)
	if _, err := env.engine.SubmitDeposit(testClient, "growth", big.NewInt(10_000), nil); err != nil {
		t.Fatalf("submit deposit: %v", err)
	}
	if _, err := env.engine.ExecuteRequests(testOperator, "growth", 0); err != nil {
		t.Fatalf("execute deposit: %v", err)
	}
	// The 1% deposit fee leaves the vault entirely.
	if env.accountBalance(treasury).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("treasury balance %s after deposit", env.accountBalance(treasury))
	}
	stored := env.storedVault(t)
	if stored.Principal.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("principal %s", stored.Principal)
	}
	if stored.TotalShares.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("shares %s", stored.TotalShares)
	}

	if _, err := env.engine.SubmitWithdraw(testClient, "growth", big.NewInt(9_900), nil); err != nil {
		t.Fatalf("submit withdraw: %v", err)
	}
	report, err := env.engine.ExecuteRequests(testOperator, "growth", 0)
	if err != nil {
		t.Fatalf("execute withdraw: %v", err)
	}
	if report.Executed != 1 || report.Failed != 0 {
		t.Fatalf("withdraw report %+v", report)
	}
	// Redeeming all 9900 shares pays gross 9900, fee 49, net 9851.
	if env.accountBalance(testClient).Cmp(big.NewInt(9_851)) != 0 {
		t.Fatalf("client payout %s", env.accountBalance(testClient))
	}
	if env.accountBalance(treasury).Cmp(big.NewInt(149)) != 0 {
		t.Fatalf("treasury balance %s after withdraw", env.accountBalance(treasury))
	}
	stored = env.storedVault(t)
	if stored.Principal.Sign() != 0 || stored.TotalShares.Sign() != 0 {
		t.Fatalf("vault should drain completely: principal %s shares %s", stored.Principal, stored.TotalShares)
	}
}

func TestWithdrawLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	env.depositAndExecute(t, testClient, 10_000)

	if _, err := env.engine.SubmitWithdraw(testClient, "growth", big.NewInt(4_000), nil); err != nil {
		t.Fatalf("submit withdraw: %v", err)
	}
	receipt, _ := env.engine.GetReceipt("growth", testClient)
	if receipt.Shares.Cmp(big.NewInt(6_000)) != 0 {
		t.Fatalf("withdraw must escrow shares, receipt %s", receipt.Shares)
	}
	if env.storedVault(t).TotalShares.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("escrow must not burn shares yet")
	}

	report, err := env.engine.ExecuteRequests(testOperator, "growth", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Executed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if env.accountBalance(testClient).Cmp(big.NewInt(4_000)) != 0 {
		t.Fatalf("payout 4000 expected, balance %s", env.accountBalance(testClient))
	}
	stored := env.storedVault(t)
	if stored.TotalShares.Cmp(big.NewInt(6_000)) != 0 {
		t.Fatalf("execution should burn the shares, got %s", stored.TotalShares)
	}
	if stored.Principal.Cmp(big.NewInt(6_000)) != 0 {
		t.Fatalf("principal should shrink with the payout, got %s", stored.Principal)
	}
}

func TestWithdrawRespectsLockWindow(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	params := VaultParams{LossToleranceBps: 10, PeriodSeconds: 86_400, FreshnessSeconds: 60,
		WithdrawLockSeconds: 3_600}
	if _, err := env.engine.UpdateParams("growth", params); err != nil {
		t.Fatalf("params: %v", err)
	}
	env.depositAndExecute(t, testClient, 10_000)

	if _, err := env.engine.SubmitWithdraw(testClient, "growth", big.NewInt(1_000), nil); err != nil {
		t.Fatalf("submit withdraw: %v", err)
	}
	report, err := env.engine.ExecuteRequests(testOperator, "growth", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Skipped != 1 || report.Pending != 1 || report.Executed != 0 {
		t.Fatalf("locked withdrawal should stay queued: %+v", report)
	}

	env.now += 3_600
	report, err = env.engine.ExecuteRequests(testOperator, "growth", 0)
	if err != nil {
		t.Fatalf("execute after lock: %v", err)
	}
	if report.Executed != 1 || report.Pending != 0 {
		t.Fatalf("unlocked withdrawal should execute: %+v", report)
	}
}

func TestWithdrawNeedsReceiptShares(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	env.depositAndExecute(t, testClient, 1_000)

	if _, err := env.engine.SubmitWithdraw(testClient, "growth", big.NewInt(2_000), nil); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient shares, got %v", err)
	}
	other := [20]byte{0x77}
	if _, err := env.engine.SubmitWithdraw(other, "growth", big.NewInt(1), nil); !errors.Is(err, ErrReceiptUnknown) {
		t.Fatalf("expected missing receipt, got %v", err)
	}
}

func TestCancelDepositRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	env.fundAccount(testClient, 5_000)

	request, err := env.engine.SubmitDeposit(testClient, "growth", big.NewInt(5_000), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	other := [20]byte{0x99}
	if err := env.engine.CancelRequest(other, "growth", request.ID); !errors.Is(err, ErrRequestNotOwner) {
		t.Fatalf("foreign cancel should fail, got %v", err)
	}
	if err := env.engine.CancelRequest(testClient, "growth", request.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if env.accountBalance(testClient).Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("cancel must refund escrow, balance %s", env.accountBalance(testClient))
	}
	if err := env.engine.CancelRequest(testClient, "growth", request.ID); !errors.Is(err, ErrRequestUnknown) {
		t.Fatalf("double cancel should fail, got %v", err)
	}
}

func TestCancelWithdrawRestoresShares(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	env.depositAndExecute(t, testClient, 10_000)

	request, err := env.engine.SubmitWithdraw(testClient, "growth", big.NewInt(3_000), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.engine.CancelRequest(testClient, "growth", request.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	receipt, err := env.engine.GetReceipt("growth", testClient)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Shares.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("cancel must restore escrowed shares, got %s", receipt.Shares)
	}
}

func TestExecuteRejectedWhileArmed(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	env.depositAndExecute(t, testClient, 10_000)

	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, nil, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Submissions still buffer while the operation is armed.
	env.fundAccount(testClient, 1_000)
	if _, err := env.engine.SubmitDeposit(testClient, "growth", big.NewInt(1_000), nil); err != nil {
		t.Fatalf("submit while armed: %v", err)
	}
	if _, err := env.engine.ExecuteRequests(testOperator, "growth", 0); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("execution must wait for completion, got %v", err)
	}

	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, nil, nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	if _, err := env.engine.CompleteOperation(testOperator, "growth", manifest); err != nil {
		t.Fatalf("complete: %v", err)
	}
	report, err := env.engine.ExecuteRequests(testOperator, "growth", 0)
	if err != nil {
		t.Fatalf("execute after completion: %v", err)
	}
	if report.Executed != 1 {
		t.Fatalf("buffered deposit should execute after completion: %+v", report)
	}
}

func TestSharePriceReflectsRealizedLoss(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 1_000)
	env.depositAndExecute(t, testClient, 10_000)

	// Lose 1,000 of the 10,000 baseline (budget at 1000 bps is exactly that).
	manifest, ledger, err := env.engine.BeginOperation(testOperator, "growth", nil, big.NewInt(2_000), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.engine.ReturnAssets(testOperator, "growth", manifest, ledger, big.NewInt(1_000), nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	if _, err := env.engine.CompleteOperation(testOperator, "growth", manifest); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// 9,000 value across 10,000 shares: a fresh 9,000 deposit mints 10,000.
	second := [20]byte{0x55}
	env.fundAccount(second, 9_000)
	if _, err := env.engine.SubmitDeposit(second, "growth", big.NewInt(9_000), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.engine.ExecuteRequests(testOperator, "growth", 0); err != nil {
		t.Fatalf("execute: %v", err)
	}
	receipt, err := env.engine.GetReceipt("growth", second)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Shares.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("expected 10000 shares for 9000 at 0.9, got %s", receipt.Shares)
	}
}

func TestRewardAccrualAndClaim(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	env.depositAndExecute(t, testClient, 10_000)
	env.fundAccount(testOperator, 1_000)

	if err := env.engine.AccrueReward(testOperator, "growth", big.NewInt(500)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if env.accountBalance(testOperator).Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("accrual should debit the operator, balance %s", env.accountBalance(testOperator))
	}
	pending, err := env.engine.PendingRewards("growth", testClient)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("sole holder should accrue everything, got %s", pending)
	}

	claimed, err := env.engine.ClaimRewards(testClient, "growth")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("claimed %s", claimed)
	}
	if env.accountBalance(testClient).Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("claim should credit the owner, balance %s", env.accountBalance(testClient))
	}
	if _, err := env.engine.ClaimRewards(testClient, "growth"); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("second claim should be empty, got %v", err)
	}
	if env.storedVault(t).RewardPool.Sign() != 0 {
		t.Fatalf("pool should drain to zero")
	}
}

func TestRewardsSplitProRata(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	second := [20]byte{0x55}
	env.depositAndExecute(t, testClient, 7_500)
	env.depositAndExecute(t, second, 2_500)
	env.fundAccount(testOperator, 1_000)

	if err := env.engine.AccrueReward(testOperator, "growth", big.NewInt(1_000)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	pendingA, _ := env.engine.PendingRewards("growth", testClient)
	pendingB, _ := env.engine.PendingRewards("growth", second)
	if pendingA.Cmp(big.NewInt(750)) != 0 || pendingB.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected 750/250 split, got %s/%s", pendingA, pendingB)
	}
}

func TestAccrueRequiresShares(t *testing.T) {
	env := newTestEnv(t)
	env.createVault(t, 0, 10)
	env.fundAccount(testOperator, 1_000)

	if err := env.engine.AccrueReward(testOperator, "growth", big.NewInt(100)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("accrual with no holders should fail, got %v", err)
	}
}
