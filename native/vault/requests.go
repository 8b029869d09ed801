package vault

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"coffer/core/events"
	"coffer/core/types"
	nativecommon "coffer/native/common"
)

// SubmitDeposit buffers a deposit request. The gross amount is debited from
// the owner's account immediately and escrowed in the request record, so a
// queued deposit can always be refunded in full. Requests may be submitted
// while an operation is armed; they execute only once the vault is back in
// normal service.
func (e *Engine) SubmitDeposit(owner [20]byte, vaultID string, amount, minShares *big.Int) (*Request, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Status == StatusDisabled {
		return nil, fmt.Errorf("%w: vault disabled", ErrInvalidStatusTransition)
	}
	account, err := e.state.GetAccount(owner)
	if err != nil {
		return nil, err
	}
	balance := account.Balance(vault.PrincipalDenom)
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: balance %s, deposit %s", ErrInsufficientFunds, balance, amount)
	}
	account.SetBalance(vault.PrincipalDenom, new(big.Int).Sub(balance, amount))

	queue, err := e.state.GetRequests(vault.ID)
	if err != nil {
		return nil, err
	}
	request := &Request{
		ID:        uuid.NewString(),
		Vault:     vault.ID,
		Kind:      RequestDeposit,
		Owner:     owner,
		Amount:    copyBig(amount),
		MinOut:    copyBig(minShares),
		CreatedAt: e.now(),
	}
	queue = append(queue, request)

	if err := e.state.PutAccount(owner, account); err != nil {
		return nil, err
	}
	if err := e.state.PutRequests(vault.ID, queue); err != nil {
		return nil, err
	}
	return request.Clone(), nil
}

// SubmitWithdraw buffers a withdrawal request. The shares are escrowed out of
// the owner's receipt (pending rewards settle first) but the total share
// supply is untouched until execution burns them. Withdrawals honor the
// vault's lock window before they become executable.
func (e *Engine) SubmitWithdraw(owner [20]byte, vaultID string, shares, minAmount *big.Int) (*Request, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
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
	if receipt.Shares.Cmp(shares) < 0 {
		return nil, fmt.Errorf("%w: receipt holds %s shares, withdraw %s", ErrInsufficientFunds, receipt.Shares, shares)
	}
	receipt.Shares = new(big.Int).Sub(receipt.Shares, shares)
	resetRewardDebt(vault, receipt)

	queue, err := e.state.GetRequests(vault.ID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	request := &Request{
		ID:           uuid.NewString(),
		Vault:        vault.ID,
		Kind:         RequestWithdraw,
		Owner:        owner,
		Amount:       copyBig(shares),
		MinOut:       copyBig(minAmount),
		CreatedAt:    now,
		ExecutableAt: now + int64(vault.Params.WithdrawLockSeconds),
	}
	queue = append(queue, request)

	if err := e.state.PutReceipt(vault.ID, receipt); err != nil {
		return nil, err
	}
	if err := e.state.PutRequests(vault.ID, queue); err != nil {
		return nil, err
	}
	return request.Clone(), nil
}

// CancelRequest removes a buffered request and refunds its escrow: principal
// back to the owner's account for deposits, shares back onto the receipt for
// withdrawals. Owners can cancel in any vault status, including disabled.
func (e *Engine) CancelRequest(owner [20]byte, vaultID, requestID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return err
	}
	queue, err := e.state.GetRequests(vault.ID)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(requestID)
	index := -1
	for i, request := range queue {
		if request.ID == trimmed {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrRequestUnknown, requestID)
	}
	request := queue[index]
	if request.Owner != owner {
		return ErrRequestNotOwner
	}
	queue = append(queue[:index], queue[index+1:]...)

	switch request.Kind {
	case RequestDeposit:
		account, err := e.state.GetAccount(owner)
		if err != nil {
			return err
		}
		balance := account.Balance(vault.PrincipalDenom)
		account.SetBalance(vault.PrincipalDenom, new(big.Int).Add(balance, request.Amount))
		if err := e.state.PutAccount(owner, account); err != nil {
			return err
		}
	case RequestWithdraw:
		receipt, ok, err := e.state.GetReceipt(vault.ID, owner)
		if err != nil {
			return err
		}
		if !ok {
			receipt = &Receipt{Vault: vault.ID, Owner: owner, Shares: big.NewInt(0), RewardDebt: big.NewInt(0), PendingRewards: big.NewInt(0)}
		}
		settleReceipt(vault, receipt)
		receipt.Shares = new(big.Int).Add(receipt.Shares, request.Amount)
		resetRewardDebt(vault, receipt)
		if err := e.state.PutReceipt(vault.ID, receipt); err != nil {
			return err
		}
	default:
		return fmt.Errorf("vault: unsupported request kind %d", request.Kind)
	}
	return e.state.PutRequests(vault.ID, queue)
}

// ListRequests returns the buffered queue in submission order.
func (e *Engine) ListRequests(vaultID string) ([]*Request, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, err
	}
	return e.state.GetRequests(vault.ID)
}

// GetReceipt returns the owner's share receipt.
func (e *Engine) GetReceipt(vaultID string, owner [20]byte) (*Receipt, error) {
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
		return nil, ErrReceiptUnknown
	}
	return receipt, nil
}

// ExecutionReport summarises one batch run over the request queue.
type ExecutionReport struct {
	Executed int
	Failed   int
	Skipped  int
	Pending  int
}

// ExecuteRequests drains the buffered queue in submission order against a
// fresh valuation snapshot. Individual requests that cannot mint or redeem at
// the quoted price fail and refund without aborting the batch; withdrawals
// still inside their lock window are skipped and stay queued. Up to max
// requests are considered, zero meaning the whole queue.
func (e *Engine) ExecuteRequests(operator [20]byte, vaultID string, max int) (*ExecutionReport, error) {
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
	if err := e.checkOperator(operator); err != nil {
		return nil, err
	}
	if vault.Status != StatusNormal {
		return nil, fmt.Errorf("%w: vault %s is %s", ErrInvalidStatusTransition, vault.ID, vault.Status)
	}
	queue, err := e.state.GetRequests(vault.ID)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return &ExecutionReport{}, nil
	}
	now := e.now()
	runningValue, err := e.totalValue(vault, now)
	if err != nil {
		return nil, err
	}
	price, err := e.principalPrice(vault)
	if err != nil {
		return nil, err
	}

	report := &ExecutionReport{}
	receipts := make(map[[20]byte]*Receipt)
	accounts := make(map[[20]byte]*types.Account)
	remaining := make([]*Request, 0, len(queue))
	var emitted []events.Event

	considered := 0
	for _, request := range queue {
		if max > 0 && considered >= max {
			remaining = append(remaining, request)
			continue
		}
		considered++
		switch request.Kind {
		case RequestDeposit:
			outcome, err := e.executeDeposit(vault, request, price, runningValue, receipts, accounts)
			if err != nil {
				return nil, err
			}
			if outcome.failed != "" {
				if err := e.refundDeposit(vault, request, accounts); err != nil {
					return nil, err
				}
				report.Failed++
				emitted = append(emitted, events.RequestFailed{
					Vault: vault.ID, RequestID: request.ID, Owner: request.Owner,
					Kind: request.Kind.String(), Reason: outcome.failed,
				})
				continue
			}
			runningValue = outcome.runningValue
			report.Executed++
			emitted = append(emitted, events.DepositExecuted{
				Vault: vault.ID, RequestID: request.ID, Owner: request.Owner,
				Gross: copyBig(request.Amount), Fee: outcome.fee, Net: outcome.net, Shares: outcome.shares,
			})
		case RequestWithdraw:
			if request.ExecutableAt > now {
				report.Skipped++
				remaining = append(remaining, request)
				continue
			}
			outcome, err := e.executeWithdraw(vault, request, price, runningValue, receipts, accounts)
			if err != nil {
				return nil, err
			}
			if outcome.failed != "" {
				if err := e.refundWithdraw(vault, request, receipts); err != nil {
					return nil, err
				}
				report.Failed++
				emitted = append(emitted, events.RequestFailed{
					Vault: vault.ID, RequestID: request.ID, Owner: request.Owner,
					Kind: request.Kind.String(), Reason: outcome.failed,
				})
				continue
			}
			runningValue = outcome.runningValue
			report.Executed++
			emitted = append(emitted, events.WithdrawExecuted{
				Vault: vault.ID, RequestID: request.ID, Owner: request.Owner,
				Shares: copyBig(request.Amount), Gross: outcome.gross, Fee: outcome.fee, Net: outcome.net,
			})
		default:
			return nil, fmt.Errorf("vault: unsupported request kind %d", request.Kind)
		}
	}
	report.Pending = len(remaining)

	for _, receipt := range receipts {
		if err := e.state.PutReceipt(vault.ID, receipt); err != nil {
			return nil, err
		}
	}
	for owner, account := range accounts {
		if err := e.state.PutAccount(owner, account); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutRequests(vault.ID, remaining); err != nil {
		return nil, err
	}
	if err := e.state.PutVault(vault); err != nil {
		return nil, err
	}
	for _, evt := range emitted {
		e.emitter.Emit(evt)
	}
	return report, nil
}

type requestOutcome struct {
	failed       string
	fee          *big.Int
	net          *big.Int
	gross        *big.Int
	shares       *big.Int
	runningValue *big.Int
}

func (e *Engine) principalPrice(vault *Vault) (*big.Int, error) {
	if e.prices == nil {
		return nil, fmt.Errorf("%w: no price source for %s", ErrStaleValuation, vault.PrincipalDenom)
	}
	price, err := e.prices.CanonicalPrice(vault.PrincipalDenom)
	if err != nil {
		return nil, fmt.Errorf("%w: price %s: %v", ErrStaleValuation, vault.PrincipalDenom, err)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price %s is zero", ErrStaleValuation, vault.PrincipalDenom)
	}
	return price, nil
}

// payFee credits an execution fee to the treasury account. It reports false
// when no treasury is configured or the fee is zero, in which case the fee
// value stays inside the vault and accrues to share holders.
func (e *Engine) payFee(denom string, fee *big.Int, accounts map[[20]byte]*types.Account) (bool, error) {
	if e.treasury == ([20]byte{}) || fee == nil || fee.Sign() <= 0 {
		return false, nil
	}
	account, err := e.loadBatchAccount(e.treasury, accounts)
	if err != nil {
		return false, err
	}
	balance := account.Balance(denom)
	account.SetBalance(denom, new(big.Int).Add(balance, fee))
	return true, nil
}

// executeDeposit mints shares for the escrowed principal. Shares are quoted
// on the net of fees; the fee itself goes to the treasury when one is
// configured and otherwise joins the vault balance.
func (e *Engine) executeDeposit(vault *Vault, request *Request, price, runningValue *big.Int, receipts map[[20]byte]*Receipt, accounts map[[20]byte]*types.Account) (*requestOutcome, error) {
	fee := feeFor(request.Amount, vault.Params.Fees.DepositBps)
	net := new(big.Int).Sub(request.Amount, fee)
	netValue, err := balanceUSD(net, price, vault.PrincipalDecimals)
	if err != nil {
		return nil, err
	}
	shares, err := sharesForValue(netValue, vault.TotalShares, runningValue)
	if err != nil {
		return &requestOutcome{failed: "vault value exhausted"}, nil
	}
	if shares.Sign() <= 0 {
		return &requestOutcome{failed: "deposit too small to mint shares"}, nil
	}
	if request.MinOut != nil && request.MinOut.Sign() > 0 && shares.Cmp(request.MinOut) < 0 {
		return &requestOutcome{failed: fmt.Sprintf("minted %s below minimum %s", shares, request.MinOut)}, nil
	}

	receipt, err := e.loadReceipt(vault, request.Owner, receipts)
	if err != nil {
		return nil, err
	}
	settleReceipt(vault, receipt)
	receipt.Shares = new(big.Int).Add(receipt.Shares, shares)
	resetRewardDebt(vault, receipt)

	paid, err := e.payFee(vault.PrincipalDenom, fee, accounts)
	if err != nil {
		return nil, err
	}
	joined := request.Amount
	if paid {
		joined = net
	}
	vault.Principal = new(big.Int).Add(vault.Principal, joined)
	vault.TotalShares = new(big.Int).Add(vault.TotalShares, shares)
	joinedValue, err := balanceUSD(joined, price, vault.PrincipalDecimals)
	if err != nil {
		return nil, err
	}
	return &requestOutcome{
		fee:          fee,
		net:          net,
		shares:       shares,
		runningValue: new(big.Int).Add(runningValue, joinedValue),
	}, nil
}

// executeWithdraw burns escrowed shares and pays out net principal. The fee
// portion of the redemption goes to the treasury when one is configured and
// otherwise stays in the vault.
func (e *Engine) executeWithdraw(vault *Vault, request *Request, price, runningValue *big.Int, receipts map[[20]byte]*Receipt, accounts map[[20]byte]*types.Account) (*requestOutcome, error) {
	redeemed := valueForShares(request.Amount, vault.TotalShares, runningValue)
	gross, err := amountForUSD(redeemed, price, vault.PrincipalDecimals)
	if err != nil {
		return nil, err
	}
	if gross.Sign() <= 0 {
		return &requestOutcome{failed: "shares redeem to zero principal"}, nil
	}
	if vault.Principal.Cmp(gross) < 0 {
		return &requestOutcome{failed: fmt.Sprintf("liquid principal %s below redemption %s", vault.Principal, gross)}, nil
	}
	fee := feeFor(gross, vault.Params.Fees.WithdrawBps)
	net := new(big.Int).Sub(gross, fee)
	if request.MinOut != nil && request.MinOut.Sign() > 0 && net.Cmp(request.MinOut) < 0 {
		return &requestOutcome{failed: fmt.Sprintf("payout %s below minimum %s", net, request.MinOut)}, nil
	}

	account, err := e.loadBatchAccount(request.Owner, accounts)
	if err != nil {
		return nil, err
	}
	balance := account.Balance(vault.PrincipalDenom)
	account.SetBalance(vault.PrincipalDenom, new(big.Int).Add(balance, net))

	paid, err := e.payFee(vault.PrincipalDenom, fee, accounts)
	if err != nil {
		return nil, err
	}
	leaving := net
	if paid {
		leaving = gross
	}
	vault.Principal = new(big.Int).Sub(vault.Principal, leaving)
	vault.TotalShares = new(big.Int).Sub(vault.TotalShares, request.Amount)
	leavingValue, err := balanceUSD(leaving, price, vault.PrincipalDecimals)
	if err != nil {
		return nil, err
	}
	return &requestOutcome{
		fee:          fee,
		net:          net,
		gross:        gross,
		runningValue: new(big.Int).Sub(runningValue, leavingValue),
	}, nil
}

func (e *Engine) refundDeposit(vault *Vault, request *Request, accounts map[[20]byte]*types.Account) error {
	account, err := e.loadBatchAccount(request.Owner, accounts)
	if err != nil {
		return err
	}
	balance := account.Balance(vault.PrincipalDenom)
	account.SetBalance(vault.PrincipalDenom, new(big.Int).Add(balance, request.Amount))
	return nil
}

func (e *Engine) refundWithdraw(vault *Vault, request *Request, receipts map[[20]byte]*Receipt) error {
	receipt, err := e.loadReceipt(vault, request.Owner, receipts)
	if err != nil {
		return err
	}
	settleReceipt(vault, receipt)
	receipt.Shares = new(big.Int).Add(receipt.Shares, request.Amount)
	resetRewardDebt(vault, receipt)
	return nil
}

// loadReceipt fetches the owner's receipt once per batch, creating an empty
// one for first-time depositors.
func (e *Engine) loadReceipt(vault *Vault, owner [20]byte, receipts map[[20]byte]*Receipt) (*Receipt, error) {
	if receipt, ok := receipts[owner]; ok {
		return receipt, nil
	}
	receipt, ok, err := e.state.GetReceipt(vault.ID, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		receipt = &Receipt{
			Vault:          vault.ID,
			Owner:          owner,
			Shares:         big.NewInt(0),
			RewardDebt:     big.NewInt(0),
			PendingRewards: big.NewInt(0),
		}
	}
	receipts[owner] = receipt
	return receipt, nil
}

func (e *Engine) loadBatchAccount(owner [20]byte, accounts map[[20]byte]*types.Account) (*types.Account, error) {
	if account, ok := accounts[owner]; ok {
		return account, nil
	}
	account, err := e.state.GetAccount(owner)
	if err != nil {
		return nil, err
	}
	accounts[owner] = account
	return account, nil
}
