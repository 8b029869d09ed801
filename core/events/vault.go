package events

import (
	"math/big"
	"strconv"
	"strings"

	"coffer/core/types"
	"coffer/crypto"
)

const (
	// TypeOperationBegun is emitted when a vault arms a custody operation.
	TypeOperationBegun = "vault.operation.begun"
	// TypeAssetsReturned is emitted when every manifest entry has been
	// returned to the vault.
	TypeAssetsReturned = "vault.operation.returned"
	// TypeOperationCompleted is emitted when an operation reconciles and the
	// vault returns to normal service.
	TypeOperationCompleted = "vault.operation.completed"
	// TypeOperationBlocked is emitted when a phase call is rejected while an
	// operation is armed, most importantly for frozen operators: a vault stuck
	// mid-operation pages through this signal.
	TypeOperationBlocked = "vault.operation.blocked"
	// TypeAssetRevalued is emitted when an adaptor submits a fresh USD value.
	TypeAssetRevalued = "vault.asset.revalued"
	// TypeVaultStatusChanged is emitted on every status transition.
	TypeVaultStatusChanged = "vault.status.changed"
	// TypeDepositExecuted is emitted when a buffered deposit mints shares.
	TypeDepositExecuted = "vault.deposit.executed"
	// TypeWithdrawExecuted is emitted when a buffered withdrawal burns shares.
	TypeWithdrawExecuted = "vault.withdraw.executed"
	// TypeRequestFailed is emitted when an individual request fails during a
	// batch execution and is refunded.
	TypeRequestFailed = "vault.request.failed"
	// TypeRewardAccrued is emitted when the operator credits harvested yield.
	TypeRewardAccrued = "vault.reward.accrued"
	// TypeRewardClaimed is emitted when a depositor claims pending rewards.
	TypeRewardClaimed = "vault.reward.claimed"
)

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func addrString(b [20]byte) string {
	if b == ([20]byte{}) {
		return ""
	}
	return crypto.NewAddress(crypto.CofferPrefix, b[:]).String()
}

type OperationBegun struct {
	Vault       string
	Operator    [20]byte
	OperationID [32]byte
	Assets      []string
	Principal   *big.Int
	Reserve     *big.Int
	TotalValue  *big.Int
	TotalShares *big.Int
}

func (OperationBegun) EventType() string { return TypeOperationBegun }

func (e OperationBegun) Event() *types.Event {
	return &types.Event{
		Type: TypeOperationBegun,
		Attributes: map[string]string{
			"vault":       strings.TrimSpace(e.Vault),
			"operator":    addrString(e.Operator),
			"operationId": hexDigest(e.OperationID),
			"assets":      strings.Join(e.Assets, ","),
			"principal":   bigString(e.Principal),
			"reserve":     bigString(e.Reserve),
			"totalValue":  bigString(e.TotalValue),
			"totalShares": bigString(e.TotalShares),
		},
	}
}

type AssetsReturned struct {
	Vault             string
	Operator          [20]byte
	OperationID       [32]byte
	Returned          int
	PrincipalReturned *big.Int
	ReserveReturned   *big.Int
}

func (AssetsReturned) EventType() string { return TypeAssetsReturned }

func (e AssetsReturned) Event() *types.Event {
	return &types.Event{
		Type: TypeAssetsReturned,
		Attributes: map[string]string{
			"vault":             strings.TrimSpace(e.Vault),
			"operator":          addrString(e.Operator),
			"operationId":       hexDigest(e.OperationID),
			"returned":          strconv.Itoa(e.Returned),
			"principalReturned": bigString(e.PrincipalReturned),
			"reserveReturned":   bigString(e.ReserveReturned),
		},
	}
}

type OperationCompleted struct {
	Vault          string
	Operator       [20]byte
	OperationID    [32]byte
	ValueBefore    *big.Int
	ValueAfter     *big.Int
	Loss           *big.Int
	CumulativeLoss *big.Int
	PeriodID       uint64
}

func (OperationCompleted) EventType() string { return TypeOperationCompleted }

func (e OperationCompleted) Event() *types.Event {
	return &types.Event{
		Type: TypeOperationCompleted,
		Attributes: map[string]string{
			"vault":          strings.TrimSpace(e.Vault),
			"operator":       addrString(e.Operator),
			"operationId":    hexDigest(e.OperationID),
			"valueBefore":    bigString(e.ValueBefore),
			"valueAfter":     bigString(e.ValueAfter),
			"loss":           bigString(e.Loss),
			"cumulativeLoss": bigString(e.CumulativeLoss),
			"periodId":       strconv.FormatUint(e.PeriodID, 10),
		},
	}
}

type OperationBlocked struct {
	Vault    string
	Operator [20]byte
	Phase    string
	Reason   string
}

func (OperationBlocked) EventType() string { return TypeOperationBlocked }

func (e OperationBlocked) Event() *types.Event {
	return &types.Event{
		Type: TypeOperationBlocked,
		Attributes: map[string]string{
			"vault":    strings.TrimSpace(e.Vault),
			"operator": addrString(e.Operator),
			"phase":    strings.TrimSpace(e.Phase),
			"reason":   strings.TrimSpace(e.Reason),
		},
	}
}

type AssetRevalued struct {
	Vault     string
	AssetType string
	Value     *big.Int
	UpdatedAt int64
}

func (AssetRevalued) EventType() string { return TypeAssetRevalued }

func (e AssetRevalued) Event() *types.Event {
	return &types.Event{
		Type: TypeAssetRevalued,
		Attributes: map[string]string{
			"vault":     strings.TrimSpace(e.Vault),
			"assetType": strings.TrimSpace(e.AssetType),
			"value":     bigString(e.Value),
			"updatedAt": strconv.FormatInt(e.UpdatedAt, 10),
		},
	}
}

type VaultStatusChanged struct {
	Vault string
	From  string
	To    string
}

func (VaultStatusChanged) EventType() string { return TypeVaultStatusChanged }

func (e VaultStatusChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultStatusChanged,
		Attributes: map[string]string{
			"vault": strings.TrimSpace(e.Vault),
			"from":  strings.TrimSpace(e.From),
			"to":    strings.TrimSpace(e.To),
		},
	}
}

type DepositExecuted struct {
	Vault     string
	RequestID string
	Owner     [20]byte
	Gross     *big.Int
	Fee       *big.Int
	Net       *big.Int
	Shares    *big.Int
}

func (DepositExecuted) EventType() string { return TypeDepositExecuted }

func (e DepositExecuted) Event() *types.Event {
	return &types.Event{
		Type: TypeDepositExecuted,
		Attributes: map[string]string{
			"vault":     strings.TrimSpace(e.Vault),
			"requestId": strings.TrimSpace(e.RequestID),
			"owner":     addrString(e.Owner),
			"gross":     bigString(e.Gross),
			"fee":       bigString(e.Fee),
			"net":       bigString(e.Net),
			"shares":    bigString(e.Shares),
		},
	}
}

type WithdrawExecuted struct {
	Vault     string
	RequestID string
	Owner     [20]byte
	Shares    *big.Int
	Gross     *big.Int
	Fee       *big.Int
	Net       *big.Int
}

func (WithdrawExecuted) EventType() string { return TypeWithdrawExecuted }

func (e WithdrawExecuted) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawExecuted,
		Attributes: map[string]string{
			"vault":     strings.TrimSpace(e.Vault),
			"requestId": strings.TrimSpace(e.RequestID),
			"owner":     addrString(e.Owner),
			"shares":    bigString(e.Shares),
			"gross":     bigString(e.Gross),
			"fee":       bigString(e.Fee),
			"net":       bigString(e.Net),
		},
	}
}

type RequestFailed struct {
	Vault     string
	RequestID string
	Owner     [20]byte
	Kind      string
	Reason    string
}

func (RequestFailed) EventType() string { return TypeRequestFailed }

func (e RequestFailed) Event() *types.Event {
	return &types.Event{
		Type: TypeRequestFailed,
		Attributes: map[string]string{
			"vault":     strings.TrimSpace(e.Vault),
			"requestId": strings.TrimSpace(e.RequestID),
			"owner":     addrString(e.Owner),
			"kind":      strings.TrimSpace(e.Kind),
			"reason":    strings.TrimSpace(e.Reason),
		},
	}
}

type RewardAccrued struct {
	Vault    string
	Operator [20]byte
	Amount   *big.Int
}

func (RewardAccrued) EventType() string { return TypeRewardAccrued }

func (e RewardAccrued) Event() *types.Event {
	return &types.Event{
		Type: TypeRewardAccrued,
		Attributes: map[string]string{
			"vault":    strings.TrimSpace(e.Vault),
			"operator": addrString(e.Operator),
			"amount":   bigString(e.Amount),
		},
	}
}

type RewardClaimed struct {
	Vault  string
	Owner  [20]byte
	Amount *big.Int
}

func (RewardClaimed) EventType() string { return TypeRewardClaimed }

func (e RewardClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeRewardClaimed,
		Attributes: map[string]string{
			"vault":  strings.TrimSpace(e.Vault),
			"owner":  addrString(e.Owner),
			"amount": bigString(e.Amount),
		},
	}
}
