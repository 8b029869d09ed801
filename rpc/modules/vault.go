package modules

import (
	"encoding/json"
	"errors"
	"net/http"

	"coffer/core"
	nativecommon "coffer/native/common"
	"coffer/native/operator"
	"coffer/native/oracle"
	"coffer/native/vault"
)

// VaultModule exposes the custody engine over JSON-RPC. The transport layer
// authenticates callers and passes the token subject in as the acting
// address; the module parses params, delegates to the node, and maps engine
// errors onto wire errors.
type VaultModule struct {
	node *core.Node
}

// NewVaultModule constructs the vault module facade for the RPC server.
func NewVaultModule(node *core.Node) *VaultModule {
	return &VaultModule{node: node}
}

func vaultModuleUnavailable() *ModuleError {
	return &ModuleError{
		HTTPStatus: http.StatusServiceUnavailable,
		Code:       codeServerError,
		Message:    "vault module not available",
	}
}

// wrapVaultError maps engine sentinels onto transport errors. Caller mistakes
// surface as invalid params, missing records as not found, rejected actors as
// forbidden, and a paused module as unavailable; anything unrecognized is a
// server fault.
func wrapVaultError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, vault.ErrVaultUnknown),
		errors.Is(err, vault.ErrAssetUnknown),
		errors.Is(err, vault.ErrRequestUnknown),
		errors.Is(err, vault.ErrReceiptUnknown):
		return &ModuleError{HTTPStatus: http.StatusNotFound, Code: codeServerError, Message: err.Error()}
	case errors.Is(err, vault.ErrOperatorFrozen),
		errors.Is(err, vault.ErrRequestNotOwner),
		errors.Is(err, operator.ErrSelfFreeze):
		return &ModuleError{HTTPStatus: http.StatusForbidden, Code: codeServerError, Message: err.Error()}
	case errors.Is(err, nativecommon.ErrModulePaused):
		return &ModuleError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: err.Error()}
	case errors.Is(err, vault.ErrVaultExists),
		errors.Is(err, vault.ErrAssetExists),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrStaleValuation),
		errors.Is(err, vault.ErrCustodyMismatch),
		errors.Is(err, vault.ErrReconciliationIncomplete),
		errors.Is(err, vault.ErrLossToleranceExceeded),
		errors.Is(err, vault.ErrShareCountMismatch),
		errors.Is(err, vault.ErrInvalidStatusTransition),
		errors.Is(err, vault.ErrInsufficientFunds),
		errors.Is(err, vault.ErrNothingToClaim),
		errors.Is(err, vault.ErrAssetCheckedOut),
		errors.Is(err, oracle.ErrPriceStale),
		errors.Is(err, oracle.ErrPriceUnknown),
		errors.Is(err, oracle.ErrFeedUnknown):
		return &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: err.Error()}
	default:
		return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
	}
}

type vaultTarget struct {
	Vault string `json:"vault"`
}

func decodeVaultTarget(raw json.RawMessage) (string, *ModuleError) {
	var params vaultTarget
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return "", invalidParams("vault id required")
	}
	return params.Vault, nil
}

// GetVault returns the vault record.
func (m *VaultModule) GetVault(raw json.RawMessage) (*VaultPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	vaultID, modErr := decodeVaultTarget(raw)
	if modErr != nil {
		return nil, modErr
	}
	record, err := m.node.VaultGet(vaultID)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return NewVaultPayload(record), nil
}

// ListAssets returns every arena slot with its cached valuation.
func (m *VaultModule) ListAssets(raw json.RawMessage) ([]*AssetPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	vaultID, modErr := decodeVaultTarget(raw)
	if modErr != nil {
		return nil, modErr
	}
	statuses, err := m.node.VaultListAssets(vaultID)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	payloads := make([]*AssetPayload, 0, len(statuses))
	for _, status := range statuses {
		if payload := NewAssetPayload(status); payload != nil {
			payloads = append(payloads, payload)
		}
	}
	return payloads, nil
}

// GetOperation returns the armed operation record.
func (m *VaultModule) GetOperation(raw json.RawMessage) (*OperationPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	vaultID, modErr := decodeVaultTarget(raw)
	if modErr != nil {
		return nil, modErr
	}
	record, err := m.node.VaultOperation(vaultID)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return NewOperationPayload(record), nil
}

// ListRequests returns the buffered queue in submission order.
func (m *VaultModule) ListRequests(raw json.RawMessage) ([]*RequestPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	vaultID, modErr := decodeVaultTarget(raw)
	if modErr != nil {
		return nil, modErr
	}
	requests, err := m.node.VaultListRequests(vaultID)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	payloads := make([]*RequestPayload, 0, len(requests))
	for _, request := range requests {
		payloads = append(payloads, NewRequestPayload(request))
	}
	return payloads, nil
}

type receiptParams struct {
	Vault string `json:"vault"`
	Owner string `json:"owner"`
}

// GetReceipt returns an owner's share position with rewards settled against
// the current index.
func (m *VaultModule) GetReceipt(raw json.RawMessage) (*ReceiptPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params receiptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	owner, modErr := parseBech32("owner", params.Owner)
	if modErr != nil {
		return nil, modErr
	}
	receipt, pending, err := m.node.VaultReceipt(params.Vault, owner)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return &ReceiptPayload{
		Vault:          receipt.Vault,
		Owner:          formatAddr(receipt.Owner),
		Shares:         formatAmount(receipt.Shares),
		PendingRewards: formatAmount(pending),
	}, nil
}

type beginOperationParams struct {
	Vault        string   `json:"vault"`
	Assets       []string `json:"assets"`
	PrincipalOut string   `json:"principalOut"`
	ReserveOut   string   `json:"reserveOut"`
}

// BeginOperation arms a custody operation and hands the manifest plus the
// custody ledger to the calling operator.
func (m *VaultModule) BeginOperation(operatorAddr [20]byte, raw json.RawMessage) (*OperationEnvelope, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params beginOperationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	if len(params.Assets) == 0 {
		return nil, invalidParams("at least one asset type required")
	}
	principalOut, modErr := parseOptionalAmount("principal out", params.PrincipalOut)
	if modErr != nil {
		return nil, modErr
	}
	reserveOut, modErr := parseOptionalAmount("reserve out", params.ReserveOut)
	if modErr != nil {
		return nil, modErr
	}
	manifest, ledger, err := m.node.VaultBeginOperation(operatorAddr, params.Vault, params.Assets, principalOut, reserveOut)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return &OperationEnvelope{
		Manifest: NewManifestPayload(manifest),
		Custody:  NewCustodyLedgerPayload(ledger),
	}, nil
}

type returnAssetsParams struct {
	Vault         string                `json:"vault"`
	Manifest      *ManifestPayload      `json:"manifest"`
	Custody       *CustodyLedgerPayload `json:"custody"`
	PrincipalBack string                `json:"principalBack"`
	ReserveBack   string                `json:"reserveBack"`
}

// ReturnAssets brings every borrowed handle back into custody along with the
// operator's principal and reserve remittance.
func (m *VaultModule) ReturnAssets(operatorAddr [20]byte, raw json.RawMessage) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", vaultModuleUnavailable()
	}
	var params returnAssetsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return "", invalidParams("vault id required")
	}
	manifest, modErr := params.Manifest.toManifest()
	if modErr != nil {
		return "", modErr
	}
	ledger, modErr := params.Custody.toLedger()
	if modErr != nil {
		return "", modErr
	}
	principalBack, modErr := parseOptionalAmount("principal back", params.PrincipalBack)
	if modErr != nil {
		return "", modErr
	}
	reserveBack, modErr := parseOptionalAmount("reserve back", params.ReserveBack)
	if modErr != nil {
		return "", modErr
	}
	if err := m.node.VaultReturnAssets(operatorAddr, params.Vault, manifest, ledger, principalBack, reserveBack); err != nil {
		return "", wrapVaultError(err)
	}
	return "assets returned", nil
}

type completeOperationParams struct {
	Vault    string           `json:"vault"`
	Manifest *ManifestPayload `json:"manifest"`
}

// CompleteOperation settles the armed operation and returns the loss summary.
func (m *VaultModule) CompleteOperation(operatorAddr [20]byte, raw json.RawMessage) (*CompletionPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params completeOperationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	manifest, modErr := params.Manifest.toManifest()
	if modErr != nil {
		return nil, modErr
	}
	summary, err := m.node.VaultCompleteOperation(operatorAddr, params.Vault, manifest)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return NewCompletionPayload(summary), nil
}

type revalueAssetParams struct {
	Vault     string `json:"vault"`
	AssetType string `json:"assetType"`
}

// RevalueAsset prices one in-custody asset through its adaptor and records
// the valuation.
func (m *VaultModule) RevalueAsset(operatorAddr [20]byte, raw json.RawMessage) (*ValuationPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params revalueAssetParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	if params.AssetType == "" {
		return nil, invalidParams("asset type required")
	}
	valuation, err := m.node.VaultRevalueAsset(operatorAddr, params.Vault, params.AssetType)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return &ValuationPayload{
		Vault:     params.Vault,
		AssetType: params.AssetType,
		Value:     formatAmount(valuation.Value),
		UpdatedAt: valuation.UpdatedAt,
	}, nil
}

type executeRequestsParams struct {
	Vault string `json:"vault"`
	Max   int    `json:"max"`
}

// ExecuteRequests drains the buffered queue against a fresh snapshot.
func (m *VaultModule) ExecuteRequests(operatorAddr [20]byte, raw json.RawMessage) (*ExecutionReportPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params executeRequestsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	if params.Max < 0 {
		return nil, invalidParams("max must not be negative")
	}
	report, err := m.node.VaultExecuteRequests(operatorAddr, params.Vault, params.Max)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return &ExecutionReportPayload{
		Executed: report.Executed,
		Failed:   report.Failed,
		Skipped:  report.Skipped,
		Pending:  report.Pending,
	}, nil
}

type accrueRewardParams struct {
	Vault  string `json:"vault"`
	Amount string `json:"amount"`
}

// AccrueReward debits the operator and advances the per-share reward index.
func (m *VaultModule) AccrueReward(operatorAddr [20]byte, raw json.RawMessage) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", vaultModuleUnavailable()
	}
	var params accrueRewardParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return "", invalidParams("vault id required")
	}
	amount, modErr := parseAmount("amount", params.Amount)
	if modErr != nil {
		return "", modErr
	}
	if err := m.node.VaultAccrueReward(operatorAddr, params.Vault, amount); err != nil {
		return "", wrapVaultError(err)
	}
	return "reward accrued", nil
}

type submitDepositParams struct {
	Vault     string `json:"vault"`
	Amount    string `json:"amount"`
	MinShares string `json:"minShares"`
}

// SubmitDeposit escrows principal from the authenticated owner and queues the
// request.
func (m *VaultModule) SubmitDeposit(owner [20]byte, raw json.RawMessage) (*RequestPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params submitDepositParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	amount, modErr := parseAmount("amount", params.Amount)
	if modErr != nil {
		return nil, modErr
	}
	minShares, modErr := parseOptionalAmount("min shares", params.MinShares)
	if modErr != nil {
		return nil, modErr
	}
	request, err := m.node.VaultSubmitDeposit(owner, params.Vault, amount, minShares)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return NewRequestPayload(request), nil
}

type submitWithdrawParams struct {
	Vault     string `json:"vault"`
	Shares    string `json:"shares"`
	MinAmount string `json:"minAmount"`
}

// SubmitWithdraw escrows shares from the authenticated owner and queues the
// request behind the withdraw lock.
func (m *VaultModule) SubmitWithdraw(owner [20]byte, raw json.RawMessage) (*RequestPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params submitWithdrawParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	shares, modErr := parseAmount("shares", params.Shares)
	if modErr != nil {
		return nil, modErr
	}
	minAmount, modErr := parseOptionalAmount("min amount", params.MinAmount)
	if modErr != nil {
		return nil, modErr
	}
	request, err := m.node.VaultSubmitWithdraw(owner, params.Vault, shares, minAmount)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return NewRequestPayload(request), nil
}

type cancelRequestParams struct {
	Vault     string `json:"vault"`
	RequestID string `json:"requestId"`
}

// CancelRequest refunds and removes one of the owner's queued requests.
func (m *VaultModule) CancelRequest(owner [20]byte, raw json.RawMessage) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", vaultModuleUnavailable()
	}
	var params cancelRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return "", invalidParams("vault id required")
	}
	if params.RequestID == "" {
		return "", invalidParams("request id required")
	}
	if err := m.node.VaultCancelRequest(owner, params.Vault, params.RequestID); err != nil {
		return "", wrapVaultError(err)
	}
	return "request cancelled", nil
}

type claimRewardsParams struct {
	Vault string `json:"vault"`
}

// ClaimRewardsPayload reports the amount paid out by a claim.
type ClaimRewardsPayload struct {
	Vault  string `json:"vault"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

// ClaimRewards pays out the owner's settled reward balance.
func (m *VaultModule) ClaimRewards(owner [20]byte, raw json.RawMessage) (*ClaimRewardsPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params claimRewardsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	amount, err := m.node.VaultClaimRewards(owner, params.Vault)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return &ClaimRewardsPayload{
		Vault:  params.Vault,
		Owner:  formatAddr(owner),
		Amount: formatAmount(amount),
	}, nil
}

type setEnabledParams struct {
	Vault   string `json:"vault"`
	Enabled bool   `json:"enabled"`
}

// SetEnabled toggles the vault between normal service and disabled.
func (m *VaultModule) SetEnabled(raw json.RawMessage) (*VaultPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params setEnabledParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	record, err := m.node.VaultSetEnabled(params.Vault, params.Enabled)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return NewVaultPayload(record), nil
}

type setLossToleranceParams struct {
	Vault        string `json:"vault"`
	ToleranceBps uint64 `json:"toleranceBps"`
}

// SetLossTolerance adjusts the per-period loss budget.
func (m *VaultModule) SetLossTolerance(raw json.RawMessage) (*VaultPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params setLossToleranceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	record, err := m.node.VaultSetLossTolerance(params.Vault, params.ToleranceBps)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return NewVaultPayload(record), nil
}

type setFeesParams struct {
	Vault       string `json:"vault"`
	DepositBps  uint64 `json:"depositBps"`
	WithdrawBps uint64 `json:"withdrawBps"`
}

// SetFees adjusts the request fees.
func (m *VaultModule) SetFees(raw json.RawMessage) (*VaultPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params setFeesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	record, err := m.node.VaultSetFees(params.Vault, vault.FeeConfig{
		DepositBps:  params.DepositBps,
		WithdrawBps: params.WithdrawBps,
	})
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return NewVaultPayload(record), nil
}

type registerAssetParams struct {
	Vault     string         `json:"vault"`
	AssetType string         `json:"assetType"`
	Kind      string         `json:"kind"`
	Handle    *HandlePayload `json:"handle"`
}

// RegisterAsset adds an arena slot. The handle supplies the payload shape;
// the engine derives the asset identity.
func (m *VaultModule) RegisterAsset(raw json.RawMessage) (*AssetPayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, vaultModuleUnavailable()
	}
	var params registerAssetParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if params.Vault == "" {
		return nil, invalidParams("vault id required")
	}
	if params.AssetType == "" {
		return nil, invalidParams("asset type required")
	}
	kind, err := vault.ParseAssetKind(params.Kind)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	handle, modErr := params.Handle.toHandle()
	if modErr != nil {
		return nil, modErr
	}
	slot, err := m.node.VaultRegisterAsset(params.Vault, params.AssetType, kind, handle)
	if err != nil {
		return nil, wrapVaultError(err)
	}
	return NewAssetPayload(core.AssetStatus{Slot: slot}), nil
}

type operatorParams struct {
	Operator string `json:"operator"`
}

// FreezeOperator adds an operator to the global freeze registry.
func (m *VaultModule) FreezeOperator(admin [20]byte, raw json.RawMessage) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", vaultModuleUnavailable()
	}
	var params operatorParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", invalidParams("invalid params: %v", err)
	}
	target, modErr := parseBech32("operator", params.Operator)
	if modErr != nil {
		return "", modErr
	}
	if err := m.node.VaultFreezeOperator(admin, target); err != nil {
		return "", wrapVaultError(err)
	}
	return "operator frozen", nil
}

// UnfreezeOperator removes an operator from the global freeze registry.
func (m *VaultModule) UnfreezeOperator(admin [20]byte, raw json.RawMessage) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", vaultModuleUnavailable()
	}
	var params operatorParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", invalidParams("invalid params: %v", err)
	}
	target, modErr := parseBech32("operator", params.Operator)
	if modErr != nil {
		return "", modErr
	}
	if err := m.node.VaultUnfreezeOperator(admin, target); err != nil {
		return "", wrapVaultError(err)
	}
	return "operator unfrozen", nil
}
