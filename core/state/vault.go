package state

import (
	"fmt"
	"math/big"

	"coffer/core/types"
	"coffer/native/vault"
)

// VaultState exposes the persistence surface the vault engine consumes,
// bound to a manager. Every write stages through the manager's buffer.
type VaultState struct {
	manager *Manager
}

// VaultState returns a vault state helper bound to the manager.
func (m *Manager) VaultState() *VaultState {
	if m == nil {
		return nil
	}
	return &VaultState{manager: m}
}

func composedKey(prefix []byte, parts ...string) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part) + 1
	}
	key := make([]byte, 0, size)
	key = append(key, prefix...)
	for i, part := range parts {
		if i > 0 {
			key = append(key, '|')
		}
		key = append(key, part...)
	}
	return key
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// --- vault records ---

type storedFeeConfig struct {
	DepositBps  uint64
	WithdrawBps uint64
}

type storedVaultParams struct {
	LossToleranceBps    uint64
	PeriodSeconds       uint64
	FreshnessSeconds    uint64
	WithdrawLockSeconds uint64
	Fees                storedFeeConfig
}

type storedLossLedger struct {
	PeriodID       uint64
	Baseline       *big.Int
	CumulativeLoss *big.Int
	Captured       bool
}

type storedVault struct {
	PrincipalDenom    string
	PrincipalDecimals uint8
	ReserveDenom      string
	ReserveDecimals   uint8
	Status            uint8
	Principal         *big.Int
	Reserve           *big.Int
	TotalShares       *big.Int
	RewardPool        *big.Int
	RewardIndexRay    *big.Int
	OpNonce           uint64
	Params            storedVaultParams
	Loss              storedLossLedger
	AssetTypes        []string
}

func vaultToStored(v *vault.Vault) *storedVault {
	return &storedVault{
		PrincipalDenom:    v.PrincipalDenom,
		PrincipalDecimals: v.PrincipalDecimals,
		ReserveDenom:      v.ReserveDenom,
		ReserveDecimals:   v.ReserveDecimals,
		Status:            uint8(v.Status),
		Principal:         bigOrZero(v.Principal),
		Reserve:           bigOrZero(v.Reserve),
		TotalShares:       bigOrZero(v.TotalShares),
		RewardPool:        bigOrZero(v.RewardPool),
		RewardIndexRay:    bigOrZero(v.RewardIndexRay),
		OpNonce:           v.OpNonce,
		Params: storedVaultParams{
			LossToleranceBps:    v.Params.LossToleranceBps,
			PeriodSeconds:       v.Params.PeriodSeconds,
			FreshnessSeconds:    v.Params.FreshnessSeconds,
			WithdrawLockSeconds: v.Params.WithdrawLockSeconds,
			Fees: storedFeeConfig{
				DepositBps:  v.Params.Fees.DepositBps,
				WithdrawBps: v.Params.Fees.WithdrawBps,
			},
		},
		Loss: storedLossLedger{
			PeriodID:       v.Loss.PeriodID,
			Baseline:       bigOrZero(v.Loss.Baseline),
			CumulativeLoss: bigOrZero(v.Loss.CumulativeLoss),
			Captured:       v.Loss.Captured,
		},
		AssetTypes: append([]string(nil), v.AssetTypes...),
	}
}

func vaultFromStored(id string, stored *storedVault) *vault.Vault {
	return &vault.Vault{
		ID:                id,
		PrincipalDenom:    stored.PrincipalDenom,
		PrincipalDecimals: stored.PrincipalDecimals,
		ReserveDenom:      stored.ReserveDenom,
		ReserveDecimals:   stored.ReserveDecimals,
		Status:            vault.VaultStatus(stored.Status),
		Principal:         bigOrZero(stored.Principal),
		Reserve:           bigOrZero(stored.Reserve),
		TotalShares:       bigOrZero(stored.TotalShares),
		RewardPool:        bigOrZero(stored.RewardPool),
		RewardIndexRay:    bigOrZero(stored.RewardIndexRay),
		OpNonce:           stored.OpNonce,
		Params: vault.VaultParams{
			LossToleranceBps:    stored.Params.LossToleranceBps,
			PeriodSeconds:       stored.Params.PeriodSeconds,
			FreshnessSeconds:    stored.Params.FreshnessSeconds,
			WithdrawLockSeconds: stored.Params.WithdrawLockSeconds,
			Fees: vault.FeeConfig{
				DepositBps:  stored.Params.Fees.DepositBps,
				WithdrawBps: stored.Params.Fees.WithdrawBps,
			},
		},
		Loss: vault.LossLedger{
			PeriodID:       stored.Loss.PeriodID,
			Baseline:       bigOrZero(stored.Loss.Baseline),
			CumulativeLoss: bigOrZero(stored.Loss.CumulativeLoss),
			Captured:       stored.Loss.Captured,
		},
		AssetTypes: append([]string(nil), stored.AssetTypes...),
	}
}

// GetVault loads one vault record by ID.
func (s *VaultState) GetVault(id string) (*vault.Vault, bool, error) {
	if s == nil || s.manager == nil {
		return nil, false, fmt.Errorf("state: vault state unavailable")
	}
	var stored storedVault
	ok, err := s.manager.KVGet(composedKey(vaultMetaPrefix, id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return vaultFromStored(id, &stored), true, nil
}

// PutVault persists the vault record and keeps the vault index current.
func (s *VaultState) PutVault(v *vault.Vault) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("state: vault state unavailable")
	}
	if v == nil || v.ID == "" {
		return fmt.Errorf("state: vault record must carry an ID")
	}
	if err := s.manager.KVPut(composedKey(vaultMetaPrefix, v.ID), vaultToStored(v)); err != nil {
		return err
	}
	return s.manager.KVAppend(vaultIndexKey, []byte(v.ID))
}

// VaultIDs lists every vault ever created, in creation order.
func (s *VaultState) VaultIDs() ([]string, error) {
	if s == nil || s.manager == nil {
		return nil, fmt.Errorf("state: vault state unavailable")
	}
	var raw [][]byte
	if err := s.manager.KVGetList(vaultIndexKey, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for _, entry := range raw {
		ids = append(ids, string(entry))
	}
	return ids, nil
}

// --- asset slots ---

type storedLending struct {
	Symbol          string
	Decimals        uint8
	Principal       *big.Int
	AccruedInterest *big.Int
}

type storedPool struct {
	SymbolA   string
	SymbolB   string
	DecimalsA uint8
	DecimalsB uint8
	AmountA   *big.Int
	AmountB   *big.Int
}

type storedStaking struct {
	Symbol         string
	Decimals       uint8
	Staked         *big.Int
	PendingRewards *big.Int
}

// storedHandle flattens the tagged union; only the payload named by Kind is
// meaningful, the others encode as zero values.
type storedHandle struct {
	ID      [32]byte
	Kind    uint8
	Lending storedLending
	Pool    storedPool
	Staking storedStaking
}

type storedSlot struct {
	AssetType string
	Kind      uint8
	Custody   uint8
	HasHandle bool
	Handle    storedHandle
}

func handleToStored(h *vault.AssetHandle) storedHandle {
	stored := storedHandle{
		ID:      h.ID,
		Kind:    uint8(h.Kind),
		Lending: storedLending{Principal: big.NewInt(0), AccruedInterest: big.NewInt(0)},
		Pool:    storedPool{AmountA: big.NewInt(0), AmountB: big.NewInt(0)},
		Staking: storedStaking{Staked: big.NewInt(0), PendingRewards: big.NewInt(0)},
	}
	switch {
	case h.Lending != nil:
		stored.Lending = storedLending{
			Symbol:          h.Lending.Symbol,
			Decimals:        h.Lending.Decimals,
			Principal:       bigOrZero(h.Lending.Principal),
			AccruedInterest: bigOrZero(h.Lending.AccruedInterest),
		}
	case h.Pool != nil:
		stored.Pool = storedPool{
			SymbolA:   h.Pool.SymbolA,
			SymbolB:   h.Pool.SymbolB,
			DecimalsA: h.Pool.DecimalsA,
			DecimalsB: h.Pool.DecimalsB,
			AmountA:   bigOrZero(h.Pool.AmountA),
			AmountB:   bigOrZero(h.Pool.AmountB),
		}
	case h.Staking != nil:
		stored.Staking = storedStaking{
			Symbol:         h.Staking.Symbol,
			Decimals:       h.Staking.Decimals,
			Staked:         bigOrZero(h.Staking.Staked),
			PendingRewards: bigOrZero(h.Staking.PendingRewards),
		}
	}
	return stored
}

func handleFromStored(stored storedHandle) *vault.AssetHandle {
	handle := &vault.AssetHandle{ID: stored.ID, Kind: vault.AssetKind(stored.Kind)}
	switch handle.Kind {
	case vault.KindLending:
		handle.Lending = &vault.LendingPosition{
			Symbol:          stored.Lending.Symbol,
			Decimals:        stored.Lending.Decimals,
			Principal:       bigOrZero(stored.Lending.Principal),
			AccruedInterest: bigOrZero(stored.Lending.AccruedInterest),
		}
	case vault.KindPool:
		handle.Pool = &vault.PoolPosition{
			SymbolA:   stored.Pool.SymbolA,
			SymbolB:   stored.Pool.SymbolB,
			DecimalsA: stored.Pool.DecimalsA,
			DecimalsB: stored.Pool.DecimalsB,
			AmountA:   bigOrZero(stored.Pool.AmountA),
			AmountB:   bigOrZero(stored.Pool.AmountB),
		}
	case vault.KindStaking:
		handle.Staking = &vault.StakingPosition{
			Symbol:         stored.Staking.Symbol,
			Decimals:       stored.Staking.Decimals,
			Staked:         bigOrZero(stored.Staking.Staked),
			PendingRewards: bigOrZero(stored.Staking.PendingRewards),
		}
	}
	return handle
}

// GetSlot loads the slot for one registered asset type.
func (s *VaultState) GetSlot(vaultID, assetType string) (*vault.AssetSlot, bool, error) {
	if s == nil || s.manager == nil {
		return nil, false, fmt.Errorf("state: vault state unavailable")
	}
	var stored storedSlot
	ok, err := s.manager.KVGet(composedKey(vaultSlotPrefix, vaultID, assetType), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	slot := &vault.AssetSlot{
		AssetType: stored.AssetType,
		Kind:      vault.AssetKind(stored.Kind),
		Custody:   vault.Custody(stored.Custody),
	}
	if stored.HasHandle {
		slot.Handle = handleFromStored(stored.Handle)
	}
	return slot, true, nil
}

// PutSlot persists the slot under its vault and asset type.
func (s *VaultState) PutSlot(vaultID string, slot *vault.AssetSlot) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("state: vault state unavailable")
	}
	if slot == nil || slot.AssetType == "" {
		return fmt.Errorf("state: slot must carry an asset type")
	}
	stored := storedSlot{
		AssetType: slot.AssetType,
		Kind:      uint8(slot.Kind),
		Custody:   uint8(slot.Custody),
	}
	if slot.Handle != nil {
		stored.HasHandle = true
		stored.Handle = handleToStored(slot.Handle)
	} else {
		stored.Handle = handleToStored(&vault.AssetHandle{})
	}
	return s.manager.KVPut(composedKey(vaultSlotPrefix, vaultID, slot.AssetType), &stored)
}

// --- valuations ---

type storedValuation struct {
	Value     *big.Int
	UpdatedAt uint64
}

// GetValuation loads the cached valuation for one asset type.
func (s *VaultState) GetValuation(vaultID, assetType string) (*vault.Valuation, bool, error) {
	if s == nil || s.manager == nil {
		return nil, false, fmt.Errorf("state: vault state unavailable")
	}
	var stored storedValuation
	ok, err := s.manager.KVGet(composedKey(vaultValuationPrefix, vaultID, assetType), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &vault.Valuation{
		Value:     bigOrZero(stored.Value),
		UpdatedAt: int64(stored.UpdatedAt),
	}, true, nil
}

// PutValuation persists the valuation for one asset type.
func (s *VaultState) PutValuation(vaultID, assetType string, valuation *vault.Valuation) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("state: vault state unavailable")
	}
	if valuation == nil {
		return fmt.Errorf("state: valuation must not be nil")
	}
	if valuation.UpdatedAt < 0 {
		return fmt.Errorf("state: valuation timestamp must not be negative")
	}
	stored := storedValuation{
		Value:     bigOrZero(valuation.Value),
		UpdatedAt: uint64(valuation.UpdatedAt),
	}
	return s.manager.KVPut(composedKey(vaultValuationPrefix, vaultID, assetType), &stored)
}

// --- operation records ---

type storedOperation struct {
	OperationID    [32]byte
	ManifestDigest [32]byte
	Operator       [20]byte
	BegunAt        uint64
	SnapshotValue  *big.Int
	SnapshotShares *big.Int
	Borrowed       []string
	Updated        []string
	PrincipalOut   *big.Int
	ReserveOut     *big.Int
}

// GetOperation loads the armed operation record for a vault.
func (s *VaultState) GetOperation(vaultID string) (*vault.OperationRecord, bool, error) {
	if s == nil || s.manager == nil {
		return nil, false, fmt.Errorf("state: vault state unavailable")
	}
	var stored storedOperation
	ok, err := s.manager.KVGet(composedKey(vaultOperationPrefix, vaultID), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	record := &vault.OperationRecord{
		OperationID:    stored.OperationID,
		ManifestDigest: stored.ManifestDigest,
		Operator:       stored.Operator,
		BegunAt:        int64(stored.BegunAt),
		SnapshotValue:  bigOrZero(stored.SnapshotValue),
		SnapshotShares: bigOrZero(stored.SnapshotShares),
		Reconciliation: vault.ReconciliationRecord{
			Borrowed: append([]string(nil), stored.Borrowed...),
			Updated:  append([]string(nil), stored.Updated...),
		},
		PrincipalOut: bigOrZero(stored.PrincipalOut),
		ReserveOut:   bigOrZero(stored.ReserveOut),
	}
	return record, true, nil
}

// PutOperation persists the armed operation record for a vault.
func (s *VaultState) PutOperation(vaultID string, op *vault.OperationRecord) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("state: vault state unavailable")
	}
	if op == nil {
		return fmt.Errorf("state: operation record must not be nil")
	}
	if op.BegunAt < 0 {
		return fmt.Errorf("state: operation timestamp must not be negative")
	}
	stored := storedOperation{
		OperationID:    op.OperationID,
		ManifestDigest: op.ManifestDigest,
		Operator:       op.Operator,
		BegunAt:        uint64(op.BegunAt),
		SnapshotValue:  bigOrZero(op.SnapshotValue),
		SnapshotShares: bigOrZero(op.SnapshotShares),
		Borrowed:       append([]string(nil), op.Reconciliation.Borrowed...),
		Updated:        append([]string(nil), op.Reconciliation.Updated...),
		PrincipalOut:   bigOrZero(op.PrincipalOut),
		ReserveOut:     bigOrZero(op.ReserveOut),
	}
	return s.manager.KVPut(composedKey(vaultOperationPrefix, vaultID), &stored)
}

// ClearOperation removes the armed operation record once completion settles.
func (s *VaultState) ClearOperation(vaultID string) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("state: vault state unavailable")
	}
	return s.manager.KVDelete(composedKey(vaultOperationPrefix, vaultID))
}

// --- receipts ---

type storedReceipt struct {
	Shares         *big.Int
	RewardDebt     *big.Int
	PendingRewards *big.Int
}

func receiptStateKey(vaultID string, owner [20]byte) []byte {
	return composedKey(vaultReceiptPrefix, vaultID, string(owner[:]))
}

// GetReceipt loads one owner's share receipt.
func (s *VaultState) GetReceipt(vaultID string, owner [20]byte) (*vault.Receipt, bool, error) {
	if s == nil || s.manager == nil {
		return nil, false, fmt.Errorf("state: vault state unavailable")
	}
	var stored storedReceipt
	ok, err := s.manager.KVGet(receiptStateKey(vaultID, owner), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &vault.Receipt{
		Vault:          vaultID,
		Owner:          owner,
		Shares:         bigOrZero(stored.Shares),
		RewardDebt:     bigOrZero(stored.RewardDebt),
		PendingRewards: bigOrZero(stored.PendingRewards),
	}, true, nil
}

// PutReceipt persists the receipt and keeps the per-vault owner index current.
func (s *VaultState) PutReceipt(vaultID string, receipt *vault.Receipt) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("state: vault state unavailable")
	}
	if receipt == nil {
		return fmt.Errorf("state: receipt must not be nil")
	}
	stored := storedReceipt{
		Shares:         bigOrZero(receipt.Shares),
		RewardDebt:     bigOrZero(receipt.RewardDebt),
		PendingRewards: bigOrZero(receipt.PendingRewards),
	}
	if err := s.manager.KVPut(receiptStateKey(vaultID, receipt.Owner), &stored); err != nil {
		return err
	}
	return s.manager.KVAppend(composedKey(vaultReceiptIndex, vaultID), receipt.Owner[:])
}

// ReceiptOwners lists every owner that ever held a receipt in the vault.
func (s *VaultState) ReceiptOwners(vaultID string) ([][20]byte, error) {
	if s == nil || s.manager == nil {
		return nil, fmt.Errorf("state: vault state unavailable")
	}
	var raw [][]byte
	if err := s.manager.KVGetList(composedKey(vaultReceiptIndex, vaultID), &raw); err != nil {
		return nil, err
	}
	owners := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 20 {
			continue
		}
		var owner [20]byte
		copy(owner[:], entry)
		owners = append(owners, owner)
	}
	return owners, nil
}

// --- request queues ---

type storedRequest struct {
	ID           string
	Kind         uint8
	Owner        [20]byte
	Amount       *big.Int
	MinOut       *big.Int
	CreatedAt    uint64
	ExecutableAt uint64
}

// GetRequests loads the buffered request queue in submission order.
func (s *VaultState) GetRequests(vaultID string) ([]*vault.Request, error) {
	if s == nil || s.manager == nil {
		return nil, fmt.Errorf("state: vault state unavailable")
	}
	var stored []storedRequest
	if err := s.manager.KVGetList(composedKey(vaultRequestsPrefix, vaultID), &stored); err != nil {
		return nil, err
	}
	queue := make([]*vault.Request, 0, len(stored))
	for _, entry := range stored {
		queue = append(queue, &vault.Request{
			ID:           entry.ID,
			Vault:        vaultID,
			Kind:         vault.RequestKind(entry.Kind),
			Owner:        entry.Owner,
			Amount:       bigOrZero(entry.Amount),
			MinOut:       bigOrZero(entry.MinOut),
			CreatedAt:    int64(entry.CreatedAt),
			ExecutableAt: int64(entry.ExecutableAt),
		})
	}
	return queue, nil
}

// PutRequests replaces the buffered request queue.
func (s *VaultState) PutRequests(vaultID string, requests []*vault.Request) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("state: vault state unavailable")
	}
	stored := make([]storedRequest, 0, len(requests))
	for _, request := range requests {
		if request == nil {
			continue
		}
		if request.CreatedAt < 0 || request.ExecutableAt < 0 {
			return fmt.Errorf("state: request timestamps must not be negative")
		}
		stored = append(stored, storedRequest{
			ID:           request.ID,
			Kind:         uint8(request.Kind),
			Owner:        request.Owner,
			Amount:       bigOrZero(request.Amount),
			MinOut:       bigOrZero(request.MinOut),
			CreatedAt:    uint64(request.CreatedAt),
			ExecutableAt: uint64(request.ExecutableAt),
		})
	}
	return s.manager.KVPut(composedKey(vaultRequestsPrefix, vaultID), stored)
}

// --- accounts (delegated to the manager) ---

// GetAccount loads the client account for addr.
func (s *VaultState) GetAccount(addr [20]byte) (*types.Account, error) {
	if s == nil || s.manager == nil {
		return nil, fmt.Errorf("state: vault state unavailable")
	}
	return s.manager.GetAccount(addr)
}

// PutAccount persists the client account for addr.
func (s *VaultState) PutAccount(addr [20]byte, account *types.Account) error {
	if s == nil || s.manager == nil {
		return fmt.Errorf("state: vault state unavailable")
	}
	return s.manager.PutAccount(addr, account)
}
