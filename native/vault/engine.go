package vault

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"coffer/core/events"
	"coffer/core/types"
	nativecommon "coffer/native/common"
)

const moduleName = "vault"

var errNilState = errors.New("vault engine: state not configured")

var basisPoints = big.NewInt(10_000)

// engineState is the narrow persistence surface the engine depends on. All
// getters return deep copies; mutations become visible only through the
// matching putters.
type engineState interface {
	GetVault(id string) (*Vault, bool, error)
	PutVault(v *Vault) error
	GetSlot(vaultID, assetType string) (*AssetSlot, bool, error)
	PutSlot(vaultID string, slot *AssetSlot) error
	GetValuation(vaultID, assetType string) (*Valuation, bool, error)
	PutValuation(vaultID, assetType string, valuation *Valuation) error
	GetOperation(vaultID string) (*OperationRecord, bool, error)
	PutOperation(vaultID string, op *OperationRecord) error
	ClearOperation(vaultID string) error
	GetReceipt(vaultID string, owner [20]byte) (*Receipt, bool, error)
	PutReceipt(vaultID string, receipt *Receipt) error
	ReceiptOwners(vaultID string) ([][20]byte, error)
	GetRequests(vaultID string) ([]*Request, error)
	PutRequests(vaultID string, requests []*Request) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// AuthGate answers whether an operator identity is currently frozen. The
// registry is shared daemon-wide, so a freeze blocks the operator across
// every vault at once.
type AuthGate interface {
	IsFrozen(operator [20]byte) (bool, error)
}

// PriceView resolves a symbol to its canonical USD price (18 decimals).
type PriceView interface {
	CanonicalPrice(symbol string) (*big.Int, error)
}

// Engine orchestrates the custody protocol and the request buffers for every
// vault. It holds no per-vault state of its own; everything round-trips
// through the injected persistence layer so a discarded state buffer rolls
// back an aborted call completely.
type Engine struct {
	state    engineState
	gate     AuthGate
	prices   PriceView
	pauses   nativecommon.PauseView
	emitter  events.Emitter
	nowFn    func() int64
	treasury [20]byte
}

// NewEngine constructs a vault engine with a wall clock and a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAuthGate wires the operator freeze registry. A nil gate leaves every
// operator authorized.
func (e *Engine) SetAuthGate(gate AuthGate) {
	if e == nil {
		return
	}
	e.gate = gate
}

// SetPrices wires the canonical price source used for balance valuation.
func (e *Engine) SetPrices(view PriceView) {
	if e == nil {
		return
	}
	e.prices = view
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetTreasury names the account credited with execution fees. The zero
// address leaves fees inside the vault, where they accrue to share holders.
func (e *Engine) SetTreasury(addr [20]byte) {
	if e == nil {
		return
	}
	e.treasury = addr
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used to stamp operations and
// valuations. Nil restores the wall clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// requireVault loads a vault or reports ErrVaultUnknown.
func (e *Engine) requireVault(id string) (*Vault, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, ErrVaultUnknown
	}
	vault, ok, err := e.state.GetVault(trimmed)
	if err != nil {
		return nil, err
	}
	if !ok || vault == nil {
		return nil, fmt.Errorf("%w: %s", ErrVaultUnknown, trimmed)
	}
	return vault, nil
}

// checkOperator rejects frozen operators.
func (e *Engine) checkOperator(operator [20]byte) error {
	if e.gate == nil {
		return nil
	}
	frozen, err := e.gate.IsFrozen(operator)
	if err != nil {
		return err
	}
	if frozen {
		return ErrOperatorFrozen
	}
	return nil
}

// CreateVault registers a new vault definition. The loss ledger opens on the
// current period with a zero baseline; the first armed operation captures the
// real baseline.
func (e *Engine) CreateVault(def *Vault) (*Vault, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	sanitized, err := SanitizeVault(def)
	if err != nil {
		return nil, err
	}
	if _, ok, err := e.state.GetVault(sanitized.ID); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultExists, sanitized.ID)
	}
	sanitized.Loss = LossLedger{
		PeriodID:       periodOf(e.now(), sanitized.Params.PeriodSeconds),
		Baseline:       big.NewInt(0),
		CumulativeLoss: big.NewInt(0),
	}
	if err := e.state.PutVault(sanitized); err != nil {
		return nil, err
	}
	return sanitized.Clone(), nil
}

// EnsureVault creates the vault when absent and returns the stored record
// otherwise. Registry bootstrap calls this on startup so restarts are
// idempotent.
func (e *Engine) EnsureVault(def *Vault) (*Vault, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("nil vault")
	}
	existing, ok, err := e.state.GetVault(strings.TrimSpace(def.ID))
	if err != nil {
		return nil, err
	}
	if ok {
		return existing, nil
	}
	return e.CreateVault(def)
}

// GetVault returns a copy of the stored vault record.
func (e *Engine) GetVault(id string) (*Vault, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.requireVault(id)
}

// RegisterAsset adds an asset slot to the vault's arena. The handle carries
// the payload shape (symbols, decimals) with zero balances; its ID is derived
// here. The asset joins snapshots once a first valuation is submitted.
func (e *Engine) RegisterAsset(vaultID, assetType string, kind AssetKind, handle *AssetHandle) (*AssetSlot, error) {
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
	if vault.Status == StatusDuringOperation {
		return nil, fmt.Errorf("%w: asset registration during operation", ErrInvalidStatusTransition)
	}
	trimmed := strings.TrimSpace(assetType)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty asset type", ErrAssetUnknown)
	}
	if vault.HasAssetType(trimmed) {
		return nil, fmt.Errorf("%w: %s", ErrAssetExists, trimmed)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("vault: unsupported asset kind %d", kind)
	}
	cloned := handle.Clone()
	if cloned == nil {
		return nil, fmt.Errorf("vault: asset handle required")
	}
	cloned.ID = AssetID(vault.ID, trimmed)
	cloned.Kind = kind
	if err := cloned.Validate(); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	slot := &AssetSlot{
		AssetType: trimmed,
		Kind:      kind,
		Custody:   CustodyInVault,
		Handle:    cloned,
	}
	vault.AssetTypes = append(vault.AssetTypes, trimmed)
	if err := e.state.PutSlot(vault.ID, slot); err != nil {
		return nil, err
	}
	if err := e.state.PutVault(vault); err != nil {
		return nil, err
	}
	return slot.Clone(), nil
}

// EnsureAsset registers the slot when absent and returns the stored slot
// otherwise, so a registry bootstrap never resets a live handle's balances.
func (e *Engine) EnsureAsset(vaultID, assetType string, kind AssetKind, handle *AssetHandle) (*AssetSlot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(assetType)
	if vault.HasAssetType(trimmed) {
		slot, ok, err := e.state.GetSlot(vault.ID, trimmed)
		if err != nil {
			return nil, err
		}
		if ok {
			return slot, nil
		}
	}
	return e.RegisterAsset(vaultID, trimmed, kind, handle)
}

// GetSlot returns a copy of one asset slot.
func (e *Engine) GetSlot(vaultID, assetType string) (*AssetSlot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, err
	}
	slot, ok, err := e.state.GetSlot(vault.ID, strings.TrimSpace(assetType))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetUnknown, assetType)
	}
	return slot, nil
}

// SubmitValuation records a fresh USD value (canonical 18 decimals) for one
// asset type. While an operation is armed the asset must be back in custody;
// valuations for borrowed assets advance the reconciliation record.
func (e *Engine) SubmitValuation(vaultID, assetType string, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("%w: valuation must not be negative", ErrInvalidAmount)
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return err
	}
	if vault.Status == StatusDisabled {
		return fmt.Errorf("%w: vault disabled", ErrInvalidStatusTransition)
	}
	trimmed := strings.TrimSpace(assetType)
	if !vault.HasAssetType(trimmed) {
		return fmt.Errorf("%w: %s", ErrAssetUnknown, trimmed)
	}
	slot, ok, err := e.state.GetSlot(vault.ID, trimmed)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetUnknown, trimmed)
	}
	if slot.Custody != CustodyInVault {
		return fmt.Errorf("%w: %s", ErrAssetCheckedOut, trimmed)
	}

	var record *OperationRecord
	if vault.Status == StatusDuringOperation {
		op, ok, err := e.state.GetOperation(vault.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("vault %s: armed status without operation record", vault.ID)
		}
		if op.Reconciliation.MarkUpdated(trimmed) {
			record = op
		}
	}

	now := e.now()
	if err := e.state.PutValuation(vault.ID, trimmed, &Valuation{Value: copyBig(value), UpdatedAt: now}); err != nil {
		return err
	}
	if record != nil {
		if err := e.state.PutOperation(vault.ID, record); err != nil {
			return err
		}
	}
	e.emitter.Emit(events.AssetRevalued{
		Vault:     vault.ID,
		AssetType: trimmed,
		Value:     copyBig(value),
		UpdatedAt: now,
	})
	return nil
}

// totalValue sums the vault's liquid balances and asset valuations into one
// canonical USD figure. Every input must be fresh: cached prices enforce the
// oracle window, and per-asset valuations must be younger than the vault's
// freshness parameter.
func (e *Engine) totalValue(vault *Vault, now int64) (*big.Int, error) {
	total := big.NewInt(0)
	if vault.Principal.Sign() > 0 {
		value, err := e.balanceValue(vault.PrincipalDenom, vault.PrincipalDecimals, vault.Principal)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	if vault.ReserveDenom != "" && vault.Reserve.Sign() > 0 {
		value, err := e.balanceValue(vault.ReserveDenom, vault.ReserveDecimals, vault.Reserve)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	window := int64(vault.Params.FreshnessSeconds)
	for _, assetType := range vault.AssetTypes {
		valuation, ok, err := e.state.GetValuation(vault.ID, assetType)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: asset %s has no valuation", ErrStaleValuation, assetType)
		}
		if now-valuation.UpdatedAt >= window {
			return nil, fmt.Errorf("%w: asset %s valued at %d", ErrStaleValuation, assetType, valuation.UpdatedAt)
		}
		total.Add(total, valuation.Value)
	}
	return total, nil
}

func (e *Engine) balanceValue(denom string, decimals uint8, amount *big.Int) (*big.Int, error) {
	if e.prices == nil {
		return nil, fmt.Errorf("%w: no price source for %s", ErrStaleValuation, denom)
	}
	price, err := e.prices.CanonicalPrice(denom)
	if err != nil {
		return nil, fmt.Errorf("%w: price %s: %v", ErrStaleValuation, denom, err)
	}
	return balanceUSD(amount, price, decimals)
}

// BeginOperation arms a custody operation: it snapshots the vault's value and
// share supply, checks the borrowed assets out of the arena, and hands the
// operator the manifest plus the custody ledger holding the live handles. The
// manifest must accompany every later phase call.
func (e *Engine) BeginOperation(operator [20]byte, vaultID string, assetTypes []string, principalOut, reserveOut *big.Int) (*Manifest, *CustodyLedger, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.checkOperator(operator); err != nil {
		e.blocked(vault.ID, operator, "begin", err)
		return nil, nil, err
	}
	switch vault.Status {
	case StatusNormal:
	case StatusDuringOperation:
		return nil, nil, fmt.Errorf("%w: operation already armed", ErrInvalidStatusTransition)
	default:
		return nil, nil, fmt.Errorf("%w: vault %s is %s", ErrInvalidStatusTransition, vault.ID, vault.Status)
	}

	seen := make(map[string]struct{}, len(assetTypes))
	slots := make([]*AssetSlot, 0, len(assetTypes))
	for _, raw := range assetTypes {
		assetType := strings.TrimSpace(raw)
		if _, dup := seen[assetType]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate asset %s", ErrCustodyMismatch, assetType)
		}
		seen[assetType] = struct{}{}
		if !vault.HasAssetType(assetType) {
			return nil, nil, fmt.Errorf("%w: %s", ErrAssetUnknown, assetType)
		}
		slot, ok, err := e.state.GetSlot(vault.ID, assetType)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrAssetUnknown, assetType)
		}
		if slot.Custody != CustodyInVault || slot.Handle == nil {
			return nil, nil, fmt.Errorf("%w: asset %s not in custody", ErrCustodyMismatch, assetType)
		}
		slots = append(slots, slot)
	}

	now := e.now()
	snapshot, err := e.totalValue(vault, now)
	if err != nil {
		return nil, nil, err
	}
	rebaseLossLedger(vault, now, snapshot)

	principal := copyBig(principalOut)
	reserve := copyBig(reserveOut)
	if principal.Sign() < 0 || reserve.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: outflows must not be negative", ErrInvalidAmount)
	}
	if vault.Principal.Cmp(principal) < 0 {
		return nil, nil, fmt.Errorf("%w: principal outflow %s exceeds balance %s", ErrInsufficientFunds, principal, vault.Principal)
	}
	if vault.Reserve.Cmp(reserve) < 0 {
		return nil, nil, fmt.Errorf("%w: reserve outflow %s exceeds balance %s", ErrInsufficientFunds, reserve, vault.Reserve)
	}

	opID := OperationID(vault.ID, vault.OpNonce)
	manifest := &Manifest{
		Vault:        vault.ID,
		OperationID:  opID,
		Operator:     operator,
		Entries:      make([]ManifestEntry, len(slots)),
		PrincipalOut: copyBig(principal),
		ReserveOut:   copyBig(reserve),
		BegunAt:      now,
	}
	ledger := &CustodyLedger{
		Vault:       vault.ID,
		OperationID: opID,
		Entries:     make([]CustodyEntry, len(slots)),
	}
	for i, slot := range slots {
		manifest.Entries[i] = ManifestEntry{AssetID: slot.Handle.ID, AssetType: slot.AssetType}
		ledger.Entries[i] = CustodyEntry{AssetID: slot.Handle.ID, AssetType: slot.AssetType, Handle: slot.Handle.Clone()}
	}
	digest, err := manifest.Digest()
	if err != nil {
		return nil, nil, err
	}
	record := &OperationRecord{
		OperationID:    opID,
		ManifestDigest: digest,
		Operator:       operator,
		BegunAt:        now,
		SnapshotValue:  copyBig(snapshot),
		SnapshotShares: copyBig(vault.TotalShares),
		Reconciliation: NewReconciliationRecord(manifest.AssetTypes()),
		PrincipalOut:   copyBig(principal),
		ReserveOut:     copyBig(reserve),
	}

	vault.OpNonce++
	vault.Principal = new(big.Int).Sub(vault.Principal, principal)
	vault.Reserve = new(big.Int).Sub(vault.Reserve, reserve)
	vault.Status = StatusDuringOperation

	for _, slot := range slots {
		slot.Custody = CustodyCheckedOut
		slot.Handle = nil
		if err := e.state.PutSlot(vault.ID, slot); err != nil {
			return nil, nil, err
		}
	}
	if err := e.state.PutOperation(vault.ID, record); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutVault(vault); err != nil {
		return nil, nil, err
	}
	e.emitter.Emit(events.OperationBegun{
		Vault:       vault.ID,
		Operator:    operator,
		OperationID: opID,
		Assets:      manifest.AssetTypes(),
		Principal:   copyBig(principal),
		Reserve:     copyBig(reserve),
		TotalValue:  copyBig(snapshot),
		TotalShares: copyBig(record.SnapshotShares),
	})
	return manifest, ledger, nil
}

// ReturnAssets hands every borrowed handle back to the vault. The presented
// manifest must hash to the armed digest and the custody ledger must drain
// exactly: a missing or foreign entry aborts the call with no state change.
func (e *Engine) ReturnAssets(operator [20]byte, vaultID string, manifest *Manifest, ledger *CustodyLedger, principalBack, reserveBack *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return err
	}
	if err := e.checkOperator(operator); err != nil {
		e.blocked(vault.ID, operator, "return", err)
		return err
	}
	record, err := e.armedOperation(vault, manifest, operator)
	if err != nil {
		return err
	}
	if ledger == nil || ledger.Vault != vault.ID || ledger.OperationID != record.OperationID {
		return fmt.Errorf("%w: custody ledger does not match armed operation", ErrCustodyMismatch)
	}

	remaining := ledger.Clone()
	updated := make([]*AssetSlot, 0, len(manifest.Entries))
	for _, entry := range manifest.Entries {
		held, ok := remaining.Take(entry.AssetID, entry.AssetType)
		if !ok {
			return fmt.Errorf("%w: asset %s missing from custody ledger", ErrCustodyMismatch, entry.AssetType)
		}
		if held.Handle == nil || held.Handle.ID != entry.AssetID {
			return fmt.Errorf("%w: asset %s handle identity mismatch", ErrCustodyMismatch, entry.AssetType)
		}
		if err := held.Handle.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrCustodyMismatch, err)
		}
		slot, ok, err := e.state.GetSlot(vault.ID, entry.AssetType)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: slot %s missing", ErrCustodyMismatch, entry.AssetType)
		}
		if slot.Custody != CustodyCheckedOut {
			return fmt.Errorf("%w: asset %s already in custody", ErrCustodyMismatch, entry.AssetType)
		}
		slot.Handle = held.Handle.Clone()
		slot.Custody = CustodyInVault
		updated = append(updated, slot)
	}
	if remaining.Len() != 0 {
		return fmt.Errorf("%w: custody ledger holds %d foreign entries", ErrCustodyMismatch, remaining.Len())
	}

	principal := copyBig(principalBack)
	reserve := copyBig(reserveBack)
	if principal.Sign() < 0 || reserve.Sign() < 0 {
		return fmt.Errorf("%w: returned amounts must not be negative", ErrInvalidAmount)
	}
	vault.Principal = new(big.Int).Add(vault.Principal, principal)
	vault.Reserve = new(big.Int).Add(vault.Reserve, reserve)

	for _, slot := range updated {
		if err := e.state.PutSlot(vault.ID, slot); err != nil {
			return err
		}
	}
	if err := e.state.PutVault(vault); err != nil {
		return err
	}
	e.emitter.Emit(events.AssetsReturned{
		Vault:             vault.ID,
		Operator:          operator,
		OperationID:       record.OperationID,
		Returned:          len(updated),
		PrincipalReturned: principal,
		ReserveReturned:   reserve,
	})
	return nil
}

// CompletionSummary reports the settled outcome of one operation.
type CompletionSummary struct {
	OperationID    [32]byte
	ValueBefore    *big.Int
	ValueAfter     *big.Int
	Loss           *big.Int
	CumulativeLoss *big.Int
	PeriodID       uint64
}

// CompleteOperation settles an armed operation: every borrowed asset must be
// back in custody with a post-return valuation, the share supply must not
// have moved, and any realized loss must fit the period budget. Success
// consumes the manifest and returns the vault to normal service; any failed
// gate leaves the armed state untouched.
func (e *Engine) CompleteOperation(operator [20]byte, vaultID string, manifest *Manifest) (*CompletionSummary, error) {
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
		e.blocked(vault.ID, operator, "complete", err)
		return nil, err
	}
	record, err := e.armedOperation(vault, manifest, operator)
	if err != nil {
		return nil, err
	}
	if vault.TotalShares.Cmp(record.SnapshotShares) != 0 {
		return nil, fmt.Errorf("%w: snapshot %s, current %s", ErrShareCountMismatch, record.SnapshotShares, vault.TotalShares)
	}
	for _, assetType := range record.Reconciliation.Borrowed {
		slot, ok, err := e.state.GetSlot(vault.ID, assetType)
		if err != nil {
			return nil, err
		}
		if !ok || slot.Custody != CustodyInVault || slot.Handle == nil {
			return nil, fmt.Errorf("%w: asset %s not returned", ErrCustodyMismatch, assetType)
		}
	}
	if missing := record.Reconciliation.MissingUpdates(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: awaiting valuations for %s", ErrReconciliationIncomplete, strings.Join(missing, ", "))
	}

	now := e.now()
	after, err := e.totalValue(vault, now)
	if err != nil {
		return nil, err
	}

	loss := new(big.Int).Sub(record.SnapshotValue, after)
	realized := big.NewInt(0)
	if loss.Sign() > 0 {
		realized = loss
		newCumulative := new(big.Int).Add(vault.Loss.CumulativeLoss, realized)
		if err := checkLossBudget(vault, newCumulative); err != nil {
			return nil, err
		}
		vault.Loss.CumulativeLoss = newCumulative
	}

	vault.Status = StatusNormal
	if err := e.state.ClearOperation(vault.ID); err != nil {
		return nil, err
	}
	if err := e.state.PutVault(vault); err != nil {
		return nil, err
	}
	summary := &CompletionSummary{
		OperationID:    record.OperationID,
		ValueBefore:    copyBig(record.SnapshotValue),
		ValueAfter:     after,
		Loss:           copyBig(realized),
		CumulativeLoss: copyBig(vault.Loss.CumulativeLoss),
		PeriodID:       vault.Loss.PeriodID,
	}
	e.emitter.Emit(events.OperationCompleted{
		Vault:          vault.ID,
		Operator:       operator,
		OperationID:    record.OperationID,
		ValueBefore:    copyBig(summary.ValueBefore),
		ValueAfter:     copyBig(summary.ValueAfter),
		Loss:           copyBig(summary.Loss),
		CumulativeLoss: copyBig(summary.CumulativeLoss),
		PeriodID:       summary.PeriodID,
	})
	return summary, nil
}

// armedOperation verifies the presented manifest against the armed record:
// the vault must be mid-operation, the digest must match, and the caller must
// be the operator that armed it.
func (e *Engine) armedOperation(vault *Vault, manifest *Manifest, operator [20]byte) (*OperationRecord, error) {
	if vault.Status != StatusDuringOperation {
		return nil, fmt.Errorf("%w: no operation armed", ErrInvalidStatusTransition)
	}
	record, ok, err := e.state.GetOperation(vault.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("vault %s: armed status without operation record", vault.ID)
	}
	if record.Operator != operator {
		return nil, fmt.Errorf("%w: operation armed by another operator", ErrCustodyMismatch)
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: manifest required", ErrCustodyMismatch)
	}
	digest, err := manifest.Digest()
	if err != nil {
		return nil, err
	}
	if digest != record.ManifestDigest {
		return nil, fmt.Errorf("%w: manifest digest mismatch", ErrCustodyMismatch)
	}
	return record, nil
}

// Operation returns a copy of the armed operation record, or
// ErrInvalidStatusTransition when the vault is in normal service.
func (e *Engine) Operation(vaultID string) (*OperationRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, err
	}
	record, ok, err := e.state.GetOperation(vault.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no operation armed", ErrInvalidStatusTransition)
	}
	return record, nil
}

// SetVaultEnabled toggles the vault between normal service and disabled. The
// toggle is rejected while an operation is armed; a stuck operation must be
// settled through the protocol phases, never cancelled out from under the
// operator holding the manifest.
func (e *Engine) SetVaultEnabled(vaultID string, enabled bool) (*Vault, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Status == StatusDuringOperation {
		return nil, fmt.Errorf("%w: toggle during operation", ErrInvalidStatusTransition)
	}
	target := StatusDisabled
	if enabled {
		target = StatusNormal
	}
	if vault.Status == target {
		return vault, nil
	}
	from := vault.Status
	vault.Status = target
	if err := e.state.PutVault(vault); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.VaultStatusChanged{
		Vault: vault.ID,
		From:  from.String(),
		To:    target.String(),
	})
	return vault.Clone(), nil
}

// UpdateParams replaces the vault's tunable limits. Parameter changes are
// rejected while an operation is armed so an in-flight loss budget cannot be
// moved.
func (e *Engine) UpdateParams(vaultID string, params VaultParams) (*Vault, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	vault, err := e.requireVault(vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Status == StatusDuringOperation {
		return nil, fmt.Errorf("%w: parameter change during operation", ErrInvalidStatusTransition)
	}
	normalised := params.Normalise()
	if err := normalised.Validate(); err != nil {
		return nil, fmt.Errorf("vault %s: %w", vault.ID, err)
	}
	vault.Params = normalised
	if err := e.state.PutVault(vault); err != nil {
		return nil, err
	}
	return vault.Clone(), nil
}

// blocked emits the paging signal for phase calls rejected by the freeze
// gate. A frozen operator leaves the vault stuck mid-operation, so the
// rejection itself must be observable.
func (e *Engine) blocked(vaultID string, operator [20]byte, phase string, cause error) {
	e.emitter.Emit(events.OperationBlocked{
		Vault:    vaultID,
		Operator: operator,
		Phase:    phase,
		Reason:   cause.Error(),
	})
}
