package modules

import (
	"encoding/hex"
	"math/big"
	"strings"

	"coffer/core"
	"coffer/crypto"
	"coffer/native/oracle"
	"coffer/native/vault"
)

// Wire conventions: amounts travel as base-10 strings so precision survives
// JSON, addresses as bech32, and 32-byte identifiers as 0x-prefixed hex. The
// manifest and custody payloads round-trip losslessly because the operator
// must present them back verbatim in the later protocol phases.

// VaultPayload mirrors a vault record for reads and admin results.
type VaultPayload struct {
	ID                string             `json:"id"`
	PrincipalDenom    string             `json:"principalDenom"`
	PrincipalDecimals uint8              `json:"principalDecimals"`
	ReserveDenom      string             `json:"reserveDenom,omitempty"`
	ReserveDecimals   uint8              `json:"reserveDecimals,omitempty"`
	Status            string             `json:"status"`
	Principal         string             `json:"principal"`
	Reserve           string             `json:"reserve"`
	TotalShares       string             `json:"totalShares"`
	RewardPool        string             `json:"rewardPool"`
	OpNonce           uint64             `json:"opNonce"`
	Params            VaultParamsPayload `json:"params"`
	Loss              LossLedgerPayload  `json:"loss"`
	AssetTypes        []string           `json:"assetTypes,omitempty"`
}

// VaultParamsPayload flattens the tunable limits including both fees.
type VaultParamsPayload struct {
	LossToleranceBps    uint64 `json:"lossToleranceBps"`
	PeriodSeconds       uint64 `json:"periodSeconds"`
	FreshnessSeconds    uint64 `json:"freshnessSeconds"`
	WithdrawLockSeconds uint64 `json:"withdrawLockSeconds"`
	DepositFeeBps       uint64 `json:"depositFeeBps"`
	WithdrawFeeBps      uint64 `json:"withdrawFeeBps"`
}

// LossLedgerPayload mirrors the current-period loss ledger.
type LossLedgerPayload struct {
	PeriodID       uint64 `json:"periodId"`
	Baseline       string `json:"baseline"`
	CumulativeLoss string `json:"cumulativeLoss"`
	Captured       bool   `json:"captured"`
}

// NewVaultPayload converts a vault record into its wire form.
func NewVaultPayload(v *vault.Vault) *VaultPayload {
	if v == nil {
		return nil
	}
	return &VaultPayload{
		ID:                v.ID,
		PrincipalDenom:    v.PrincipalDenom,
		PrincipalDecimals: v.PrincipalDecimals,
		ReserveDenom:      v.ReserveDenom,
		ReserveDecimals:   v.ReserveDecimals,
		Status:            v.Status.String(),
		Principal:         formatAmount(v.Principal),
		Reserve:           formatAmount(v.Reserve),
		TotalShares:       formatAmount(v.TotalShares),
		RewardPool:        formatAmount(v.RewardPool),
		OpNonce:           v.OpNonce,
		Params: VaultParamsPayload{
			LossToleranceBps:    v.Params.LossToleranceBps,
			PeriodSeconds:       v.Params.PeriodSeconds,
			FreshnessSeconds:    v.Params.FreshnessSeconds,
			WithdrawLockSeconds: v.Params.WithdrawLockSeconds,
			DepositFeeBps:       v.Params.Fees.DepositBps,
			WithdrawFeeBps:      v.Params.Fees.WithdrawBps,
		},
		Loss: LossLedgerPayload{
			PeriodID:       v.Loss.PeriodID,
			Baseline:       formatAmount(v.Loss.Baseline),
			CumulativeLoss: formatAmount(v.Loss.CumulativeLoss),
			Captured:       v.Loss.Captured,
		},
		AssetTypes: append([]string(nil), v.AssetTypes...),
	}
}

// LendingPositionPayload mirrors a lending handle payload.
type LendingPositionPayload struct {
	Symbol          string `json:"symbol"`
	Decimals        uint8  `json:"decimals"`
	Principal       string `json:"principal"`
	AccruedInterest string `json:"accruedInterest"`
}

// PoolPositionPayload mirrors a two-sided liquidity handle payload.
type PoolPositionPayload struct {
	SymbolA   string `json:"symbolA"`
	SymbolB   string `json:"symbolB"`
	DecimalsA uint8  `json:"decimalsA"`
	DecimalsB uint8  `json:"decimalsB"`
	AmountA   string `json:"amountA"`
	AmountB   string `json:"amountB"`
}

// StakingPositionPayload mirrors a staking handle payload.
type StakingPositionPayload struct {
	Symbol         string `json:"symbol"`
	Decimals       uint8  `json:"decimals"`
	Staked         string `json:"staked"`
	PendingRewards string `json:"pendingRewards"`
}

// HandlePayload is the wire form of an asset handle. Exactly the payload
// matching Kind is present; the engine rejects anything else.
type HandlePayload struct {
	ID      string                  `json:"id,omitempty"`
	Kind    string                  `json:"kind"`
	Lending *LendingPositionPayload `json:"lending,omitempty"`
	Pool    *PoolPositionPayload    `json:"pool,omitempty"`
	Staking *StakingPositionPayload `json:"staking,omitempty"`
}

// NewHandlePayload converts an owned handle into its wire form.
func NewHandlePayload(h *vault.AssetHandle) *HandlePayload {
	if h == nil {
		return nil
	}
	payload := &HandlePayload{ID: formatHash(h.ID), Kind: h.Kind.String()}
	if h.Lending != nil {
		payload.Lending = &LendingPositionPayload{
			Symbol:          h.Lending.Symbol,
			Decimals:        h.Lending.Decimals,
			Principal:       formatAmount(h.Lending.Principal),
			AccruedInterest: formatAmount(h.Lending.AccruedInterest),
		}
	}
	if h.Pool != nil {
		payload.Pool = &PoolPositionPayload{
			SymbolA:   h.Pool.SymbolA,
			SymbolB:   h.Pool.SymbolB,
			DecimalsA: h.Pool.DecimalsA,
			DecimalsB: h.Pool.DecimalsB,
			AmountA:   formatAmount(h.Pool.AmountA),
			AmountB:   formatAmount(h.Pool.AmountB),
		}
	}
	if h.Staking != nil {
		payload.Staking = &StakingPositionPayload{
			Symbol:         h.Staking.Symbol,
			Decimals:       h.Staking.Decimals,
			Staked:         formatAmount(h.Staking.Staked),
			PendingRewards: formatAmount(h.Staking.PendingRewards),
		}
	}
	return payload
}

func (p *HandlePayload) toHandle() (*vault.AssetHandle, *ModuleError) {
	if p == nil {
		return nil, invalidParams("asset handle required")
	}
	kind, err := vault.ParseAssetKind(p.Kind)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	handle := &vault.AssetHandle{Kind: kind}
	if p.ID != "" {
		id, modErr := parseHash("handle id", p.ID)
		if modErr != nil {
			return nil, modErr
		}
		handle.ID = id
	}
	if p.Lending != nil {
		principal, modErr := parseAmount("lending principal", p.Lending.Principal)
		if modErr != nil {
			return nil, modErr
		}
		interest, modErr := parseAmount("lending accrued interest", p.Lending.AccruedInterest)
		if modErr != nil {
			return nil, modErr
		}
		handle.Lending = &vault.LendingPosition{
			Symbol:          p.Lending.Symbol,
			Decimals:        p.Lending.Decimals,
			Principal:       principal,
			AccruedInterest: interest,
		}
	}
	if p.Pool != nil {
		amountA, modErr := parseAmount("pool amount a", p.Pool.AmountA)
		if modErr != nil {
			return nil, modErr
		}
		amountB, modErr := parseAmount("pool amount b", p.Pool.AmountB)
		if modErr != nil {
			return nil, modErr
		}
		handle.Pool = &vault.PoolPosition{
			SymbolA:   p.Pool.SymbolA,
			SymbolB:   p.Pool.SymbolB,
			DecimalsA: p.Pool.DecimalsA,
			DecimalsB: p.Pool.DecimalsB,
			AmountA:   amountA,
			AmountB:   amountB,
		}
	}
	if p.Staking != nil {
		staked, modErr := parseAmount("staking staked", p.Staking.Staked)
		if modErr != nil {
			return nil, modErr
		}
		rewards, modErr := parseAmount("staking pending rewards", p.Staking.PendingRewards)
		if modErr != nil {
			return nil, modErr
		}
		handle.Staking = &vault.StakingPosition{
			Symbol:         p.Staking.Symbol,
			Decimals:       p.Staking.Decimals,
			Staked:         staked,
			PendingRewards: rewards,
		}
	}
	return handle, nil
}

// AssetPayload is one arena slot plus its cached valuation, if any.
type AssetPayload struct {
	AssetType string         `json:"assetType"`
	Kind      string         `json:"kind"`
	Custody   string         `json:"custody"`
	Handle    *HandlePayload `json:"handle,omitempty"`
	Value     string         `json:"value,omitempty"`
	UpdatedAt int64          `json:"updatedAt,omitempty"`
}

// NewAssetPayload converts a slot status into its wire form.
func NewAssetPayload(status core.AssetStatus) *AssetPayload {
	if status.Slot == nil {
		return nil
	}
	payload := &AssetPayload{
		AssetType: status.Slot.AssetType,
		Kind:      status.Slot.Kind.String(),
		Custody:   custodyLabel(status.Slot.Custody),
		Handle:    NewHandlePayload(status.Slot.Handle),
	}
	if status.Valuation != nil {
		payload.Value = formatAmount(status.Valuation.Value)
		payload.UpdatedAt = status.Valuation.UpdatedAt
	}
	return payload
}

// ManifestEntryPayload names one borrowed asset by identity.
type ManifestEntryPayload struct {
	AssetID   string `json:"assetId"`
	AssetType string `json:"assetType"`
}

// ManifestPayload is the wire form of the operation manifest. Every field
// participates in the digest, so clients must echo it back unmodified.
type ManifestPayload struct {
	Vault        string                 `json:"vault"`
	OperationID  string                 `json:"operationId"`
	Operator     string                 `json:"operator"`
	Entries      []ManifestEntryPayload `json:"entries"`
	PrincipalOut string                 `json:"principalOut"`
	ReserveOut   string                 `json:"reserveOut"`
	BegunAt      int64                  `json:"begunAt"`
}

// NewManifestPayload converts a manifest into its wire form.
func NewManifestPayload(m *vault.Manifest) *ManifestPayload {
	if m == nil {
		return nil
	}
	payload := &ManifestPayload{
		Vault:        m.Vault,
		OperationID:  formatHash(m.OperationID),
		Operator:     formatAddr(m.Operator),
		Entries:      make([]ManifestEntryPayload, len(m.Entries)),
		PrincipalOut: formatAmount(m.PrincipalOut),
		ReserveOut:   formatAmount(m.ReserveOut),
		BegunAt:      m.BegunAt,
	}
	for i, entry := range m.Entries {
		payload.Entries[i] = ManifestEntryPayload{
			AssetID:   formatHash(entry.AssetID),
			AssetType: entry.AssetType,
		}
	}
	return payload
}

func (p *ManifestPayload) toManifest() (*vault.Manifest, *ModuleError) {
	if p == nil {
		return nil, invalidParams("manifest required")
	}
	operationID, modErr := parseHash("operation id", p.OperationID)
	if modErr != nil {
		return nil, modErr
	}
	operator, modErr := parseBech32("manifest operator", p.Operator)
	if modErr != nil {
		return nil, modErr
	}
	principalOut, modErr := parseAmount("principal out", p.PrincipalOut)
	if modErr != nil {
		return nil, modErr
	}
	reserveOut, modErr := parseAmount("reserve out", p.ReserveOut)
	if modErr != nil {
		return nil, modErr
	}
	manifest := &vault.Manifest{
		Vault:        p.Vault,
		OperationID:  operationID,
		Operator:     operator,
		Entries:      make([]vault.ManifestEntry, len(p.Entries)),
		PrincipalOut: principalOut,
		ReserveOut:   reserveOut,
		BegunAt:      p.BegunAt,
	}
	for i, entry := range p.Entries {
		assetID, modErr := parseHash("manifest asset id", entry.AssetID)
		if modErr != nil {
			return nil, modErr
		}
		manifest.Entries[i] = vault.ManifestEntry{AssetID: assetID, AssetType: entry.AssetType}
	}
	return manifest, nil
}

// CustodyEntryPayload pairs a borrowed asset identity with its handle.
type CustodyEntryPayload struct {
	AssetID   string         `json:"assetId"`
	AssetType string         `json:"assetType"`
	Handle    *HandlePayload `json:"handle"`
}

// CustodyLedgerPayload is the wire form of the custody ledger handed out at
// begin and presented back, with the operator's final balances, at return.
type CustodyLedgerPayload struct {
	Vault       string                `json:"vault"`
	OperationID string                `json:"operationId"`
	Entries     []CustodyEntryPayload `json:"entries"`
}

// NewCustodyLedgerPayload converts a custody ledger into its wire form.
func NewCustodyLedgerPayload(l *vault.CustodyLedger) *CustodyLedgerPayload {
	if l == nil {
		return nil
	}
	payload := &CustodyLedgerPayload{
		Vault:       l.Vault,
		OperationID: formatHash(l.OperationID),
		Entries:     make([]CustodyEntryPayload, len(l.Entries)),
	}
	for i := range l.Entries {
		payload.Entries[i] = CustodyEntryPayload{
			AssetID:   formatHash(l.Entries[i].AssetID),
			AssetType: l.Entries[i].AssetType,
			Handle:    NewHandlePayload(l.Entries[i].Handle),
		}
	}
	return payload
}

func (p *CustodyLedgerPayload) toLedger() (*vault.CustodyLedger, *ModuleError) {
	if p == nil {
		return nil, invalidParams("custody ledger required")
	}
	operationID, modErr := parseHash("operation id", p.OperationID)
	if modErr != nil {
		return nil, modErr
	}
	ledger := &vault.CustodyLedger{
		Vault:       p.Vault,
		OperationID: operationID,
		Entries:     make([]vault.CustodyEntry, len(p.Entries)),
	}
	for i, entry := range p.Entries {
		assetID, modErr := parseHash("custody asset id", entry.AssetID)
		if modErr != nil {
			return nil, modErr
		}
		handle, modErr := entry.Handle.toHandle()
		if modErr != nil {
			return nil, modErr
		}
		ledger.Entries[i] = vault.CustodyEntry{
			AssetID:   assetID,
			AssetType: entry.AssetType,
			Handle:    handle,
		}
	}
	return ledger, nil
}

// OperationPayload mirrors the armed operation record.
type OperationPayload struct {
	OperationID    string   `json:"operationId"`
	ManifestDigest string   `json:"manifestDigest"`
	Operator       string   `json:"operator"`
	BegunAt        int64    `json:"begunAt"`
	SnapshotValue  string   `json:"snapshotValue"`
	SnapshotShares string   `json:"snapshotShares"`
	Borrowed       []string `json:"borrowed"`
	Updated        []string `json:"updated"`
	PrincipalOut   string   `json:"principalOut"`
	ReserveOut     string   `json:"reserveOut"`
}

// NewOperationPayload converts an operation record into its wire form.
func NewOperationPayload(record *vault.OperationRecord) *OperationPayload {
	if record == nil {
		return nil
	}
	return &OperationPayload{
		OperationID:    formatHash(record.OperationID),
		ManifestDigest: formatHash(record.ManifestDigest),
		Operator:       formatAddr(record.Operator),
		BegunAt:        record.BegunAt,
		SnapshotValue:  formatAmount(record.SnapshotValue),
		SnapshotShares: formatAmount(record.SnapshotShares),
		Borrowed:       append([]string(nil), record.Reconciliation.Borrowed...),
		Updated:        append([]string(nil), record.Reconciliation.Updated...),
		PrincipalOut:   formatAmount(record.PrincipalOut),
		ReserveOut:     formatAmount(record.ReserveOut),
	}
}

// CompletionPayload mirrors the settlement summary returned by completion.
type CompletionPayload struct {
	OperationID    string `json:"operationId"`
	ValueBefore    string `json:"valueBefore"`
	ValueAfter     string `json:"valueAfter"`
	Loss           string `json:"loss"`
	CumulativeLoss string `json:"cumulativeLoss"`
	PeriodID       uint64 `json:"periodId"`
}

// NewCompletionPayload converts a completion summary into its wire form.
func NewCompletionPayload(summary *vault.CompletionSummary) *CompletionPayload {
	if summary == nil {
		return nil
	}
	return &CompletionPayload{
		OperationID:    formatHash(summary.OperationID),
		ValueBefore:    formatAmount(summary.ValueBefore),
		ValueAfter:     formatAmount(summary.ValueAfter),
		Loss:           formatAmount(summary.Loss),
		CumulativeLoss: formatAmount(summary.CumulativeLoss),
		PeriodID:       summary.PeriodID,
	}
}

// RequestPayload mirrors one buffered deposit or withdrawal.
type RequestPayload struct {
	ID           string `json:"id"`
	Vault        string `json:"vault"`
	Kind         string `json:"kind"`
	Owner        string `json:"owner"`
	Amount       string `json:"amount"`
	MinOut       string `json:"minOut"`
	CreatedAt    int64  `json:"createdAt"`
	ExecutableAt int64  `json:"executableAt"`
}

// NewRequestPayload converts a request into its wire form.
func NewRequestPayload(r *vault.Request) *RequestPayload {
	if r == nil {
		return nil
	}
	return &RequestPayload{
		ID:           r.ID,
		Vault:        r.Vault,
		Kind:         r.Kind.String(),
		Owner:        formatAddr(r.Owner),
		Amount:       formatAmount(r.Amount),
		MinOut:       formatAmount(r.MinOut),
		CreatedAt:    r.CreatedAt,
		ExecutableAt: r.ExecutableAt,
	}
}

// ReceiptPayload mirrors an owner's share position with settled rewards.
type ReceiptPayload struct {
	Vault          string `json:"vault"`
	Owner          string `json:"owner"`
	Shares         string `json:"shares"`
	PendingRewards string `json:"pendingRewards"`
}

// ExecutionReportPayload mirrors the queue drain tally.
type ExecutionReportPayload struct {
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Pending  int `json:"pending"`
}

// ValuationPayload is the result of a revaluation call.
type ValuationPayload struct {
	Vault     string `json:"vault"`
	AssetType string `json:"assetType"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updatedAt"`
}

// OperationEnvelope bundles the two artifacts handed to the operator when an
// operation is armed.
type OperationEnvelope struct {
	Manifest *ManifestPayload      `json:"manifest"`
	Custody  *CustodyLedgerPayload `json:"custody"`
}

// PricePayload mirrors a cached canonical price.
type PricePayload struct {
	Symbol    string `json:"symbol"`
	Value     string `json:"value"`
	Source    string `json:"source"`
	UpdatedAt int64  `json:"updatedAt"`
}

// NewPricePayload converts a price record into its wire form.
func NewPricePayload(record *oracle.PriceRecord) *PricePayload {
	if record == nil {
		return nil
	}
	return &PricePayload{
		Symbol:    record.Symbol,
		Value:     formatAmount(record.Value),
		Source:    record.Source,
		UpdatedAt: record.UpdatedAt,
	}
}

// BalancePayload mirrors a client account.
type BalancePayload struct {
	Address  string            `json:"address"`
	Nonce    uint64            `json:"nonce"`
	Balances map[string]string `json:"balances"`
}

func custodyLabel(c vault.Custody) string {
	switch c {
	case vault.CustodyInVault:
		return "inVault"
	case vault.CustodyCheckedOut:
		return "checkedOut"
	default:
		return "unknown"
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatHash(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}

func formatAddr(b [20]byte) string {
	return crypto.MustNewAddress(b).String()
}

func parseAmount(field, raw string) (*big.Int, *ModuleError) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, invalidParams("%s required", field)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, invalidParams("%s must be a base-10 integer", field)
	}
	if value.Sign() < 0 {
		return nil, invalidParams("%s must not be negative", field)
	}
	return value, nil
}

// parseOptionalAmount treats an absent string as nil so engine defaults apply.
func parseOptionalAmount(field, raw string) (*big.Int, *ModuleError) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(field, raw)
}

func parseHash(field, raw string) ([32]byte, *ModuleError) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return out, invalidParams("%s required", field)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, invalidParams("%s must be hex encoded", field)
	}
	if len(decoded) != len(out) {
		return out, invalidParams("%s must be %d bytes", field, len(out))
	}
	copy(out[:], decoded)
	return out, nil
}

func parseBech32(field, raw string) ([20]byte, *ModuleError) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, invalidParams("%s: %v", field, err)
	}
	return addr.Array(), nil
}
