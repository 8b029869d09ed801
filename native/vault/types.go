package vault

import (
	"fmt"
	"math/big"
	"strings"
)

// VaultStatus represents the service states of a vault instance.
type VaultStatus uint8

const (
	StatusUnspecified VaultStatus = iota
	// StatusNormal accepts deposits, withdrawals, and new operations.
	StatusNormal
	// StatusDuringOperation is held while a custody operation is armed; only
	// the remaining protocol phases may proceed.
	StatusDuringOperation
	// StatusDisabled rejects everything until an admin re-enables the vault.
	StatusDisabled
)

// Valid reports whether the status value is within the supported range.
func (s VaultStatus) Valid() bool {
	switch s {
	case StatusNormal, StatusDuringOperation, StatusDisabled:
		return true
	default:
		return false
	}
}

func (s VaultStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusDuringOperation:
		return "duringOperation"
	case StatusDisabled:
		return "disabled"
	default:
		return "unspecified"
	}
}

// AssetKind tags the payload variant carried by an asset handle.
type AssetKind uint8

const (
	KindUnspecified AssetKind = iota
	KindLending
	KindPool
	KindStaking
)

// Valid reports whether the kind is a known payload variant.
func (k AssetKind) Valid() bool {
	switch k {
	case KindLending, KindPool, KindStaking:
		return true
	default:
		return false
	}
}

func (k AssetKind) String() string {
	switch k {
	case KindLending:
		return "lending"
	case KindPool:
		return "pool"
	case KindStaking:
		return "staking"
	default:
		return "unspecified"
	}
}

// ParseAssetKind maps a registry string onto an asset kind.
func ParseAssetKind(raw string) (AssetKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "lending":
		return KindLending, nil
	case "pool":
		return KindPool, nil
	case "staking":
		return KindStaking, nil
	default:
		return KindUnspecified, fmt.Errorf("unsupported asset kind: %s", raw)
	}
}

// LendingPosition is principal plus accrued interest in a lending market,
// denominated in the underlying symbol's native decimals.
type LendingPosition struct {
	Symbol          string
	Decimals        uint8
	Principal       *big.Int
	AccruedInterest *big.Int
}

// Clone returns a deep copy of the position.
func (p *LendingPosition) Clone() *LendingPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Principal = copyBig(p.Principal)
	clone.AccruedInterest = copyBig(p.AccruedInterest)
	return &clone
}

// PoolPosition is a two-sided liquidity position.
type PoolPosition struct {
	SymbolA   string
	SymbolB   string
	DecimalsA uint8
	DecimalsB uint8
	AmountA   *big.Int
	AmountB   *big.Int
}

// Clone returns a deep copy of the position.
func (p *PoolPosition) Clone() *PoolPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.AmountA = copyBig(p.AmountA)
	clone.AmountB = copyBig(p.AmountB)
	return &clone
}

// StakingPosition is a staked balance plus pending protocol rewards.
type StakingPosition struct {
	Symbol         string
	Decimals       uint8
	Staked         *big.Int
	PendingRewards *big.Int
}

// Clone returns a deep copy of the position.
func (p *StakingPosition) Clone() *StakingPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Staked = copyBig(p.Staked)
	clone.PendingRewards = copyBig(p.PendingRewards)
	return &clone
}

// AssetHandle is the owned representation of one strategy position. It is a
// tagged union: exactly the payload named by Kind is set.
type AssetHandle struct {
	ID      [32]byte
	Kind    AssetKind
	Lending *LendingPosition
	Pool    *PoolPosition
	Staking *StakingPosition
}

// Clone returns a deep copy of the handle.
func (h *AssetHandle) Clone() *AssetHandle {
	if h == nil {
		return nil
	}
	clone := *h
	clone.Lending = h.Lending.Clone()
	clone.Pool = h.Pool.Clone()
	clone.Staking = h.Staking.Clone()
	return &clone
}

// Validate checks the tagged-union shape: a known kind with exactly its
// payload populated.
func (h *AssetHandle) Validate() error {
	if h == nil {
		return fmt.Errorf("nil asset handle")
	}
	if !h.Kind.Valid() {
		return fmt.Errorf("asset handle %x: unsupported kind %d", h.ID, h.Kind)
	}
	populated := 0
	if h.Lending != nil {
		populated++
	}
	if h.Pool != nil {
		populated++
	}
	if h.Staking != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("asset handle %x: expected exactly one payload, found %d", h.ID, populated)
	}
	switch h.Kind {
	case KindLending:
		if h.Lending == nil {
			return fmt.Errorf("asset handle %x: lending payload missing", h.ID)
		}
	case KindPool:
		if h.Pool == nil {
			return fmt.Errorf("asset handle %x: pool payload missing", h.ID)
		}
	case KindStaking:
		if h.Staking == nil {
			return fmt.Errorf("asset handle %x: staking payload missing", h.ID)
		}
	}
	return nil
}

// Custody records where an asset currently lives.
type Custody uint8

const (
	// CustodyInVault means the slot owns its handle.
	CustodyInVault Custody = iota + 1
	// CustodyCheckedOut means the handle left with the armed operation's
	// custody ledger.
	CustodyCheckedOut
)

// AssetSlot is one entry in the vault's asset arena. While checked out the
// slot keeps its type and kind but the handle is gone.
type AssetSlot struct {
	AssetType string
	Kind      AssetKind
	Custody   Custody
	Handle    *AssetHandle
}

// Clone returns a deep copy of the slot.
func (s *AssetSlot) Clone() *AssetSlot {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Handle = s.Handle.Clone()
	return &clone
}

// Valuation is one cached USD value for an asset type, canonical 18 decimals.
type Valuation struct {
	Value     *big.Int
	UpdatedAt int64
}

// Clone returns a deep copy of the valuation.
func (v *Valuation) Clone() *Valuation {
	if v == nil {
		return nil
	}
	return &Valuation{Value: copyBig(v.Value), UpdatedAt: v.UpdatedAt}
}

const (
	// MaxFeeBps caps the deposit and withdraw fees an admin can configure.
	MaxFeeBps uint64 = 500
	// MaxLossToleranceBps caps the per-period loss budget an admin can grant.
	MaxLossToleranceBps uint64 = 1_000
	// DefaultPeriodSeconds is one loss-ledger period when the registry does
	// not override it.
	DefaultPeriodSeconds uint64 = 86_400
	// DefaultFreshnessSeconds bounds valuation ages accepted by snapshots.
	DefaultFreshnessSeconds uint64 = 60
)

// FeeConfig carries the per-vault request fees in basis points.
type FeeConfig struct {
	DepositBps  uint64
	WithdrawBps uint64
}

// Validate enforces the fee caps.
func (f FeeConfig) Validate() error {
	if f.DepositBps > MaxFeeBps {
		return fmt.Errorf("deposit fee %d exceeds cap %d", f.DepositBps, MaxFeeBps)
	}
	if f.WithdrawBps > MaxFeeBps {
		return fmt.Errorf("withdraw fee %d exceeds cap %d", f.WithdrawBps, MaxFeeBps)
	}
	return nil
}

// VaultParams are the admin-tunable limits of one vault.
type VaultParams struct {
	LossToleranceBps    uint64
	PeriodSeconds       uint64
	FreshnessSeconds    uint64
	WithdrawLockSeconds uint64
	Fees                FeeConfig
}

// Normalise fills zero fields with defaults and returns the result.
func (p VaultParams) Normalise() VaultParams {
	out := p
	if out.PeriodSeconds == 0 {
		out.PeriodSeconds = DefaultPeriodSeconds
	}
	if out.FreshnessSeconds == 0 {
		out.FreshnessSeconds = DefaultFreshnessSeconds
	}
	return out
}

// Validate enforces the tolerance and fee caps.
func (p VaultParams) Validate() error {
	if p.LossToleranceBps > MaxLossToleranceBps {
		return fmt.Errorf("loss tolerance %d exceeds cap %d", p.LossToleranceBps, MaxLossToleranceBps)
	}
	if p.PeriodSeconds == 0 {
		return fmt.Errorf("period seconds must be positive")
	}
	if p.FreshnessSeconds == 0 {
		return fmt.Errorf("freshness seconds must be positive")
	}
	return p.Fees.Validate()
}

// LossLedger tracks cumulative realized loss within the current period.
// Captured distinguishes a period whose baseline was pinned by an operation
// from a freshly created or rolled-over ledger still awaiting one.
type LossLedger struct {
	PeriodID       uint64
	Baseline       *big.Int
	CumulativeLoss *big.Int
	Captured       bool
}

// Clone returns a deep copy of the ledger.
func (l LossLedger) Clone() LossLedger {
	return LossLedger{
		PeriodID:       l.PeriodID,
		Baseline:       copyBig(l.Baseline),
		CumulativeLoss: copyBig(l.CumulativeLoss),
		Captured:       l.Captured,
	}
}

// Vault is the root record of one custody pool.
type Vault struct {
	ID                string
	PrincipalDenom    string
	PrincipalDecimals uint8
	ReserveDenom      string
	ReserveDecimals   uint8
	Status            VaultStatus
	Principal         *big.Int
	Reserve           *big.Int
	TotalShares       *big.Int
	RewardPool        *big.Int
	RewardIndexRay    *big.Int
	OpNonce           uint64
	Params            VaultParams
	Loss              LossLedger
	AssetTypes        []string
}

// Clone returns a deep copy of the vault record.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	clone := *v
	clone.Principal = copyBig(v.Principal)
	clone.Reserve = copyBig(v.Reserve)
	clone.TotalShares = copyBig(v.TotalShares)
	clone.RewardPool = copyBig(v.RewardPool)
	clone.RewardIndexRay = copyBig(v.RewardIndexRay)
	clone.Loss = v.Loss.Clone()
	clone.AssetTypes = append([]string(nil), v.AssetTypes...)
	return &clone
}

// HasAssetType reports whether assetType is registered on the vault.
func (v *Vault) HasAssetType(assetType string) bool {
	if v == nil {
		return false
	}
	for _, existing := range v.AssetTypes {
		if existing == assetType {
			return true
		}
	}
	return false
}

// SanitizeVault validates and normalises a vault definition, returning a
// cloned instance with non-nil amounts and normalised parameters. The original
// value is not mutated.
func SanitizeVault(v *Vault) (*Vault, error) {
	if v == nil {
		return nil, fmt.Errorf("nil vault")
	}
	clone := v.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	if clone.ID == "" {
		return nil, fmt.Errorf("vault id required")
	}
	clone.PrincipalDenom = strings.ToUpper(strings.TrimSpace(clone.PrincipalDenom))
	if clone.PrincipalDenom == "" {
		return nil, fmt.Errorf("vault %s: principal denom required", clone.ID)
	}
	clone.ReserveDenom = strings.ToUpper(strings.TrimSpace(clone.ReserveDenom))
	if clone.Status == StatusUnspecified {
		clone.Status = StatusNormal
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("vault %s: invalid status %d", clone.ID, clone.Status)
	}
	clone.Params = clone.Params.Normalise()
	if err := clone.Params.Validate(); err != nil {
		return nil, fmt.Errorf("vault %s: %w", clone.ID, err)
	}
	if clone.Principal.Sign() < 0 || clone.Reserve.Sign() < 0 || clone.TotalShares.Sign() < 0 {
		return nil, fmt.Errorf("vault %s: balances must not be negative", clone.ID)
	}
	return clone, nil
}

// RequestKind distinguishes buffered deposit and withdraw requests.
type RequestKind uint8

const (
	RequestDeposit RequestKind = iota + 1
	RequestWithdraw
)

func (k RequestKind) String() string {
	switch k {
	case RequestDeposit:
		return "deposit"
	case RequestWithdraw:
		return "withdraw"
	default:
		return "unspecified"
	}
}

// Request is one buffered deposit or withdrawal awaiting execution. Amount is
// principal for deposits and shares for withdrawals; MinOut is the matching
// minimum the owner will accept (shares out, principal out).
type Request struct {
	ID           string
	Vault        string
	Kind         RequestKind
	Owner        [20]byte
	Amount       *big.Int
	MinOut       *big.Int
	CreatedAt    int64
	ExecutableAt int64
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = copyBig(r.Amount)
	clone.MinOut = copyBig(r.MinOut)
	return &clone
}

// Receipt is one owner's share position in a vault plus the reward
// accumulator bookkeeping.
type Receipt struct {
	Vault          string
	Owner          [20]byte
	Shares         *big.Int
	RewardDebt     *big.Int
	PendingRewards *big.Int
}

// Clone returns a deep copy of the receipt.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Shares = copyBig(r.Shares)
	clone.RewardDebt = copyBig(r.RewardDebt)
	clone.PendingRewards = copyBig(r.PendingRewards)
	return &clone
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
