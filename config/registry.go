package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coffer/native/oracle"
	"coffer/native/vault"
)

// Registry declares the vaults, strategy assets, and price feeds the daemon
// bootstraps on start. Booting against an existing data directory is
// idempotent: vaults and assets already in state keep their balances.
type Registry struct {
	Vaults []VaultSpec `yaml:"vaults"`
	Feeds  []FeedSpec  `yaml:"feeds"`
}

// VaultSpec declares one vault and the strategy slots it may hold.
type VaultSpec struct {
	ID                string      `yaml:"id"`
	PrincipalDenom    string      `yaml:"principal_denom"`
	PrincipalDecimals uint8       `yaml:"principal_decimals"`
	ReserveDenom      string      `yaml:"reserve_denom"`
	ReserveDecimals   uint8       `yaml:"reserve_decimals"`
	Params            ParamsSpec  `yaml:"params"`
	Assets            []AssetSpec `yaml:"assets"`
}

// ParamsSpec mirrors the per-vault parameters.
type ParamsSpec struct {
	LossToleranceBps    uint64 `yaml:"loss_tolerance_bps"`
	PeriodSeconds       uint64 `yaml:"period_seconds"`
	FreshnessSeconds    uint64 `yaml:"freshness_seconds"`
	WithdrawLockSeconds uint64 `yaml:"withdraw_lock_seconds"`
	DepositFeeBps       uint64 `yaml:"deposit_fee_bps"`
	WithdrawFeeBps      uint64 `yaml:"withdraw_fee_bps"`
}

// AssetSpec declares one strategy slot. Lending and staking positions name a
// single symbol; pool positions name both legs.
type AssetSpec struct {
	Type      string `yaml:"type"`
	Kind      string `yaml:"kind"`
	Symbol    string `yaml:"symbol"`
	Decimals  uint8  `yaml:"decimals"`
	SymbolA   string `yaml:"symbol_a"`
	SymbolB   string `yaml:"symbol_b"`
	DecimalsA uint8  `yaml:"decimals_a"`
	DecimalsB uint8  `yaml:"decimals_b"`
}

// FeedSpec declares one price feed. Source is either manual or http; http
// feeds require a url. Zero staleness fields inherit the cache defaults.
type FeedSpec struct {
	Symbol                   string `yaml:"symbol"`
	Source                   string `yaml:"source"`
	URL                      string `yaml:"url"`
	MaxObservationAgeSeconds int64  `yaml:"max_observation_age_seconds"`
	FreshnessSeconds         int64  `yaml:"freshness_seconds"`
}

// LoadRegistry reads and validates the registry at path.
func LoadRegistry(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer f.Close()

	reg := &Registry{}
	if err := yaml.NewDecoder(f).Decode(reg); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", path, err)
	}
	reg.normalize()
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return reg, nil
}

func (r *Registry) normalize() {
	for i := range r.Vaults {
		r.Vaults[i].normalize()
	}
	for i := range r.Feeds {
		r.Feeds[i].normalize()
	}
}

func (s *VaultSpec) normalize() {
	s.ID = strings.TrimSpace(s.ID)
	s.PrincipalDenom = strings.ToUpper(strings.TrimSpace(s.PrincipalDenom))
	s.ReserveDenom = strings.ToUpper(strings.TrimSpace(s.ReserveDenom))
	for i := range s.Assets {
		s.Assets[i].normalize()
	}
}

func (a *AssetSpec) normalize() {
	a.Type = strings.TrimSpace(a.Type)
	a.Kind = strings.ToLower(strings.TrimSpace(a.Kind))
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	a.SymbolA = strings.ToUpper(strings.TrimSpace(a.SymbolA))
	a.SymbolB = strings.ToUpper(strings.TrimSpace(a.SymbolB))
}

func (f *FeedSpec) normalize() {
	f.Symbol = strings.ToUpper(strings.TrimSpace(f.Symbol))
	f.Source = strings.ToLower(strings.TrimSpace(f.Source))
	if f.Source == "" {
		f.Source = "manual"
	}
	f.URL = strings.TrimSpace(f.URL)
}

// Validate checks every declaration and cross-checks that each symbol a vault
// can price against has a feed.
func (r *Registry) Validate() error {
	feeds := make(map[string]bool, len(r.Feeds))
	for i := range r.Feeds {
		spec := &r.Feeds[i]
		if err := spec.validate(); err != nil {
			return fmt.Errorf("feed %d: %w", i, err)
		}
		if feeds[spec.Symbol] {
			return fmt.Errorf("feed %d: duplicate symbol %s", i, spec.Symbol)
		}
		feeds[spec.Symbol] = true
	}

	ids := make(map[string]bool, len(r.Vaults))
	for i := range r.Vaults {
		spec := &r.Vaults[i]
		if err := spec.validate(); err != nil {
			return fmt.Errorf("vault %d: %w", i, err)
		}
		if ids[spec.ID] {
			return fmt.Errorf("vault %d: duplicate id %s", i, spec.ID)
		}
		ids[spec.ID] = true
		for _, symbol := range spec.symbols() {
			if !feeds[symbol] {
				return fmt.Errorf("vault %s: no feed declared for %s", spec.ID, symbol)
			}
		}
	}
	return nil
}

func (s *VaultSpec) validate() error {
	if s.ID == "" {
		return fmt.Errorf("id required")
	}
	if s.PrincipalDenom == "" {
		return fmt.Errorf("principal_denom required")
	}
	if err := s.params().Validate(); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	types := make(map[string]bool, len(s.Assets))
	for i := range s.Assets {
		asset := &s.Assets[i]
		if err := asset.validate(); err != nil {
			return fmt.Errorf("asset %d: %w", i, err)
		}
		if types[asset.Type] {
			return fmt.Errorf("asset %d: duplicate type %s", i, asset.Type)
		}
		types[asset.Type] = true
	}
	return nil
}

func (a *AssetSpec) validate() error {
	if a.Type == "" {
		return fmt.Errorf("type required")
	}
	kind, err := vault.ParseAssetKind(a.Kind)
	if err != nil {
		return err
	}
	switch kind {
	case vault.KindLending, vault.KindStaking:
		if a.Symbol == "" {
			return fmt.Errorf("%s asset needs a symbol", kind)
		}
	case vault.KindPool:
		if a.SymbolA == "" || a.SymbolB == "" {
			return fmt.Errorf("pool asset needs symbol_a and symbol_b")
		}
	}
	return nil
}

func (f *FeedSpec) validate() error {
	if f.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	switch f.Source {
	case "manual":
	case "http":
		if f.URL == "" {
			return fmt.Errorf("http feed %s needs a url", f.Symbol)
		}
	default:
		return fmt.Errorf("unknown source %q", f.Source)
	}
	if f.MaxObservationAgeSeconds < 0 {
		return fmt.Errorf("feed %s: max_observation_age_seconds must not be negative", f.Symbol)
	}
	if f.FreshnessSeconds < 0 {
		return fmt.Errorf("feed %s: freshness_seconds must not be negative", f.Symbol)
	}
	return nil
}

// symbols lists every symbol the vault prices: its denoms plus each asset leg.
func (s *VaultSpec) symbols() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, 2+len(s.Assets))
	add := func(symbol string) {
		if symbol == "" || seen[symbol] {
			return
		}
		seen[symbol] = true
		out = append(out, symbol)
	}
	add(s.PrincipalDenom)
	add(s.ReserveDenom)
	for i := range s.Assets {
		asset := &s.Assets[i]
		add(asset.Symbol)
		add(asset.SymbolA)
		add(asset.SymbolB)
	}
	return out
}

func (s *VaultSpec) params() vault.VaultParams {
	return vault.VaultParams{
		LossToleranceBps:    s.Params.LossToleranceBps,
		PeriodSeconds:       s.Params.PeriodSeconds,
		FreshnessSeconds:    s.Params.FreshnessSeconds,
		WithdrawLockSeconds: s.Params.WithdrawLockSeconds,
		Fees: vault.FeeConfig{
			DepositBps:  s.Params.DepositFeeBps,
			WithdrawBps: s.Params.WithdrawFeeBps,
		},
	}.Normalise()
}

// Definition converts the spec into the vault record the engine stores.
func (s *VaultSpec) Definition() *vault.Vault {
	return &vault.Vault{
		ID:                s.ID,
		PrincipalDenom:    s.PrincipalDenom,
		PrincipalDecimals: s.PrincipalDecimals,
		ReserveDenom:      s.ReserveDenom,
		ReserveDecimals:   s.ReserveDecimals,
		Params:            s.params(),
	}
}

// Handle builds the zero-balance strategy handle for the asset. The engine
// derives the handle ID when the slot is registered.
func (a *AssetSpec) Handle() (vault.AssetKind, *vault.AssetHandle, error) {
	kind, err := vault.ParseAssetKind(a.Kind)
	if err != nil {
		return vault.KindUnspecified, nil, err
	}
	handle := &vault.AssetHandle{Kind: kind}
	switch kind {
	case vault.KindLending:
		handle.Lending = &vault.LendingPosition{
			Symbol:          a.Symbol,
			Decimals:        a.Decimals,
			Principal:       big.NewInt(0),
			AccruedInterest: big.NewInt(0),
		}
	case vault.KindPool:
		handle.Pool = &vault.PoolPosition{
			SymbolA:   a.SymbolA,
			SymbolB:   a.SymbolB,
			DecimalsA: a.DecimalsA,
			DecimalsB: a.DecimalsB,
			AmountA:   big.NewInt(0),
			AmountB:   big.NewInt(0),
		}
	case vault.KindStaking:
		handle.Staking = &vault.StakingPosition{
			Symbol:         a.Symbol,
			Decimals:       a.Decimals,
			Staked:         big.NewInt(0),
			PendingRewards: big.NewInt(0),
		}
	}
	return kind, handle, nil
}

// Feed builds the oracle feed the spec declares. The client is only used by
// http feeds; nil falls back to http.DefaultClient.
func (f *FeedSpec) Feed(client oracle.HTTPDoer) (oracle.Feed, error) {
	switch f.Source {
	case "manual":
		return oracle.NewManualFeed(f.Symbol), nil
	case "http":
		return oracle.NewHTTPFeed(client, f.URL, f.Symbol, "http"), nil
	}
	return nil, fmt.Errorf("registry: unknown feed source %q", f.Source)
}

// MaxObservationAge converts the staleness bound into a duration.
func (f *FeedSpec) MaxObservationAge() time.Duration {
	if f.MaxObservationAgeSeconds <= 0 {
		return 0
	}
	return time.Duration(f.MaxObservationAgeSeconds) * time.Second
}
