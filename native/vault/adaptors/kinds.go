package adaptors

import (
	"fmt"
	"math/big"

	"coffer/native/oracle"
	"coffer/native/vault"
)

func symbolValue(prices PriceView, symbol string, decimals uint8, amounts ...*big.Int) (*big.Int, error) {
	total := big.NewInt(0)
	for _, amount := range amounts {
		if amount != nil {
			total.Add(total, amount)
		}
	}
	if total.Sign() == 0 {
		return big.NewInt(0), nil
	}
	price, err := prices.CanonicalPrice(symbol)
	if err != nil {
		return nil, fmt.Errorf("adaptors: price %s: %w", symbol, err)
	}
	return oracle.ValueOf(total, price, decimals)
}

// LendingAdaptor values a lending position as principal plus accrued
// interest.
type LendingAdaptor struct{}

func (LendingAdaptor) Kind() vault.AssetKind { return vault.KindLending }

func (LendingAdaptor) Value(handle *vault.AssetHandle, prices PriceView) (*big.Int, error) {
	if handle == nil || handle.Lending == nil {
		return nil, fmt.Errorf("%w: lending payload missing", ErrNilHandle)
	}
	position := handle.Lending
	return symbolValue(prices, position.Symbol, position.Decimals, position.Principal, position.AccruedInterest)
}

// PoolAdaptor values a two-sided liquidity position as the sum of both legs.
type PoolAdaptor struct{}

func (PoolAdaptor) Kind() vault.AssetKind { return vault.KindPool }

func (PoolAdaptor) Value(handle *vault.AssetHandle, prices PriceView) (*big.Int, error) {
	if handle == nil || handle.Pool == nil {
		return nil, fmt.Errorf("%w: pool payload missing", ErrNilHandle)
	}
	position := handle.Pool
	valueA, err := symbolValue(prices, position.SymbolA, position.DecimalsA, position.AmountA)
	if err != nil {
		return nil, err
	}
	valueB, err := symbolValue(prices, position.SymbolB, position.DecimalsB, position.AmountB)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(valueA, valueB), nil
}

// StakingAdaptor values a staking position as the staked balance plus
// pending protocol rewards.
type StakingAdaptor struct{}

func (StakingAdaptor) Kind() vault.AssetKind { return vault.KindStaking }

func (StakingAdaptor) Value(handle *vault.AssetHandle, prices PriceView) (*big.Int, error) {
	if handle == nil || handle.Staking == nil {
		return nil, fmt.Errorf("%w: staking payload missing", ErrNilHandle)
	}
	position := handle.Staking
	return symbolValue(prices, position.Symbol, position.Decimals, position.Staked, position.PendingRewards)
}
