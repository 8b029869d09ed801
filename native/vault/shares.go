package vault

import (
	"fmt"
	"math/big"
)

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// balanceUSD converts a native balance into canonical USD value:
// amount * price / 10^decimals, truncating toward zero.
func balanceUSD(amount, price *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("vault: balance must not be negative")
	}
	if price == nil || price.Sign() < 0 {
		return nil, fmt.Errorf("vault: price must not be negative")
	}
	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, pow10(decimals)), nil
}

// amountForUSD converts a canonical USD value back into native units:
// value * 10^decimals / price, truncating toward zero.
func amountForUSD(valueUSD, price *big.Int, decimals uint8) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("vault: price must be positive")
	}
	if valueUSD == nil || valueUSD.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int).Mul(valueUSD, pow10(decimals))
	return amount.Quo(amount, price), nil
}

// sharesForValue quotes the shares minted for a deposit worth valueUSD.
// Truncation always favors the vault: a depositor never receives more share
// value than was paid in. While no shares exist the vault bootstraps at one
// share per canonical USD unit.
func sharesForValue(valueUSD, totalShares, totalValueUSD *big.Int) (*big.Int, error) {
	if valueUSD == nil || valueUSD.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	if totalShares == nil || totalShares.Sign() == 0 {
		return new(big.Int).Set(valueUSD), nil
	}
	if totalValueUSD == nil || totalValueUSD.Sign() == 0 {
		return nil, fmt.Errorf("vault: cannot price shares against zero total value")
	}
	shares := new(big.Int).Mul(valueUSD, totalShares)
	return shares.Quo(shares, totalValueUSD), nil
}

// valueForShares quotes the canonical USD value redeemed by burning shares,
// truncating toward zero.
func valueForShares(shares, totalShares, totalValueUSD *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || totalShares == nil || totalShares.Sign() == 0 {
		return big.NewInt(0)
	}
	if totalValueUSD == nil || totalValueUSD.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(shares, totalValueUSD)
	return value.Quo(value, totalShares)
}

// feeFor applies a basis-point fee to an amount, truncating toward zero.
func feeFor(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return fee.Quo(fee, basisPoints)
}
