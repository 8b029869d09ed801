package oracle

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// CanonicalDecimals is the fixed-point scale every cached price and USD value
// is normalized to.
const CanonicalDecimals uint8 = 18

// MaxSourceDecimals bounds the native fixed-point scales a feed or asset may
// declare. 10^38 is the largest power of ten that still leaves headroom for a
// checked multiply inside 256 bits for realistic price magnitudes.
const MaxSourceDecimals uint8 = 38

var (
	ErrDecimalsUnsupported = errors.New("oracle: unsupported decimal scale")
	ErrValueNegative       = errors.New("oracle: value must not be negative")
	ErrValueOverflow       = errors.New("oracle: rescale overflows 256 bits")
)

// pow10Table holds 10^0 through 10^MaxSourceDecimals so rescaling never
// recomputes powers and never exponentiates unchecked.
var pow10Table = buildPow10Table()

func buildPow10Table() [MaxSourceDecimals + 1]*uint256.Int {
	var table [MaxSourceDecimals + 1]*uint256.Int
	ten := uint256.NewInt(10)
	acc := uint256.NewInt(1)
	for i := range table {
		table[i] = new(uint256.Int).Set(acc)
		acc = new(uint256.Int).Mul(acc, ten)
	}
	return table
}

func pow10(n uint8) (*uint256.Int, bool) {
	if n > MaxSourceDecimals {
		return nil, false
	}
	return pow10Table[n], true
}

// Normalize rescales value from its native fixed-point scale to the canonical
// 18-decimal scale. Scaling up uses an overflow-checked multiply; scaling down
// divides and truncates toward zero.
func Normalize(value *big.Int, sourceDecimals uint8) (*big.Int, error) {
	return rescale(value, sourceDecimals, CanonicalDecimals)
}

// Denormalize rescales a canonical 18-decimal value back to a native scale.
// Truncation toward zero applies when the native scale is coarser.
func Denormalize(value *big.Int, targetDecimals uint8) (*big.Int, error) {
	return rescale(value, CanonicalDecimals, targetDecimals)
}

func rescale(value *big.Int, from, to uint8) (*big.Int, error) {
	if from > MaxSourceDecimals || to > MaxSourceDecimals {
		return nil, ErrDecimalsUnsupported
	}
	if value == nil {
		return big.NewInt(0), nil
	}
	if value.Sign() < 0 {
		return nil, ErrValueNegative
	}
	if from == to {
		return new(big.Int).Set(value), nil
	}
	scaled, overflow := uint256.FromBig(value)
	if overflow {
		return nil, ErrValueOverflow
	}
	if from < to {
		factor, ok := pow10(to - from)
		if !ok {
			return nil, ErrDecimalsUnsupported
		}
		product := new(uint256.Int)
		if _, overflow := product.MulOverflow(scaled, factor); overflow {
			return nil, ErrValueOverflow
		}
		return product.ToBig(), nil
	}
	divisor, ok := pow10(from - to)
	if !ok {
		return nil, ErrDecimalsUnsupported
	}
	quotient := new(uint256.Int).Div(scaled, divisor)
	return quotient.ToBig(), nil
}

// ValueOf prices an asset amount held in native decimals with a canonical
// price, producing a canonical USD value. The division truncates toward zero
// so valuations never round in the position's favor.
func ValueOf(amount *big.Int, canonicalPrice *big.Int, amountDecimals uint8) (*big.Int, error) {
	if amountDecimals > MaxSourceDecimals {
		return nil, ErrDecimalsUnsupported
	}
	if amount == nil || canonicalPrice == nil {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 || canonicalPrice.Sign() < 0 {
		return nil, ErrValueNegative
	}
	unit, ok := pow10(amountDecimals)
	if !ok {
		return nil, ErrDecimalsUnsupported
	}
	product := new(big.Int).Mul(amount, canonicalPrice)
	return product.Quo(product, unit.ToBig()), nil
}
