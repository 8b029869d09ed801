package oracle

import (
	"errors"
	"math/big"
	"testing"
)

func TestNormalizeScalesUp(t *testing.T) {
	// $1.23456789 at 8 decimals.
	value := big.NewInt(123456789)
	got, err := Normalize(value, 8)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want, _ := new(big.Int).SetString("1234567890000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("normalize: got %s want %s", got, want)
	}
}

func TestNormalizeTruncatesTowardZero(t *testing.T) {
	// 21 source decimals → canonical drops three digits, never rounding up.
	value, _ := new(big.Int).SetString("1999", 10)
	got, err := Normalize(value, 21)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected truncation to 1, got %s", got)
	}
}

func TestNormalizeRejectsOverflow(t *testing.T) {
	// Max uint256 scaled up by ten overflows.
	value := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if _, err := Normalize(value, 17); !errors.Is(err, ErrValueOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
}

func TestNormalizeRejectsNegative(t *testing.T) {
	if _, err := Normalize(big.NewInt(-1), 6); !errors.Is(err, ErrValueNegative) {
		t.Fatalf("expected negative error, got %v", err)
	}
}

func TestNormalizeRejectsUnsupportedScale(t *testing.T) {
	if _, err := Normalize(big.NewInt(1), MaxSourceDecimals+1); !errors.Is(err, ErrDecimalsUnsupported) {
		t.Fatalf("expected unsupported-scale error, got %v", err)
	}
}

func TestRescaleRoundTrip(t *testing.T) {
	for _, decimals := range []uint8{0, 1, 6, 8, 9, 12, 18, 24, 38} {
		value := big.NewInt(987654321)
		canonical, err := Normalize(value, decimals)
		if err != nil {
			t.Fatalf("normalize at %d decimals: %v", decimals, err)
		}
		back, err := Denormalize(canonical, decimals)
		if err != nil {
			t.Fatalf("denormalize at %d decimals: %v", decimals, err)
		}
		if decimals <= CanonicalDecimals {
			// Scaling up is lossless, so the round trip must be exact.
			if back.Cmp(value) != 0 {
				t.Fatalf("round trip at %d decimals: got %s want %s", decimals, back, value)
			}
			continue
		}
		// Scaling down truncates; the round trip may only lose magnitude.
		if back.Cmp(value) > 0 {
			t.Fatalf("round trip at %d decimals rounded up: got %s want <= %s", decimals, back, value)
		}
	}
}

func TestValueOf(t *testing.T) {
	// 2.5 tokens at 6 decimals, priced $4.00.
	amount := big.NewInt(2_500_000)
	price, _ := new(big.Int).SetString("4000000000000000000", 10)
	got, err := ValueOf(amount, price, 6)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	want, _ := new(big.Int).SetString("10000000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("value of: got %s want %s", got, want)
	}
}

func TestValueOfTruncates(t *testing.T) {
	// 1 base unit at 18 decimals priced $1 → below one canonical unit, so the
	// product truncates rather than rounding up.
	amount := big.NewInt(1)
	price := big.NewInt(1)
	got, err := ValueOf(amount, price, 18)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("expected truncation to zero, got %s", got)
	}
}
