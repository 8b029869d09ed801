package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"coffer/core/types"
)

const (
	// TypePriceRefreshed is emitted whenever a feed observation lands in the
	// price cache.
	TypePriceRefreshed = "oracle.price.refreshed"
	// TypeOperatorFrozen is emitted when an operator token enters the global
	// freeze registry.
	TypeOperatorFrozen = "operator.frozen"
	// TypeOperatorUnfrozen is emitted when an operator token leaves the global
	// freeze registry.
	TypeOperatorUnfrozen = "operator.unfrozen"
)

func hexDigest(d [32]byte) string {
	if d == ([32]byte{}) {
		return ""
	}
	return hex.EncodeToString(d[:])
}

type PriceRefreshed struct {
	Symbol    string
	Value     *big.Int
	Source    string
	UpdatedAt int64
}

func (PriceRefreshed) EventType() string { return TypePriceRefreshed }

func (e PriceRefreshed) Event() *types.Event {
	return &types.Event{
		Type: TypePriceRefreshed,
		Attributes: map[string]string{
			"symbol":    normalizeSymbol(e.Symbol),
			"value":     bigString(e.Value),
			"source":    strings.TrimSpace(e.Source),
			"updatedAt": strconv.FormatInt(e.UpdatedAt, 10),
		},
	}
}

type OperatorFrozen struct {
	Operator [20]byte
	Admin    [20]byte
}

func (OperatorFrozen) EventType() string { return TypeOperatorFrozen }

func (e OperatorFrozen) Event() *types.Event {
	return &types.Event{
		Type: TypeOperatorFrozen,
		Attributes: map[string]string{
			"operator": addrString(e.Operator),
			"admin":    addrString(e.Admin),
		},
	}
}

type OperatorUnfrozen struct {
	Operator [20]byte
	Admin    [20]byte
}

func (OperatorUnfrozen) EventType() string { return TypeOperatorUnfrozen }

func (e OperatorUnfrozen) Event() *types.Event {
	return &types.Event{
		Type: TypeOperatorUnfrozen,
		Attributes: map[string]string{
			"operator": addrString(e.Operator),
			"admin":    addrString(e.Admin),
		},
	}
}

func normalizeSymbol(symbol string) string {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}
