package modules

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"coffer/core"
	"coffer/native/oracle"
)

// OracleModule exposes the price cache over JSON-RPC. Reads come from the
// cache under the strict freshness window; refreshes pull the registered feed
// inside a state commit.
type OracleModule struct {
	node *core.Node
}

// NewOracleModule constructs the oracle module facade for the RPC server.
func NewOracleModule(node *core.Node) *OracleModule {
	return &OracleModule{node: node}
}

func oracleModuleUnavailable() *ModuleError {
	return &ModuleError{
		HTTPStatus: http.StatusServiceUnavailable,
		Code:       codeServerError,
		Message:    "oracle module not available",
	}
}

// wrapOracleError maps cache sentinels onto transport errors. Feed fetch
// failures stay server faults so a flaky upstream is not mistaken for a
// caller error.
func wrapOracleError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, oracle.ErrFeedUnknown), errors.Is(err, oracle.ErrPriceUnknown):
		return &ModuleError{HTTPStatus: http.StatusNotFound, Code: codeServerError, Message: err.Error()}
	case errors.Is(err, oracle.ErrPriceStale),
		errors.Is(err, oracle.ErrFeedStale),
		errors.Is(err, oracle.ErrFeedZeroTime),
		errors.Is(err, oracle.ErrSymbolMismatch):
		return &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: err.Error()}
	case strings.HasPrefix(err.Error(), "oracle: "):
		return &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: err.Error()}
	default:
		return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
	}
}

type symbolParams struct {
	Symbol string `json:"symbol"`
}

func decodeSymbol(raw json.RawMessage) (string, *ModuleError) {
	var params symbolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", invalidParams("invalid params: %v", err)
	}
	if strings.TrimSpace(params.Symbol) == "" {
		return "", invalidParams("symbol required")
	}
	return params.Symbol, nil
}

// GetPrice returns the cached canonical price while it is still fresh.
func (m *OracleModule) GetPrice(raw json.RawMessage) (*PricePayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, oracleModuleUnavailable()
	}
	symbol, modErr := decodeSymbol(raw)
	if modErr != nil {
		return nil, modErr
	}
	record, err := m.node.OracleGetPrice(symbol)
	if err != nil {
		return nil, wrapOracleError(err)
	}
	return NewPricePayload(record), nil
}

// RefreshPrice pulls the registered feed and restamps the cache entry.
func (m *OracleModule) RefreshPrice(ctx context.Context, raw json.RawMessage) (*PricePayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, oracleModuleUnavailable()
	}
	symbol, modErr := decodeSymbol(raw)
	if modErr != nil {
		return nil, modErr
	}
	record, err := m.node.OracleRefreshPrice(ctx, symbol)
	if err != nil {
		return nil, wrapOracleError(err)
	}
	return NewPricePayload(record), nil
}

type setManualPriceParams struct {
	Symbol     string `json:"symbol"`
	Value      string `json:"value"`
	Decimals   uint8  `json:"decimals"`
	ObservedAt int64  `json:"observedAt"`
}

// SetManualPrice pushes an observation into a manual feed and refreshes the
// cache from it. ObservedAt is unix seconds; zero means the node clock.
func (m *OracleModule) SetManualPrice(ctx context.Context, raw json.RawMessage) (*PricePayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, oracleModuleUnavailable()
	}
	var params setManualPriceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if strings.TrimSpace(params.Symbol) == "" {
		return nil, invalidParams("symbol required")
	}
	value, modErr := parseAmount("value", params.Value)
	if modErr != nil {
		return nil, modErr
	}
	var observedAt time.Time
	if params.ObservedAt != 0 {
		observedAt = time.Unix(params.ObservedAt, 0).UTC()
	}
	record, err := m.node.OracleSetManualPrice(ctx, params.Symbol, value, params.Decimals, observedAt)
	if err != nil {
		return nil, wrapOracleError(err)
	}
	return NewPricePayload(record), nil
}
