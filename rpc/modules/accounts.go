package modules

import (
	"encoding/json"
	"net/http"
	"strings"

	"coffer/core"
	"coffer/core/types"
)

// AccountsModule exposes the client balance ledger over JSON-RPC.
type AccountsModule struct {
	node *core.Node
}

// NewAccountsModule constructs the accounts module facade for the RPC server.
func NewAccountsModule(node *core.Node) *AccountsModule {
	return &AccountsModule{node: node}
}

func accountsModuleUnavailable() *ModuleError {
	return &ModuleError{
		HTTPStatus: http.StatusServiceUnavailable,
		Code:       codeServerError,
		Message:    "accounts module not available",
	}
}

func newBalancePayload(addr [20]byte, account *types.Account) *BalancePayload {
	payload := &BalancePayload{
		Address:  formatAddr(addr),
		Balances: make(map[string]string),
	}
	if account == nil {
		return payload
	}
	payload.Nonce = account.Nonce
	for denom, amount := range account.Balances {
		payload.Balances[denom] = formatAmount(amount)
	}
	return payload
}

// GetBalance returns the account record for a bech32 address. The params
// entry is the address itself, not an object.
func (m *AccountsModule) GetBalance(raw json.RawMessage) (*BalancePayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, accountsModuleUnavailable()
	}
	var addrStr string
	if err := json.Unmarshal(raw, &addrStr); err != nil {
		return nil, invalidParams("address must be a bech32 string")
	}
	addr, modErr := parseBech32("address", addrStr)
	if modErr != nil {
		return nil, modErr
	}
	account, err := m.node.AccountGet(addr)
	if err != nil {
		return nil, serverError("load account: %v", err)
	}
	return newBalancePayload(addr, account), nil
}

type creditParams struct {
	Address string `json:"address"`
	Denom   string `json:"denom"`
	Amount  string `json:"amount"`
}

// Credit mints balance onto an account. Admin-gated by the transport.
func (m *AccountsModule) Credit(raw json.RawMessage) (*BalancePayload, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, accountsModuleUnavailable()
	}
	var params creditParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	addr, modErr := parseBech32("address", params.Address)
	if modErr != nil {
		return nil, modErr
	}
	if strings.TrimSpace(params.Denom) == "" {
		return nil, invalidParams("denom required")
	}
	amount, modErr := parseAmount("amount", params.Amount)
	if modErr != nil {
		return nil, modErr
	}
	account, err := m.node.AccountCredit(addr, params.Denom, amount)
	if err != nil {
		return nil, serverError("credit account: %v", err)
	}
	return newBalancePayload(addr, account), nil
}
