package types

import "math/big"

// Account is the custody-side ledger entry for a client address. Balances are
// tracked per denomination; entries the account never touched are absent from
// the map and read as zero.
type Account struct {
	Nonce    uint64              `json:"nonce"`
	Balances map[string]*big.Int `json:"balances"`
}

// NewAccount returns an empty account with an allocated balance map.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// Balance returns the account's balance in the given denomination, never nil.
func (a *Account) Balance(denom string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if amount, ok := a.Balances[denom]; ok && amount != nil {
		return amount
	}
	return big.NewInt(0)
}

// SetBalance stores a copy of amount under denom, allocating the map when
// needed.
func (a *Account) SetBalance(denom string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[denom] = new(big.Int).Set(amount)
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce, Balances: make(map[string]*big.Int, len(a.Balances))}
	for denom, amount := range a.Balances {
		if amount == nil {
			amount = big.NewInt(0)
		}
		clone.Balances[denom] = new(big.Int).Set(amount)
	}
	return clone
}
