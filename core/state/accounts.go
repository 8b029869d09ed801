package state

import (
	"fmt"
	"math/big"
	"sort"

	"coffer/core/types"
)

var accountPrefix = []byte("account/addr/")

type storedBalance struct {
	Denom  string
	Amount *big.Int
}

// storedAccount mirrors types.Account for RLP: the balance map flattens into
// a denom-sorted slice so the encoding is deterministic.
type storedAccount struct {
	Nonce    uint64
	Balances []storedBalance
}

func accountKey(addr [20]byte) []byte {
	key := make([]byte, len(accountPrefix)+len(addr))
	copy(key, accountPrefix)
	copy(key[len(accountPrefix):], addr[:])
	return key
}

// GetAccount loads the account for addr. Addresses that were never written
// load as empty accounts.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	if m == nil {
		return nil, fmt.Errorf("state: manager unavailable")
	}
	var stored storedAccount
	ok, err := m.KVGet(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	account := types.NewAccount()
	if !ok {
		return account, nil
	}
	account.Nonce = stored.Nonce
	for _, balance := range stored.Balances {
		account.SetBalance(balance.Denom, balance.Amount)
	}
	return account, nil
}

// PutAccount persists the account for addr.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	if account == nil {
		return fmt.Errorf("state: account must not be nil")
	}
	stored := storedAccount{
		Nonce:    account.Nonce,
		Balances: make([]storedBalance, 0, len(account.Balances)),
	}
	for denom, amount := range account.Balances {
		if amount == nil {
			amount = big.NewInt(0)
		}
		if amount.Sign() < 0 {
			return fmt.Errorf("state: negative balance for %s", denom)
		}
		stored.Balances = append(stored.Balances, storedBalance{
			Denom:  denom,
			Amount: new(big.Int).Set(amount),
		})
	}
	sort.Slice(stored.Balances, func(i, j int) bool {
		return stored.Balances[i].Denom < stored.Balances[j].Denom
	})
	return m.KVPut(accountKey(addr), &stored)
}

// Credit adds amount to the account's balance in denom.
func (m *Manager) Credit(addr [20]byte, denom string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must not be negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.SetBalance(denom, new(big.Int).Add(account.Balance(denom), amount))
	return m.PutAccount(addr, account)
}

// Debit subtracts amount from the account's balance in denom, failing when
// the balance cannot cover it.
func (m *Manager) Debit(addr [20]byte, denom string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: debit amount must not be negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	balance := account.Balance(denom)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("state: balance %s below debit %s for %s", balance, amount, denom)
	}
	account.SetBalance(denom, new(big.Int).Sub(balance, amount))
	return m.PutAccount(addr, account)
}
