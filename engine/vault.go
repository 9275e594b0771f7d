package engine

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rangeledger/rangeledger-core-go/currency"
)

// ErrInsufficientCustody is returned when a transfer out exceeds custody.
var ErrInsufficientCustody = errors.New("insufficient custody balance")

// Vault is the engine's in-memory custody: the balances actually held on
// behalf of pools and open contexts. It satisfies ledger.Vault.
type Vault struct {
	balances map[currency.Currency]*big.Int
}

// NewVault returns an empty vault.
func NewVault() *Vault {
	return &Vault{balances: make(map[currency.Currency]*big.Int)}
}

// Balance returns a copy of the custody balance for a currency.
func (v *Vault) Balance(c currency.Currency) *big.Int {
	if b, ok := v.balances[c]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Transfer moves custody out to a recipient. The recipient address is only
// recorded by the caller's journal; the vault tracks totals.
func (v *Vault) Transfer(to common.Address, c currency.Currency, amount *big.Int) error {
	b, ok := v.balances[c]
	if !ok || b.Cmp(amount) < 0 {
		return ErrInsufficientCustody
	}
	b.Sub(b, amount)
	return nil
}

// credit adds to a custody balance.
func (v *Vault) credit(c currency.Currency, amount *big.Int) {
	b, ok := v.balances[c]
	if !ok {
		b = new(big.Int)
		v.balances[c] = b
	}
	b.Add(b, amount)
}

// set overwrites a custody balance; used by rollback.
func (v *Vault) set(c currency.Currency, amount *big.Int) {
	v.balances[c] = new(big.Int).Set(amount)
}
