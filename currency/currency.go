// Package currency defines the asset identity used across the ledger and the
// pool engine. A Currency is a fungible asset reference; the zero address is
// the chain-native asset, which needs no wrapping.
package currency

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// Currency identifies a fungible asset by address.
// The zero address represents the native asset.
type Currency struct {
	Address common.Address `json:"address"`
}

// Native is the native asset.
var Native = Currency{}

// FromAddress wraps an address as a Currency.
func FromAddress(addr common.Address) Currency {
	return Currency{Address: addr}
}

// FromHex parses a hex address into a Currency.
func FromHex(s string) Currency {
	return Currency{Address: common.HexToAddress(s)}
}

// IsNative reports whether c is the native asset.
func (c Currency) IsNative() bool {
	return c.Address == (common.Address{})
}

// Less reports whether c sorts before other by byte-wise address comparison.
// Pool pairs are keyed with the lower currency first.
func (c Currency) Less(other Currency) bool {
	return bytes.Compare(c.Address.Bytes(), other.Address.Bytes()) < 0
}

// Sorted reports whether (a, b) is in canonical pair order.
func Sorted(a, b Currency) bool {
	return a.Less(b)
}

// String returns the checksummed hex form of the currency address.
func (c Currency) String() string {
	if c.IsNative() {
		return "native"
	}
	return c.Address.Hex()
}
