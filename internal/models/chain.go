package models

import (
	"math/big"
	"strings"
)

// Block is one ledger position with the value movements it carries.
type Block struct {
	Position     uint64
	Hash         string
	Transactions []RawTransaction
}

// RawTransaction is a block-level summary of one transfer. Malformed is set
// by the backend when the entry could not be decoded. NeedsReceipt is set
// when inclusion in a block does not prove the transfer happened and its
// execution status has to be looked up.
type RawTransaction struct {
	Ref          string
	From         string
	To           string
	Value        *big.Int
	Malformed    string
	NeedsReceipt bool
}

// TransactionDetail is the per-transfer view used for confirmation checks.
type TransactionDetail struct {
	Ref           string
	From          string
	To            string
	Value         *big.Int
	Position      uint64
	Confirmations uint64
	Succeeded     bool
}

// ObservedTransfer is a confirmed transfer to a tracked address.
type ObservedTransfer struct {
	Position      uint64
	BlockHash     string
	Ref           string
	From          string
	To            string
	Amount        *big.Int
	Confirmations uint64
}

type AddressSet map[string]struct{}

func NewAddressSet(addrs ...string) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s AddressSet) Contains(addr string) bool {
	_, ok := s[addr]
	return ok
}

// NormalizeHexAddress lowercases 0x-prefixed account addresses.
func NormalizeHexAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
