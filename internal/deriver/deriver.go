// Package deriver computes the address a contract deploys to under the CREATE
// and CREATE2 schemes, and normalizes addresses to the lowercase-hex form used
// as routing-table keys.
package deriver

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// ErrInvalidAddress is returned by Normalize for anything that is not 20
// bytes of hex (with or without the 0x prefix).
var ErrInvalidAddress = errors.New("invalid address")

const hexAddressLength = 2 * common.AddressLength

// Create returns the address of the contract deployed by `deployer` at the
// given account nonce: lower20(keccak256(rlp([deployer, nonce]))).
func Create(deployer common.Address, nonce uint64) common.Address {
	return crypto.CreateAddress(deployer, nonce)
}

// Create2 returns the CREATE2 address:
// lower20(keccak256(0xff || deployer || salt || initCodeHash)).
func Create2(deployer common.Address, salt [32]byte, initCodeHash [32]byte) common.Address {
	return crypto.CreateAddress2(deployer, salt, initCodeHash[:])
}

// Normalize strips an optional 0x prefix, requires exactly 40 hex characters
// and returns the 0x-prefixed lowercase form.
func Normalize(addr string) (string, error) {
	s := strings.TrimPrefix(strings.TrimSpace(addr), "0x")
	if len(s) != hexAddressLength {
		return "", errors.Wrapf(ErrInvalidAddress, "%q", addr)
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return "", errors.Wrapf(ErrInvalidAddress, "%q", addr)
		}
	}
	return "0x" + strings.ToLower(s), nil
}

// NormalizeAddress is Normalize for a parsed address value.
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
