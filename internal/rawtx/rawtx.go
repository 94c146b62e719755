// Package rawtx decodes raw signed Ethereum transactions just far enough to
// read the destination address. It understands the legacy wire format and the
// EIP-2718 typed envelopes for access-list (0x01) and dynamic-fee (0x02)
// transactions.
package rawtx

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
)

// ErrMalformedRLP is returned whenever the payload does not parse as the
// expected transaction shape: truncated input, length mismatch, or a `to`
// field that is neither empty nor 20 bytes.
var ErrMalformedRLP = errors.New("malformed rlp")

const (
	typeAccessList = 0x01
	typeDynamicFee = 0x02

	// Position of the `to` field in the transaction item list, per format.
	toIndexLegacy     = 3
	toIndexAccessList = 4
	toIndexDynamicFee = 5
)

// DecodeItem parses canonical RLP into the recursive item form: []byte for
// strings, []interface{} for lists. Trailing bytes are rejected.
func DecodeItem(b []byte) (interface{}, error) {
	var v interface{}
	if err := rlp.DecodeBytes(b, &v); err != nil {
		return nil, errors.Wrap(ErrMalformedRLP, err.Error())
	}
	return v, nil
}

// EncodeItem is the inverse of DecodeItem.
func EncodeItem(v interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

// ExtractTo pulls the destination address out of a raw signed transaction.
// The second return is false for contract-creation transactions (empty `to`).
func ExtractTo(rawHex string) (common.Address, bool, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(rawHex), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Address{}, false, errors.Wrap(ErrMalformedRLP, "transaction hex")
	}
	if len(b) == 0 {
		return common.Address{}, false, errors.Wrap(ErrMalformedRLP, "empty transaction")
	}

	idx := toIndexLegacy
	payload := b
	switch b[0] {
	case typeAccessList:
		idx, payload = toIndexAccessList, b[1:]
	case typeDynamicFee:
		idx, payload = toIndexDynamicFee, b[1:]
	}

	item, err := DecodeItem(payload)
	if err != nil {
		return common.Address{}, false, err
	}
	fields, ok := item.([]interface{})
	if !ok {
		return common.Address{}, false, errors.Wrap(ErrMalformedRLP, "transaction is not a list")
	}
	if len(fields) <= idx {
		return common.Address{}, false, errors.Wrapf(ErrMalformedRLP, "transaction has %d fields, need %d", len(fields), idx+1)
	}
	to, ok := fields[idx].([]byte)
	if !ok {
		return common.Address{}, false, errors.Wrap(ErrMalformedRLP, "to field is not a byte string")
	}
	switch len(to) {
	case 0:
		// Contract creation: no destination.
		return common.Address{}, false, nil
	case common.AddressLength:
		return common.BytesToAddress(to), true, nil
	default:
		return common.Address{}, false, errors.Wrapf(ErrMalformedRLP, "to field is %d bytes", len(to))
	}
}
