package cryptobox

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// ErrSignatureInvalid is returned when a signature does not parse or does not
// recover to the expected signer.
var ErrSignatureInvalid = errors.New("signature invalid")

// PersonalSign signs keccak256 of the EIP-191 personal-message envelope
// ("\x19Ethereum Signed Message:\n" + len + msg) and returns the 65-byte
// signature with V in the conventional 27/28 form.
func PersonalSign(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, errors.Wrap(err, "personal sign")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// PersonalRecover returns the address that produced an EIP-191 personal
// signature over msg. Accepts V as 0/1 or 27/28.
func PersonalRecover(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Wrapf(ErrSignatureInvalid, "signature is %d bytes", len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	if s[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, errors.Wrap(ErrSignatureInvalid, "recovery id out of range")
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return common.Address{}, errors.Wrap(ErrSignatureInvalid, err.Error())
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PersonalVerify reports whether sig is a valid personal signature over msg by
// the given address.
func PersonalVerify(msg, sig []byte, addr common.Address) bool {
	recovered, err := PersonalRecover(msg, sig)
	if err != nil {
		return false
	}
	return recovered == addr
}
