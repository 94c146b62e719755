package routeset

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/veriroute/veriroute/internal/cryptobox"
	"github.com/veriroute/veriroute/internal/deriver"
)

// signedCreateRoute builds a route whose contract really derives from the
// deployer key at the given nonce, signed the way a prover would sign it.
func signedCreateRoute(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, url string) Route {
	t.Helper()
	deployer := crypto.PubkeyToAddress(key.PublicKey)
	addr := deriver.NormalizeAddress(deriver.Create(deployer, nonce))
	r := Route{Addr: addr, ProofType: ProofCreate, URL: url, Nonce: &nonce}
	msg, err := SignableMessage(r)
	require.NoError(t, err)
	sig, err := cryptobox.PersonalSign([]byte(msg), key)
	require.NoError(t, err)
	r.Sig = hexutil.Encode(sig)
	return r
}

func signedCreate2Route(t *testing.T, key *ecdsa.PrivateKey, url string) Route {
	t.Helper()
	deployer := crypto.PubkeyToAddress(key.PublicKey)
	salt := [32]byte(crypto.Keccak256Hash([]byte("salt")))
	initCodeHash := [32]byte(crypto.Keccak256Hash([]byte("init code")))
	addr := deriver.NormalizeAddress(deriver.Create2(deployer, salt, initCodeHash))
	r := Route{
		Addr:         addr,
		ProofType:    ProofCreate2,
		URL:          url,
		Salt:         hexutil.Encode(salt[:]),
		InitCodeHash: hexutil.Encode(initCodeHash[:]),
	}
	msg, err := SignableMessage(r)
	require.NoError(t, err)
	sig, err := cryptobox.PersonalSign([]byte(msg), key)
	require.NoError(t, err)
	r.Sig = hexutil.Encode(sig)
	return r
}

func TestValidateRoutesPartialSuccess(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	deployer := crypto.PubkeyToAddress(key.PublicKey)

	good1 := signedCreateRoute(t, key, 33, "https://backend-a.example.com")
	good2 := signedCreateRoute(t, key, 34, "https://backend-b.example.com")

	// Claims nonce 35's address but is signed for nonce 36's message, so the
	// derived address cannot match.
	bad := signedCreateRoute(t, key, 36, "https://backend-c.example.com")
	bad.Addr = deriver.NormalizeAddress(deriver.Create(deployer, 35))

	res := NewValidator(nil).ValidateRoutes([]Route{good1, bad, good2})
	require.Len(t, res.Valid, 2)
	require.Equal(t, good1.Addr, res.Valid[0].Addr)
	require.Equal(t, good1.URL, res.Valid[0].URL)
	require.Equal(t, deployer, res.Valid[0].Signer)
	require.Equal(t, good2.Addr, res.Valid[1].Addr)

	require.Len(t, res.Invalid, 1)
	// Recovery succeeds over the announced fields but yields the wrong deployer
	// address for the claimed contract.
	require.True(t, errors.Is(res.Invalid[0].Err, ErrOwnershipMismatch))
}

func TestValidateRoutesCreate2(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	r := signedCreate2Route(t, key, "https://backend.example.com")

	res := NewValidator(nil).ValidateRoutes([]Route{r})
	require.Empty(t, res.Invalid)
	require.Len(t, res.Valid, 1)
	require.Equal(t, r.Addr, res.Valid[0].Addr)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), res.Valid[0].Signer)
}

func TestValidateRoutesRejections(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	good := signedCreateRoute(t, key, 1, "https://backend.example.com")

	missingSig := good
	missingSig.Sig = ""

	badProof := good
	badProof.ProofType = "selfdestruct"

	badURL := signedCreateRoute(t, key, 1, "ftp://backend.example.com")

	badAddr := good
	badAddr.Addr = "0x1234"

	// A well-formed signature from a key that did not deploy the contract.
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	badSig := good
	msg, err := SignableMessage(badSig)
	require.NoError(t, err)
	forged, err := cryptobox.PersonalSign([]byte(msg), otherKey)
	require.NoError(t, err)
	badSig.Sig = hexutil.Encode(forged)

	noNonce := good
	noNonce.Nonce = nil

	cases := map[string]struct {
		route Route
		want  error
	}{
		"missing sig":      {missingSig, ErrMissingFields},
		"unknown proof":    {badProof, ErrUnsupportedProofType},
		"non-http url":     {badURL, ErrMissingFields},
		"bad address":      {badAddr, deriver.ErrInvalidAddress},
		"missing nonce":    {noNonce, ErrMissingFields},
		"forged signature": {badSig, ErrOwnershipMismatch},
	}
	v := NewValidator(nil)
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			res := v.ValidateRoutes([]Route{c.route})
			require.Empty(t, res.Valid)
			require.Len(t, res.Invalid, 1)
			require.True(t, errors.Is(res.Invalid[0].Err, c.want), "got %v", res.Invalid[0].Err)
		})
	}
}

func TestValidateRoutesLastOccurrenceWins(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	first := signedCreateRoute(t, key, 7, "https://old.example.com")
	second := signedCreateRoute(t, key, 7, "https://new.example.com")
	other := signedCreateRoute(t, key, 8, "https://other.example.com")

	res := NewValidator(nil).ValidateRoutes([]Route{first, other, second})
	require.Empty(t, res.Invalid)
	require.Len(t, res.Valid, 2)
	require.Equal(t, first.Addr, res.Valid[0].Addr)
	require.Equal(t, "https://new.example.com", res.Valid[0].URL)
	require.Equal(t, other.Addr, res.Valid[1].Addr)
}

func TestValidatePayload(t *testing.T) {
	rsaKey, err := cryptobox.GenerateRSAKey()
	require.NoError(t, err)
	ecKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	v := NewValidator(rsaKey)

	plain, err := json.Marshal(Announcement{Routes: []Route{
		signedCreateRoute(t, ecKey, 33, "https://backend.example.com"),
	}})
	require.NoError(t, err)
	ct, err := cryptobox.HybridEncrypt(&rsaKey.PublicKey, plain)
	require.NoError(t, err)

	// Raw and base64-wrapped forms both validate.
	wrapped := []byte(base64.StdEncoding.EncodeToString(ct))
	for _, payload := range [][]byte{ct, wrapped} {
		res, err := v.ValidatePayload(payload)
		require.NoError(t, err)
		require.Len(t, res.Valid, 1)
		require.Empty(t, res.Invalid)
	}
}

func TestValidatePayloadDeterministicRejections(t *testing.T) {
	rsaKey, err := cryptobox.GenerateRSAKey()
	require.NoError(t, err)
	v := NewValidator(rsaKey)

	// Undecryptable bytes.
	_, err = v.ValidatePayload([]byte("junk"))
	require.True(t, errors.Is(err, cryptobox.ErrDecryptionFailed))

	// Decrypts but is not an announcement.
	ct, err := cryptobox.HybridEncrypt(&rsaKey.PublicKey, []byte(`"just a string"`))
	require.NoError(t, err)
	_, err = v.ValidatePayload(ct)
	require.True(t, errors.Is(err, ErrBadPayload))

	// Valid JSON object with no routes array.
	ct, err = cryptobox.HybridEncrypt(&rsaKey.PublicKey, []byte(`{}`))
	require.NoError(t, err)
	_, err = v.ValidatePayload(ct)
	require.True(t, errors.Is(err, ErrBadPayload))

	// An empty routes array is a valid, empty result.
	ct, err = cryptobox.HybridEncrypt(&rsaKey.PublicKey, []byte(`{"routes":[]}`))
	require.NoError(t, err)
	res, err := v.ValidatePayload(ct)
	require.NoError(t, err)
	require.Empty(t, res.Valid)
	require.Empty(t, res.Invalid)
}
