package cryptobox

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestHybridRoundTrip(t *testing.T) {
	priv, err := GenerateRSAKey()
	require.NoError(t, err)

	sizes := []int{0, 1, 15, 16, 17, 1024, 1 << 20}
	for _, n := range sizes {
		msg := make([]byte, n)
		_, err := rand.Read(msg)
		require.NoError(t, err)

		ct, err := HybridEncrypt(&priv.PublicKey, msg)
		require.NoError(t, err)
		pt, err := HybridDecrypt(priv, ct)
		require.NoError(t, err)
		require.True(t, bytes.Equal(msg, pt), "size %d", n)
	}
}

func TestHybridDecryptAcceptsBase64Wrapping(t *testing.T) {
	priv, err := GenerateRSAKey()
	require.NoError(t, err)
	msg := []byte(`{"routes":[]}`)

	ct, err := HybridEncrypt(&priv.PublicKey, msg)
	require.NoError(t, err)

	once := []byte(base64.StdEncoding.EncodeToString(ct))
	twice := []byte(base64.StdEncoding.EncodeToString(once))

	for _, payload := range [][]byte{ct, once, twice} {
		pt, err := HybridDecrypt(priv, payload)
		require.NoError(t, err)
		require.Equal(t, msg, pt)
	}
}

func TestHybridDecryptRejectsGarbage(t *testing.T) {
	priv, err := GenerateRSAKey()
	require.NoError(t, err)

	for _, payload := range [][]byte{
		[]byte("not an envelope"),
		[]byte(`{"key":"","iv":"","data":""}`),
		[]byte(`{"iv":"aaaa","data":"aaaa"}`),
	} {
		_, err := HybridDecrypt(priv, payload)
		require.True(t, errors.Is(err, ErrDecryptionFailed), "payload %q", payload)
	}

	// Valid envelope, wrong recipient.
	other, err := GenerateRSAKey()
	require.NoError(t, err)
	ct, err := HybridEncrypt(&other.PublicKey, []byte("secret"))
	require.NoError(t, err)
	_, err = HybridDecrypt(priv, ct)
	require.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestSessionRoundTrip(t *testing.T) {
	key, err := NewSessionKey()
	require.NoError(t, err)
	msg := []byte(`{"challengeId":"0x01","signature":"0x02","status":"ok"}`)

	ct, err := SessionEncrypt(key, msg)
	require.NoError(t, err)
	pt, err := SessionDecrypt(key, ct)
	require.NoError(t, err)
	require.Equal(t, msg, pt)

	wrong, err := NewSessionKey()
	require.NoError(t, err)
	_, err = SessionDecrypt(wrong, ct)
	require.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestPersonalSignRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	msg := []byte("0xabc...create1https://backend.example.com")

	sig, err := PersonalSign(msg, key)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.GreaterOrEqual(t, sig[64], byte(27))

	recovered, err := PersonalRecover(msg, sig)
	require.NoError(t, err)
	require.Equal(t, addr, recovered)
	require.True(t, PersonalVerify(msg, sig, addr))

	// V in 0/1 form must verify too.
	alt := make([]byte, len(sig))
	copy(alt, sig)
	alt[64] -= 27
	require.True(t, PersonalVerify(msg, alt, addr))

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.False(t, PersonalVerify(msg, sig, crypto.PubkeyToAddress(other.PublicKey)))
	require.False(t, PersonalVerify([]byte("tampered"), sig, addr))

	_, err = PersonalRecover(msg, sig[:64])
	require.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestRSASignVerify(t *testing.T) {
	priv, err := GenerateRSAKey()
	require.NoError(t, err)
	blob := map[string]interface{}{
		"action":          "url-verification",
		"challengeId":     "0x01",
		"contractAddress": "0xabc",
		"ts":              1724500000,
		"url":             "https://backend.example.com",
	}

	sig, err := RSASign(priv, blob)
	require.NoError(t, err)
	require.NoError(t, RSAVerify(&priv.PublicKey, blob, sig))

	blob["url"] = "https://evil.example.com"
	err = RSAVerify(&priv.PublicKey, blob, sig)
	require.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestCanonicalJSONOrdersKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.JSONEq(t, `{"a":1,"b":2}`, string(a))

	// Struct and map forms of the same object hash identically.
	type blob struct {
		URL    string `json:"url"`
		Action string `json:"action"`
	}
	s, err := CanonicalJSON(blob{URL: "https://u", Action: "x"})
	require.NoError(t, err)
	m, err := CanonicalJSON(map[string]string{"action": "x", "url": "https://u"})
	require.NoError(t, err)
	require.Equal(t, s, m)
}

func TestPEMRoundTrip(t *testing.T) {
	priv, err := GenerateRSAKey()
	require.NoError(t, err)

	privPEM, err := EncodePrivatePEM(priv)
	require.NoError(t, err)
	pubPEM, err := EncodePublicPEM(&priv.PublicKey)
	require.NoError(t, err)

	gotPriv, err := DecodePrivatePEM(privPEM)
	require.NoError(t, err)
	require.True(t, priv.Equal(gotPriv))

	gotPub, err := DecodePublicPEM(pubPEM)
	require.NoError(t, err)
	require.True(t, priv.PublicKey.Equal(gotPub))

	_, err = DecodePrivatePEM("not a pem")
	require.Error(t, err)
}
