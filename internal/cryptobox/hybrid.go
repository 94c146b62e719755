// Package cryptobox holds the proxy's cryptographic plumbing: the RSA-OAEP +
// AES-256-CBC hybrid envelope used on the consensus topic, the session AES
// scheme used after a successful handshake, EIP-191 personal-message
// signatures, and RSA signing of challenge blobs.
package cryptobox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrDecryptionFailed covers every way a ciphertext can fail to open: bad
// envelope shape, RSA unwrap failure, wrong IV/key sizes, bad CBC padding.
var ErrDecryptionFailed = errors.New("decryption failed")

const (
	aesKeySize = 32
	aesIVSize  = aes.BlockSize
)

// Envelope is the wire form of a hybrid-encrypted payload.
type Envelope struct {
	Key  string `json:"key"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// SessionEnvelope is the wire form of a session-AES payload: no RSA-wrapped
// key, both sides already share one.
type SessionEnvelope struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// HybridEncrypt encrypts plaintext under a fresh AES-256-CBC key, wraps the
// key with RSA-OAEP(SHA-256) to the recipient, and returns the JSON envelope.
func HybridEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "aes key")
	}
	iv := make([]byte, aesIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "iv")
	}
	ct, err := cbcEncrypt(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, errors.Wrap(err, "wrap aes key")
	}
	return json.Marshal(Envelope{
		Key:  base64.StdEncoding.EncodeToString(wrapped),
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(ct),
	})
}

// HybridDecrypt opens a hybrid envelope. Producers are sloppy about wrapping:
// the payload may arrive as raw JSON, base64 of the JSON, or base64 of that
// again, so the envelope is probed and unwrapped up to twice before parsing.
func HybridDecrypt(priv *rsa.PrivateKey, payload []byte) ([]byte, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "key field is not base64")
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "rsa unwrap")
	}
	if len(key) != aesKeySize {
		return nil, errors.Wrapf(ErrDecryptionFailed, "unwrapped key is %d bytes", len(key))
	}
	return openCBC(key, env.IV, env.Data)
}

// SessionEncrypt encrypts plaintext under an already-established session key.
func SessionEncrypt(key [aesKeySize]byte, plaintext []byte) ([]byte, error) {
	iv := make([]byte, aesIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "iv")
	}
	ct, err := cbcEncrypt(key[:], iv, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SessionEnvelope{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(ct),
	})
}

// SessionDecrypt opens a session envelope produced by SessionEncrypt.
func SessionDecrypt(key [aesKeySize]byte, payload []byte) ([]byte, error) {
	var env SessionEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(payload), &env); err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "session envelope")
	}
	if env.IV == "" || env.Data == "" {
		return nil, errors.Wrap(ErrDecryptionFailed, "session envelope missing fields")
	}
	return openCBC(key[:], env.IV, env.Data)
}

// NewSessionKey draws a fresh 32-byte session key.
func NewSessionKey() ([aesKeySize]byte, error) {
	var key [aesKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, errors.Wrap(err, "session key")
	}
	return key, nil
}

// decodeEnvelope probes for ASCII JSON and peels at most two layers of base64
// wrapping before requiring the {key, iv, data} shape.
func decodeEnvelope(payload []byte) (*Envelope, error) {
	b := bytes.TrimSpace(payload)
	for depth := 0; depth <= 2; depth++ {
		if looksLikeJSON(b) {
			var env Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				return nil, errors.Wrap(ErrDecryptionFailed, "envelope json")
			}
			if env.Key == "" || env.IV == "" || env.Data == "" {
				return nil, errors.Wrap(ErrDecryptionFailed, "envelope missing fields")
			}
			return &env, nil
		}
		decoded, err := base64.StdEncoding.DecodeString(string(b))
		if err != nil {
			return nil, errors.Wrap(ErrDecryptionFailed, "payload is neither json nor base64")
		}
		b = bytes.TrimSpace(decoded)
	}
	return nil, errors.Wrap(ErrDecryptionFailed, "base64 nesting too deep")
}

func looksLikeJSON(b []byte) bool {
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	for _, c := range b {
		if c > 0x7f {
			return false
		}
	}
	return true
}

func openCBC(key []byte, ivB64, dataB64 string) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "iv field is not base64")
	}
	ct, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "data field is not base64")
	}
	return cbcDecrypt(key, iv, ct)
}

func cbcEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, nil
}

func cbcDecrypt(key, iv, ct []byte) ([]byte, error) {
	if len(iv) != aesIVSize {
		return nil, errors.Wrapf(ErrDecryptionFailed, "iv is %d bytes", len(iv))
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.Wrapf(ErrDecryptionFailed, "ciphertext length %d", len(ct))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "aes cipher")
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(ErrDecryptionFailed, "empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.Wrap(ErrDecryptionFailed, "bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.Wrap(ErrDecryptionFailed, "bad padding")
		}
	}
	return b[:len(b)-n], nil
}
