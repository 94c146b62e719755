package cryptobox

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"

	"github.com/pkg/errors"
)

const rsaKeyBits = 2048

// GenerateRSAKey creates the proxy's long-lived 2048-bit identity key.
func GenerateRSAKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "generate rsa key")
	}
	return key, nil
}

// EncodePrivatePEM renders the private key as PKCS#8 PEM.
func EncodePrivatePEM(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", errors.Wrap(err, "marshal pkcs8")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// EncodePublicPEM renders the public key as SPKI PEM.
func EncodePublicPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "marshal spki")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodePrivatePEM parses a PKCS#8 PEM RSA private key.
func DecodePrivatePEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("no pem block in private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse pkcs8")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return key, nil
}

// DecodePublicPEM parses an SPKI PEM RSA public key.
func DecodePublicPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("no pem block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse spki")
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not rsa")
	}
	return pub, nil
}

// CanonicalJSON renders v with object keys sorted so that both ends of a
// handshake hash the same bytes. Numbers round-trip through json.Number to
// avoid float formatting drift.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonical json")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, errors.Wrap(err, "canonical json")
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, errors.Wrap(err, "canonical json")
	}
	return out, nil
}

// RSASign signs SHA-256 of the canonical JSON of blob with RSASSA-PKCS1v15.
func RSASign(key *rsa.PrivateKey, blob interface{}) ([]byte, error) {
	cj, err := CanonicalJSON(blob)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(cj)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "rsa sign")
	}
	return sig, nil
}

// RSAVerify checks an RSASSA-PKCS1v15 signature over the canonical JSON of blob.
func RSAVerify(pub *rsa.PublicKey, blob interface{}, sig []byte) error {
	cj, err := CanonicalJSON(blob)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(cj)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return errors.Wrap(ErrSignatureInvalid, "rsa verify")
	}
	return nil
}
