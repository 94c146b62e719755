// Package routeset turns a consensus-log payload into validated route
// candidates. A payload is hybrid-decrypted, parsed as {routes:[...]}, and
// each route is checked independently: the announcement signature must
// recover to the address that deployed the contract under the claimed CREATE
// or CREATE2 proof. Invalid routes never abort the batch.
package routeset

import (
	"crypto/rsa"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/veriroute/veriroute/internal/cryptobox"
	"github.com/veriroute/veriroute/internal/deriver"
)

var log = logrus.WithField("prefix", "routeset")

// Per-route rejection reasons. Decryption and payload-level failures are
// reported by ValidatePayload instead.
var (
	ErrMissingFields        = errors.New("missing fields")
	ErrUnsupportedProofType = errors.New("unsupported proof type")
	ErrOwnershipMismatch    = errors.New("ownership mismatch")
	ErrBadPayload           = errors.New("bad announcement payload")
)

// ProofType selects the address-derivation scheme a route's witness belongs to.
const (
	ProofCreate  = "create"
	ProofCreate2 = "create2"
)

// Route is one announced (addr, proof, url, sig) tuple as it appears on the
// wire. Nonce is a pointer so "nonce": 0 and a missing nonce are distinguishable.
type Route struct {
	Addr         string  `json:"addr"`
	ProofType    string  `json:"proofType"`
	URL          string  `json:"url"`
	Sig          string  `json:"sig"`
	Nonce        *uint64 `json:"nonce,omitempty"`
	Salt         string  `json:"salt,omitempty"`
	InitCodeHash string  `json:"initCodeHash,omitempty"`
}

// Announcement is the decrypted payload shape.
type Announcement struct {
	Routes []Route `json:"routes"`
}

// Candidate is a route that passed ownership validation and awaits the
// challenge handshake.
type Candidate struct {
	Addr   string // normalized 0x-lowercase
	URL    string
	Signer common.Address
}

// Rejection pairs an invalid route with its specific reason.
type Rejection struct {
	Route Route
	Err   error
}

// Result carries the partial-success outcome of one payload.
type Result struct {
	Valid   []Candidate
	Invalid []Rejection
}

// Validator checks announcement payloads against the proxy's RSA identity.
type Validator struct {
	priv *rsa.PrivateKey
}

func NewValidator(priv *rsa.PrivateKey) *Validator {
	return &Validator{priv: priv}
}

// ValidatePayload decrypts and validates one reassembled log payload.
// A payload that cannot be decrypted or parsed is a deterministic rejection
// of the whole message; per-route failures land in Result.Invalid.
func (v *Validator) ValidatePayload(ciphertext []byte) (*Result, error) {
	plain, err := cryptobox.HybridDecrypt(v.priv, ciphertext)
	if err != nil {
		return nil, err
	}
	var ann Announcement
	if err := json.Unmarshal(plain, &ann); err != nil {
		return nil, errors.Wrap(ErrBadPayload, err.Error())
	}
	if ann.Routes == nil {
		return nil, errors.Wrap(ErrBadPayload, "no routes array")
	}
	return v.ValidateRoutes(ann.Routes), nil
}

// ValidateRoutes checks every route independently. When the same address is
// announced more than once in a payload, the last occurrence wins.
func (v *Validator) ValidateRoutes(routes []Route) *Result {
	res := &Result{}
	lastByAddr := map[string]int{}
	for _, r := range routes {
		cand, err := validateRoute(r)
		if err != nil {
			log.WithFields(logrus.Fields{"addr": r.Addr, "url": r.URL}).WithError(err).Warn("Route rejected")
			res.Invalid = append(res.Invalid, Rejection{Route: r, Err: err})
			continue
		}
		if i, seen := lastByAddr[cand.Addr]; seen {
			res.Valid[i] = *cand
			continue
		}
		lastByAddr[cand.Addr] = len(res.Valid)
		res.Valid = append(res.Valid, *cand)
	}
	return res
}

func validateRoute(r Route) (*Candidate, error) {
	if r.Addr == "" || r.ProofType == "" || r.URL == "" || r.Sig == "" {
		return nil, errors.Wrap(ErrMissingFields, "addr, proofType, url and sig are required")
	}
	addr, err := deriver.Normalize(r.Addr)
	if err != nil {
		return nil, err
	}
	if err := checkURL(r.URL); err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(withHexPrefix(r.Sig))
	if err != nil {
		return nil, errors.Wrap(cryptobox.ErrSignatureInvalid, "sig is not hex")
	}

	msg, err := SignableMessage(r)
	if err != nil {
		return nil, err
	}
	signer, err := cryptobox.PersonalRecover([]byte(msg), sig)
	if err != nil {
		return nil, err
	}

	var derived common.Address
	switch strings.ToLower(r.ProofType) {
	case ProofCreate:
		derived = deriver.Create(signer, *r.Nonce)
	case ProofCreate2:
		salt, err := parseHash32(r.Salt)
		if err != nil {
			return nil, errors.Wrap(ErrMissingFields, "salt")
		}
		initCodeHash, err := parseHash32(r.InitCodeHash)
		if err != nil {
			return nil, errors.Wrap(ErrMissingFields, "initCodeHash")
		}
		derived = deriver.Create2(signer, salt, initCodeHash)
	default:
		return nil, errors.Wrapf(ErrUnsupportedProofType, "%q", r.ProofType)
	}
	if deriver.NormalizeAddress(derived) != addr {
		return nil, errors.Wrapf(ErrOwnershipMismatch, "derived %s for signer %s", derived.Hex(), signer.Hex())
	}
	return &Candidate{Addr: addr, URL: r.URL, Signer: signer}, nil
}

// SignableMessage is the exact string a prover signs for a route:
// normalized addr, proof type, witness, url, concatenated. For CREATE the
// witness is the decimal nonce; for CREATE2 it is salt followed by
// initCodeHash as announced.
func SignableMessage(r Route) (string, error) {
	addr, err := deriver.Normalize(r.Addr)
	if err != nil {
		return "", err
	}
	proof := strings.ToLower(r.ProofType)
	switch proof {
	case ProofCreate:
		if r.Nonce == nil {
			return "", errors.Wrap(ErrMissingFields, "nonce")
		}
		return addr + proof + strconv.FormatUint(*r.Nonce, 10) + r.URL, nil
	case ProofCreate2:
		if r.Salt == "" || r.InitCodeHash == "" {
			return "", errors.Wrap(ErrMissingFields, "salt and initCodeHash")
		}
		return addr + proof + r.Salt + r.InitCodeHash + r.URL, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedProofType, "%q", r.ProofType)
	}
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.Wrapf(ErrMissingFields, "url %q is not absolute http(s)", raw)
	}
	return nil
}

func parseHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(withHexPrefix(s))
	if err != nil || len(b) != 32 {
		return out, errors.Errorf("%q is not 32 bytes of hex", s)
	}
	copy(out[:], b)
	return out, nil
}

func withHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
