// Package challenge drives the HTTP challenge–response handshake that gates
// route installation. For every validated candidate the engine mints a signed
// challenge, posts it to the prover's /challenge endpoint, verifies that the
// returned ECDSA signature recovers to the contract deployer, and only then
// installs the route. Challenges for one address are serialized and coalesced;
// different addresses run in parallel up to a configured fan-out.
package challenge

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/veriroute/veriroute/internal/cryptobox"
	"github.com/veriroute/veriroute/internal/metrics"
	"github.com/veriroute/veriroute/internal/routeset"
	"github.com/veriroute/veriroute/internal/store"
)

var log = logrus.WithField("prefix", "challenge")

// ErrBusy is returned by Submit when the engine queue is full. The caller is
// expected to hold back (and keep the consensus watermark) until there is room.
var ErrBusy = errors.New("challenge queue full")

// State of a challenge record. Failed and Expired are terminal; Verified is
// terminal once the route is installed.
type State int

const (
	Pending State = iota
	Verified
	Failed
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Blob is the signed challenge body. Canonical JSON of this struct is what
// the prover signs with the deployer key.
type Blob struct {
	Action          string `json:"action"`
	ChallengeID     string `json:"challengeId"`
	ContractAddress string `json:"contractAddress"`
	Timestamp       int64  `json:"ts"`
	URL             string `json:"url"`
}

const blobAction = "url-verification"

// Record tracks one challenge instance. Records are in-memory only and live
// until the round's terminal verdict has been delivered, then they are dropped.
type Record struct {
	ChallengeID string
	Addr        string
	URL         string
	IssuedAt    time.Time
	State       State
	Reason      string
}

// Candidate is a validated route waiting for its handshake, annotated with
// the batch statistics reported back in confirmations.
type Candidate struct {
	routeset.Candidate
	BatchVerified int
	BatchTotal    int
}

// Config bounds the engine.
type Config struct {
	Fanout         int
	Timeout        time.Duration
	QueueSize      int
	ConfirmRetries int
	Drain          time.Duration
}

func (c *Config) defaults() {
	if c.Fanout <= 0 {
		c.Fanout = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ConfirmRetries <= 0 {
		c.ConfirmRetries = 3
	}
	if c.Drain <= 0 {
		c.Drain = 10 * time.Second
	}
}

type addrState struct {
	inFlight bool
	next     *Candidate // latest coalesced announcement while one is in flight
}

// Engine runs the per-route state machines.
type Engine struct {
	cfg   Config
	db    *store.Store
	priv  *rsa.PrivateKey
	httpc *http.Client

	queue chan Candidate

	mu       sync.Mutex
	byAddr   map[string]*addrState
	sessions map[string][32]byte
	records  map[string]*Record

	wg     sync.WaitGroup
	notify sync.WaitGroup
}

// New builds an engine over the store and the proxy's RSA identity.
func New(cfg Config, db *store.Store, priv *rsa.PrivateKey) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		db:       db,
		priv:     priv,
		httpc:    &http.Client{Timeout: cfg.Timeout},
		queue:    make(chan Candidate, cfg.QueueSize),
		byAddr:   map[string]*addrState{},
		sessions: map[string][32]byte{},
		records:  map[string]*Record{},
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. In-flight
// rounds get a drain window to finish before Run gives up on them.
func (e *Engine) Run(ctx context.Context) error {
	for i := 0; i < e.cfg.Fanout; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.notify.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	select {
	case <-done:
	case <-time.After(e.cfg.Drain):
		log.Warn("Drain window elapsed with challenges still in flight")
	}
	return ctx.Err()
}

// Submit enqueues a candidate. Non-blocking: when the queue is full the
// caller gets ErrBusy and must retry later.
func (e *Engine) Submit(cand Candidate) error {
	select {
	case e.queue <- cand:
		return nil
	default:
		return ErrBusy
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cand := <-e.queue:
			e.dispatch(ctx, cand)
		}
	}
}

// dispatch serializes rounds per address: if a round for cand.Addr is already
// in flight, the candidate replaces any queued successor and this worker moves
// on.
func (e *Engine) dispatch(ctx context.Context, cand Candidate) {
	e.mu.Lock()
	st := e.byAddr[cand.Addr]
	if st == nil {
		st = &addrState{}
		e.byAddr[cand.Addr] = st
	}
	if st.inFlight {
		st.next = &cand
		e.mu.Unlock()
		return
	}
	st.inFlight = true
	e.mu.Unlock()

	for {
		e.runRound(ctx, cand)

		e.mu.Lock()
		if st.next == nil || ctx.Err() != nil {
			st.inFlight = false
			e.mu.Unlock()
			return
		}
		cand = *st.next
		st.next = nil
		e.mu.Unlock()
	}
}

// runRound executes one full challenge lifecycle for a candidate. The round
// context detaches from worker cancellation so a shutdown drains in-flight
// rounds instead of killing them mid-handshake.
func (e *Engine) runRound(ctx context.Context, cand Candidate) {
	rec, blob, err := e.issue(cand)
	if err != nil {
		log.WithField("addr", cand.Addr).WithError(err).Error("Could not mint challenge")
		return
	}
	defer e.dropRecord(rec.ChallengeID)

	base := context.WithoutCancel(ctx)
	roundCtx, cancel := context.WithTimeout(base, e.cfg.Timeout)
	defer cancel()

	resp, err := e.post(roundCtx, cand, blob)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.finish(rec, Expired, "challenge deadline reached")
		} else {
			e.finish(rec, Failed, err.Error())
		}
		e.confirm(base, cand, rec)
		return
	}

	if err := e.verify(cand, blob, resp); err != nil {
		e.finish(rec, Failed, err.Error())
		e.confirm(base, cand, rec)
		return
	}

	// Both sides can derive the next session key from material they already
	// hold; it rotates on every successful round because the challenge id is
	// fresh.
	e.rotateSession(cand.Addr, blob.ChallengeID, resp.Signature)

	if err := e.db.UpdateRoutes(map[string]string{cand.Addr: cand.URL}); err != nil {
		log.WithField("addr", cand.Addr).WithError(err).Error("Route install failed")
		e.finish(rec, Failed, "store write failed")
		return
	}
	e.finish(rec, Verified, "")
	metrics.RoutesInstalled.Inc()
	log.WithFields(logrus.Fields{"addr": cand.Addr, "url": cand.URL}).Info("Route installed")
	e.confirm(base, cand, rec)
}

func (e *Engine) issue(cand Candidate) (*Record, *Blob, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, nil, errors.Wrap(err, "challenge id")
	}
	blob := &Blob{
		Action:          blobAction,
		ChallengeID:     hexutil.Encode(id[:]),
		ContractAddress: cand.Addr,
		Timestamp:       time.Now().Unix(),
		URL:             cand.URL,
	}
	rec := &Record{
		ChallengeID: blob.ChallengeID,
		Addr:        cand.Addr,
		URL:         cand.URL,
		IssuedAt:    time.Now(),
		State:       Pending,
	}
	e.mu.Lock()
	e.records[rec.ChallengeID] = rec
	e.mu.Unlock()
	return rec, blob, nil
}

type challengeRequest struct {
	Challenge *Blob  `json:"challenge"`
	Signature string `json:"signature"`
}

type challengeResponse struct {
	ChallengeID string `json:"challengeId"`
	Signature   string `json:"signature"`
	Status      string `json:"status"`
}

// post sends the signed challenge to the prover and decodes the reply. The
// body is session-AES-encrypted when a session with this address already
// exists; first contact is cleartext.
func (e *Engine) post(ctx context.Context, cand Candidate, blob *Blob) (*challengeResponse, error) {
	sig, err := cryptobox.RSASign(e.priv, blob)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(challengeRequest{
		Challenge: blob,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal challenge")
	}

	sessionKey, hasSession := e.session(cand.Addr)
	if hasSession {
		if body, err = cryptobox.SessionEncrypt(sessionKey, body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cand.URL+"/challenge", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build challenge request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return nil, errors.Wrap(err, "challenge post")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read challenge response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("prover returned http %d", resp.StatusCode)
	}

	var out challengeResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.ChallengeID != "" {
		return &out, nil
	}
	if hasSession {
		plain, err := cryptobox.SessionDecrypt(sessionKey, raw)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(plain, &out); err != nil {
			return nil, errors.Wrap(err, "parse challenge response")
		}
		return &out, nil
	}
	return nil, errors.New("unparseable challenge response")
}

// verify checks the prover's signature: EIP-191 over the canonical JSON of
// the challenge blob, recovering to the deployer address.
func (e *Engine) verify(cand Candidate, blob *Blob, resp *challengeResponse) error {
	if resp.ChallengeID != blob.ChallengeID {
		return errors.Errorf("challenge id mismatch: sent %s, got %s", blob.ChallengeID, resp.ChallengeID)
	}
	sig, err := hexutil.Decode(resp.Signature)
	if err != nil {
		return errors.Wrap(cryptobox.ErrSignatureInvalid, "response signature is not hex")
	}
	msg, err := cryptobox.CanonicalJSON(blob)
	if err != nil {
		return err
	}
	if !cryptobox.PersonalVerify(msg, sig, cand.Signer) {
		return errors.Wrapf(cryptobox.ErrSignatureInvalid, "response does not recover to %s", cand.Signer.Hex())
	}
	return nil
}

func (e *Engine) finish(rec *Record, state State, reason string) {
	e.mu.Lock()
	rec.State = state
	rec.Reason = reason
	e.mu.Unlock()
	metrics.ChallengeOutcomes.WithLabelValues(state.String()).Inc()
	if state != Verified {
		log.WithFields(logrus.Fields{"addr": rec.Addr, "state": state.String(), "reason": reason}).
			Warn("Challenge not verified")
	}
}

func (e *Engine) session(addr string) ([32]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.sessions[addr]
	return key, ok
}

// rotateSession installs sha256(challengeId || responseSignature) as the new
// session key for addr. The prover derives the same value from its own copy
// of both.
func (e *Engine) rotateSession(addr, challengeID, signature string) {
	key := DeriveSessionKey(challengeID, signature)
	e.mu.Lock()
	e.sessions[addr] = key
	e.mu.Unlock()
}

// DeriveSessionKey computes the shared post-handshake key from the challenge
// id and the prover's response signature, both as their wire-form strings.
func DeriveSessionKey(challengeID, signature string) [32]byte {
	return sha256.Sum256([]byte(challengeID + signature))
}

// SessionKey exposes the current session key for an address (testing and
// status introspection).
func (e *Engine) SessionKey(addr string) ([32]byte, bool) {
	return e.session(addr)
}

// dropRecord garbage-collects a record once its round is over. Without this
// the map would grow by one entry per round for the life of the process.
func (e *Engine) dropRecord(challengeID string) {
	e.mu.Lock()
	delete(e.records, challengeID)
	e.mu.Unlock()
}

// RecordFor returns a copy of the record for an in-flight challenge id.
func (e *Engine) RecordFor(challengeID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[challengeID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
