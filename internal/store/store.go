// Package store owns the proxy's durable state: the routing table, the RSA
// identity key pair, and the per-topic consensus watermarks. Everything lives
// in one JSON document that is atomically rewritten (write temp, fsync,
// rename) on every mutation, so a crash at any instant leaves either the old
// or the new document on disk.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "store")

// ErrWriteFailed wraps any failure to persist the document. Callers must not
// treat the mutation as applied when they see it.
var ErrWriteFailed = errors.New("store write failed")

const schemaVersion = "1.0"

// RSAKeys is the persisted PEM form of the proxy identity.
type RSAKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	CreatedAt  string `json:"createdAt"`
}

// Metadata carries everything that is not the routing table itself.
type Metadata struct {
	RSAKeys     *RSAKeys          `json:"rsaKeys"`
	Sequences   map[string]uint64 `json:"sequences"`
	LastUpdated string            `json:"lastUpdated"`
	Version     string            `json:"version"`
}

// Document is the single persisted JSON object.
type Document struct {
	Routes   map[string]string `json:"routes"`
	Metadata Metadata          `json:"metadata"`
}

// Store serializes all mutations through an internal mutex; reads take a
// shared lock and copy, so dispatch-path lookups never block each other.
type Store struct {
	path string

	mu  sync.RWMutex
	doc Document
}

// Open loads the document at path, migrating older layouts, or starts a fresh
// one when the file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: emptyDocument()}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Info("No existing database, starting fresh")
			return s, nil
		}
		return nil, errors.Wrap(err, "read database")
	}
	doc, err := migrate(raw)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	log.WithFields(logrus.Fields{"path": path, "routes": len(doc.Routes)}).Info("Database loaded")
	return s, nil
}

// migrate applies the schema upgrades: a document without routes/metadata is
// the old flat addr→url map and gets wrapped; a missing version becomes "1.0".
func migrate(raw []byte) (Document, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Document{}, errors.Wrap(err, "parse database")
	}
	_, hasRoutes := probe["routes"]
	_, hasMeta := probe["metadata"]
	if !hasRoutes && !hasMeta {
		var flat map[string]string
		if err := json.Unmarshal(raw, &flat); err != nil {
			return Document{}, errors.Wrap(err, "parse legacy database")
		}
		doc := emptyDocument()
		for addr, url := range flat {
			doc.Routes[strings.ToLower(addr)] = url
		}
		log.WithField("routes", len(flat)).Info("Migrated legacy flat-map database")
		return doc, nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, errors.Wrap(err, "parse database")
	}
	if doc.Routes == nil {
		doc.Routes = map[string]string{}
	}
	if doc.Metadata.Sequences == nil {
		doc.Metadata.Sequences = map[string]uint64{}
	}
	if doc.Metadata.Version == "" {
		doc.Metadata.Version = schemaVersion
	}
	return doc, nil
}

func emptyDocument() Document {
	return Document{
		Routes: map[string]string{},
		Metadata: Metadata{
			Sequences: map[string]uint64{},
			Version:   schemaVersion,
		},
	}
}

// GetTarget returns the backend URL installed for addr, if any. addr is
// matched case-insensitively.
func (s *Store) GetTarget(addr string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	url, ok := s.doc.Routes[strings.ToLower(addr)]
	return url, ok
}

// Routes returns a copy of the routing table.
func (s *Store) Routes() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.doc.Routes))
	for k, v := range s.doc.Routes {
		out[k] = v
	}
	return out
}

// UpdateRoutes merges the given addr→url entries into the routing table and
// persists. Unrelated entries are preserved; keys are lowercased.
func (s *Store) UpdateRoutes(routes map[string]string) error {
	if len(routes) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	for addr, url := range routes {
		next.Routes[strings.ToLower(addr)] = url
	}
	next.Metadata.LastUpdated = nowISO()
	return s.commitLocked(next)
}

// SetRSAKeys stores the identity key pair. Intended to be called once, when
// the pair is first generated.
func (s *Store) SetRSAKeys(publicPEM, privatePEM string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next.Metadata.RSAKeys = &RSAKeys{
		PublicKey:  publicPEM,
		PrivateKey: privatePEM,
		CreatedAt:  nowISO(),
	}
	next.Metadata.LastUpdated = nowISO()
	return s.commitLocked(next)
}

// GetRSAKeys returns the stored key pair, or nil when none was generated yet.
func (s *Store) GetRSAKeys() *RSAKeys {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.Metadata.RSAKeys == nil {
		return nil
	}
	cp := *s.doc.Metadata.RSAKeys
	return &cp
}

// Watermark returns the last processed sequence number for a topic.
func (s *Store) Watermark(topic string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Metadata.Sequences[topic]
}

// AdvanceWatermark moves the topic watermark forward. Sequence numbers at or
// below the current watermark are ignored, keeping the mapping monotone.
func (s *Store) AdvanceWatermark(topic string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.doc.Metadata.Sequences[topic] {
		return nil
	}
	next := s.cloneLocked()
	next.Metadata.Sequences[topic] = seq
	next.Metadata.LastUpdated = nowISO()
	return s.commitLocked(next)
}

// Snapshot returns a deep copy of the whole document, for /status and tests.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloneLocked()
}

// Flush rewrites the current document. Used on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(s.cloneLocked())
}

// cloneLocked deep-copies the document so a failed write never leaves the
// in-memory state half mutated. Caller holds at least the read lock.
func (s *Store) cloneLocked() Document {
	next := Document{
		Routes: make(map[string]string, len(s.doc.Routes)),
		Metadata: Metadata{
			Sequences:   make(map[string]uint64, len(s.doc.Metadata.Sequences)),
			LastUpdated: s.doc.Metadata.LastUpdated,
			Version:     s.doc.Metadata.Version,
		},
	}
	for k, v := range s.doc.Routes {
		next.Routes[k] = v
	}
	for k, v := range s.doc.Metadata.Sequences {
		next.Metadata.Sequences[k] = v
	}
	if s.doc.Metadata.RSAKeys != nil {
		cp := *s.doc.Metadata.RSAKeys
		next.Metadata.RSAKeys = &cp
	}
	return next
}

// commitLocked persists next and only then installs it in memory. Caller
// holds the write lock.
func (s *Store) commitLocked(next Document) error {
	if err := writeAtomic(s.path, next); err != nil {
		return errors.Wrap(ErrWriteFailed, err.Error())
	}
	s.doc = next
	return nil
}

func writeAtomic(path string, doc Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal database")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	tmp, err := os.CreateTemp(dir, ".db-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "rename into place")
	}
	// Best-effort directory sync so the rename itself is durable.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
