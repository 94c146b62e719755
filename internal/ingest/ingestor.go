// Package ingest pumps the consensus topic into the route pipeline. It polls
// the substrate from the persisted watermark, reassembles chunked payloads,
// hands complete payloads to the validator, and feeds accepted candidates to
// the challenge engine. The watermark only moves over messages that reached a
// terminal decision, so a crash never skips an unprocessed announcement.
package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veriroute/veriroute/internal/challenge"
	"github.com/veriroute/veriroute/internal/consensus"
	"github.com/veriroute/veriroute/internal/metrics"
	"github.com/veriroute/veriroute/internal/routeset"
	"github.com/veriroute/veriroute/internal/store"
)

var log = logrus.WithField("prefix", "ingest")

// Config bounds the ingestor.
type Config struct {
	Topic        string
	PollInterval time.Duration
	ChunkTTL     time.Duration
	FetchLimit   int
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ChunkTTL <= 0 {
		c.ChunkTTL = 60 * time.Second
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 100
	}
}

// chunkGroup buffers the fragments of one chunked payload, keyed by the
// originating transaction's valid-start timestamp.
type chunkGroup struct {
	total     int
	parts     map[int][]byte
	seqs      []uint64
	firstSeen time.Time
}

// Ingestor owns the chunk groups and the poll loop.
type Ingestor struct {
	cfg       Config
	fetcher   consensus.Fetcher
	db        *store.Store
	validator *routeset.Validator
	engine    *challenge.Engine

	groups  map[string]*chunkGroup
	pending map[uint64]struct{} // buffered chunk seqs holding the watermark
	cursor  uint64              // highest sequence seen this run
}

// New wires the ingestor; Run does the work.
func New(cfg Config, fetcher consensus.Fetcher, db *store.Store, validator *routeset.Validator, engine *challenge.Engine) *Ingestor {
	cfg.defaults()
	return &Ingestor{
		cfg:       cfg,
		fetcher:   fetcher,
		db:        db,
		validator: validator,
		engine:    engine,
		groups:    map[string]*chunkGroup{},
		pending:   map[uint64]struct{}{},
	}
}

// Run polls until ctx is cancelled. Transient fetch failures back off
// exponentially and never move the watermark.
func (i *Ingestor) Run(ctx context.Context) error {
	i.cursor = i.db.Watermark(i.cfg.Topic)
	backoff := i.cfg.PollInterval
	for {
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
		msgs, err := i.fetcher.Fetch(ctx, i.cfg.Topic, i.cursor, i.cfg.FetchLimit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lvl := log.WithError(err)
			if consensus.IsTransient(err) {
				lvl.Warn("Topic fetch failed, backing off")
			} else {
				lvl.Error("Topic fetch failed")
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		backoff = i.cfg.PollInterval

		for _, msg := range msgs {
			if err := i.handle(ctx, msg); err != nil {
				return err
			}
		}
		i.sweepChunks()

		// Drain fast when the topic has backlog.
		if len(msgs) == i.cfg.FetchLimit {
			backoff = 0
		}
	}
}

// handle processes one message in sequence order. It returns an error only
// when ctx is cancelled.
func (i *Ingestor) handle(ctx context.Context, msg consensus.Message) error {
	if msg.SequenceNumber <= i.cursor && i.cursor != 0 {
		return nil // duplicate delivery
	}
	i.cursor = msg.SequenceNumber

	if msg.Chunk != nil {
		payload, done := i.addChunk(msg)
		if !done {
			i.pending[msg.SequenceNumber] = struct{}{}
			return nil
		}
		return i.process(ctx, payload, msg.SequenceNumber)
	}
	return i.process(ctx, msg.Contents, msg.SequenceNumber)
}

// addChunk buffers a fragment and returns the reassembled payload when the
// group is complete.
func (i *Ingestor) addChunk(msg consensus.Message) ([]byte, bool) {
	key := msg.Chunk.TransactionValidStart
	g := i.groups[key]
	if g == nil {
		g = &chunkGroup{total: msg.Chunk.Total, parts: map[int][]byte{}, firstSeen: time.Now()}
		i.groups[key] = g
	}
	g.parts[msg.Chunk.Number] = msg.Contents
	g.seqs = append(g.seqs, msg.SequenceNumber)
	if len(g.parts) < g.total {
		return nil, false
	}
	var payload []byte
	for n := 1; n <= g.total; n++ {
		part, ok := g.parts[n]
		if !ok {
			// Duplicate numbers filled the count without covering the range;
			// keep waiting for the real missing chunk.
			return nil, false
		}
		payload = append(payload, part...)
	}
	delete(i.groups, key)
	for _, seq := range g.seqs {
		delete(i.pending, seq)
	}
	log.WithFields(logrus.Fields{"chunks": g.total, "bytes": len(payload)}).Debug("Chunk group reassembled")
	return payload, true
}

// process validates a complete payload, feeds the engine, and advances the
// watermark once the decision is terminal.
func (i *Ingestor) process(ctx context.Context, payload []byte, seq uint64) error {
	res, err := i.validator.ValidatePayload(payload)
	if err != nil {
		// Undecryptable or malformed: deterministic rejection, never retried.
		log.WithField("seq", seq).WithError(err).Warn("Message rejected")
		metrics.MessagesRejected.Inc()
		return i.advance(ctx, seq)
	}

	batchVerified := len(res.Valid)
	batchTotal := len(res.Valid) + len(res.Invalid)
	for _, rej := range res.Invalid {
		i.engine.NotifyRejection(ctx, rej, batchVerified, batchTotal)
	}
	for _, cand := range res.Valid {
		if err := i.submit(ctx, challenge.Candidate{
			Candidate:     cand,
			BatchVerified: batchVerified,
			BatchTotal:    batchTotal,
		}); err != nil {
			return err
		}
	}
	metrics.MessagesIngested.Inc()
	return i.advance(ctx, seq)
}

// submit blocks while the engine queue is full; holding here is the
// backpressure that keeps the watermark from advancing.
func (i *Ingestor) submit(ctx context.Context, cand challenge.Candidate) error {
	for {
		err := i.engine.Submit(cand)
		if err == nil {
			return nil
		}
		if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
}

// advance moves the persisted watermark to seq, or just below the oldest
// buffered chunk when one is still pending.
func (i *Ingestor) advance(ctx context.Context, seq uint64) error {
	target := seq
	if min, ok := i.minPending(); ok && min <= target {
		target = min - 1
	}
	if err := i.db.AdvanceWatermark(i.cfg.Topic, target); err != nil {
		// Store write failures must not mark the message processed; the poll
		// loop will re-deliver from the old watermark after restart.
		log.WithField("seq", seq).WithError(err).Error("Watermark not advanced")
	}
	return ctx.Err()
}

func (i *Ingestor) minPending() (uint64, bool) {
	var min uint64
	found := false
	for seq := range i.pending {
		if !found || seq < min {
			min, found = seq, true
		}
	}
	return min, found
}

// sweepChunks drops groups that stayed incomplete past the TTL and releases
// the watermark they were holding.
func (i *Ingestor) sweepChunks() {
	now := time.Now()
	for key, g := range i.groups {
		if now.Sub(g.firstSeen) < i.cfg.ChunkTTL {
			continue
		}
		log.WithFields(logrus.Fields{"group": key, "have": len(g.parts), "want": g.total}).
			Warn("Dropping incomplete chunk group")
		delete(i.groups, key)
		for _, seq := range g.seqs {
			delete(i.pending, seq)
		}
		metrics.MessagesRejected.Inc()
	}
	if len(i.pending) == 0 && i.cursor > i.db.Watermark(i.cfg.Topic) {
		if err := i.db.AdvanceWatermark(i.cfg.Topic, i.cursor); err != nil {
			log.WithError(err).Error("Watermark not advanced after sweep")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
