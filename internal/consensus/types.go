// Package consensus abstracts the append-only topic substrate the control
// plane rides on. The proxy only needs ordered reads; the shipped
// implementation polls a Hedera-style mirror node over REST. Writing to the
// topic (publishing the proxy public key, fee quoting in cents) stays behind
// the Submitter interface and is provided by external tooling.
package consensus

import "context"

// ChunkInfo marks a message that is one fragment of a larger payload. All
// fragments of one payload share the originating transaction's valid-start
// timestamp.
type ChunkInfo struct {
	Number                int
	Total                 int
	TransactionValidStart string
}

// Message is one consensus-log entry, already base64-decoded.
type Message struct {
	TopicID            string
	SequenceNumber     uint64
	ConsensusTimestamp string
	Contents           []byte
	Chunk              *ChunkInfo
}

// Fetcher reads a topic in consensus order.
type Fetcher interface {
	// Fetch returns up to limit messages with sequence number strictly greater
	// than afterSeq, in ascending sequence order. An empty slice means the
	// topic has no news yet.
	Fetch(ctx context.Context, topicID string, afterSeq uint64, limit int) ([]Message, error)
}

// Submitter publishes a message to a topic, paying at most maxFeeCents worth
// of the substrate's native fee unit (converted via an external exchange-rate
// source). Returns the assigned sequence number.
type Submitter interface {
	Submit(ctx context.Context, topicID string, payload []byte, maxFeeCents int64) (uint64, error)
}
