package consensus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "consensus")

// ErrUnavailable marks transient substrate failures: the caller should back
// off and retry without advancing any watermark.
var ErrUnavailable = errors.New("mirror unavailable")

const (
	defaultFetchLimit = 100
	mirrorTimeout     = 15 * time.Second
)

// MirrorClient reads topic messages from a mirror-node REST API
// (GET /api/v1/topics/{id}/messages).
type MirrorClient struct {
	baseURL string
	httpc   *http.Client
}

// NewMirrorClient builds a client for the given mirror base URL, e.g.
// https://testnet.mirrornode.hedera.com.
func NewMirrorClient(baseURL string) *MirrorClient {
	return &MirrorClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpc:   &http.Client{Timeout: mirrorTimeout},
	}
}

type mirrorTransactionID struct {
	AccountID             string `json:"account_id"`
	TransactionValidStart string `json:"transaction_valid_start"`
}

type mirrorChunkInfo struct {
	InitialTransactionID *mirrorTransactionID `json:"initial_transaction_id"`
	Number               int                  `json:"number"`
	Total                int                  `json:"total"`
}

type mirrorMessage struct {
	ChunkInfo          *mirrorChunkInfo `json:"chunk_info"`
	ConsensusTimestamp string           `json:"consensus_timestamp"`
	Message            string           `json:"message"`
	SequenceNumber     json.Number      `json:"sequence_number"`
	TopicID            string           `json:"topic_id"`
}

type mirrorPage struct {
	Messages []mirrorMessage `json:"messages"`
}

// Fetch implements Fetcher against the mirror REST surface.
func (c *MirrorClient) Fetch(ctx context.Context, topicID string, afterSeq uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	url := fmt.Sprintf("%s/api/v1/topics/%s/messages?sequencenumber=gt:%d&order=asc&limit=%d",
		c.baseURL, topicID, afterSeq, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build mirror request")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Topic not created yet; nothing to read, not an error worth retrying hard.
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Wrapf(ErrUnavailable, "mirror http %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("mirror http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page mirrorPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, errors.Wrap(err, "parse mirror response")
	}
	out := make([]Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		seq, err := strconv64(m.SequenceNumber)
		if err != nil {
			return nil, errors.Wrap(err, "mirror sequence number")
		}
		contents, err := base64.StdEncoding.DecodeString(m.Message)
		if err != nil {
			return nil, errors.Wrap(err, "mirror message body")
		}
		msg := Message{
			TopicID:            m.TopicID,
			SequenceNumber:     seq,
			ConsensusTimestamp: m.ConsensusTimestamp,
			Contents:           contents,
		}
		if m.ChunkInfo != nil && m.ChunkInfo.Total > 1 {
			ci := &ChunkInfo{Number: m.ChunkInfo.Number, Total: m.ChunkInfo.Total}
			if m.ChunkInfo.InitialTransactionID != nil {
				ci.TransactionValidStart = m.ChunkInfo.InitialTransactionID.TransactionValidStart
			}
			msg.Chunk = ci
		}
		out = append(out, msg)
	}
	if len(out) > 0 {
		log.WithFields(logrus.Fields{"topic": topicID, "count": len(out), "last": out[len(out)-1].SequenceNumber}).
			Debug("Fetched topic messages")
	}
	return out, nil
}

func strconv64(n json.Number) (uint64, error) {
	v, err := n.Int64()
	if err != nil || v < 0 {
		return 0, errors.Errorf("bad sequence number %q", n.String())
	}
	return uint64(v), nil
}

// IsTransient reports whether err is worth a backoff-and-retry rather than a
// terminal decision. Mirrors the transport heuristics used elsewhere in the
// codebase for flaky providers.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, probe := range []string{
		"i/o timeout", "connection reset", "connection refused",
		"tls handshake timeout", "eof", "client.timeout exceeded",
	} {
		if strings.Contains(s, probe) {
			return true
		}
	}
	return false
}
