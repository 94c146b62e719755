package consensus

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func mirrorPageJSON(msgs ...string) string {
	out := `{"messages":[`
	for i, m := range msgs {
		if i > 0 {
			out += ","
		}
		out += m
	}
	return out + `],"links":{"next":null}}`
}

func TestMirrorFetch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/topics/0.0.4242/messages", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, mirrorPageJSON(
			fmt.Sprintf(`{"consensus_timestamp":"1724500001.000000001","message":%q,"sequence_number":7,"topic_id":"0.0.4242"}`,
				base64.StdEncoding.EncodeToString([]byte("payload-a"))),
			fmt.Sprintf(`{"chunk_info":{"initial_transaction_id":{"account_id":"0.0.99","transaction_valid_start":"1724500002.000000002"},"number":1,"total":2},"consensus_timestamp":"1724500002.000000003","message":%q,"sequence_number":8,"topic_id":"0.0.4242"}`,
				base64.StdEncoding.EncodeToString([]byte("chunk-1"))),
		))
	}))
	defer srv.Close()

	msgs, err := NewMirrorClient(srv.URL+"/").Fetch(context.Background(), "0.0.4242", 6, 25)
	require.NoError(t, err)
	require.Equal(t, "sequencenumber=gt:6&order=asc&limit=25", gotQuery)
	require.Len(t, msgs, 2)

	require.EqualValues(t, 7, msgs[0].SequenceNumber)
	require.Equal(t, []byte("payload-a"), msgs[0].Contents)
	require.Nil(t, msgs[0].Chunk)

	require.EqualValues(t, 8, msgs[1].SequenceNumber)
	require.NotNil(t, msgs[1].Chunk)
	require.Equal(t, 1, msgs[1].Chunk.Number)
	require.Equal(t, 2, msgs[1].Chunk.Total)
	require.Equal(t, "1724500002.000000002", msgs[1].Chunk.TransactionValidStart)
}

// A single-chunk message carries chunk_info with total 1; it must surface as
// a plain message.
func TestMirrorFetchSingleChunkIsPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, mirrorPageJSON(
			fmt.Sprintf(`{"chunk_info":{"number":1,"total":1},"consensus_timestamp":"1.2","message":%q,"sequence_number":1,"topic_id":"0.0.1"}`,
				base64.StdEncoding.EncodeToString([]byte("whole"))),
		))
	}))
	defer srv.Close()

	msgs, err := NewMirrorClient(srv.URL).Fetch(context.Background(), "0.0.1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Nil(t, msgs[0].Chunk)
}

func TestMirrorFetchStatusHandling(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	c := NewMirrorClient(srv.URL)

	// Topic not created yet: no messages, no error.
	msgs, err := c.Fetch(context.Background(), "0.0.1", 0, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	for _, s := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		status = s
		_, err := c.Fetch(context.Background(), "0.0.1", 0, 10)
		require.True(t, errors.Is(err, ErrUnavailable), "status %d", s)
	}

	// Client-side errors are terminal, not transient.
	status = http.StatusBadRequest
	_, err = c.Fetch(context.Background(), "0.0.1", 0, 10)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnavailable))
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.True(t, IsTransient(ErrUnavailable))
	require.True(t, IsTransient(errors.Wrap(ErrUnavailable, "mirror http 503")))
	require.True(t, IsTransient(context.DeadlineExceeded))
	require.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	require.False(t, IsTransient(errors.New("bad sequence number")))
}
