package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/veriroute/veriroute/internal/rawtx"
)

// rpcProbe is the subset of a JSON-RPC body that can carry a raw signed
// transaction. Producers use several field names; all are accepted.
type rpcProbe struct {
	Params      json.RawMessage `json:"params"`
	Raw         string          `json:"raw"`
	Data        string          `json:"data"`
	Transaction string          `json:"transaction"`
}

// destinationOf inspects a request body for a raw transaction and extracts
// its `to` address. Returns false for bodies with no decodable transaction,
// including contract creations.
func destinationOf(body []byte) (common.Address, bool) {
	var probe rpcProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return common.Address{}, false
	}
	for _, raw := range []string{firstParam(probe.Params), probe.Raw, probe.Data, probe.Transaction} {
		if !looksLikeRawTx(raw) {
			continue
		}
		addr, present, err := rawtx.ExtractTo(raw)
		if err != nil || !present {
			continue
		}
		return addr, true
	}
	return common.Address{}, false
}

func firstParam(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(arr[0], &s); err != nil {
		return ""
	}
	return s
}

func looksLikeRawTx(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "0x") && len(s) > 4
}

// forwardRequest proxies the request upstream, preserving method, path, query
// and headers. Host is rewritten to the backend and Content-Length is
// recomputed from the already-read body. The upstream response streams back
// unchanged.
func (s *Server) forwardRequest(w http.ResponseWriter, r *http.Request, backend string, body []byte) {
	target, err := url.Parse(backend)
	if err != nil || target.Host == "" {
		log.WithField("backend", backend).Error("Bad backend url")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Proxy Error"})
		return
	}
	upstream := *target
	upstream.Path = singleJoin(target.Path, r.URL.Path)
	upstream.RawQuery = r.URL.RawQuery

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ForwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, upstream.String(), bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Proxy Error"})
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Host = target.Host

	resp, err := s.forward.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			log.WithFields(logrus.Fields{"backend": backend, "path": r.URL.Path}).Warn("Upstream timeout")
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "Proxy Timeout"})
			return
		}
		log.WithFields(logrus.Fields{"backend": backend, "path": r.URL.Path}).WithError(err).Warn("Upstream unreachable")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Proxy Error"})
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// hopHeaders are connection-scoped (RFC 9110 §7.6.1); they describe this hop
// and must not travel to the upstream.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyHeaders clones request headers minus the ones the forwarder owns: the
// hop-by-hop set, anything the incoming Connection header names, and the
// fields recomputed for the upstream request.
func copyHeaders(dst, src http.Header) {
	drop := map[string]bool{"Host": true, "Content-Length": true}
	for _, h := range hopHeaders {
		drop[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for k, vv := range src {
		if drop[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func singleJoin(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case path == "" || path == "/":
		return base
	default:
		return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
	}
}
