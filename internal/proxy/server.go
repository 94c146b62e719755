// Package proxy is the HTTP(S) front of the system: a small control surface
// (/routes, /status, /metrics) plus the catch-all dispatcher that decodes the
// raw transaction inside a JSON-RPC body and reverse-proxies the request to
// the backend installed for its `to` address.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/veriroute/veriroute/internal/deriver"
	"github.com/veriroute/veriroute/internal/metrics"
	"github.com/veriroute/veriroute/internal/store"
)

var log = logrus.WithField("prefix", "proxy")

const maxBodyBytes = 10 << 20

// Config for the front server.
type Config struct {
	ListenAddr     string
	DefaultBackend string
	TopicID        string
	Network        string
	ForwardTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 30 * time.Second
	}
}

// Server dispatches RPC traffic and serves the control endpoints.
type Server struct {
	cfg     Config
	db      *store.Store
	httpSrv *http.Server
	// forward has no client-level timeout; each request carries its own
	// deadline via context.
	forward *http.Client
}

// New builds the server and its routing table.
func New(cfg Config, db *store.Store) *Server {
	cfg.defaults()
	s := &Server{
		cfg: cfg,
		db:  db,
		forward: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
	r := mux.NewRouter()
	r.HandleFunc("/routes", s.handleGetRoutes).Methods(http.MethodGet)
	r.HandleFunc("/routes", s.handlePostRoutes).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleDispatch)
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", s.cfg.ListenAddr).Info("Proxy listening")
		errc <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *Server) handleGetRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": s.db.Routes()})
}

// handlePostRoutes merges an addr→url object into the routing table. The
// routes document is always a map; array payloads are refused at the edge.
func (s *Server) handlePostRoutes(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	var updates map[string]string
	if err := json.Unmarshal(body, &updates); err != nil || updates == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON object of addr to url"})
		return
	}
	merged := make(map[string]string, len(updates))
	for addr, target := range updates {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":  "url must be absolute http(s)",
				"reason": fmt.Sprintf("bad url for %s", addr),
			})
			return
		}
		merged[strings.ToLower(addr)] = target
	}
	if err := s.db.UpdateRoutes(merged); err != nil {
		log.WithError(err).Error("Admin route merge failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store write failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": s.db.Routes()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.db.Snapshot()
	publicKey := ""
	if snap.Metadata.RSAKeys != nil {
		publicKey = snap.Metadata.RSAKeys.PublicKey
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"topicId":   s.cfg.TopicID,
		"publicKey": publicKey,
		"network":   s.cfg.Network,
		"sequences": snap.Metadata.Sequences,
	})
}

// handleDispatch resolves the backend for a request and forwards it. Bodies
// without a decodable transaction go to the default backend.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	backend := s.cfg.DefaultBackend
	backendClass := "default"
	if addr, ok := destinationOf(body); ok {
		if target, found := s.db.GetTarget(deriver.NormalizeAddress(addr)); found {
			backend, backendClass = target, "routed"
		}
	}
	metrics.RequestsProxied.WithLabelValues(backendClass).Inc()
	log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "backend": backendClass}).
		Debug("Dispatching request")

	s.forwardRequest(w, r, backend, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
