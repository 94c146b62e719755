// Package metrics registers the proxy's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesIngested counts consensus-log messages that reached a terminal
	// processing decision.
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veriroute_messages_ingested_total",
		Help: "Consensus messages processed to a terminal decision",
	})
	// MessagesRejected counts deterministically rejected messages.
	MessagesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veriroute_messages_rejected_total",
		Help: "Consensus messages rejected (undecryptable or malformed)",
	})
	// ChallengeOutcomes counts terminal challenge states by state label.
	ChallengeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriroute_challenge_outcomes_total",
		Help: "Terminal challenge states",
	}, []string{"state"})
	// RoutesInstalled counts successful route installs.
	RoutesInstalled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veriroute_routes_installed_total",
		Help: "Routes installed after a verified challenge",
	})
	// RequestsProxied counts dispatched RPC requests by backend class.
	RequestsProxied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriroute_requests_proxied_total",
		Help: "Dispatched JSON-RPC requests",
	}, []string{"backend"})
)

// Handler serves the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
