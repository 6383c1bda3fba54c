// Package metrics provides the Prometheus collectors of a DHT node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gitdht"

// ─── Transport ──────────────────────────────────────────────────────────────

// RPCRequests counts outbound requests by message type and outcome.
var RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "rpc_requests_total",
	Help:      "Outbound RPC requests by type and outcome.",
}, []string{"type", "outcome"})

// RPCRetries counts re-sent request datagrams.
var RPCRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "rpc_retries_total",
	Help:      "Request datagrams re-sent after a timeout.",
})

// RPCLatency tracks round-trip time of answered requests.
var RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "rpc_latency_seconds",
	Help:      "Round-trip time of answered requests.",
	Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
}, []string{"type"})

// RPCInbound counts handled inbound requests by type.
var RPCInbound = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "rpc_inbound_total",
	Help:      "Inbound requests by type.",
}, []string{"type"})

// MalformedDatagrams counts dropped undecodable datagrams.
var MalformedDatagrams = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "malformed_datagrams_total",
	Help:      "Inbound datagrams dropped because they could not be decoded.",
})

// UnmatchedResponses counts responses with no pending request (late, duplicated or spoofed).
var UnmatchedResponses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "unmatched_responses_total",
	Help:      "Responses discarded because no matching request was pending.",
})

// ─── Routing ────────────────────────────────────────────────────────────────

// RoutingPeers tracks the number of peers in the routing table.
var RoutingPeers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "routing_peers",
	Help:      "Peers currently in the routing table.",
})

// RoutingBuckets tracks the number of buckets in the routing table.
var RoutingBuckets = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "routing_buckets",
	Help:      "Buckets currently in the routing table.",
})

// RoutingEvictions counts peers removed after failing liveness checks.
var RoutingEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "routing_evictions_total",
	Help:      "Peers removed from the routing table by reason.",
}, []string{"reason"})

// ─── Lookups ────────────────────────────────────────────────────────────────

// Lookups counts finished lookups by kind and result.
var Lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "lookups_total",
	Help:      "Finished lookups by kind (node, value) and result.",
}, []string{"kind", "result"})

// LookupRounds tracks how many rounds a lookup needed.
var LookupRounds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "lookup_rounds",
	Help:      "Rounds per lookup.",
	Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
})

// ─── Storage and announces ──────────────────────────────────────────────────

// StoredAnnouncements tracks live announcements in the storage index.
var StoredAnnouncements = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "stored_announcements",
	Help:      "Announcements currently held by the storage index.",
})

// StorageEvictions counts announcements dropped by expiry or capacity pressure.
var StorageEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "storage_evictions_total",
	Help:      "Announcements removed by reason (expired, full).",
}, []string{"reason"})

// Announces counts key announce attempts by key kind and result.
var Announces = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "announces_total",
	Help:      "Key announces by kind (repo, ref, commit) and result.",
}, []string{"kind", "result"})

// ─── Bootstrap ──────────────────────────────────────────────────────────────

// Isolated is 1 while the node knows no reachable peer.
var Isolated = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "isolated",
	Help:      "1 while the node has no reachable peer.",
})

// BootstrapAttempts counts bootstrap rounds by result.
var BootstrapAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "bootstrap_attempts_total",
	Help:      "Bootstrap rounds by result.",
}, []string{"result"})
