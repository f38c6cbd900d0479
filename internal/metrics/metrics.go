// Package metrics exposes the prometheus collectors for the sync pipeline.
// The registry is injectable so tests can construct isolated sets.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector the pipeline emits. A nil *Set is valid and
// turns all observations into no-ops, so wiring metrics stays optional.
type Set struct {
	RPCAttempts    *prometheus.CounterVec
	RPCLatency     *prometheus.HistogramVec
	NodeHealthy    *prometheus.GaugeVec
	TrackerResets  prometheus.Counter
	HedgeRequests  *prometheus.CounterVec
	SyncCycles     *prometheus.CounterVec
	EventsApplied  prometheus.Counter
	SnapshotWrites prometheus.Counter
}

// New registers the pipeline collectors with the given registerer.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		RPCAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_rpc_attempts_total",
			Help: "RPC attempts by node and outcome (success, error)",
		}, []string{"node", "outcome"}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupsync_rpc_latency_seconds",
			Help:    "Per-attempt RPC latency by node",
			Buckets: prometheus.DefBuckets,
		}, []string{"node"}),
		NodeHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "groupsync_node_healthy",
			Help: "1 if the node is currently scored healthy, 0 otherwise",
		}, []string{"node"}),
		TrackerResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsync_tracker_resets_total",
			Help: "Global health resets triggered by an all-unhealthy pool",
		}),
		HedgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_hedge_requests_total",
			Help: "Hedged discovery outcomes (won, fallback, failed)",
		}, []string{"outcome"}),
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_sync_cycles_total",
			Help: "Completed sync cycles by outcome (ok, error)",
		}, []string{"outcome"}),
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsync_events_applied_total",
			Help: "Ledger events folded into derived state",
		}),
		SnapshotWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsync_snapshot_writes_total",
			Help: "Derived snapshots committed to the local cache",
		}),
	}

	reg.MustRegister(
		s.RPCAttempts, s.RPCLatency, s.NodeHealthy, s.TrackerResets,
		s.HedgeRequests, s.SyncCycles, s.EventsApplied, s.SnapshotWrites,
	)
	return s
}

// ObserveRPC records one RPC attempt against a node.
func (s *Set) ObserveRPC(node, outcome string, d time.Duration) {
	if s == nil {
		return
	}
	s.RPCAttempts.WithLabelValues(node, outcome).Inc()
	s.RPCLatency.WithLabelValues(node).Observe(d.Seconds())
}

// ObserveHedge records the outcome of one hedged discovery call.
func (s *Set) ObserveHedge(outcome string) {
	if s == nil {
		return
	}
	s.HedgeRequests.WithLabelValues(outcome).Inc()
}

// ObserveReset records a global tracker reset.
func (s *Set) ObserveReset() {
	if s == nil {
		return
	}
	s.TrackerResets.Inc()
}

// SetNodeHealth publishes the current health bit for a node.
func (s *Set) SetNodeHealth(node string, healthy bool) {
	if s == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	s.NodeHealthy.WithLabelValues(node).Set(v)
}

// ObserveCycle records one completed sync cycle.
func (s *Set) ObserveCycle(outcome string, events int) {
	if s == nil {
		return
	}
	s.SyncCycles.WithLabelValues(outcome).Inc()
	if events > 0 {
		s.EventsApplied.Add(float64(events))
	}
}

// ObserveSnapshotWrite records one committed snapshot.
func (s *Set) ObserveSnapshotWrite() {
	if s == nil {
		return
	}
	s.SnapshotWrites.Inc()
}
