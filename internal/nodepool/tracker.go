// Package nodepool scores ledger read-nodes by latency and error rate and
// picks the best candidate for the next RPC attempt. Health state is
// process-lifetime only: a fresh tracker considers every node healthy.
package nodepool

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// latencyWindow bounds the rolling latency sample buffer per node.
	latencyWindow = 10

	// minSuccessRate is the floor below which a node is considered unhealthy.
	minSuccessRate = 0.8

	// maxHealthyLatency is the average latency ceiling for a healthy node.
	maxHealthyLatency = 500 * time.Millisecond

	// rateTieBand treats success rates within this distance as equal when
	// ranking, so latency decides between near-identical nodes.
	rateTieBand = 0.1
)

// Health is a point-in-time view of a single node's scoring state.
type Health struct {
	URL            string        `json:"url"`
	Healthy        bool          `json:"healthy"`
	SuccessRate    float64       `json:"success_rate"`
	AvgLatency     time.Duration `json:"avg_latency"`
	Successes      int64         `json:"successes"`
	Errors         int64         `json:"errors"`
	LatencySamples int           `json:"latency_samples"`
}

type nodeStats struct {
	url       string
	order     int // configured position, used as the stable tie-break
	latencies []time.Duration
	successes int64
	errors    int64
}

func (n *nodeStats) avgLatency() time.Duration {
	if len(n.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range n.latencies {
		sum += d
	}
	return sum / time.Duration(len(n.latencies))
}

func (n *nodeStats) successRate() float64 {
	total := n.successes + n.errors
	if total == 0 {
		// Insufficient data: newly-added or never-queried nodes stay eligible.
		return 1.0
	}
	return float64(n.successes) / float64(total)
}

func (n *nodeStats) healthy() bool {
	if n.successRate() <= minSuccessRate {
		return false
	}
	avg := n.avgLatency()
	return avg == 0 || avg < maxHealthyLatency
}

func (n *nodeStats) reset() {
	n.latencies = n.latencies[:0]
	n.successes = 0
	n.errors = 0
}

// Tracker owns the health state for a fixed set of read-nodes. It is safe for
// concurrent use; every RPC attempt feeds it latency and outcome samples.
// The first configured node is the primary/default returned after a global
// reset.
type Tracker struct {
	mu      sync.Mutex
	nodes   map[string]*nodeStats
	ordered []*nodeStats
	resets  int64
}

// NewTracker creates a tracker for the given node URLs. Order matters: it is
// the operator's preference order and the deterministic tie-break.
func NewTracker(urls []string) *Tracker {
	t := &Tracker{nodes: make(map[string]*nodeStats, len(urls))}
	for i, u := range urls {
		if _, dup := t.nodes[u]; dup {
			continue
		}
		n := &nodeStats{url: u, order: i}
		t.nodes[u] = n
		t.ordered = append(t.ordered, n)
	}
	return t
}

// RecordLatency appends a latency sample for the node, evicting the oldest
// sample once the window is full. Unknown nodes are ignored.
func (t *Tracker) RecordLatency(url string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[url]
	if !ok {
		return
	}
	if len(n.latencies) >= latencyWindow {
		n.latencies = n.latencies[1:]
	}
	n.latencies = append(n.latencies, d)
}

// RecordSuccess increments the node's success counter.
func (t *Tracker) RecordSuccess(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[url]; ok {
		n.successes++
	}
}

// RecordError increments the node's error counter.
func (t *Tracker) RecordError(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[url]; ok {
		n.errors++
	}
}

// SelectBest returns the URL of the highest-ranked node. If every node is
// unhealthy the counters are wiped and the primary node is returned: a full
// pool outage is indistinguishable from global rate-limiting, and starting
// clean avoids a retry death spiral against a throttling provider.
func (t *Tracker) SelectBest() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ordered) == 0 {
		return ""
	}

	allUnhealthy := true
	for _, n := range t.ordered {
		if n.healthy() {
			allUnhealthy = false
			break
		}
	}
	if allUnhealthy {
		t.resetLocked()
		log.Warn().Str("node", t.ordered[0].url).
			Msg("All nodes unhealthy, suspected global throttling; health state reset")
		return t.ordered[0].url
	}

	ranked := t.rankedLocked()
	return ranked[0].url
}

// Ranked returns every node URL in current preference order: healthy nodes
// first, then success rate (with the tie band), then average latency with
// unknown latency sorting last, then configured order.
func (t *Tracker) Ranked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ranked := t.rankedLocked()
	urls := make([]string, len(ranked))
	for i, n := range ranked {
		urls[i] = n.url
	}
	return urls
}

func (t *Tracker) rankedLocked() []*nodeStats {
	ranked := make([]*nodeStats, len(t.ordered))
	copy(ranked, t.ordered)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.healthy() != b.healthy() {
			return a.healthy()
		}
		ra, rb := a.successRate(), b.successRate()
		if ra > rb+rateTieBand {
			return true
		}
		if rb > ra+rateTieBand {
			return false
		}
		la, lb := a.avgLatency(), b.avgLatency()
		if la == lb {
			return false // stable sort keeps configured order
		}
		if la == 0 {
			return false // unknown latency sorts last
		}
		if lb == 0 {
			return true
		}
		return la < lb
	})
	return ranked
}

// Primary returns the first configured node.
func (t *Tracker) Primary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ordered) == 0 {
		return ""
	}
	return t.ordered[0].url
}

// ResetAll wipes every node back to the clean, healthy, no-data state.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *Tracker) resetLocked() {
	for _, n := range t.ordered {
		n.reset()
	}
	t.resets++
}

// Resets reports how many global resets have occurred.
func (t *Tracker) Resets() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// Snapshot reports the health of every node in configured order.
func (t *Tracker) Snapshot() []Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Health, 0, len(t.ordered))
	for _, n := range t.ordered {
		out = append(out, Health{
			URL:            n.url,
			Healthy:        n.healthy(),
			SuccessRate:    n.successRate(),
			AvgLatency:     n.avgLatency(),
			Successes:      n.successes,
			Errors:         n.errors,
			LatencySamples: len(n.latencies),
		})
	}
	return out
}
