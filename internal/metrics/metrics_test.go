package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestObserveRPC(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.ObserveRPC("https://a", "success", 120*time.Millisecond)
	s.ObserveRPC("https://a", "error", 900*time.Millisecond)
	s.ObserveRPC("https://b", "success", 80*time.Millisecond)

	fams := gather(t, reg)
	attempts := fams["groupsync_rpc_attempts_total"]
	require.NotNil(t, attempts)
	assert.Len(t, attempts.GetMetric(), 3)

	latency := fams["groupsync_rpc_latency_seconds"]
	require.NotNil(t, latency)
	var total uint64
	for _, m := range latency.GetMetric() {
		total += m.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(3), total)
}

func TestNodeHealthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.SetNodeHealth("https://a", true)
	s.SetNodeHealth("https://b", false)

	fams := gather(t, reg)
	gauge := fams["groupsync_node_healthy"]
	require.NotNil(t, gauge)

	byNode := map[string]float64{}
	for _, m := range gauge.GetMetric() {
		var node string
		for _, l := range m.GetLabel() {
			if l.GetName() == "node" {
				node = l.GetValue()
			}
		}
		byNode[node] = m.GetGauge().GetValue()
	}
	assert.Equal(t, 1.0, byNode["https://a"])
	assert.Equal(t, 0.0, byNode["https://b"])
}

func TestNilSetIsSafe(t *testing.T) {
	var s *Set
	assert.NotPanics(t, func() {
		s.ObserveRPC("https://a", "success", time.Millisecond)
		s.ObserveHedge("won")
		s.ObserveReset()
		s.SetNodeHealth("https://a", true)
		s.ObserveCycle("ok", 10)
		s.ObserveSnapshotWrite()
	})
}
