package cluster

import (
	"testing"
	"time"

	"github.com/stormstack/engine/internal/app/model"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatReattachesOfflineNode(t *testing.T) {
	r := New(10*time.Millisecond, time.Minute)
	now := time.Now()
	r.RegisterNode(1, "node-1:8080", []string{"movement"}, 10, now)

	r.SweepOffline(now.Add(time.Hour))
	n, _ := r.Node(1)
	require.Equal(t, model.NodeOffline, n.Status)

	require.NoError(t, r.Heartbeat(1, model.NodeMetrics{}, now.Add(2*time.Hour)))
	n, _ = r.Node(1)
	require.Equal(t, model.NodeHealthy, n.Status)
}

func TestDrainStopsNewMatchesButKeepsNodeListed(t *testing.T) {
	r := New(time.Minute, time.Minute)
	now := time.Now()
	r.RegisterNode(1, "node-1:8080", []string{"movement"}, 10, now)
	require.NoError(t, r.Drain(1))

	candidates := r.HealthyCandidates([]string{"movement"})
	require.Empty(t, candidates)
	require.Len(t, r.Nodes(), 1)
}

func TestSaturationScoreFormula(t *testing.T) {
	n := model.Node{
		MaxMatches: 10,
		Metrics: model.NodeMetrics{
			Matches:    5,
			CPUUsage:   0.4,
			MemoryUsed: 2000,
			MemoryMax:  4000,
		},
	}
	// 0.5*(5/10) + 0.3*0.4 + 0.2*(2000/4000) = 0.25 + 0.12 + 0.1 = 0.47
	require.InDelta(t, 0.47, Saturation(n), 0.0001)
}

func TestSaturationScoreClampsToUnitRange(t *testing.T) {
	n := model.Node{MaxMatches: 1, Metrics: model.NodeMetrics{Matches: 100, CPUUsage: 5, MemoryUsed: 100, MemoryMax: 1}}
	require.Equal(t, 1.0, Saturation(n))
}

func TestHealthyCandidatesFiltersByModuleSupport(t *testing.T) {
	r := New(time.Minute, time.Minute)
	now := time.Now()
	r.RegisterNode(1, "a", []string{"movement"}, 10, now)
	r.RegisterNode(2, "b", []string{"movement", "combat"}, 10, now)

	candidates := r.HealthyCandidates([]string{"movement", "combat"})
	require.Len(t, candidates, 1)
	require.Equal(t, uint64(2), candidates[0].ID)
}

func TestHealthyCandidatesOrderedBySaturationThenRegistration(t *testing.T) {
	r := New(time.Minute, time.Minute)
	now := time.Now()
	r.RegisterNode(1, "a", []string{"movement"}, 10, now)
	r.RegisterNode(2, "b", []string{"movement"}, 10, now.Add(time.Second))
	require.NoError(t, r.Heartbeat(1, model.NodeMetrics{Matches: 9}, now))
	require.NoError(t, r.Heartbeat(2, model.NodeMetrics{Matches: 0}, now))

	candidates := r.HealthyCandidates([]string{"movement"})
	require.Equal(t, uint64(2), candidates[0].ID)
}
