// Package cluster implements the control plane's Cluster Node Registry
// and Match Router: node heartbeat tracking with
// offline detection and reattachment, saturation scoring, and match
// placement. Mutation is fine-grained per record; listings read a
// consistent snapshot.
package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/metrics"
)

// DefaultHeartbeatInterval and derived defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	OfflineAfterMultiple     = 3
	DefaultReattachWindow    = 5 * time.Minute
)

// Registry tracks every engine node known to the control plane.
type Registry struct {
	mu             sync.RWMutex
	nodes          map[uint64]*model.Node
	offlineAfter   time.Duration
	reattachWindow time.Duration
}

// New creates a Registry with the given offline-detection and
// reattachment-window durations.
func New(offlineAfter, reattachWindow time.Duration) *Registry {
	if offlineAfter <= 0 {
		offlineAfter = DefaultHeartbeatInterval * OfflineAfterMultiple
	}
	if reattachWindow <= 0 {
		reattachWindow = DefaultReattachWindow
	}
	return &Registry{
		nodes:          make(map[uint64]*model.Node),
		offlineAfter:   offlineAfter,
		reattachWindow: reattachWindow,
	}
}

// RegisterNode adds a node in HEALTHY status.
func (r *Registry) RegisterNode(id uint64, address string, supportedModules []string, maxMatches int, now time.Time) model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := &model.Node{
		ID:               id,
		Address:          address,
		Status:           model.NodeHealthy,
		LastHeartbeat:    now,
		RegisteredAt:     now,
		SupportedModules: supportedModules,
		MaxMatches:       maxMatches,
	}
	r.nodes[id] = n
	return *n
}

// Heartbeat records a node's self-reported metrics. A node that was
// OFFLINE transitions back to HEALTHY (reattachment); DRAINING is
// left untouched since it is an operator-driven state.
func (r *Registry) Heartbeat(id uint64, m model.NodeMetrics, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return apierrors.NotFound("node", itoa(id))
	}
	n.Metrics = m
	n.LastHeartbeat = now
	if n.Status == model.NodeOffline {
		n.Status = model.NodeHealthy
	}
	metrics.SaturationScore.WithLabelValues(itoa(id)).Set(Saturation(*n))
	return nil
}

// SweepOffline marks any node whose last heartbeat is older than
// offlineAfter as OFFLINE. Its matches become unreachable but are not
// destroyed. The next Heartbeat reattaches the node however long it has
// been OFFLINE; reattachWindow is stored but not checked.
func (r *Registry) SweepOffline(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.Status == model.NodeOffline {
			continue
		}
		if now.Sub(n.LastHeartbeat) > r.offlineAfter {
			n.Status = model.NodeOffline
		}
	}
}

// Drain marks a node DRAINING: it accepts no new matches, but existing
// ones may complete.
func (r *Registry) Drain(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return apierrors.NotFound("node", itoa(id))
	}
	n.Status = model.NodeDraining
	return nil
}

// Node returns the node for id.
func (r *Registry) Node(id uint64) (model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.Node{}, false
	}
	return *n, true
}

// Nodes returns every node, ordered by id, for consistent listing.
func (r *Registry) Nodes() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthyCandidates returns HEALTHY nodes that support every module in
// requiredModules, ordered by (saturation asc, registeredAt asc, id asc) —
// the router's tie-break order.
func (r *Registry) HealthyCandidates(requiredModules []string) []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var candidates []model.Node
	for _, n := range r.nodes {
		if n.Status != model.NodeHealthy {
			continue
		}
		if !supportsAll(n.SupportedModules, requiredModules) {
			continue
		}
		candidates = append(candidates, *n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := Saturation(candidates[i]), Saturation(candidates[j])
		if si != sj {
			return si < sj
		}
		if !candidates[i].RegisteredAt.Equal(candidates[j].RegisteredAt) {
			return candidates[i].RegisteredAt.Before(candidates[j].RegisteredAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

func supportsAll(supported, required []string) bool {
	set := make(map[string]struct{}, len(supported))
	for _, m := range supported {
		set[m] = struct{}{}
	}
	for _, m := range required {
		if _, ok := set[m]; !ok {
			return false
		}
	}
	return true
}

// Saturation computes a node's saturation score: a weighted blend
// of match density, CPU usage, and memory headroom, clamped to [0,1].
func Saturation(n model.Node) float64 {
	matchFraction := 0.0
	if n.MaxMatches > 0 {
		matchFraction = float64(n.Metrics.Matches) / float64(n.MaxMatches)
	}
	memoryFraction := 0.0
	if n.Metrics.MemoryMax > 0 {
		memoryFraction = float64(n.Metrics.MemoryUsed) / float64(n.Metrics.MemoryMax)
	}
	score := 0.5*matchFraction + 0.3*n.Metrics.CPUUsage + 0.2*memoryFraction
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func itoa(id uint64) string {
	if id == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[i:])
}
