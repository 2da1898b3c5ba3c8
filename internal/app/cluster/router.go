package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stormstack/engine/internal/app/gate"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
)

// DefaultMaxPlacementAttempts bounds placement retries.
const DefaultMaxPlacementAttempts = 3

// preferredNodeTolerance is how close (in saturation score) a caller's
// preferred node must be to the leader candidate to be honored.
const preferredNodeTolerance = 0.1

// CreateOnNode dispatches match creation to an engine node's control
// interface, including the player limit so the node enforces it on direct
// (non-routed) joins too. Returns an error on any failure (unreachable
// node, rejected by the node, etc), which the router treats as a
// transient candidate skip.
type CreateOnNode func(ctx context.Context, nodeID, matchID uint64, modules []string, playerLimit int) error

// TerminateOnNode propagates a match's terminal transition to the engine
// node hosting it, so the node stops the match and revokes every token
// scoped to it on its own gate — the gate that authenticates the player's
// actual command/snapshot traffic. Without this, revoking on the control
// plane alone would leave router-issued tokens valid on the node for
// their remaining TTL.
type TerminateOnNode func(ctx context.Context, nodeID, matchID uint64, status model.MatchStatus) error

// clusterMatch is the control plane's view of one routed match: enough to
// admit players and revoke tokens without querying the owning node on
// every request.
type clusterMatch struct {
	id          uint64
	nodeID      uint64
	modules     []string
	status      model.MatchStatus
	playerLimit int
	players     []uint64
}

// Router implements the Match Router: placement of new matches onto
// cluster nodes, and player admission with MatchToken issuance.
type Router struct {
	nodes                *Registry
	gate                 *gate.Gate
	createOnNode         CreateOnNode
	terminateOnNode      TerminateOnNode
	maxPlacementAttempts int

	mu      sync.Mutex
	matches map[uint64]*clusterMatch
}

// NewRouter creates a Router bound to a node Registry and token Gate.
// Either callback may be nil (headless operation, e.g. in tests).
func NewRouter(nodes *Registry, g *gate.Gate, createOnNode CreateOnNode, terminateOnNode TerminateOnNode, maxPlacementAttempts int) *Router {
	if maxPlacementAttempts <= 0 {
		maxPlacementAttempts = DefaultMaxPlacementAttempts
	}
	return &Router{
		nodes:                nodes,
		gate:                 g,
		createOnNode:         createOnNode,
		terminateOnNode:      terminateOnNode,
		maxPlacementAttempts: maxPlacementAttempts,
		matches:              make(map[uint64]*clusterMatch),
	}
}

// Route places a new match requiring modules onto a candidate node,
// honoring preferredNodeID when it is within tolerance of the leader.
func (r *Router) Route(ctx context.Context, matchID uint64, modules []string, playerLimit int, preferredNodeID uint64) (uint64, error) {
	candidates := r.nodes.HealthyCandidates(modules)
	if len(candidates) == 0 {
		return 0, apierrors.UnroutableModules(modules)
	}

	ordered := chooseOrder(candidates, preferredNodeID)

	attempts := 0
	for _, candidate := range ordered {
		if attempts >= r.maxPlacementAttempts {
			break
		}
		attempts++
		if r.createOnNode != nil {
			if err := r.createOnNode(ctx, candidate.ID, matchID, modules, playerLimit); err != nil {
				continue
			}
		}
		r.mu.Lock()
		r.matches[matchID] = &clusterMatch{
			id:          matchID,
			nodeID:      candidate.ID,
			modules:     modules,
			status:      model.MatchRunning,
			playerLimit: playerLimit,
		}
		r.mu.Unlock()
		return candidate.ID, nil
	}

	return 0, apierrors.PlacementFailed(attempts)
}

// chooseOrder puts the leader candidate first unless preferredNodeID is
// itself a candidate within preferredNodeTolerance of the leader, in which
// case the preferred node is tried first.
func chooseOrder(candidates []model.Node, preferredNodeID uint64) []model.Node {
	if preferredNodeID == 0 || len(candidates) == 0 {
		return candidates
	}
	leaderScore := Saturation(candidates[0])
	preferredIndex := -1
	for i, n := range candidates {
		if n.ID == preferredNodeID {
			preferredIndex = i
			break
		}
	}
	if preferredIndex <= 0 {
		return candidates
	}
	if Saturation(candidates[preferredIndex])-leaderScore > preferredNodeTolerance {
		return candidates
	}
	ordered := make([]model.Node, 0, len(candidates))
	ordered = append(ordered, candidates[preferredIndex])
	for i, n := range candidates {
		if i != preferredIndex {
			ordered = append(ordered, n)
		}
	}
	return ordered
}

// JoinPlayer admits playerID to matchID (which must be RUNNING and under
// its player limit) and issues a scoped MatchToken.
func (r *Router) JoinPlayer(matchID, playerID uint64, playerName string, ttl time.Duration) (model.MatchToken, string, error) {
	r.mu.Lock()
	m, ok := r.matches[matchID]
	if !ok {
		r.mu.Unlock()
		return model.MatchToken{}, "", apierrors.NotFound("match", itoa(matchID))
	}
	if m.status != model.MatchRunning {
		r.mu.Unlock()
		return model.MatchToken{}, "", apierrors.Conflict("match is not accepting players")
	}
	alreadyJoined := false
	for _, p := range m.players {
		if p == playerID {
			alreadyJoined = true
			break
		}
	}
	if !alreadyJoined {
		if len(m.players) >= m.playerLimit {
			r.mu.Unlock()
			return model.MatchToken{}, "", apierrors.MatchFull(m.playerLimit, len(m.players))
		}
		m.players = append(m.players, playerID)
	}
	r.mu.Unlock()

	// Container id 0 = unset: the owning node picked the container and the
	// control plane never learns which, so the token stays container-open
	// (MatchToken's optional containerId).
	return r.gate.Issue(matchID, 0, playerID, playerName,
		[]model.Scope{model.ScopeSubmitCommands, model.ScopeViewSnapshots, model.ScopeReceiveErrors}, ttl)
}

// FinishMatch marks a routed match FINISHED, eagerly revokes every token
// scoped to it, and propagates the termination to the owning node.
func (r *Router) FinishMatch(ctx context.Context, matchID uint64) {
	r.terminate(ctx, matchID, model.MatchFinished)
}

// MarkMatchError marks a routed match ERROR with the same revocation and
// propagation as FinishMatch.
func (r *Router) MarkMatchError(ctx context.Context, matchID uint64) {
	r.terminate(ctx, matchID, model.MatchError)
}

func (r *Router) terminate(ctx context.Context, matchID uint64, status model.MatchStatus) {
	var nodeID uint64
	r.mu.Lock()
	if m, ok := r.matches[matchID]; ok {
		m.status = status
		nodeID = m.nodeID
	}
	r.mu.Unlock()
	r.gate.RevokeMatch(matchID)
	if r.terminateOnNode != nil && nodeID != 0 {
		// Best effort: the control-plane record and revocation already
		// hold; the callback logs its own dispatch failures.
		_ = r.terminateOnNode(ctx, nodeID, matchID, status)
	}
}

// RoutedMatch is the control plane's record of a placed match.
type RoutedMatch struct {
	MatchID uint64
	NodeID  uint64
	Status  model.MatchStatus
}

// Matches returns every routed match's node assignment, ordered by id.
func (r *Router) Matches() []RoutedMatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoutedMatch, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, RoutedMatch{MatchID: m.id, NodeID: m.nodeID, Status: m.status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchID < out[j].MatchID })
	return out
}
