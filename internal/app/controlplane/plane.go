// Package controlplane is the control plane's composition root: it wires
// the cluster Node Registry and Match Router together with an
// HTTP-dispatching CreateOnNode callback and a periodic offline-detection
// sweep, implementing system.Service so it starts/stops alongside the
// control plane's HTTP listener.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/stormstack/engine/internal/app/cluster"
	"github.com/stormstack/engine/internal/app/core"
	"github.com/stormstack/engine/internal/app/gate"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/logger"
)

// dispatchRetryPolicy covers one transient hiccup (a node mid-restart, a
// dropped connection) before the router gives up on this candidate and
// tries the next one.
var dispatchRetryPolicy = core.RetryPolicy{Attempts: 2, InitialBackoff: 50 * time.Millisecond, Multiplier: 2}

// Options configures a Plane.
type Options struct {
	OfflineAfter         time.Duration
	ReattachWindow       time.Duration
	SweepInterval        time.Duration
	MaxPlacementAttempts int
	GateSecret           string
	GateIssuer           string
	// OperatorToken is presented as a bearer credential to an engine
	// node's cluster control endpoint.
	OperatorToken string
	HTTPClient    *http.Client
}

// Plane owns the control plane's node registry and match router, plus the
// background sweep that marks unresponsive nodes OFFLINE.
type Plane struct {
	Nodes  *cluster.Registry
	Router *cluster.Router
	Gate   *gate.Gate

	log           *logger.Logger
	httpClient    *http.Client
	operatorToken string
	sweepInterval time.Duration

	nextMatchID uint64
	nextNodeID  uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a Plane. The router's CreateOnNode callback dispatches match
// creation over HTTP to the chosen node's `/api/cluster/matches` control
// endpoint.
func New(opt Options, log *logger.Logger) *Plane {
	if log == nil {
		log = logger.NewDefault("controlplane")
	}
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = cluster.DefaultHeartbeatInterval
	}
	if opt.HTTPClient == nil {
		opt.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}

	p := &Plane{
		Nodes:         cluster.New(opt.OfflineAfter, opt.ReattachWindow),
		Gate:          gate.New(opt.GateSecret, opt.GateIssuer),
		log:           log,
		httpClient:    opt.HTTPClient,
		operatorToken: opt.OperatorToken,
		sweepInterval: opt.SweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	p.Router = cluster.NewRouter(p.Nodes, p.Gate, p.createOnNode, p.terminateOnNode, opt.MaxPlacementAttempts)
	return p
}

// createOnNode POSTs a match-creation request to nodeID's engine process,
// resolved from the node registry's advertised address, retrying once on
// a transient transport failure before the router moves on to its next
// candidate.
func (p *Plane) createOnNode(ctx context.Context, nodeID, matchID uint64, modules []string, playerLimit int) error {
	node, ok := p.Nodes.Node(nodeID)
	if !ok {
		return apierrors.NotFound("node", itoa(nodeID))
	}
	body, err := json.Marshal(struct {
		MatchID     uint64   `json:"matchId"`
		Modules     []string `json:"modules"`
		PlayerLimit int      `json:"playerLimit"`
	}{MatchID: matchID, Modules: modules, PlayerLimit: playerLimit})
	if err != nil {
		return apierrors.Internal(err)
	}

	url := fmt.Sprintf("%s/api/cluster/matches", node.Address)
	return core.Retry(ctx, dispatchRetryPolicy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return apierrors.Internal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.operatorToken != "" {
			req.Header.Set("Authorization", "Bearer "+p.operatorToken)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return apierrors.ResourceUnavailable("node " + itoa(nodeID))
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return apierrors.ResourceUnavailable("node " + itoa(nodeID))
		}
		return nil
	})
}

// terminateOnNode POSTs a match's terminal transition to the owning
// node's cluster control endpoint so the node stops the match and revokes
// its tokens locally. Dispatch failures are logged, not returned as
// fatal: the control-plane record and revocation already hold, and the
// node's own tokens expire naturally at worst.
func (p *Plane) terminateOnNode(ctx context.Context, nodeID, matchID uint64, status model.MatchStatus) error {
	node, ok := p.Nodes.Node(nodeID)
	if !ok {
		return apierrors.NotFound("node", itoa(nodeID))
	}
	action := "finish"
	if status == model.MatchError {
		action = "error"
	}
	url := fmt.Sprintf("%s/api/cluster/matches/%d/%s", node.Address, matchID, action)
	err := core.Retry(ctx, dispatchRetryPolicy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return apierrors.Internal(err)
		}
		if p.operatorToken != "" {
			req.Header.Set("Authorization", "Bearer "+p.operatorToken)
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return apierrors.ResourceUnavailable("node " + itoa(nodeID))
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return apierrors.ResourceUnavailable("node " + itoa(nodeID))
		}
		return nil
	})
	if err != nil {
		p.log.WithError(err).
			WithField("node_id", nodeID).
			WithField("match_id", matchID).
			Warn("failed to propagate match termination to node")
	}
	return err
}

// NextMatchID allocates a cluster-wide match id.
func (p *Plane) NextMatchID() uint64 {
	return atomic.AddUint64(&p.nextMatchID, 1)
}

// RegisterNode admits a new engine node into the cluster.
func (p *Plane) RegisterNode(address string, supportedModules []string, maxMatches int) model.Node {
	id := atomic.AddUint64(&p.nextNodeID, 1)
	return p.Nodes.RegisterNode(id, address, supportedModules, maxMatches, time.Now())
}

// Name implements system.Service.
func (p *Plane) Name() string { return "controlplane" }

// Start launches the offline-detection sweep loop.
func (p *Plane) Start(ctx context.Context) error {
	go p.sweepLoop()
	return nil
}

// Stop halts the sweep loop.
func (p *Plane) Stop(ctx context.Context) error {
	close(p.stop)
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return nil
}

func (p *Plane) sweepLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Nodes.SweepOffline(time.Now())
		case <-p.stop:
			return
		}
	}
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
