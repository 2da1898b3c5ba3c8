package httpapi

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stormstack/engine/internal/app/cluster"
	"github.com/stormstack/engine/internal/app/controlplane"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/logger"
	"github.com/stormstack/engine/pkg/metrics"
)

// controlPlaneHandler bundles the control plane's cluster-admin HTTP
// surface: node registration/heartbeat, cluster status, and match
// routing/join. Routed with the same manually-dispatched ServeMux shape
// as nodeHandler.
type controlPlaneHandler struct {
	plane *controlplane.Plane
	log   *logger.Logger
}

// NewControlPlaneHandler returns a mux exposing the control plane's REST
// surface, authenticated against a static operator token set.
func NewControlPlaneHandler(p *controlplane.Plane, operatorTokens []string, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi.controlplane")
	}
	h := &controlPlaneHandler{plane: p, log: log}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/api/cluster/status", h.status)
	mux.HandleFunc("/api/modules", h.modules)
	mux.HandleFunc("/api/nodes", h.nodes)
	mux.HandleFunc("/api/nodes/", h.nodeResources)
	mux.HandleFunc("/api/matches", h.matches)
	mux.HandleFunc("/api/matches/route", h.routeMatch)
	mux.HandleFunc("/api/matches/", h.matchResources)
	limiter := NewRateLimiter(DefaultRequestsPerMinute, time.Minute, 0)
	return withCORS(withMetrics(limiter.wrap(withOperatorAuth(mux, operatorTokens))))
}

func (h *controlPlaneHandler) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type clusterStatus struct {
	Nodes         int `json:"nodes"`
	HealthyNodes  int `json:"healthyNodes"`
	OfflineNodes  int `json:"offlineNodes"`
	DrainingNodes int `json:"drainingNodes"`
	RoutedMatches int `json:"routedMatches"`
}

func (h *controlPlaneHandler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	var st clusterStatus
	for _, n := range h.plane.Nodes.Nodes() {
		st.Nodes++
		switch n.Status {
		case model.NodeHealthy:
			st.HealthyNodes++
		case model.NodeOffline:
			st.OfflineNodes++
		case model.NodeDraining:
			st.DrainingNodes++
		}
	}
	st.RoutedMatches = len(h.plane.Router.Matches())
	writeData(w, r, http.StatusOK, st)
}

// modules aggregates every module name supported by at least one HEALTHY
// node, cluster-wide.
func (h *controlPlaneHandler) modules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	set := make(map[string]struct{})
	for _, n := range h.plane.Nodes.Nodes() {
		if n.Status != model.NodeHealthy {
			continue
		}
		for _, m := range n.SupportedModules {
			set[m] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for m := range set {
		names = append(names, m)
	}
	sort.Strings(names)
	writeData(w, r, http.StatusOK, names)
}

type registerNodeRequest struct {
	Address          string   `json:"address"`
	SupportedModules []string `json:"supportedModules"`
	MaxMatches       int      `json:"maxMatches"`
}

func (h *controlPlaneHandler) nodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		nodes := h.plane.Nodes.Nodes()
		if limit := listLimit(r); limit < len(nodes) {
			nodes = nodes[:limit]
		}
		writeData(w, r, http.StatusOK, nodes)
	case http.MethodPost:
		h.registerNode(w, r)
	default:
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
	}
}

func (h *controlPlaneHandler) registerNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	var req registerNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Address == "" {
		writeErr(w, r, apierrors.BadRequest("address is required"))
		return
	}
	n := h.plane.RegisterNode(req.Address, req.SupportedModules, req.MaxMatches)
	writeData(w, r, http.StatusCreated, n)
}

type heartbeatRequest struct {
	Metrics model.NodeMetrics `json:"metrics"`
}

// nodeResources dispatches /api/nodes/{id}[/heartbeat|/drain].
func (h *controlPlaneHandler) nodeResources(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeErr(w, r, apierrors.NotFound("node", ""))
		return
	}
	// Registration canonically lives at POST /api/nodes/register; bare
	// POST /api/nodes is kept as an alias.
	if segments[0] == "register" {
		h.registerNode(w, r)
		return
	}
	nodeID, err := strconv.ParseUint(segments[0], 10, 64)
	if err != nil {
		writeErr(w, r, apierrors.BadRequest("invalid node id"))
		return
	}
	if len(segments) == 1 {
		n, ok := h.plane.Nodes.Node(nodeID)
		if !ok {
			writeErr(w, r, apierrors.NotFound("node", segments[0]))
			return
		}
		writeData(w, r, http.StatusOK, n)
		return
	}
	switch segments[1] {
	case "heartbeat":
		h.heartbeat(w, r, nodeID)
	case "drain":
		h.drain(w, r, nodeID)
	default:
		writeErr(w, r, apierrors.NotFound("resource", segments[1]))
	}
}

func (h *controlPlaneHandler) heartbeat(w http.ResponseWriter, r *http.Request, nodeID uint64) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.plane.Nodes.Heartbeat(nodeID, req.Metrics, time.Now()); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *controlPlaneHandler) drain(w http.ResponseWriter, r *http.Request, nodeID uint64) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	if err := h.plane.Nodes.Drain(nodeID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "draining"})
}

func (h *controlPlaneHandler) matches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	matches := h.plane.Router.Matches()
	if limit := listLimit(r); limit < len(matches) {
		matches = matches[:limit]
	}
	writeData(w, r, http.StatusOK, matches)
}

type routeMatchRequest struct {
	Modules         []string `json:"modules"`
	PlayerLimit     int      `json:"playerLimit"`
	PreferredNodeID uint64   `json:"preferredNodeId"`
}

// routeMatch places a new match on a candidate node.
func (h *controlPlaneHandler) routeMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	var req routeMatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	matchID := h.plane.NextMatchID()
	nodeID, err := h.plane.Router.Route(r.Context(), matchID, req.Modules, req.PlayerLimit, req.PreferredNodeID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, cluster.RoutedMatch{MatchID: matchID, NodeID: nodeID, Status: model.MatchRunning})
}

type joinMatchRequest struct {
	PlayerID   uint64 `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// matchResources dispatches /api/matches/{id}[/join|/finish|/error].
func (h *controlPlaneHandler) matchResources(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/matches/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		writeErr(w, r, apierrors.NotFound("resource", r.URL.Path))
		return
	}
	matchID, err := strconv.ParseUint(segments[0], 10, 64)
	if err != nil {
		writeErr(w, r, apierrors.BadRequest("invalid match id"))
		return
	}
	switch segments[1] {
	case "join":
		h.joinMatch(w, r, matchID)
	case "finish":
		h.finishMatch(w, r, matchID)
	case "error":
		h.errorMatch(w, r, matchID)
	default:
		writeErr(w, r, apierrors.NotFound("resource", segments[1]))
	}
}

func (h *controlPlaneHandler) joinMatch(w http.ResponseWriter, r *http.Request, matchID uint64) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	var req joinMatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	_, signed, err := h.plane.Router.JoinPlayer(matchID, req.PlayerID, req.PlayerName, 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"token": signed})
}

func (h *controlPlaneHandler) finishMatch(w http.ResponseWriter, r *http.Request, matchID uint64) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	h.plane.Router.FinishMatch(r.Context(), matchID)
	writeData(w, r, http.StatusOK, map[string]string{"status": "finished"})
}

func (h *controlPlaneHandler) errorMatch(w http.ResponseWriter, r *http.Request, matchID uint64) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	h.plane.Router.MarkMatchError(r.Context(), matchID)
	writeData(w, r, http.StatusOK, map[string]string{"status": "error"})
}
