package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stormstack/engine/internal/app/engine"
	"github.com/stormstack/engine/internal/app/fanout"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/logger"
	"github.com/stormstack/engine/pkg/metrics"
)

// nodeHandler bundles the engine node's HTTP/WS endpoints.
type nodeHandler struct {
	node *engine.Node
	log  *logger.Logger
}

// NewNodeHandler returns a mux exposing the engine node's REST and
// WebSocket surface. Player-facing routes require a MatchToken bearer;
// the `/api/cluster/` control route is authenticated separately against
// operatorTokens, since it is only ever called by the control plane's
// Match Router, never by a player.
func NewNodeHandler(n *engine.Node, operatorTokens []string, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi.node")
	}
	h := &nodeHandler{node: n, log: log}

	playerMux := http.NewServeMux()
	playerMux.Handle("/metrics", metrics.Handler())
	playerMux.HandleFunc("/healthz", h.health)
	playerMux.HandleFunc("/api/modules", h.modules)
	playerMux.HandleFunc("/api/containers", h.containers)
	playerMux.HandleFunc("/api/containers/", h.containerResources)
	playerMux.HandleFunc("/ws/containers/", h.streamResources)
	playerSurface := withMatchTokenAuth(playerMux, n.Gate(), log)

	clusterMux := http.NewServeMux()
	clusterMux.HandleFunc("/api/cluster/matches", h.clusterCreateMatch)
	clusterMux.HandleFunc("/api/cluster/matches/", h.clusterMatchLifecycle)
	clusterSurface := withOperatorAuth(clusterMux, operatorTokens)

	top := http.NewServeMux()
	top.Handle("/api/cluster/", clusterSurface)
	top.Handle("/", playerSurface)

	limiter := NewRateLimiter(DefaultRequestsPerMinute, time.Minute, 0)
	return withCORS(withMetrics(limiter.wrap(top)))
}

type clusterCreateMatchRequest struct {
	MatchID     uint64   `json:"matchId"`
	Modules     []string `json:"modules"`
	PlayerLimit int      `json:"playerLimit"`
}

// clusterCreateMatch hosts a match the control plane's router just placed
// on this node: it ensures a container enabled for exactly these modules
// exists (creating and starting one if not) and creates the match on it
// with the cluster-assigned matchId.
func (h *nodeHandler) clusterCreateMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	var req clusterCreateMatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	c, err := h.node.EnsureContainerForModules(req.Modules, 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	m, err := h.node.CreateMatch(c.ID, req.MatchID, req.Modules, req.PlayerLimit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, m)
}

// clusterMatchLifecycle dispatches POST /api/cluster/matches/{id}/{finish|error},
// the control plane's termination fan-in: the node transitions the match,
// drops its queue, closes its subscribers, and revokes every token scoped
// to it — router-issued tokens included, so revocation reaches the gate
// that actually authenticates player traffic.
func (h *nodeHandler) clusterMatchLifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/cluster/matches/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) != 2 {
		writeErr(w, r, apierrors.NotFound("resource", rest))
		return
	}
	matchID, err := strconv.ParseUint(segments[0], 10, 64)
	if err != nil {
		writeErr(w, r, apierrors.BadRequest("invalid match id"))
		return
	}
	switch segments[1] {
	case "finish":
		err = h.node.FinishMatch(matchID)
	case "error":
		err = h.node.MarkMatchError(matchID)
	default:
		writeErr(w, r, apierrors.NotFound("resource", segments[1]))
		return
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": segments[1]})
}

func (h *nodeHandler) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *nodeHandler) modules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	writeData(w, r, http.StatusOK, h.node.Descriptors())
}

type createContainerRequest struct {
	Modules        []string `json:"modules"`
	TickIntervalMs int      `json:"tickIntervalMs"`
}

func (h *nodeHandler) containers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		containers := h.node.Registry().Containers()
		if limit := listLimit(r); limit < len(containers) {
			containers = containers[:limit]
		}
		writeData(w, r, http.StatusOK, containers)
	case http.MethodPost:
		if !requireScope(w, r, model.ScopeSubmitCommands) {
			return
		}
		var req createContainerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		c, err := h.node.CreateContainer(req.Modules, req.TickIntervalMs)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeData(w, r, http.StatusCreated, c)
	default:
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
	}
}

// containerResources dispatches every /api/containers/{id}/... route by
// parsing the path segments manually rather than with Go 1.22 mux
// patterns.
func (h *nodeHandler) containerResources(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/containers/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeErr(w, r, apierrors.NotFound("container", ""))
		return
	}
	containerID, err := strconv.ParseUint(segments[0], 10, 64)
	if err != nil {
		writeErr(w, r, apierrors.BadRequest("invalid container id"))
		return
	}

	if len(segments) == 1 {
		h.containerByID(w, r, containerID)
		return
	}

	switch segments[1] {
	case "start":
		h.startContainer(w, r, containerID)
	case "pause":
		h.pauseContainer(w, r, containerID)
	case "resume":
		h.resumeContainer(w, r, containerID)
	case "stop":
		h.stopContainer(w, r, containerID)
	case "ticks":
		h.tickContainer(w, r, containerID)
	case "matches":
		h.containerMatches(w, r, containerID, segments[2:])
	case "commands":
		h.submitCommand(w, r, containerID)
	case "modules":
		h.enableModules(w, r, containerID)
	case "snapshots":
		if len(segments) != 3 {
			writeErr(w, r, apierrors.NotFound("resource", rest))
			return
		}
		matchID, err := strconv.ParseUint(segments[2], 10, 64)
		if err != nil {
			writeErr(w, r, apierrors.BadRequest("invalid match id"))
			return
		}
		h.snapshot(w, r, containerID, matchID)
	default:
		writeErr(w, r, apierrors.NotFound("resource", segments[1]))
	}
}

func (h *nodeHandler) containerByID(w http.ResponseWriter, r *http.Request, containerID uint64) {
	if r.Method != http.MethodGet {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	c, ok := h.node.Registry().Container(containerID)
	if !ok {
		writeErr(w, r, apierrors.NotFound("container", strconv.FormatUint(containerID, 10)))
		return
	}
	writeData(w, r, http.StatusOK, c)
}

func (h *nodeHandler) startContainer(w http.ResponseWriter, r *http.Request, containerID uint64) {
	if !requireScope(w, r, model.ScopeSubmitCommands) {
		return
	}
	if err := h.node.StartContainer(r.Context(), containerID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "started"})
}

func (h *nodeHandler) pauseContainer(w http.ResponseWriter, r *http.Request, containerID uint64) {
	if !requireScope(w, r, model.ScopeSubmitCommands) {
		return
	}
	if err := h.node.PauseContainer(containerID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *nodeHandler) resumeContainer(w http.ResponseWriter, r *http.Request, containerID uint64) {
	if !requireScope(w, r, model.ScopeSubmitCommands) {
		return
	}
	if err := h.node.ResumeContainer(r.Context(), containerID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *nodeHandler) stopContainer(w http.ResponseWriter, r *http.Request, containerID uint64) {
	if !requireScope(w, r, model.ScopeSubmitCommands) {
		return
	}
	if err := h.node.StopContainer(containerID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "stopped"})
}

// tickContainer drives one manual pipeline pass.
func (h *nodeHandler) tickContainer(w http.ResponseWriter, r *http.Request, containerID uint64) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	if !requireScope(w, r, model.ScopeSubmitCommands) {
		return
	}
	if err := h.node.Tick(r.Context(), containerID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "ticked"})
}

type enableModulesRequest struct {
	Modules []string `json:"modules"`
}

// enableModules adds modules to a live container's runtime
// (POST /api/containers/{id}/modules).
func (h *nodeHandler) enableModules(w http.ResponseWriter, r *http.Request, containerID uint64) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	if !requireScope(w, r, model.ScopeSubmitCommands) {
		return
	}
	var req enableModulesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	c, err := h.node.EnableModules(containerID, req.Modules)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, c)
}

type createMatchRequest struct {
	MatchID     uint64   `json:"matchId"`
	Modules     []string `json:"modules"`
	PlayerLimit int      `json:"playerLimit"`
}

// containerMatches dispatches /api/containers/{id}/matches[/{matchId}[/snapshots]].
// Player admission is not served here: joins go through the control
// plane's match router, which owns admission and token issuance.
func (h *nodeHandler) containerMatches(w http.ResponseWriter, r *http.Request, containerID uint64, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		h.createMatch(w, r, containerID)
		return
	}
	matchID, err := strconv.ParseUint(rest[0], 10, 64)
	if err != nil {
		writeErr(w, r, apierrors.BadRequest("invalid match id"))
		return
	}
	if len(rest) == 1 {
		h.matchByID(w, r, matchID)
		return
	}
	switch rest[1] {
	case "snapshots":
		h.snapshot(w, r, containerID, matchID)
	default:
		writeErr(w, r, apierrors.NotFound("resource", rest[1]))
	}
}

func (h *nodeHandler) createMatch(w http.ResponseWriter, r *http.Request, containerID uint64) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	if !requireScope(w, r, model.ScopeSubmitCommands) {
		return
	}
	var req createMatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	m, err := h.node.CreateMatch(containerID, req.MatchID, req.Modules, req.PlayerLimit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, m)
}

func (h *nodeHandler) matchByID(w http.ResponseWriter, r *http.Request, matchID uint64) {
	if r.Method != http.MethodGet {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	m, ok := h.node.Registry().Match(matchID)
	if !ok {
		writeErr(w, r, apierrors.NotFound("match", strconv.FormatUint(matchID, 10)))
		return
	}
	writeData(w, r, http.StatusOK, m)
}

func (h *nodeHandler) snapshot(w http.ResponseWriter, r *http.Request, containerID, matchID uint64) {
	if r.Method != http.MethodGet {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	if !requireScope(w, r, model.ScopeViewSnapshots) {
		return
	}
	var playerID *uint64
	if token, ok := tokenFromContext(r.Context()); ok && token.PlayerID != 0 {
		playerID = &token.PlayerID
	}
	snap, err := h.node.Snapshot(containerID, matchID, playerID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, snap)
}

type submitCommandRequest struct {
	MatchID  uint64                 `json:"matchId"`
	PlayerID uint64                 `json:"playerId"`
	Name     string                 `json:"name"`
	Payload  map[string]interface{} `json:"payload"`
}

// submitCommand runs the HTTP half of the command submission path (the
// WS half is fanout.Hub.ServeCommands, mounted under /ws).
func (h *nodeHandler) submitCommand(w http.ResponseWriter, r *http.Request, containerID uint64) {
	if r.Method != http.MethodPost {
		writeErr(w, r, apierrors.BadRequest("method not allowed"))
		return
	}
	if !requireScope(w, r, model.ScopeSubmitCommands) {
		return
	}
	var req submitCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if !tokenMatches(w, r, containerID, req.MatchID, req.PlayerID) {
		return
	}
	if err := h.node.SubmitCommand(containerID, req.MatchID, req.PlayerID, req.Name, req.Payload); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, map[string]string{"status": "queued"})
}

// streamResources dispatches the WebSocket routes under /ws/containers/.
func (h *nodeHandler) streamResources(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/ws/containers/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) < 2 {
		writeErr(w, r, apierrors.NotFound("resource", r.URL.Path))
		return
	}
	containerID, err := strconv.ParseUint(segments[0], 10, 64)
	if err != nil {
		writeErr(w, r, apierrors.BadRequest("invalid container id"))
		return
	}

	if segments[1] == "commands" {
		if !requireScope(w, r, model.ScopeSubmitCommands) {
			return
		}
		token, ok := tokenFromContext(r.Context())
		if !ok {
			writeErr(w, r, apierrors.InvalidCredentials("missing bearer token"))
			return
		}
		_ = h.node.Fanout().ServeCommands(w, r, containerID, token, h.node)
		return
	}

	if len(segments) != 4 || segments[1] != "matches" {
		writeErr(w, r, apierrors.NotFound("resource", r.URL.Path))
		return
	}
	matchID, err := strconv.ParseUint(segments[2], 10, 64)
	if err != nil {
		writeErr(w, r, apierrors.BadRequest("invalid match id"))
		return
	}
	if !requireScope(w, r, model.ScopeViewSnapshots) {
		return
	}
	var mode fanout.Mode
	switch segments[3] {
	case "snapshot":
		mode = fanout.ModeFull
	case "delta":
		mode = fanout.ModeDelta
	default:
		writeErr(w, r, apierrors.NotFound("resource", segments[3]))
		return
	}
	if _, ok := h.node.Registry().Match(matchID); !ok {
		writeErr(w, r, apierrors.NotFound("match", strconv.FormatUint(matchID, 10)))
		return
	}
	_ = h.node.Fanout().ServeSnapshot(w, r, matchID, mode)
}
