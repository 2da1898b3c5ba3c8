package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stormstack/engine/internal/app/command"
	"github.com/stormstack/engine/internal/app/engine"
	"github.com/stormstack/engine/internal/app/gate"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stretchr/testify/require"
)

func testNode(t *testing.T) *engine.Node {
	t.Helper()
	n := engine.New(1, engine.Options{
		TickInterval:       10 * time.Millisecond,
		MaxCommandsPerTick: 256,
		QueueCapacity:      command.DefaultCapacity,
		GateSecret:         "test-secret",
		GateIssuer:         "stormstack-test",
	}, nil)
	require.NoError(t, n.RegisterDescriptor(model.Descriptor{
		Name:    "GridMapModule",
		Version: model.Version{Major: 1},
		Flag:    model.Component{ID: 100, Name: "GRIDMAP_FLAG", Permission: model.PermissionPrivate},
		Components: []model.Component{
			{ID: 101, Name: "POSITION_X", Permission: model.PermissionWrite},
		},
		Commands: []string{"setPosition"},
		Systems:  []string{"gridmap.bounds"},
	}))
	return n
}

func decodeEnvelope(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	return env
}

func TestNodeHandlerHealthRequiresNoToken(t *testing.T) {
	h := NewNodeHandler(testNode(t), nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNodeHandlerRejectsMissingBearerToken(t *testing.T) {
	h := NewNodeHandler(testNode(t), nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/modules")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNodeHandlerClusterCreateMatchRequiresOperatorToken(t *testing.T) {
	h := NewNodeHandler(testNode(t), []string{"op-secret"}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body, _ := json.Marshal(clusterCreateMatchRequest{MatchID: 7, Modules: []string{"GridMapModule"}, PlayerLimit: 4})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/cluster/matches", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/cluster/matches", bytes.NewReader(body))
	req2.Header.Set("Authorization", "Bearer op-secret")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
}

// TestNodeHandlerContainerAndMatchLifecycle exercises create-container,
// create-match, and submit-command through their REST surface: an
// operator-style token minted off the node's gate drives container and
// match setup, and a router-issued player token (peer gate, shared
// secret) drives command submission the way a real client would.
func TestNodeHandlerContainerAndMatchLifecycle(t *testing.T) {
	n := testNode(t)
	h := NewNodeHandler(n, nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	_, adminToken, err := n.Gate().Issue(0, 0, 0, "admin", []model.Scope{
		model.ScopeSubmitCommands, model.ScopeViewSnapshots, model.ScopeReceiveErrors,
	}, 0)
	require.NoError(t, err)

	post := func(path string, payload interface{}, tok string) *http.Response {
		var reader *bytes.Reader
		if payload != nil {
			b, _ := json.Marshal(payload)
			reader = bytes.NewReader(b)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, _ := http.NewRequest(http.MethodPost, srv.URL+path, reader)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("/api/containers", createContainerRequest{Modules: []string{"GridMapModule"}, TickIntervalMs: 100}, adminToken)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Container
	body := decodeEnvelope(t, mustReadAll(t, resp))
	require.NoError(t, json.Unmarshal(mustMarshal(t, body.Data), &created))

	resp2 := post("/api/containers/"+itoaTest(created.ID)+"/matches",
		createMatchRequest{MatchID: 9, Modules: []string{"GridMapModule"}, PlayerLimit: 4}, adminToken)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	// Admission happens on the control plane's router, which mints the
	// MatchToken off its own gate sharing the node's secret; the node
	// validates it by signature alone.
	routerGate := gate.New("test-secret", "stormstack-test")
	_, playerToken, err := routerGate.Issue(9, 0, 5, "rin",
		[]model.Scope{model.ScopeSubmitCommands, model.ScopeViewSnapshots, model.ScopeReceiveErrors}, 0)
	require.NoError(t, err)

	resp4 := post("/api/containers/"+itoaTest(created.ID)+"/commands",
		submitCommandRequest{MatchID: 9, PlayerID: 5, Name: "setPosition", Payload: map[string]interface{}{"POSITION_X": 1.0}},
		playerToken)
	defer resp4.Body.Close()
	require.Equal(t, http.StatusAccepted, resp4.StatusCode)

	// The same token must not be usable to submit on behalf of a
	// different player or a different match.
	resp5 := post("/api/containers/"+itoaTest(created.ID)+"/commands",
		submitCommandRequest{MatchID: 9, PlayerID: 999, Name: "setPosition", Payload: map[string]interface{}{"POSITION_X": 1.0}},
		playerToken)
	defer resp5.Body.Close()
	require.Equal(t, http.StatusForbidden, resp5.StatusCode)

	resp6 := post("/api/containers/"+itoaTest(created.ID)+"/commands",
		submitCommandRequest{MatchID: 123, PlayerID: 5, Name: "setPosition", Payload: map[string]interface{}{"POSITION_X": 1.0}},
		playerToken)
	defer resp6.Body.Close()
	require.Equal(t, http.StatusForbidden, resp6.StatusCode)
}

// TestClusterFinishRevokesRouterIssuedTokens: termination arriving over
// the cluster control endpoint must invalidate tokens the control plane
// minted for the match, not just ones the node issued itself.
func TestClusterFinishRevokesRouterIssuedTokens(t *testing.T) {
	n := testNode(t)
	h := NewNodeHandler(n, []string{"op-secret"}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	createBody, _ := json.Marshal(clusterCreateMatchRequest{MatchID: 9, Modules: []string{"GridMapModule"}, PlayerLimit: 4})
	createReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/cluster/matches", bytes.NewReader(createBody))
	createReq.Header.Set("Authorization", "Bearer op-secret")
	createResp, err := http.DefaultClient.Do(createReq)
	require.NoError(t, err)
	createResp.Body.Close()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	routerGate := gate.New("test-secret", "stormstack-test")
	_, playerToken, err := routerGate.Issue(9, 0, 5, "rin",
		[]model.Scope{model.ScopeSubmitCommands, model.ScopeViewSnapshots}, 0)
	require.NoError(t, err)

	matchReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/containers/1/matches/9", nil)
	matchReq.Header.Set("Authorization", "Bearer "+playerToken)
	matchResp, err := http.DefaultClient.Do(matchReq)
	require.NoError(t, err)
	matchResp.Body.Close()
	require.Equal(t, http.StatusOK, matchResp.StatusCode)

	finishReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/cluster/matches/9/finish", nil)
	finishReq.Header.Set("Authorization", "Bearer op-secret")
	finishResp, err := http.DefaultClient.Do(finishReq)
	require.NoError(t, err)
	finishResp.Body.Close()
	require.Equal(t, http.StatusOK, finishResp.StatusCode)

	afterReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/containers/1/matches/9", nil)
	afterReq.Header.Set("Authorization", "Bearer "+playerToken)
	afterResp, err := http.DefaultClient.Do(afterReq)
	require.NoError(t, err)
	afterResp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, afterResp.StatusCode)
}

func mustReadAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.Bytes()
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func itoaTest(id uint64) string {
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
