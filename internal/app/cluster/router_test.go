package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stormstack/engine/internal/app/gate"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(time.Minute, time.Minute)
	now := time.Now()
	r.RegisterNode(1, "node-1", []string{"movement"}, 10, now)
	r.RegisterNode(2, "node-2", []string{"movement"}, 10, now.Add(time.Second))
	return r
}

func TestRouteRejectsUnsupportedModules(t *testing.T) {
	r := newTestRegistry(t)
	router := NewRouter(r, gate.New("secret", "stormstack"), nil, nil, 0)

	_, err := router.Route(context.Background(), 1, []string{"unknown-module"}, 4, 0)
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeUnroutableModules, apiErr.Code)
}

func TestRouteFailsOverToNextCandidate(t *testing.T) {
	r := newTestRegistry(t)
	attempted := []uint64{}
	createFn := func(ctx context.Context, nodeID, matchID uint64, modules []string, playerLimit int) error {
		attempted = append(attempted, nodeID)
		if nodeID == 1 {
			return errors.New("node unreachable")
		}
		return nil
	}
	router := NewRouter(r, gate.New("secret", "stormstack"), createFn, nil, 3)

	nodeID, err := router.Route(context.Background(), 42, []string{"movement"}, 4, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), nodeID)
	require.Len(t, attempted, 2)
}

func TestRouteFailsAfterMaxAttempts(t *testing.T) {
	r := newTestRegistry(t)
	createFn := func(ctx context.Context, nodeID, matchID uint64, modules []string, playerLimit int) error {
		return errors.New("always fails")
	}
	router := NewRouter(r, gate.New("secret", "stormstack"), createFn, nil, 2)

	_, err := router.Route(context.Background(), 42, []string{"movement"}, 4, 0)
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodePlacementFailed, apiErr.Code)
}

func TestRouteHonorsPreferredNodeWithinTolerance(t *testing.T) {
	r := New(time.Minute, time.Minute)
	now := time.Now()
	r.RegisterNode(1, "leader", []string{"movement"}, 10, now)
	r.RegisterNode(2, "preferred", []string{"movement"}, 10, now)
	require.NoError(t, r.Heartbeat(2, model.NodeMetrics{Matches: 0}, now))

	router := NewRouter(r, gate.New("secret", "stormstack"), nil, nil, 3)
	nodeID, err := router.Route(context.Background(), 1, []string{"movement"}, 4, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), nodeID)
}

func TestJoinPlayerIssuesTokenAndEnforcesLimit(t *testing.T) {
	r := newTestRegistry(t)
	router := NewRouter(r, gate.New("secret", "stormstack"), nil, nil, 3)
	_, err := router.Route(context.Background(), 1, []string{"movement"}, 1, 0)
	require.NoError(t, err)

	token, signed, err := router.JoinPlayer(1, 100, "alice", 0)
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	require.Equal(t, uint64(100), token.PlayerID)

	_, _, err = router.JoinPlayer(1, 200, "bob", 0)
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeMatchFull, apiErr.Code)
}

func TestFinishMatchPropagatesTerminationToOwningNode(t *testing.T) {
	r := newTestRegistry(t)
	var gotNode, gotMatch uint64
	var gotStatus model.MatchStatus
	terminateFn := func(ctx context.Context, nodeID, matchID uint64, status model.MatchStatus) error {
		gotNode, gotMatch, gotStatus = nodeID, matchID, status
		return nil
	}
	router := NewRouter(r, gate.New("secret", "stormstack"), nil, terminateFn, 3)

	nodeID, err := router.Route(context.Background(), 5, []string{"movement"}, 4, 0)
	require.NoError(t, err)

	router.FinishMatch(context.Background(), 5)
	require.Equal(t, nodeID, gotNode)
	require.Equal(t, uint64(5), gotMatch)
	require.Equal(t, model.MatchFinished, gotStatus)
}

func TestFinishMatchRevokesIssuedTokens(t *testing.T) {
	r := newTestRegistry(t)
	g := gate.New("secret", "stormstack")
	router := NewRouter(r, g, nil, nil, 3)
	_, err := router.Route(context.Background(), 1, []string{"movement"}, 4, 0)
	require.NoError(t, err)

	_, signed, err := router.JoinPlayer(1, 100, "alice", 0)
	require.NoError(t, err)

	router.FinishMatch(context.Background(), 1)
	_, err = g.Validate(signed, time.Now())
	require.Error(t, err)
}
