package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stormstack/engine/internal/app/command"
	"github.com/stormstack/engine/internal/app/ecs"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		TickInterval:       10 * time.Millisecond,
		MaxCommandsPerTick: 256,
		QueueCapacity:      command.DefaultCapacity,
		GateSecret:         "test-secret",
		GateIssuer:         "stormstack-test",
	}
}

func gridMapDescriptor() model.Descriptor {
	return model.Descriptor{
		Name:    "GridMapModule",
		Version: model.Version{Major: 1},
		Flag:    model.Component{ID: 100, Name: "GRIDMAP_FLAG", Permission: model.PermissionPrivate},
		Components: []model.Component{
			{ID: 101, Name: "POSITION_X", Permission: model.PermissionWrite},
			{ID: 102, Name: "POSITION_Y", Permission: model.PermissionWrite},
		},
		Commands: []string{"setPosition"},
		Systems:  []string{"gridmap.bounds"},
	}
}

// A container with one empty match ticked once advances currentTick to 1
// and emits empty per-module snapshot columns.
func TestEmptyTickAdvancesCurrentTick(t *testing.T) {
	n := New(1, testOptions(), nil)
	require.NoError(t, n.RegisterDescriptor(gridMapDescriptor()))

	c, err := n.CreateContainer([]string{"GridMapModule"}, 100)
	require.NoError(t, err)
	_, err = n.CreateMatch(c.ID, 0, []string{"GridMapModule"}, 4)
	require.NoError(t, err)

	require.NoError(t, n.Tick(context.Background(), c.ID))

	matches := n.Registry().Matches()
	require.Len(t, matches, 1)
	require.Equal(t, uint64(1), matches[0].CurrentTick)
}

// Spawning an entity then submitting setPosition and ticking twice
// yields aligned POSITION_X/POSITION_Y columns.
func TestSpawnAndMoveProducesExpectedColumns(t *testing.T) {
	n := New(1, testOptions(), nil)
	require.NoError(t, n.RegisterDescriptor(gridMapDescriptor()))

	c, err := n.CreateContainer([]string{"GridMapModule"}, 100)
	require.NoError(t, err)
	m, err := n.CreateMatch(c.ID, 0, []string{"GridMapModule"}, 4)
	require.NoError(t, err)

	entityID, err := n.Spawn(c.ID, m.ID)
	require.NoError(t, err)

	cr, err := n.container(c.ID)
	require.NoError(t, err)
	require.NoError(t, cr.runtime.BindCommand("GridMapModule", "setPosition",
		func(ctx context.Context, matchID, playerID uint64, payload map[string]interface{}, store *ecs.Store) error {
			if err := store.AttachComponent(entityID, 101, payload["x"].(float32), ecs.Superuser("test")); err != nil {
				return err
			}
			return store.AttachComponent(entityID, 102, payload["y"].(float32), ecs.Superuser("test"))
		}))
	require.NoError(t, cr.runtime.BindCommandSchema("GridMapModule", "setPosition", command.Schema{
		"entityId": command.ParamFloat,
		"x":        command.ParamFloat,
		"y":        command.ParamFloat,
	}))

	require.NoError(t, n.SubmitCommand(c.ID, m.ID, 7, "setPosition", map[string]interface{}{
		"entityId": float64(entityID),
		"x":        4.0,
		"y":        5.0,
	}))

	require.NoError(t, n.Tick(context.Background(), c.ID))
	require.NoError(t, n.Tick(context.Background(), c.ID))

	snap, err := n.Snapshot(c.ID, m.ID, nil)
	require.NoError(t, err)
	require.Len(t, snap.Modules, 1)
	mod := snap.Modules[0]
	require.Equal(t, "GridMapModule", mod.Name)
	byName := map[string][]float32{}
	for _, comp := range mod.Components {
		byName[comp.Name] = comp.Values
	}
	require.Equal(t, []float32{4}, byName["POSITION_X"])
	require.Equal(t, []float32{5}, byName["POSITION_Y"])
}

func TestSubmitCommandRejectsUnknownCommand(t *testing.T) {
	n := New(1, testOptions(), nil)
	c, err := n.CreateContainer(nil, 100)
	require.NoError(t, err)
	m, err := n.CreateMatch(c.ID, 0, nil, 4)
	require.NoError(t, err)

	err = n.SubmitCommand(c.ID, m.ID, 1, "does-not-exist", nil)
	require.Error(t, err)
}

// A match at status FINISHED or ERROR accepts no commands.
func TestSubmitCommandRejectsFinishedOrErrorMatch(t *testing.T) {
	n := New(1, testOptions(), nil)
	require.NoError(t, n.RegisterDescriptor(gridMapDescriptor()))
	c, err := n.CreateContainer([]string{"GridMapModule"}, 100)
	require.NoError(t, err)

	finished, err := n.CreateMatch(c.ID, 0, []string{"GridMapModule"}, 4)
	require.NoError(t, err)
	require.NoError(t, n.Registry().FinishMatch(finished.ID))
	err = n.SubmitCommand(c.ID, finished.ID, 1, "setPosition", nil)
	require.Error(t, err)

	errored, err := n.CreateMatch(c.ID, 0, []string{"GridMapModule"}, 4)
	require.NoError(t, err)
	require.NoError(t, n.Registry().MarkMatchError(errored.ID))
	err = n.SubmitCommand(c.ID, errored.ID, 1, "setPosition", nil)
	require.Error(t, err)
}

func TestFinishMatchDropsQueueAndRevokesTokens(t *testing.T) {
	n := New(1, testOptions(), nil)
	require.NoError(t, n.RegisterDescriptor(gridMapDescriptor()))
	c, err := n.CreateContainer([]string{"GridMapModule"}, 100)
	require.NoError(t, err)
	m, err := n.CreateMatch(c.ID, 0, []string{"GridMapModule"}, 4)
	require.NoError(t, err)

	_, signed, err := n.Gate().Issue(m.ID, c.ID, 5, "rin", nil, 0)
	require.NoError(t, err)
	require.NoError(t, n.SubmitCommand(c.ID, m.ID, 5, "setPosition", map[string]interface{}{}))

	require.NoError(t, n.FinishMatch(m.ID))

	got, _ := n.Registry().Match(m.ID)
	require.Equal(t, model.MatchFinished, got.Status)

	err = n.SubmitCommand(c.ID, m.ID, 5, "setPosition", map[string]interface{}{})
	require.Error(t, err)

	_, err = n.Gate().Validate(signed, time.Now())
	require.Error(t, err)

	// Idempotent re-apply.
	require.NoError(t, n.FinishMatch(m.ID))
}

func TestEnableModulesExtendsLiveContainer(t *testing.T) {
	n := New(1, testOptions(), nil)
	require.NoError(t, n.RegisterDescriptor(gridMapDescriptor()))
	require.NoError(t, n.RegisterDescriptor(model.Descriptor{
		Name:    "EntityModule",
		Version: model.Version{Major: 1},
		Flag:    model.Component{ID: 110, Name: "ENTITY_FLAG", Permission: model.PermissionPrivate},
	}))

	c, err := n.CreateContainer([]string{"GridMapModule"}, 100)
	require.NoError(t, err)

	c, err = n.EnableModules(c.ID, []string{"EntityModule"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"EntityModule", "GridMapModule"}, c.EnabledModules)

	_, err = n.EnableModules(c.ID, []string{"not-registered"})
	require.Error(t, err)
}

func TestStopContainerReleasesItAndClosesFanout(t *testing.T) {
	n := New(1, testOptions(), nil)
	c, err := n.CreateContainer(nil, 100)
	require.NoError(t, err)

	require.NoError(t, n.StartContainer(context.Background(), c.ID))
	require.NoError(t, n.StopContainer(c.ID))

	err = n.Tick(context.Background(), c.ID)
	require.Error(t, err)
}

func TestPauseAndResumeContainerRoundTrips(t *testing.T) {
	n := New(1, testOptions(), nil)
	c, err := n.CreateContainer(nil, 100)
	require.NoError(t, err)

	require.NoError(t, n.StartContainer(context.Background(), c.ID))
	require.NoError(t, n.PauseContainer(c.ID))
	require.NoError(t, n.ResumeContainer(context.Background(), c.ID))
	require.NoError(t, n.StopContainer(c.ID))
}
