package module

import (
	"context"
	"errors"
	"testing"

	"github.com/stormstack/engine/internal/app/ecs"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/logger"
	"github.com/stretchr/testify/require"
)

func movementDescriptor() model.Descriptor {
	return model.Descriptor{
		Name:    "movement",
		Version: model.Version{Major: 1, Minor: 0},
		Flag:    model.Component{ID: 10, Name: "MOVEMENT_FLAG", Permission: model.PermissionPrivate},
		Components: []model.Component{
			{ID: 11, Name: "POSITION_X", Permission: model.PermissionWrite},
		},
		Commands: []string{"move"},
		Systems:  []string{"movement.integrate"},
	}
}

func combatDescriptor() model.Descriptor {
	return model.Descriptor{
		Name:     "combat",
		Version:  model.Version{Major: 1, Minor: 2},
		Flag:     model.Component{ID: 20, Name: "COMBAT_FLAG", Permission: model.PermissionPrivate},
		Commands: []string{"attack"},
		Systems:  []string{"combat.resolve"},
		Dependencies: []model.Dependency{
			{Name: "movement", Required: model.Version{Major: 1, Minor: 0}},
		},
	}
}

func newTestRuntime() *Runtime {
	return New(ecs.New(), logger.NewDefault("module-test"))
}

func TestEnableModulesResolvesDependencyOrder(t *testing.T) {
	r := newTestRuntime()
	require.NoError(t, r.RegisterDescriptor(movementDescriptor()))
	require.NoError(t, r.RegisterDescriptor(combatDescriptor()))

	require.NoError(t, r.EnableModules([]string{"combat"}))
	require.Equal(t, []string{"combat", "movement"}, r.Enabled())
	require.Equal(t, []string{"movement.integrate", "combat.resolve"}, r.Systems())
}

func TestEnableModulesRejectsMissingDependency(t *testing.T) {
	r := newTestRuntime()
	require.NoError(t, r.RegisterDescriptor(combatDescriptor()))

	err := r.EnableModules([]string{"combat"})
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodePreconditionFailed, apiErr.Code)
	require.Empty(t, r.Enabled())
}

func TestEnableModulesRejectsVersionMismatch(t *testing.T) {
	r := newTestRuntime()
	stale := movementDescriptor()
	stale.Version = model.Version{Major: 0, Minor: 9}
	require.NoError(t, r.RegisterDescriptor(stale))
	require.NoError(t, r.RegisterDescriptor(combatDescriptor()))

	err := r.EnableModules([]string{"combat"})
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodePreconditionFailed, apiErr.Code)
}

func TestEnableModulesDetectsCycle(t *testing.T) {
	r := newTestRuntime()
	a := model.Descriptor{Name: "a", Version: model.Version{Major: 1}, Flag: model.Component{ID: 30}}
	b := model.Descriptor{Name: "b", Version: model.Version{Major: 1}, Flag: model.Component{ID: 31}}
	a.Dependencies = []model.Dependency{{Name: "b", Required: model.Version{Major: 1}}}
	b.Dependencies = []model.Dependency{{Name: "a", Required: model.Version{Major: 1}}}
	require.NoError(t, r.RegisterDescriptor(a))
	require.NoError(t, r.RegisterDescriptor(b))

	err := r.EnableModules([]string{"a"})
	require.Error(t, err)
}

func TestSpawnAttachesEnabledModuleFlags(t *testing.T) {
	r := newTestRuntime()
	require.NoError(t, r.RegisterDescriptor(movementDescriptor()))
	require.NoError(t, r.RegisterDescriptor(combatDescriptor()))
	require.NoError(t, r.EnableModules([]string{"combat"}))

	entityID, err := r.Spawn(7)
	require.NoError(t, err)
	require.True(t, r.store.HasComponent(entityID, movementDescriptor().Flag.ID))
	require.True(t, r.store.HasComponent(entityID, combatDescriptor().Flag.ID))
}

func TestResolveCommandFindsOwningModule(t *testing.T) {
	r := newTestRuntime()
	require.NoError(t, r.RegisterDescriptor(movementDescriptor()))
	require.NoError(t, r.EnableModules([]string{"movement"}))

	owner, ok := r.ResolveCommand("move")
	require.True(t, ok)
	require.Equal(t, "movement", owner)

	_, ok = r.ResolveCommand("nonexistent")
	require.False(t, ok)
}

func TestRunSystemsExecutesBoundSystemsInOrder(t *testing.T) {
	r := newTestRuntime()
	require.NoError(t, r.RegisterDescriptor(movementDescriptor()))
	require.NoError(t, r.RegisterDescriptor(combatDescriptor()))
	require.NoError(t, r.EnableModules([]string{"combat"}))

	var ranOrder []string
	require.NoError(t, r.BindSystem("movement", "movement.integrate", func(ctx context.Context, matchID uint64, store *ecs.Store) error {
		ranOrder = append(ranOrder, "movement.integrate")
		return nil
	}))
	require.NoError(t, r.BindSystem("combat", "combat.resolve", func(ctx context.Context, matchID uint64, store *ecs.Store) error {
		ranOrder = append(ranOrder, "combat.resolve")
		return nil
	}))

	results := r.RunSystems(context.Background(), 1)
	require.Equal(t, []string{"movement.integrate", "combat.resolve"}, ranOrder)
	require.Len(t, results, 2)
	for _, res := range results {
		require.NoError(t, res.Err)
	}
}

func TestRunSystemsSkipsUnboundSystems(t *testing.T) {
	r := newTestRuntime()
	require.NoError(t, r.RegisterDescriptor(movementDescriptor()))
	require.NoError(t, r.EnableModules([]string{"movement"}))

	results := r.RunSystems(context.Background(), 1)
	require.Empty(t, results)
}

func TestExecuteCommandInvokesBoundHandler(t *testing.T) {
	r := newTestRuntime()
	require.NoError(t, r.RegisterDescriptor(movementDescriptor()))
	require.NoError(t, r.EnableModules([]string{"movement"}))

	var gotPlayer uint64
	require.NoError(t, r.BindCommand("movement", "move", func(ctx context.Context, matchID, playerID uint64, payload map[string]interface{}, store *ecs.Store) error {
		gotPlayer = playerID
		return nil
	}))

	require.NoError(t, r.ExecuteCommand(context.Background(), 1, 42, "move", nil))
	require.Equal(t, uint64(42), gotPlayer)
}

func TestExecuteCommandReturnsUnknownCommandWhenUnbound(t *testing.T) {
	r := newTestRuntime()
	require.NoError(t, r.RegisterDescriptor(movementDescriptor()))
	require.NoError(t, r.EnableModules([]string{"movement"}))

	err := r.ExecuteCommand(context.Background(), 1, 42, "move", nil)
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeUnknownCommand, apiErr.Code)
}

func TestExecuteCommandPropagatesHandlerError(t *testing.T) {
	r := newTestRuntime()
	require.NoError(t, r.RegisterDescriptor(movementDescriptor()))
	require.NoError(t, r.EnableModules([]string{"movement"}))
	boom := errors.New("boom")
	require.NoError(t, r.BindCommand("movement", "move", func(ctx context.Context, matchID, playerID uint64, payload map[string]interface{}, store *ecs.Store) error {
		return boom
	}))

	err := r.ExecuteCommand(context.Background(), 1, 42, "move", nil)
	require.ErrorIs(t, err, boom)
}
