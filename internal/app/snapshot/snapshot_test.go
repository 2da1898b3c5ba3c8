package snapshot

import (
	"math"
	"testing"

	"github.com/stormstack/engine/internal/app/ecs"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/internal/app/module"
	"github.com/stretchr/testify/require"
)

const (
	flagComponent     uint64 = 50
	positionComponent uint64 = 51
	secretComponent   uint64 = 52
	ownerComponentID  uint64 = 53
)

func newTestEngine(t *testing.T) (*Engine, *ecs.Store, *module.Runtime) {
	t.Helper()
	store := ecs.New()
	runtime := module.New(store, nil)
	desc := model.Descriptor{
		Name:    "movement",
		Version: model.Version{Major: 1},
		Flag:    model.Component{ID: flagComponent, Permission: model.PermissionPrivate},
		Components: []model.Component{
			{ID: positionComponent, Name: "POSITION_X", Permission: model.PermissionWrite},
			{ID: secretComponent, Name: "SECRET", Permission: model.PermissionPrivate},
		},
	}
	require.NoError(t, runtime.RegisterDescriptor(desc))
	require.NoError(t, runtime.EnableModules([]string{"movement"}))
	return New(store, runtime), store, runtime
}

func TestBuildFullOmitsPrivateComponents(t *testing.T) {
	engine, store, runtime := newTestEngine(t)
	entityID, err := runtime.Spawn(1)
	require.NoError(t, err)
	require.NoError(t, store.AttachComponent(entityID, positionComponent, 1.5, ecs.Superuser("test")))

	snap := engine.BuildFull(1, 0, nil)
	require.Len(t, snap.Modules, 1)
	require.Len(t, snap.Modules[0].Components, 1)
	require.Equal(t, "POSITION_X", snap.Modules[0].Components[0].Name)
}

// TestBuildFullMasksUnownedWriteValues: with a player id supplied, WRITE
// component values on entities the player does not own come back as NaN,
// while every column keeps the full slot count so the module stays
// aligned.
func TestBuildFullMasksUnownedWriteValues(t *testing.T) {
	engine, store, runtime := newTestEngine(t)
	desc, _ := runtime.Descriptor("movement")
	desc.Components = append(desc.Components, model.Component{ID: ownerComponentID, Name: "OWNER_ID", Permission: model.PermissionWrite})
	require.NoError(t, runtime.RegisterDescriptor(desc))
	require.NoError(t, runtime.EnableModules([]string{"movement"}))

	mine, err := runtime.Spawn(1)
	require.NoError(t, err)
	require.NoError(t, store.AttachComponent(mine, ownerComponentID, 7, ecs.Superuser("test")))
	require.NoError(t, store.AttachComponent(mine, positionComponent, 1.5, ecs.Superuser("test")))

	theirs, err := runtime.Spawn(1)
	require.NoError(t, err)
	require.NoError(t, store.AttachComponent(theirs, ownerComponentID, 9, ecs.Superuser("test")))
	require.NoError(t, store.AttachComponent(theirs, positionComponent, 8.5, ecs.Superuser("test")))

	player := uint64(7)
	snap := engine.BuildFull(1, 0, &player)
	byName := map[string][]float32{}
	for _, comp := range snap.Modules[0].Components {
		require.Len(t, comp.Values, 2)
		byName[comp.Name] = comp.Values
	}
	require.Equal(t, float32(1.5), byName["POSITION_X"][0])
	require.True(t, math.IsNaN(float64(byName["POSITION_X"][1])))
	require.True(t, math.IsNaN(float64(byName["OWNER_ID"][1])))
}

// TestBuildFullKeepsReadComponentsWorldVisible: a READ component is
// world-visible via snapshots, so ownership scoping must not mask its
// values on entities the requesting player does not own.
func TestBuildFullKeepsReadComponentsWorldVisible(t *testing.T) {
	engine, store, runtime := newTestEngine(t)
	const scoreComponent uint64 = 54
	desc, _ := runtime.Descriptor("movement")
	desc.Components = append(desc.Components,
		model.Component{ID: ownerComponentID, Name: "OWNER_ID", Permission: model.PermissionWrite},
		model.Component{ID: scoreComponent, Name: "SCORE", Permission: model.PermissionRead})
	require.NoError(t, runtime.RegisterDescriptor(desc))
	require.NoError(t, runtime.EnableModules([]string{"movement"}))

	mine, err := runtime.Spawn(1)
	require.NoError(t, err)
	require.NoError(t, store.AttachComponent(mine, ownerComponentID, 7, ecs.Superuser("test")))
	require.NoError(t, store.AttachComponent(mine, scoreComponent, 10, ecs.Superuser("test")))

	theirs, err := runtime.Spawn(1)
	require.NoError(t, err)
	require.NoError(t, store.AttachComponent(theirs, ownerComponentID, 9, ecs.Superuser("test")))
	require.NoError(t, store.AttachComponent(theirs, scoreComponent, 25, ecs.Superuser("test")))

	player := uint64(7)
	snap := engine.BuildFull(1, 0, &player)
	byName := map[string][]float32{}
	for _, comp := range snap.Modules[0].Components {
		byName[comp.Name] = comp.Values
	}
	require.Equal(t, []float32{10, 25}, byName["SCORE"], "READ column stays visible to non-owners")
	require.True(t, math.IsNaN(float64(byName["OWNER_ID"][1])))
}

func TestDeltaFirstPublishReportsResync(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	delta := engine.Delta(1)
	require.True(t, delta.Resync)
}

func TestDeltaTracksAddedAndChanged(t *testing.T) {
	engine, store, runtime := newTestEngine(t)
	entityID, err := runtime.Spawn(1)
	require.NoError(t, err)
	require.NoError(t, store.AttachComponent(entityID, positionComponent, 1, ecs.Superuser("test")))

	engine.Publish(1, 0)
	firstDelta := engine.Delta(1)
	require.True(t, firstDelta.Resync)

	require.NoError(t, store.AttachComponent(entityID, positionComponent, 2, ecs.Superuser("test")))
	engine.Publish(1, 1)

	delta := engine.Delta(1)
	require.False(t, delta.Resync)
	require.Len(t, delta.Modules, 1)
	require.Empty(t, delta.Modules[0].Added)
	require.Len(t, delta.Modules[0].Changed, 1)
	require.Equal(t, float32(2), delta.Modules[0].Changed[0].Value)
}

// TestDeltaCarriesValuesForAddedEntities: a newly added slot's component
// values travel in changed, so prior + delta reconstructs the new
// snapshot without a separate full fetch.
func TestDeltaCarriesValuesForAddedEntities(t *testing.T) {
	engine, store, runtime := newTestEngine(t)
	first, err := runtime.Spawn(1)
	require.NoError(t, err)
	require.NoError(t, store.AttachComponent(first, positionComponent, 1, ecs.Superuser("test")))
	engine.Publish(1, 0)

	second, err := runtime.Spawn(1)
	require.NoError(t, err)
	require.NoError(t, store.AttachComponent(second, positionComponent, 3, ecs.Superuser("test")))
	engine.Publish(1, 1)

	delta := engine.Delta(1)
	require.False(t, delta.Resync)
	mod := delta.Modules[0]
	require.Equal(t, []int{1}, mod.Added)
	var got *model.DeltaChange
	for i := range mod.Changed {
		if mod.Changed[i].Index == 1 && mod.Changed[i].Component == "POSITION_X" {
			got = &mod.Changed[i]
		}
	}
	require.NotNil(t, got, "added slot's value must arrive as a change")
	require.Equal(t, float32(3), got.Value)
}

func TestDeltaTracksRemoved(t *testing.T) {
	engine, store, runtime := newTestEngine(t)
	entityID, err := runtime.Spawn(1)
	require.NoError(t, err)
	require.NoError(t, store.AttachComponent(entityID, positionComponent, 1, ecs.Superuser("test")))
	engine.Publish(1, 0)
	engine.Delta(1)

	require.NoError(t, store.RemoveComponent(entityID, flagComponent, ecs.Superuser("test")))
	engine.Publish(1, 1)

	delta := engine.Delta(1)
	require.Len(t, delta.Modules[0].Removed, 1)
	require.Equal(t, 0, delta.Modules[0].Removed[0])
}
