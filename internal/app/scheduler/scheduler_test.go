package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stormstack/engine/internal/app/command"
	"github.com/stormstack/engine/internal/app/ecs"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/internal/app/module"
	"github.com/stormstack/engine/internal/app/registry"
	"github.com/stormstack/engine/internal/app/snapshot"
	"github.com/stretchr/testify/require"
)

const positionComponent uint64 = 70

func newHarness(t *testing.T) (*Container, *registry.Registry, *module.Runtime, *command.Queue, *ecs.Store) {
	t.Helper()
	store := ecs.New()
	runtime := module.New(store, nil)
	desc := model.Descriptor{
		Name:       "movement",
		Version:    model.Version{Major: 1},
		Flag:       model.Component{ID: 60, Permission: model.PermissionPrivate},
		Components: []model.Component{{ID: positionComponent, Name: "POSITION_X", Permission: model.PermissionWrite}},
		Commands:   []string{"move"},
		Systems:    []string{"movement.integrate"},
	}
	require.NoError(t, runtime.RegisterDescriptor(desc))
	require.NoError(t, runtime.EnableModules([]string{"movement"}))

	reg := registry.New()
	reg.CreateMatch(1, 1, []string{"movement"}, 4)
	require.NoError(t, reg.StartMatch(1))

	queue := command.New(command.DefaultCapacity)
	snapshots := snapshot.New(store, runtime)
	c := New(1, reg, queue, runtime, snapshots, time.Millisecond, nil)
	return c, reg, runtime, queue, store
}

func TestTickIncrementsCurrentTick(t *testing.T) {
	c, reg, _, _, _ := newHarness(t)
	c.Tick(context.Background())

	m, _ := reg.Match(1)
	require.Equal(t, uint64(1), m.CurrentTick)
}

func TestTickDrainsAndExecutesCommands(t *testing.T) {
	c, _, runtime, queue, store := newHarness(t)
	entityID, err := runtime.Spawn(1)
	require.NoError(t, err)

	require.NoError(t, runtime.BindCommand("movement", "move", func(ctx context.Context, matchID, playerID uint64, payload map[string]interface{}, store *ecs.Store) error {
		return store.AttachComponent(entityID, positionComponent, 9, ecs.Superuser("movement"))
	}))
	require.NoError(t, queue.Submit(command.Envelope{MatchID: 1, Name: "move"}))

	c.Tick(context.Background())
	require.Equal(t, float32(9), store.GetComponent(entityID, positionComponent))
}

func TestTickRunsBoundSystemsAndPublishesSnapshot(t *testing.T) {
	c, _, runtime, _, _ := newHarness(t)
	var ran bool
	require.NoError(t, runtime.BindSystem("movement", "movement.integrate", func(ctx context.Context, matchID uint64, store *ecs.Store) error {
		ran = true
		return nil
	}))

	c.Tick(context.Background())
	require.True(t, ran)
}

func TestTwoConsecutiveSystemFailuresMarksMatchError(t *testing.T) {
	c, reg, runtime, _, _ := newHarness(t)
	boom := errors.New("boom")
	require.NoError(t, runtime.BindSystem("movement", "movement.integrate", func(ctx context.Context, matchID uint64, store *ecs.Store) error {
		return boom
	}))

	c.Tick(context.Background())
	m, _ := reg.Match(1)
	require.Equal(t, model.MatchRunning, m.Status)

	c.Tick(context.Background())
	m, _ = reg.Match(1)
	require.Equal(t, model.MatchError, m.Status)
}

func TestPlayForTicksRunsExactlyN(t *testing.T) {
	c, reg, _, _, _ := newHarness(t)
	c.PlayForTicks(context.Background(), 3)

	m, _ := reg.Match(1)
	require.Equal(t, uint64(3), m.CurrentTick)
}

func TestPlayThenStopIsIdempotent(t *testing.T) {
	c, _, _, _, _ := newHarness(t)
	c.Play(context.Background())
	time.Sleep(5 * time.Millisecond)
	c.Stop()
	c.Stop()
}
