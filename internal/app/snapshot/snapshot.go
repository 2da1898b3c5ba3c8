// Package snapshot implements the snapshot engine: building a per-match,
// per-tick world-state slice from the ECS, and computing the minimal
// delta against the previously retained snapshot.
package snapshot

import (
	"math"

	"github.com/stormstack/engine/internal/app/ecs"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/internal/app/module"
)

// retained is one match's most recently published snapshot plus the
// per-module flagged-entity ordering it was built from, needed to compute
// the next delta.
type retained struct {
	snapshot model.Snapshot
	entities map[string][]uint64 // module name -> ascending flagged entity ids
}

// Engine builds and retains snapshots for every match in one container.
type Engine struct {
	store   *ecs.Store
	runtime *module.Runtime

	current map[uint64]*retained
	prior   map[uint64]*retained
}

// New creates an Engine bound to a container's store and module runtime.
func New(store *ecs.Store, runtime *module.Runtime) *Engine {
	return &Engine{
		store:   store,
		runtime: runtime,
		current: make(map[uint64]*retained),
		prior:   make(map[uint64]*retained),
	}
}

// BuildFull constructs a full snapshot for matchID at tick, scoped to
// playerID when non-nil: READ components stay world-visible, while every
// other column's values are masked to NaN on entities the player does not
// own (modules declaring no ownership component are world-visible in
// full). It does not affect the engine's retained state used for delta
// computation — use Publish for that.
func (e *Engine) BuildFull(matchID, tick uint64, playerID *uint64) model.Snapshot {
	snap, _ := e.build(matchID, tick, playerID)
	return snap
}

// Publish builds the canonical (unscoped) snapshot for matchID at tick,
// retains it as the new "current" (demoting the previous current to
// "prior"), and returns it for fanout. Scheduler
// calls this exactly once per RUNNING match per tick.
func (e *Engine) Publish(matchID, tick uint64) model.Snapshot {
	snap, entities := e.build(matchID, tick, nil)
	if cur, ok := e.current[matchID]; ok {
		e.prior[matchID] = cur
	}
	e.current[matchID] = &retained{snapshot: snap, entities: entities}
	return snap
}

func (e *Engine) build(matchID, tick uint64, playerID *uint64) (model.Snapshot, map[string][]uint64) {
	moduleNames := e.runtime.Enabled()
	modules := make([]model.SnapshotModule, 0, len(moduleNames))
	entities := make(map[string][]uint64, len(moduleNames))

	for _, name := range moduleNames {
		desc, ok := e.runtime.Descriptor(name)
		if !ok {
			continue
		}
		flagged := e.store.GetEntitiesWithComponents(desc.Flag.ID)

		// Ownership scoping masks values per component rather than
		// dropping entity slots: every column in a module must stay the
		// same length, and READ components are world-visible regardless
		// of who owns the entity.
		var owned map[uint64]bool
		if playerID != nil {
			if ownerID, ok := ownerComponent(desc); ok {
				owned = make(map[uint64]bool, len(flagged))
				for _, entityID := range flagged {
					owned[entityID] = e.store.GetComponent(entityID, ownerID) == float32(*playerID)
				}
			}
		}

		components := make([]model.SnapshotComponent, 0, len(desc.Components))
		for _, c := range desc.Components {
			if c.Permission == model.PermissionPrivate {
				continue
			}
			values := make([]float32, len(flagged))
			for i, entityID := range flagged {
				if owned != nil && c.Permission != model.PermissionRead && !owned[entityID] {
					values[i] = float32(math.NaN())
					continue
				}
				values[i] = e.store.GetComponent(entityID, c.ID)
			}
			components = append(components, model.SnapshotComponent{Name: c.Name, Values: values})
		}

		modules = append(modules, model.SnapshotModule{
			Name:       name,
			Version:    desc.Version.String(),
			Components: components,
		})
		entities[name] = flagged
	}

	return model.Snapshot{MatchID: matchID, Tick: tick, Modules: modules}, entities
}

// ownerComponent returns the id of desc's ownership marker component
// ("OWNER_ID" or "PLAYER_ID"), if it declares one.
func ownerComponent(desc model.Descriptor) (uint64, bool) {
	for _, c := range desc.Components {
		if c.Name == "OWNER_ID" || c.Name == "PLAYER_ID" {
			return c.ID, true
		}
	}
	return 0, false
}

// Delta returns the minimal change set for matchID since the previously
// published snapshot. When no prior snapshot is retained (first publish,
// or state was reset), the result is a full resync.
func (e *Engine) Delta(matchID uint64) model.Delta {
	cur, ok := e.current[matchID]
	if !ok {
		return model.Delta{MatchID: matchID, Resync: true}
	}
	prior, ok := e.prior[matchID]
	if !ok {
		return cur.snapshot.AsResyncDelta()
	}

	deltaModules := make([]model.DeltaModule, 0, len(cur.snapshot.Modules))
	for _, curMod := range cur.snapshot.Modules {
		curIDs := cur.entities[curMod.Name]
		priorMod, priorIDs, ok := findModule(prior, curMod.Name)
		if !ok {
			deltaModules = append(deltaModules, model.ResyncModule(curMod))
			continue
		}
		deltaModules = append(deltaModules, diffModule(curMod, curIDs, priorMod, priorIDs))
	}

	return model.Delta{
		MatchID:  matchID,
		FromTick: prior.snapshot.Tick,
		ToTick:   cur.snapshot.Tick,
		Modules:  deltaModules,
		Resync:   false,
	}
}

func findModule(r *retained, name string) (model.SnapshotModule, []uint64, bool) {
	for _, m := range r.snapshot.Modules {
		if m.Name == name {
			return m, r.entities[name], true
		}
	}
	return model.SnapshotModule{}, nil, false
}

func diffModule(curMod model.SnapshotModule, curIDs []uint64, priorMod model.SnapshotModule, priorIDs []uint64) model.DeltaModule {
	priorIndex := make(map[uint64]int, len(priorIDs))
	for i, id := range priorIDs {
		priorIndex[id] = i
	}
	curIndex := make(map[uint64]int, len(curIDs))
	for i, id := range curIDs {
		curIndex[id] = i
	}

	var added, removed []int
	var changed []model.DeltaChange

	for i, id := range curIDs {
		priorPos, wasPresent := priorIndex[id]
		if !wasPresent {
			// A new slot: membership goes to added, and every component
			// value is carried as a change so the consumer can
			// reconstruct the row without a full snapshot.
			added = append(added, i)
			for _, comp := range curMod.Components {
				changed = append(changed, model.DeltaChange{Index: i, Component: comp.Name, Value: comp.Values[i]})
			}
			continue
		}
		for _, comp := range curMod.Components {
			priorValue, ok := valueAt(priorMod, comp.Name, priorPos)
			if ok && sameValue(priorValue, comp.Values[i]) {
				continue
			}
			changed = append(changed, model.DeltaChange{Index: i, Component: comp.Name, Value: comp.Values[i]})
		}
	}
	for i, id := range priorIDs {
		if _, stillPresent := curIndex[id]; !stillPresent {
			removed = append(removed, i)
		}
	}

	return model.DeltaModule{Name: curMod.Name, Added: added, Removed: removed, Changed: changed}
}

// sameValue treats two NaN sentinels ("absent") as equal so an entity
// missing a component in both snapshots is not reported as changed on
// every tick.
func sameValue(a, b float32) bool {
	if math.IsNaN(float64(a)) && math.IsNaN(float64(b)) {
		return true
	}
	return a == b
}

func valueAt(mod model.SnapshotModule, componentName string, index int) (float32, bool) {
	for _, c := range mod.Components {
		if c.Name == componentName {
			if index < 0 || index >= len(c.Values) {
				return 0, false
			}
			return c.Values[index], true
		}
	}
	return 0, false
}

// Reset discards retained snapshot state for matchID, e.g. when a match
// terminates.
func (e *Engine) Reset(matchID uint64) {
	delete(e.current, matchID)
	delete(e.prior, matchID)
}
