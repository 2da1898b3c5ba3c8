// Package module implements the per-container Module Runtime: it
// resolves module descriptors supplied by the external registry, enforces
// CompoundModule dependency versions, and mints the in-process superuser
// principal used only for the built-in spawn/flag-attachment paths.
package module

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stormstack/engine/internal/app/command"
	"github.com/stormstack/engine/internal/app/ecs"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/logger"
)

// SystemFunc is a module's executable system pass, bound separately from
// the descriptor's system name list (the registry only ships names; the
// implementation is wired in-process by whatever loads the module).
type SystemFunc func(ctx context.Context, matchID uint64, store *ecs.Store) error

// CommandFunc executes a coerced command payload against the ECS.
type CommandFunc func(ctx context.Context, matchID, playerID uint64, payload map[string]interface{}, store *ecs.Store) error

// moduleRuntimePrincipal names the in-process principal minted for
// spawn/flag-attachment: it never crosses a network boundary.
const moduleRuntimePrincipal = "module-runtime"

// Instance is a descriptor resolved and enabled within one container.
type Instance struct {
	Descriptor model.Descriptor
	commands   map[string]struct{}
	systems    map[string]SystemFunc
	handlers   map[string]CommandFunc
	schemas    map[string]command.Schema
}

// Runtime owns one container's module set: the full registry of known
// descriptors plus the subset currently enabled for that container.
// Enable/bind calls may arrive from HTTP handlers while the tick goroutine
// reads, so the maps are guarded by a read-write lock.
type Runtime struct {
	mu          sync.RWMutex
	store       *ecs.Store
	log         *logger.Logger
	descriptors map[string]model.Descriptor
	enabled     map[string]*Instance
}

// New creates a Runtime bound to a container's ECS store.
func New(store *ecs.Store, log *logger.Logger) *Runtime {
	return &Runtime{
		store:       store,
		log:         log,
		descriptors: make(map[string]model.Descriptor),
		enabled:     make(map[string]*Instance),
	}
}

// RegisterDescriptor adds a module descriptor supplied by the external
// registry. Re-registering the same name with a different version is a
// Conflict; the registry, not the runtime, owns descriptor authorship.
func (r *Runtime) RegisterDescriptor(d model.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.descriptors[d.Name]; ok && existing.Version != d.Version {
		return apierrors.Conflict(fmt.Sprintf("module %q already registered at version %s", d.Name, existing.Version))
	}
	r.descriptors[d.Name] = d
	r.store.RegisterComponent(d.Flag)
	for _, c := range d.Components {
		r.store.RegisterComponent(c)
	}
	return nil
}

// EnableModules resolves names plus the transitive CompoundModule
// dependency closure, in dependency-before-dependent order, and enables
// each in turn. On version mismatch or a missing dependency the whole
// batch is rejected with PreconditionFailed and nothing is enabled.
func (r *Runtime) EnableModules(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, err := r.resolveOrder(names)
	if err != nil {
		return err
	}
	for _, name := range order {
		if _, ok := r.enabled[name]; ok {
			continue
		}
		desc := r.descriptors[name]
		inst := &Instance{
			Descriptor: desc,
			commands:   make(map[string]struct{}),
			systems:    make(map[string]SystemFunc),
			handlers:   make(map[string]CommandFunc),
			schemas:    make(map[string]command.Schema),
		}
		for _, cmd := range desc.Commands {
			inst.commands[cmd] = struct{}{}
		}
		r.enabled[name] = inst
	}
	if r.log != nil {
		r.log.WithField("modules", order).Debug("modules enabled")
	}
	return nil
}

// resolveOrder returns the topologically sorted closure of names plus
// their CompoundModule dependencies (dependencies first), detecting cycles
// and unresolvable/missing/mismatched dependencies. Callers hold r.mu.
func (r *Runtime) resolveOrder(names []string) ([]string, error) {
	var order []string
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(name string, requiredBy string, required model.Version) error
	visit = func(name string, requiredBy string, required model.Version) error {
		desc, ok := r.descriptors[name]
		if !ok {
			return apierrors.PreconditionFailed(fmt.Sprintf("module %q (required by %q) is not registered", name, requiredBy))
		}
		if requiredBy != "" && !desc.Version.Satisfies(required) {
			return apierrors.PreconditionFailed(fmt.Sprintf("module %q version %s does not satisfy %s's requirement of %s", name, desc.Version, requiredBy, required))
		}
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return apierrors.UnresolvableModules(fmt.Sprintf("module dependency cycle detected at %q", name))
		}
		visiting[name] = true
		for _, dep := range desc.Dependencies {
			if err := visit(dep.Name, name, dep.Required); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, name := range sorted {
		if err := visit(name, "", model.Version{}); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Spawn creates an entity for matchID and attaches the flag component of
// every currently enabled module, using the module-runtime superuser
// principal. Callers attach the issuing module's own
// components afterward through the ordinary (non-superuser) path.
func (r *Runtime) Spawn(matchID uint64) (uint64, error) {
	r.mu.RLock()
	flags := make([]uint64, 0, len(r.enabled))
	for _, inst := range r.enabled {
		flags = append(flags, inst.Descriptor.Flag.ID)
	}
	r.mu.RUnlock()

	entityID, err := r.store.CreateEntityForMatch(matchID, ecs.Superuser(moduleRuntimePrincipal))
	if err != nil {
		return 0, err
	}
	for _, flagID := range flags {
		if err := r.store.AttachComponent(entityID, flagID, 1, ecs.Superuser(moduleRuntimePrincipal)); err != nil {
			return 0, err
		}
	}
	return entityID, nil
}

// ResolveCommand returns the name of the enabled module that owns
// commandName, if any.
func (r *Runtime) ResolveCommand(commandName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, inst := range r.enabled {
		if _, ok := inst.commands[commandName]; ok {
			return name, true
		}
	}
	return "", false
}

// Enabled returns the names of currently enabled modules, sorted.
func (r *Runtime) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabledLocked()
}

func (r *Runtime) enabledLocked() []string {
	names := make([]string, 0, len(r.enabled))
	for name := range r.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Systems returns the enabled modules' system lists in a stable,
// dependency-topological order: the same order
// EnableModules resolved dependencies in, flattened to per-module system
// names.
func (r *Runtime) Systems() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, _ := r.resolveOrder(r.enabledLocked())
	var systems []string
	for _, name := range order {
		if inst, ok := r.enabled[name]; ok {
			systems = append(systems, inst.Descriptor.Systems...)
		}
	}
	return systems
}

// Export looks up a named export on an enabled module.
func (r *Runtime) Export(moduleName, exportName string) (model.Export, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.enabled[moduleName]
	if !ok {
		return model.Export{}, false
	}
	for _, e := range inst.Descriptor.Exports {
		if e.Name == exportName {
			return e, true
		}
	}
	return model.Export{}, false
}

// Descriptor returns the registered descriptor for name, if any.
func (r *Runtime) Descriptor(name string) (model.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// BindSystem wires an executable implementation to one of moduleName's
// declared systems. A system with no bound implementation is a documented
// no-op during the tick pipeline's system pass.
func (r *Runtime) BindSystem(moduleName, systemName string, fn SystemFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.enabled[moduleName]
	if !ok {
		return apierrors.NotFound("module", moduleName)
	}
	inst.systems[systemName] = fn
	return nil
}

// BindCommand wires an executable implementation to one of moduleName's
// declared commands.
func (r *Runtime) BindCommand(moduleName, commandName string, fn CommandFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.enabled[moduleName]
	if !ok {
		return apierrors.NotFound("module", moduleName)
	}
	if _, declared := inst.commands[commandName]; !declared {
		return apierrors.UnknownCommand(commandName)
	}
	inst.handlers[commandName] = fn
	return nil
}

// BindCommandSchema declares commandName's parameter schema, used by the
// command submission path to coerce a raw payload before it is enqueued.
// A command with no bound schema accepts its payload unconverted.
func (r *Runtime) BindCommandSchema(moduleName, commandName string, schema command.Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.enabled[moduleName]
	if !ok {
		return apierrors.NotFound("module", moduleName)
	}
	if _, declared := inst.commands[commandName]; !declared {
		return apierrors.UnknownCommand(commandName)
	}
	inst.schemas[commandName] = schema
	return nil
}

// Schema returns the declared parameter schema for commandName, if any
// enabled module declares one.
func (r *Runtime) Schema(commandName string) (command.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.enabled {
		if _, ok := inst.commands[commandName]; !ok {
			continue
		}
		schema, ok := inst.schemas[commandName]
		return schema, ok
	}
	return nil, false
}

// SystemResult is the outcome of running one system during a tick's system
// pass.
type SystemResult struct {
	Module string
	System string
	Err    error
}

// RunSystems executes every enabled module's bound systems, in the stable
// dependency-topological order from Systems(), against matchID's ECS
// state. Unbound systems are skipped. A system's error does not stop the
// pass; it is reported for the caller (scheduler) to track as a
// consecutive-failure streak.
func (r *Runtime) RunSystems(ctx context.Context, matchID uint64) []SystemResult {
	type boundSystem struct {
		module string
		system string
		fn     SystemFunc
	}

	r.mu.RLock()
	order, _ := r.resolveOrder(r.enabledLocked())
	var pass []boundSystem
	for _, moduleName := range order {
		inst, ok := r.enabled[moduleName]
		if !ok {
			continue
		}
		for _, systemName := range inst.Descriptor.Systems {
			fn, bound := inst.systems[systemName]
			if !bound {
				continue
			}
			pass = append(pass, boundSystem{module: moduleName, system: systemName, fn: fn})
		}
	}
	r.mu.RUnlock()

	var results []SystemResult
	for _, s := range pass {
		err := s.fn(ctx, matchID, r.store)
		results = append(results, SystemResult{Module: s.module, System: s.system, Err: err})
	}
	return results
}

// ExecuteCommand resolves commandName to its owning module and invokes the
// bound handler. UnknownCommand covers both an unregistered command name
// and a declared-but-unbound one.
func (r *Runtime) ExecuteCommand(ctx context.Context, matchID, playerID uint64, commandName string, payload map[string]interface{}) error {
	r.mu.RLock()
	var fn CommandFunc
	for _, inst := range r.enabled {
		if _, ok := inst.commands[commandName]; ok {
			fn = inst.handlers[commandName]
			break
		}
	}
	r.mu.RUnlock()
	if fn == nil {
		return apierrors.UnknownCommand(commandName)
	}
	return fn(ctx, matchID, playerID, payload, r.store)
}
