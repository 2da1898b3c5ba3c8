// Package engine is the Engine Node composition root: it wires one ECS
// store, module runtime, command queue, snapshot engine, and tick
// scheduler per container, and the node-local registry, fanout hub, and
// token gate shared across all of a node's containers.
package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stormstack/engine/internal/app/command"
	"github.com/stormstack/engine/internal/app/ecs"
	"github.com/stormstack/engine/internal/app/fanout"
	"github.com/stormstack/engine/internal/app/gate"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/internal/app/module"
	"github.com/stormstack/engine/internal/app/registry"
	"github.com/stormstack/engine/internal/app/scheduler"
	"github.com/stormstack/engine/internal/app/snapshot"
	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/logger"
)

// Options configures the per-container resources a Node creates.
type Options struct {
	TickInterval       time.Duration
	TickBudget         time.Duration
	MaxCommandsPerTick int
	QueueCapacity      int
	CacheSize          int
	MaxEntities        int
	GateSecret         string
	GateIssuer         string
}

// containerRuntime bundles the independently-owned pieces one container's
// scheduler drives every tick: ECS store, command queue, module runtime,
// and snapshot engine.
type containerRuntime struct {
	store     *ecs.Store
	runtime   *module.Runtime
	queue     *command.Queue
	snapshots *snapshot.Engine
	scheduler *scheduler.Container
}

// Node owns every container on one engine node, plus the node-local
// registry, streaming fanout, and token gate they share.
type Node struct {
	id  uint64
	log *logger.Logger
	opt Options

	registry *registry.Registry
	fanout   *fanout.Hub
	gate     *gate.Gate

	mu          sync.RWMutex
	descriptors map[string]model.Descriptor
	containers  map[uint64]*containerRuntime

	nextContainerID uint64
	nextMatchID     uint64
}

// New creates an empty Node. id identifies this node within the cluster
// (used by the control plane's registry, not referenced internally).
func New(id uint64, opt Options, log *logger.Logger) *Node {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	if opt.MaxCommandsPerTick <= 0 {
		opt.MaxCommandsPerTick = scheduler.DefaultMaxCommandsPerTick
	}
	if opt.QueueCapacity <= 0 {
		opt.QueueCapacity = command.DefaultCapacity
	}
	return &Node{
		id:          id,
		log:         log,
		opt:         opt,
		registry:    registry.New(),
		fanout:      fanout.New(log),
		gate:        gate.New(opt.GateSecret, opt.GateIssuer),
		descriptors: make(map[string]model.Descriptor),
		containers:  make(map[uint64]*containerRuntime),
	}
}

// Registry exposes the node-local match/container registry, e.g. for
// HTTP listing endpoints.
func (n *Node) Registry() *registry.Registry { return n.registry }

// Fanout exposes the streaming hub for the WebSocket surface.
func (n *Node) Fanout() *fanout.Hub { return n.fanout }

// Gate exposes the token gate for the HTTP/WS auth middleware.
func (n *Node) Gate() *gate.Gate { return n.gate }

// RegisterDescriptor records a module descriptor supplied by the external
// module registry so it is available the next time a container
// enables modules by name. It is also propagated into every already-live
// container's runtime, since a container's ecs.Store needs the component
// permission table regardless of when the descriptor arrived.
func (n *Node) RegisterDescriptor(d model.Descriptor) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.descriptors[d.Name]; ok && existing.Version != d.Version {
		return apierrors.Conflict("module " + d.Name + " already registered at a different version")
	}
	n.descriptors[d.Name] = d
	for _, cr := range n.containers {
		if err := cr.runtime.RegisterDescriptor(d); err != nil {
			n.log.WithError(err).WithField("module", d.Name).Warn("failed to propagate descriptor into live container")
		}
	}
	return nil
}

// Descriptors returns every module descriptor known to this node.
func (n *Node) Descriptors() []model.Descriptor {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]model.Descriptor, 0, len(n.descriptors))
	for _, d := range n.descriptors {
		out = append(out, d)
	}
	return out
}

// CreateContainer allocates a new container: a fresh ECS store, module
// runtime (seeded with every currently known descriptor), command queue,
// snapshot engine, and tick scheduler, then enables enabledModules on it.
// A missing or version-mismatched dependency rejects the whole container
// creation; nothing is registered in the registry.
func (n *Node) CreateContainer(enabledModules []string, tickIntervalMs int) (model.Container, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	store := ecs.New(ecs.WithCacheSize(n.opt.CacheSize), ecs.WithMaxEntities(n.opt.MaxEntities))
	runtime := module.New(store, n.log)
	for _, d := range n.descriptors {
		if err := runtime.RegisterDescriptor(d); err != nil {
			return model.Container{}, err
		}
	}
	if err := runtime.EnableModules(enabledModules); err != nil {
		return model.Container{}, err
	}

	id := atomic.AddUint64(&n.nextContainerID, 1)
	queue := command.New(n.opt.QueueCapacity)
	snapshots := snapshot.New(store, runtime)

	interval := time.Duration(tickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = n.opt.TickInterval
	}
	var schedOpts []scheduler.Option
	schedOpts = append(schedOpts, scheduler.WithMaxCommandsPerTick(n.opt.MaxCommandsPerTick), scheduler.WithPublisher(n.fanout))
	if n.opt.TickBudget > 0 {
		schedOpts = append(schedOpts, scheduler.WithTickBudget(n.opt.TickBudget))
	}
	sched := scheduler.New(id, n.registry, queue, runtime, snapshots, interval, n.log, schedOpts...)

	n.containers[id] = &containerRuntime{store: store, runtime: runtime, queue: queue, snapshots: snapshots, scheduler: sched}
	return *n.registry.CreateContainer(id, enabledModules, tickIntervalMs), nil
}

func (n *Node) container(id uint64) (*containerRuntime, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	cr, ok := n.containers[id]
	if !ok {
		return nil, apierrors.NotFound("container", itoa(id))
	}
	return cr, nil
}

// StartContainer transitions CREATED -> RUNNING and begins the container's
// periodic tick loop at its configured interval.
func (n *Node) StartContainer(ctx context.Context, id uint64) error {
	cr, err := n.container(id)
	if err != nil {
		return err
	}
	if err := n.registry.StartContainer(id); err != nil {
		return err
	}
	cr.scheduler.Play(ctx)
	return nil
}

// PauseContainer transitions RUNNING -> PAUSED and stops the periodic tick
// loop; an in-flight tick is allowed to finish.
func (n *Node) PauseContainer(id uint64) error {
	cr, err := n.container(id)
	if err != nil {
		return err
	}
	if err := n.registry.PauseContainer(id); err != nil {
		return err
	}
	cr.scheduler.Stop()
	return nil
}

// ResumeContainer transitions PAUSED -> RUNNING and restarts periodic
// ticking.
func (n *Node) ResumeContainer(ctx context.Context, id uint64) error {
	cr, err := n.container(id)
	if err != nil {
		return err
	}
	if err := n.registry.ResumeContainer(id); err != nil {
		return err
	}
	cr.scheduler.Play(ctx)
	return nil
}

// StopContainer transitions the container to the terminal STOPPED state,
// halts its scheduler, and releases its ECS/queue/runtime.
func (n *Node) StopContainer(id uint64) error {
	n.mu.Lock()
	cr, ok := n.containers[id]
	if ok {
		delete(n.containers, id)
	}
	n.mu.Unlock()
	if !ok {
		return apierrors.NotFound("container", itoa(id))
	}
	cr.scheduler.Stop()
	for _, m := range n.registry.Matches() {
		if m.ContainerID == id {
			n.fanout.CloseMatch(m.ID)
		}
	}
	return n.registry.StopContainer(id)
}

// Tick runs exactly one pipeline pass over containerID: the external
// manual drive mode used by tests and the HTTP "/ticks" endpoint.
func (n *Node) Tick(ctx context.Context, containerID uint64) error {
	cr, err := n.container(containerID)
	if err != nil {
		return err
	}
	cr.scheduler.Tick(ctx)
	return nil
}

// CreateMatch allocates a match under containerID and starts it (CREATED
// -> RUNNING) so it is immediately eligible for the tick scheduler's
// readiness snapshot and for player admission. matchID of 0 allocates a
// node-local id; a non-zero value is used as-is, letting the cluster
// match router place a cluster-wide match id on the chosen node's
// control interface.
func (n *Node) CreateMatch(containerID, matchID uint64, enabledModules []string, playerLimit int) (model.Match, error) {
	if _, err := n.container(containerID); err != nil {
		return model.Match{}, err
	}
	id := matchID
	if id == 0 {
		id = atomic.AddUint64(&n.nextMatchID, 1)
	}
	n.registry.CreateMatch(id, containerID, enabledModules, playerLimit)
	if err := n.registry.StartMatch(id); err != nil {
		return model.Match{}, err
	}
	m, _ := n.registry.Match(id)
	return m, nil
}

// EnsureContainerForModules returns an existing container already enabled
// for exactly this module set, or creates one with tickIntervalMs
// (defaulting to opt.TickInterval when 0). Used by the node's cluster
// control endpoint to host a match the router just placed here.
func (n *Node) EnsureContainerForModules(modules []string, tickIntervalMs int) (model.Container, error) {
	sorted := append([]string(nil), modules...)
	sort.Strings(sorted)
	for _, c := range n.registry.Containers() {
		if c.Status == model.ContainerStopped {
			continue
		}
		existing := append([]string(nil), c.EnabledModules...)
		sort.Strings(existing)
		if stringsEqual(existing, sorted) {
			return c, nil
		}
	}
	if tickIntervalMs <= 0 {
		tickIntervalMs = int(n.opt.TickInterval / time.Millisecond)
	}
	c, err := n.CreateContainer(modules, tickIntervalMs)
	if err != nil {
		return model.Container{}, err
	}
	if err := n.StartContainer(context.Background(), c.ID); err != nil {
		return model.Container{}, err
	}
	return c, nil
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FinishMatch transitions matchID to FINISHED and tears down everything
// that could still act on it: queued commands are dropped, snapshot
// subscribers are closed, and every token scoped to the match is revoked
// on this node's gate — including tokens the control plane minted.
func (n *Node) FinishMatch(matchID uint64) error {
	return n.terminateMatch(matchID, model.MatchFinished)
}

// MarkMatchError transitions matchID to ERROR with the same teardown as
// FinishMatch.
func (n *Node) MarkMatchError(matchID uint64) error {
	return n.terminateMatch(matchID, model.MatchError)
}

func (n *Node) terminateMatch(matchID uint64, status model.MatchStatus) error {
	m, ok := n.registry.Match(matchID)
	if !ok {
		return apierrors.NotFound("match", itoa(matchID))
	}
	var err error
	if status == model.MatchError {
		err = n.registry.MarkMatchError(matchID)
	} else {
		err = n.registry.FinishMatch(matchID)
	}
	if err != nil {
		return err
	}
	if cr, cerr := n.container(m.ContainerID); cerr == nil {
		cr.queue.DropMatch(matchID)
		cr.snapshots.Reset(matchID)
	}
	n.gate.RevokeMatch(matchID)
	n.fanout.CloseMatch(matchID)
	return nil
}

// EnableModules enables additional modules on a live container, resolving
// CompoundModule dependencies the same way container creation does
// (the node surface's POST /api/containers/{id}/modules). Entities spawned
// after this call carry the new modules' flag components; existing
// entities are untouched.
func (n *Node) EnableModules(containerID uint64, names []string) (model.Container, error) {
	cr, err := n.container(containerID)
	if err != nil {
		return model.Container{}, err
	}
	if err := cr.runtime.EnableModules(names); err != nil {
		return model.Container{}, err
	}
	n.registry.SetContainerModules(containerID, cr.runtime.Enabled())
	c, _ := n.registry.Container(containerID)
	return c, nil
}

// Spawn creates an entity in matchID, attaching containerID's enabled
// modules' flag components.
func (n *Node) Spawn(containerID, matchID uint64) (uint64, error) {
	cr, err := n.container(containerID)
	if err != nil {
		return 0, err
	}
	return cr.runtime.Spawn(matchID)
}

// SubmitCommand runs the command submission path: resolve
// the command by name, coerce its payload against any declared schema, and
// append it to the match's bounded FIFO. A match at status FINISHED or
// ERROR accepts no commands.
func (n *Node) SubmitCommand(containerID, matchID, playerID uint64, name string, payload map[string]interface{}) error {
	cr, err := n.container(containerID)
	if err != nil {
		return err
	}
	if m, ok := n.registry.Match(matchID); ok {
		if m.Status == model.MatchFinished || m.Status == model.MatchError {
			return apierrors.Conflict("match " + itoa(matchID) + " is " + string(m.Status) + " and accepts no further commands")
		}
	} else {
		return apierrors.NotFound("match", itoa(matchID))
	}
	if _, ok := cr.runtime.ResolveCommand(name); !ok {
		return apierrors.UnknownCommand(name)
	}
	coerced := payload
	if schema, ok := cr.runtime.Schema(name); ok && len(schema) > 0 {
		coerced, err = command.CoercePayload(schema, payload)
		if err != nil {
			return err
		}
	}
	return cr.queue.Submit(command.Envelope{
		ContainerID: containerID,
		MatchID:     matchID,
		PlayerID:    playerID,
		Name:        name,
		Payload:     coerced,
		AuthoredAt:  time.Now(),
	})
}

// Snapshot builds an on-demand full snapshot for matchID, scoped to
// playerID when non-nil. This does not disturb the
// engine's retained delta state — only the scheduler's own Publish call
// during a tick advances that.
func (n *Node) Snapshot(containerID, matchID uint64, playerID *uint64) (model.Snapshot, error) {
	cr, err := n.container(containerID)
	if err != nil {
		return model.Snapshot{}, err
	}
	m, ok := n.registry.Match(matchID)
	if !ok {
		return model.Snapshot{}, apierrors.NotFound("match", itoa(matchID))
	}
	return cr.snapshots.BuildFull(matchID, m.CurrentTick, playerID), nil
}

// CommandQueue returns containerID's command queue, used by the WebSocket
// command-in stream.
func (n *Node) CommandQueue(containerID uint64) (*command.Queue, error) {
	cr, err := n.container(containerID)
	if err != nil {
		return nil, err
	}
	return cr.queue, nil
}

func itoa(id uint64) string {
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
