// Package scheduler implements the per-container Tick Scheduler: the
// strictly ordered readiness/drain/systems/increment/publish pipeline,
// three drive modes, slow-tick detection, and the two-consecutive-failure
// match ERROR transition.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/stormstack/engine/internal/app/command"
	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/internal/app/module"
	"github.com/stormstack/engine/internal/app/registry"
	"github.com/stormstack/engine/internal/app/snapshot"
	"github.com/stormstack/engine/pkg/logger"
	"github.com/stormstack/engine/pkg/metrics"
)

// DefaultMaxCommandsPerTick bounds per-match command drain per tick.
const DefaultMaxCommandsPerTick = 256

// DefaultTickBudgetMultiple sets the slow-tick threshold as a multiple of
// the configured tick interval.
const DefaultTickBudgetMultiple = 5

// Publisher hands a freshly built snapshot/delta pair to the streaming
// fanout layer. Defined here, implemented by package fanout, to keep
// scheduler the one package that knows the tick pipeline's exact order
// without importing fanout.
type Publisher interface {
	PublishSnapshot(containerID uint64, snap model.Snapshot, delta model.Delta)
}

// noopPublisher discards output; used when a container runs headless
// (e.g. in tests).
type noopPublisher struct{}

func (noopPublisher) PublishSnapshot(uint64, model.Snapshot, model.Delta) {}

// Container drives exactly one tick scheduler for one container's matches.
type Container struct {
	id  uint64
	log *logger.Logger

	registry  *registry.Registry
	queue     *command.Queue
	runtime   *module.Runtime
	snapshots *snapshot.Engine
	publisher Publisher

	maxCommandsPerTick int
	tickInterval       time.Duration
	tickBudget         time.Duration

	mu            sync.Mutex
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	playing       bool
	overrunStreak int
	paused        bool
}

// Option configures a Container at construction.
type Option func(*Container)

// WithMaxCommandsPerTick overrides the per-match per-tick drain bound.
func WithMaxCommandsPerTick(n int) Option {
	return func(c *Container) { c.maxCommandsPerTick = n }
}

// WithTickBudget overrides the slow-tick detection threshold.
func WithTickBudget(d time.Duration) Option {
	return func(c *Container) { c.tickBudget = d }
}

// WithPublisher wires the fanout layer that receives each tick's output.
func WithPublisher(p Publisher) Option {
	return func(c *Container) { c.publisher = p }
}

// New creates a tick scheduler for one container.
func New(
	id uint64,
	reg *registry.Registry,
	queue *command.Queue,
	runtime *module.Runtime,
	snapshots *snapshot.Engine,
	tickInterval time.Duration,
	log *logger.Logger,
	opts ...Option,
) *Container {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	c := &Container{
		id:                 id,
		log:                log,
		registry:           reg,
		queue:              queue,
		runtime:            runtime,
		snapshots:          snapshots,
		publisher:          noopPublisher{},
		maxCommandsPerTick: DefaultMaxCommandsPerTick,
		tickInterval:       tickInterval,
		tickBudget:         tickInterval * DefaultTickBudgetMultiple,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies this scheduler instance for lifecycle/descriptor use.
func (c *Container) Name() string { return "scheduler" }

// Paused reports whether repeated tick overruns have paused the container
// for operator intervention.
func (c *Container) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Tick runs exactly one pass of the pipeline over every RUNNING match
// (drive mode (a): external manual tick, used by tests and the HTTP
// "/ticks" endpoint).
func (c *Container) Tick(ctx context.Context) {
	start := time.Now()
	containerLabel := labelOf(c.id)

	// Stage 1: snapshot of readiness.
	runningMatches := c.registry.RunningMatches()

	for _, matchID := range runningMatches {
		// Stage 2: command drain.
		c.drainMatch(ctx, matchID)

		// Stage 3: system pass.
		c.runSystems(ctx, matchID)

		// Stage 4: tick increment.
		if err := c.registry.IncrementTick(matchID); err != nil {
			c.log.WithError(err).WithField("match_id", matchID).Warn("tick increment failed")
			continue
		}

		// Stage 5: snapshot publish.
		m, ok := c.registry.Match(matchID)
		if !ok {
			continue
		}
		snap := c.snapshots.Publish(matchID, m.CurrentTick)
		delta := c.snapshots.Delta(matchID)
		c.publisher.PublishSnapshot(c.id, snap, delta)

		if c.queue.SaturationFraction(matchID) >= 0.9 {
			c.log.WithField("match_id", matchID).Warn("match command queue saturated")
		}
	}

	metrics.TicksTotal.WithLabelValues(containerLabel).Inc()
	elapsed := time.Since(start)
	metrics.TickDuration.WithLabelValues(containerLabel).Observe(elapsed.Seconds())
	c.observeBudget(elapsed)
}

func (c *Container) drainMatch(ctx context.Context, matchID uint64) {
	drained := c.queue.Drain(matchID, c.maxCommandsPerTick)
	for _, env := range drained {
		if err := c.runtime.ExecuteCommand(ctx, matchID, env.PlayerID, env.Name, env.Payload); err != nil {
			c.log.WithError(err).
				WithField("match_id", matchID).
				WithField("command", env.Name).
				Warn("command execution failed")
		}
	}
}

func (c *Container) runSystems(ctx context.Context, matchID uint64) {
	for _, result := range c.runtime.RunSystems(ctx, matchID) {
		if result.Err == nil {
			c.registry.ResetSystemFailure(matchID, result.System)
			continue
		}
		c.log.WithError(result.Err).
			WithField("match_id", matchID).
			WithField("system", result.System).
			Warn("system pass failed")
		streak := c.registry.RecordSystemFailure(matchID, result.System)
		if streak >= 2 {
			if err := c.registry.MarkMatchError(matchID); err != nil {
				c.log.WithError(err).WithField("match_id", matchID).Warn("failed to mark match ERROR after repeated system failure")
			}
		}
	}
}

// observeBudget records a slow-tick event when elapsed exceeds the
// configured tick budget, and pauses the container after repeated
// overruns.
func (c *Container) observeBudget(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tickBudget <= 0 || elapsed <= c.tickBudget {
		c.overrunStreak = 0
		return
	}
	c.overrunStreak++
	metrics.SlowTicksTotal.WithLabelValues(labelOf(c.id)).Inc()
	c.log.WithField("elapsed_ms", elapsed.Milliseconds()).
		WithField("budget_ms", c.tickBudget.Milliseconds()).
		Warn("slow tick detected")
	if c.overrunStreak >= 2 {
		c.paused = true
		if err := c.registry.PauseContainer(c.id); err != nil {
			c.log.WithError(err).Warn("failed to pause container after repeated slow ticks")
		}
	}
}

// Play starts periodic ticking at the configured interval. A concurrent
// Stop lets any in-flight tick finish.
func (c *Container) Play(ctx context.Context) {
	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.playing = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.Tick(runCtx)
			}
		}
	}()
}

// PlayForTicks runs exactly n ticks at the configured interval and returns
// once they complete or ctx is cancelled (drive mode (c)).
func (c *Container) PlayForTicks(ctx context.Context, n int) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Stop halts a running Play loop. Idempotent.
func (c *Container) Stop() {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.playing = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func labelOf(id uint64) string {
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
