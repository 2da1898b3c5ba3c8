// Package registry implements the node-local match and container
// registry: the CREATED/RUNNING/PAUSED/STOPPED container state machine
// and the CREATED/RUNNING/FINISHED/ERROR match state machine, with
// idempotent transition events.
package registry

import (
	"sort"
	"sync"

	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
)

// Registry holds every container and match known to one engine node.
type Registry struct {
	mu         sync.RWMutex
	containers map[uint64]*model.Container
	matches    map[uint64]*model.Match
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		containers: make(map[uint64]*model.Container),
		matches:    make(map[uint64]*model.Match),
	}
}

// CreateContainer registers a new container in CREATED state.
func (r *Registry) CreateContainer(id uint64, enabledModules []string, tickIntervalMs int) *model.Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &model.Container{
		ID:             id,
		EnabledModules: enabledModules,
		Status:         model.ContainerCreated,
		TickIntervalMs: tickIntervalMs,
	}
	r.containers[id] = c
	return c
}

// Container returns the container for id.
func (r *Registry) Container(id uint64) (model.Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[id]
	if !ok {
		return model.Container{}, false
	}
	return *c, true
}

// Containers returns every container, ordered by id, for consistent
// snapshot listing reads.
func (r *Registry) Containers() []model.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartContainer transitions CREATED -> RUNNING. Re-applying on an
// already-RUNNING container is a no-op success.
func (r *Registry) StartContainer(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return apierrors.NotFound("container", itoa(id))
	}
	switch c.Status {
	case model.ContainerRunning:
		return nil
	case model.ContainerCreated:
		c.Status = model.ContainerRunning
		return nil
	default:
		return apierrors.Conflict("container cannot start from its current status")
	}
}

// PauseContainer transitions RUNNING -> PAUSED.
func (r *Registry) PauseContainer(id uint64) error {
	return r.transitionContainer(id, model.ContainerRunning, model.ContainerPaused)
}

// ResumeContainer transitions PAUSED -> RUNNING.
func (r *Registry) ResumeContainer(id uint64) error {
	return r.transitionContainer(id, model.ContainerPaused, model.ContainerRunning)
}

// StopContainer transitions any non-STOPPED state to the terminal STOPPED
// state.
func (r *Registry) StopContainer(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return apierrors.NotFound("container", itoa(id))
	}
	c.Status = model.ContainerStopped
	return nil
}

func (r *Registry) transitionContainer(id uint64, from, to model.ContainerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return apierrors.NotFound("container", itoa(id))
	}
	if c.Status == to {
		return nil
	}
	if c.Status != from {
		return apierrors.Conflict("container cannot transition from its current status")
	}
	c.Status = to
	return nil
}

// CreateMatch registers a new match in CREATED state under containerID.
func (r *Registry) CreateMatch(id, containerID uint64, enabledModules []string, playerLimit int) *model.Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &model.Match{
		ID:                        id,
		ContainerID:               containerID,
		EnabledModules:            enabledModules,
		Status:                    model.MatchCreated,
		PlayerLimit:               playerLimit,
		ConsecutiveSystemFailures: make(map[string]int),
	}
	r.matches[id] = m
	if c, ok := r.containers[containerID]; ok {
		c.Matches = append(c.Matches, id)
	}
	return m
}

// SetContainerModules replaces a container's recorded module set after the
// runtime enables additional modules on it.
func (r *Registry) SetContainerModules(id uint64, modules []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.EnabledModules = modules
	}
}

// Match returns the match for id.
func (r *Registry) Match(id uint64) (model.Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[id]
	if !ok {
		return model.Match{}, false
	}
	return *m, true
}

// Matches returns every match, ordered by id.
func (r *Registry) Matches() []model.Match {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Match, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunningMatches returns the ids of every match in RUNNING status, ordered
// ascending: the tick pipeline's snapshot of readiness.
func (r *Registry) RunningMatches() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []uint64
	for id, m := range r.matches {
		if m.Status == model.MatchRunning {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StartMatch transitions CREATED -> RUNNING.
func (r *Registry) StartMatch(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return apierrors.NotFound("match", itoa(id))
	}
	switch m.Status {
	case model.MatchRunning:
		return nil
	case model.MatchCreated:
		m.Status = model.MatchRunning
		return nil
	default:
		return apierrors.Conflict("match cannot start from its current status")
	}
}

// FinishMatch transitions RUNNING -> FINISHED (absorbing, idempotent).
func (r *Registry) FinishMatch(id uint64) error {
	return r.terminateMatch(id, model.MatchFinished)
}

// MarkMatchError transitions RUNNING -> ERROR (absorbing, idempotent).
func (r *Registry) MarkMatchError(id uint64) error {
	return r.terminateMatch(id, model.MatchError)
}

func (r *Registry) terminateMatch(id uint64, to model.MatchStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return apierrors.NotFound("match", itoa(id))
	}
	if m.Status == to {
		return nil
	}
	if m.Status == model.MatchFinished || m.Status == model.MatchError {
		return apierrors.Conflict("match is already in a terminal status")
	}
	if m.Status != model.MatchRunning {
		return apierrors.Conflict("match is not running")
	}
	m.Status = to
	return nil
}

// IncrementTick advances a match's currentTick by exactly 1.
func (r *Registry) IncrementTick(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return apierrors.NotFound("match", itoa(id))
	}
	m.CurrentTick++
	return nil
}

// RecordSystemFailure tracks a consecutive system failure for systemName
// within matchID, returning the new streak length; the scheduler feeds
// this into the two-consecutive-failure ERROR transition.
func (r *Registry) RecordSystemFailure(matchID uint64, systemName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[matchID]
	if !ok {
		return 0
	}
	m.ConsecutiveSystemFailures[systemName]++
	return m.ConsecutiveSystemFailures[systemName]
}

// ResetSystemFailure clears a system's consecutive-failure streak after a
// successful pass.
func (r *Registry) ResetSystemFailure(matchID uint64, systemName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.matches[matchID]; ok {
		delete(m.ConsecutiveSystemFailures, systemName)
	}
}

// JoinPlayer admits playerID to matchID, which MUST be RUNNING and under
// its player limit.
func (r *Registry) JoinPlayer(matchID, playerID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[matchID]
	if !ok {
		return apierrors.NotFound("match", itoa(matchID))
	}
	if m.Status != model.MatchRunning {
		return apierrors.Conflict("match is not accepting players")
	}
	for _, p := range m.Players {
		if p == playerID {
			return nil
		}
	}
	if len(m.Players) >= m.PlayerLimit {
		return apierrors.MatchFull(m.PlayerLimit, len(m.Players))
	}
	m.Players = append(m.Players, playerID)
	return nil
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
