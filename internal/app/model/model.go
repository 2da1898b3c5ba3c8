// Package model defines the wire- and store-level data types:
// components, modules, matches, containers, nodes, tokens and
// snapshots. It has no behavior of its own — ecs, module, registry, cluster
// and snapshot each own the operations over these types.
package model

import "time"

// Permission is a component's access level.
type Permission string

const (
	PermissionPrivate Permission = "PRIVATE"
	PermissionRead    Permission = "READ"
	PermissionWrite   Permission = "WRITE"
)

// Component is a named, typed column identified by a stable id.
type Component struct {
	ID         uint64     `json:"id"`
	Name       string     `json:"name"`
	Permission Permission `json:"permission"`
}

// Built-in component ids every entity carries. Fixed and
// reserved: module-provided components never reuse these ids.
const (
	ComponentMatchID  uint64 = 1
	ComponentEntityID uint64 = 2
)

// BuiltinComponents returns the two components attached to every entity.
func BuiltinComponents() []Component {
	return []Component{
		{ID: ComponentMatchID, Name: "MATCH_ID", Permission: PermissionWrite},
		{ID: ComponentEntityID, Name: "ENTITY_ID", Permission: PermissionWrite},
	}
}

// Version is a module's major.minor[.patch] version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// Satisfies reports whether v (the resolved version) satisfies a dependency
// requirement of `required`: same major, minor >= required minor.
func (v Version) Satisfies(required Version) bool {
	return v.Major == required.Major && v.Minor >= required.Minor
}

func (v Version) String() string {
	if v.Patch == 0 {
		return itoa(v.Major) + "." + itoa(v.Minor)
	}
	return itoa(v.Major) + "." + itoa(v.Minor) + "." + itoa(v.Patch)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Export is a callable handle one module makes available to dependents.
type Export struct {
	Name string
	Fn   func(args ...float32) (float32, error)
}

// Descriptor is what the external module registry supplies for a module:
// its identity, the set of components/commands/systems it contributes, its
// flag component, and any exports.
type Descriptor struct {
	Name       string
	Version    Version
	Components []Component
	Commands   []string
	Systems    []string
	// Flag is the PRIVATE marker component attached to every entity
	// participating in this module, enabling O(1) isolation scans.
	Flag    Component
	Exports []Export
	// Dependencies is non-empty only for a CompoundModule: the set of
	// module names plus the minimum version each must resolve to.
	Dependencies []Dependency
}

// Dependency is one entry of a CompoundModule's requirement list.
type Dependency struct {
	Name     string
	Required Version
}

// MatchStatus is the match lifecycle state.
type MatchStatus string

const (
	MatchCreated  MatchStatus = "CREATED"
	MatchRunning  MatchStatus = "RUNNING"
	MatchFinished MatchStatus = "FINISHED"
	MatchError    MatchStatus = "ERROR"
)

// Match is a single instance of a running game within a container.
type Match struct {
	ID                        uint64
	ContainerID               uint64
	EnabledModules            []string
	Players                   []uint64
	Status                    MatchStatus
	CurrentTick               uint64
	PlayerLimit               int
	ConsecutiveSystemFailures map[string]int
}

// ContainerStatus is the container lifecycle state.
type ContainerStatus string

const (
	ContainerCreated ContainerStatus = "CREATED"
	ContainerRunning ContainerStatus = "RUNNING"
	ContainerPaused  ContainerStatus = "PAUSED"
	ContainerStopped ContainerStatus = "STOPPED"
)

// Container is an engine-local execution domain: one ECS, one command
// queue, one module runtime instance, one scheduler.
type Container struct {
	ID             uint64
	NodeID         uint64
	EnabledModules []string
	Matches        []uint64
	Status         ContainerStatus
	TickIntervalMs int
}

// NodeStatus is the cluster node health state.
type NodeStatus string

const (
	NodeHealthy  NodeStatus = "HEALTHY"
	NodeDraining NodeStatus = "DRAINING"
	NodeOffline  NodeStatus = "OFFLINE"
)

// NodeMetrics is the self-reported load a node heartbeats with.
type NodeMetrics struct {
	Containers int
	Matches    int
	CPUUsage   float64 // [0,1]
	MemoryUsed uint64
	MemoryMax  uint64
}

// Node is an engine node tracked by the control plane's cluster registry.
type Node struct {
	ID               uint64
	Address          string
	Status           NodeStatus
	Metrics          NodeMetrics
	LastHeartbeat    time.Time
	RegisteredAt     time.Time
	SupportedModules []string
	MaxMatches       int
}

// Scope is a capability a MatchToken grants.
type Scope string

const (
	ScopeSubmitCommands Scope = "submit_commands"
	ScopeViewSnapshots  Scope = "view_snapshots"
	ScopeReceiveErrors  Scope = "receive_errors"
)

// MatchToken scopes a player's access to one match (and optionally one
// container) for a bounded lifetime.
type MatchToken struct {
	ID          string
	MatchID     uint64
	ContainerID uint64 // 0 means "unset"
	PlayerID    uint64
	PlayerName  string
	Scopes      []Scope
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   time.Time // zero value means "not revoked"
}

// HasScope reports whether the token grants scope.
func (t MatchToken) HasScope(scope Scope) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Valid reports whether the token is neither expired nor revoked, as of now
// (a monotonic clock reading).
func (t MatchToken) Valid(now time.Time) bool {
	if !t.RevokedAt.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt)
}

// SnapshotComponent is one named column within a module's slice of a
// snapshot.
type SnapshotComponent struct {
	Name   string    `json:"name"`
	Values []float32 `json:"values"`
}

// SnapshotModule is one module's slice of a full snapshot.
type SnapshotModule struct {
	Name       string              `json:"name"`
	Version    string              `json:"version"`
	Components []SnapshotComponent `json:"components"`
}

// Snapshot is a full, immutable world-state slice for one match at one tick.
type Snapshot struct {
	MatchID uint64           `json:"matchId"`
	Tick    uint64           `json:"tick"`
	Modules []SnapshotModule `json:"modules"`
}

// DeltaChange is one changed value at a stable index.
type DeltaChange struct {
	Index     int     `json:"index"`
	Component string  `json:"component"`
	Value     float32 `json:"value"`
}

// DeltaModule is one module's added/removed/changed set between two ticks.
type DeltaModule struct {
	Name    string        `json:"name"`
	Added   []int         `json:"added"`
	Removed []int         `json:"removed"`
	Changed []DeltaChange `json:"changed"`
}

// Delta is the minimal change set between two consecutively retained
// snapshots of one match.
type Delta struct {
	MatchID  uint64        `json:"matchId"`
	FromTick uint64        `json:"fromTick"`
	ToTick   uint64        `json:"toTick"`
	Modules  []DeltaModule `json:"modules"`
	Resync   bool          `json:"resync"`
}

// ResyncModule expresses a snapshot module as a from-scratch delta module:
// every slot is added and every value is carried as a change, so a
// consumer with no prior state can reconstruct the module from it.
func ResyncModule(m SnapshotModule) DeltaModule {
	slots := 0
	if len(m.Components) > 0 {
		slots = len(m.Components[0].Values)
	}
	added := make([]int, slots)
	for i := range added {
		added[i] = i
	}
	var changed []DeltaChange
	for _, c := range m.Components {
		for i, v := range c.Values {
			changed = append(changed, DeltaChange{Index: i, Component: c.Name, Value: v})
		}
	}
	return DeltaModule{Name: m.Name, Added: added, Changed: changed}
}

// AsResyncDelta expresses the whole snapshot as a resync-flagged delta, the
// message a delta subscriber receives when it has no reconstructible prior
// state.
func (s Snapshot) AsResyncDelta() Delta {
	modules := make([]DeltaModule, 0, len(s.Modules))
	for _, m := range s.Modules {
		modules = append(modules, ResyncModule(m))
	}
	return Delta{MatchID: s.MatchID, FromTick: s.Tick, ToTick: s.Tick, Modules: modules, Resync: true}
}

// LegacySnapshot is the pre-columnar wire shape some older consumers
// still expect: `{matchId, tick, data:{module:{component:[number]}}}`.
// It carries the same values as Snapshot, just reshaped into nested maps
// instead of parallel arrays.
type LegacySnapshot struct {
	MatchID uint64                          `json:"matchId"`
	Tick    uint64                          `json:"tick"`
	Data    map[string]map[string][]float32 `json:"data"`
}

// ToLegacy reshapes a columnar Snapshot into the legacy nested-map form.
func (s Snapshot) ToLegacy() LegacySnapshot {
	data := make(map[string]map[string][]float32, len(s.Modules))
	for _, m := range s.Modules {
		components := make(map[string][]float32, len(m.Components))
		for _, c := range m.Components {
			components[c.Name] = c.Values
		}
		data[m.Name] = components
	}
	return LegacySnapshot{MatchID: s.MatchID, Tick: s.Tick, Data: data}
}
