// Package ecs implements the columnar entity/component store: a mapping
// from component id to a dense column of entity id -> float32, with
// permissioned attach/detach and a cached hot-path membership query.
package ecs

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
)

// Principal identifies the caller of a mutating ECS operation. Only a
// superuser principal may attach/detach a PRIVATE component.
type Principal struct {
	Superuser bool
	Name      string
}

// Superuser is the in-process principal minted for the built-in
// spawn/flag-attachment paths only (never exposed externally, per the
// glossary's "Superuser principal" entry).
func Superuser(name string) Principal {
	return Principal{Superuser: true, Name: name}
}

// DefaultMaxEntities bounds slot allocation; createEntityForMatch fails
// with CapacityExhausted once reached.
const DefaultMaxEntities = 1 << 20

// Store is a per-container, module-isolated columnar Entity/Component
// Store. One Store belongs to exactly one container.
type Store struct {
	mu sync.RWMutex // writer-exclusive; readers proceed in parallel

	columns     map[uint64]map[uint64]float32 // componentID -> entityID -> value
	permissions map[uint64]model.Permission   // componentID -> permission
	alive       map[uint64]struct{}           // live entity ids

	nextEntityID uint64
	maxEntities  int

	cache *queryCache
}

// Option configures a Store at construction.
type Option func(*Store)

// WithCacheSize overrides the query-cache LRU bound.
func WithCacheSize(size int) Option {
	return func(s *Store) { s.cache = newQueryCache(size) }
}

// WithMaxEntities overrides the slot capacity.
func WithMaxEntities(max int) Option {
	return func(s *Store) { s.maxEntities = max }
}

// New creates an empty Store with the built-in MATCH_ID/ENTITY_ID columns
// registered.
func New(opts ...Option) *Store {
	s := &Store{
		columns:     make(map[uint64]map[uint64]float32),
		permissions: make(map[uint64]model.Permission),
		alive:       make(map[uint64]struct{}),
		maxEntities: DefaultMaxEntities,
		cache:       newQueryCache(DefaultCacheSize),
	}
	for _, c := range model.BuiltinComponents() {
		s.RegisterComponent(c)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterComponent records a component's permission level. Components
// without an explicit registration default to WRITE.
func (s *Store) RegisterComponent(c model.Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[c.ID] = c.Permission
	if _, ok := s.columns[c.ID]; !ok {
		s.columns[c.ID] = make(map[uint64]float32)
	}
}

func (s *Store) permissionFor(componentID uint64) model.Permission {
	if p, ok := s.permissions[componentID]; ok {
		return p
	}
	return model.PermissionWrite
}

func (s *Store) checkWritePermission(principal Principal, componentID uint64) error {
	if s.permissionFor(componentID) == model.PermissionPrivate && !principal.Superuser {
		return apierrors.PermissionDenied("PRIVATE component requires a superuser principal")
	}
	return nil
}

// CreateEntityForMatch allocates a new entity slot and attaches the
// built-in MATCH_ID/ENTITY_ID components.
func (s *Store) CreateEntityForMatch(matchID uint64, principal Principal) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.alive) >= s.maxEntities {
		return 0, apierrors.CapacityExhausted("entity slots")
	}

	id := atomic.AddUint64(&s.nextEntityID, 1)
	s.alive[id] = struct{}{}
	s.columns[model.ComponentMatchID][id] = float32(matchID)
	s.columns[model.ComponentEntityID][id] = float32(id)
	s.cache.invalidate(model.ComponentMatchID)
	s.cache.invalidate(model.ComponentEntityID)
	return id, nil
}

// AttachComponent sets a single component value on an entity, creating the
// entity slot if it doesn't exist yet.
func (s *Store) AttachComponent(entityID, componentID uint64, value float32, principal Principal) error {
	return s.AttachComponents(entityID, map[uint64]float32{componentID: value}, principal)
}

// AttachComponents atomically attaches a batch of component values. Any
// PRIVATE component in the batch without a superuser principal fails the
// entire batch with no partial writes.
func (s *Store) AttachComponents(entityID uint64, values map[uint64]float32, principal Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for componentID := range values {
		if err := s.checkWritePermission(principal, componentID); err != nil {
			return err
		}
	}

	for componentID, value := range values {
		col, ok := s.columns[componentID]
		if !ok {
			col = make(map[uint64]float32)
			s.columns[componentID] = col
		}
		col[entityID] = value
	}
	s.alive[entityID] = struct{}{}

	for componentID := range values {
		s.cache.invalidate(componentID)
	}
	return nil
}

// RemoveComponent clears a single component value from an entity.
func (s *Store) RemoveComponent(entityID, componentID uint64, principal Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritePermission(principal, componentID); err != nil {
		return err
	}
	if col, ok := s.columns[componentID]; ok {
		delete(col, entityID)
	}
	s.cache.invalidate(componentID)
	return nil
}

// DeleteEntity removes an entity slot from every column.
func (s *Store) DeleteEntity(entityID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, col := range s.columns {
		delete(col, entityID)
	}
	delete(s.alive, entityID)
	s.cache.purge()
}

// GetComponent returns the entity's value for componentID, or NaN if
// absent.
func (s *Store) GetComponent(entityID, componentID uint64) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.columns[componentID]
	if !ok {
		return float32(math.NaN())
	}
	v, ok := col[entityID]
	if !ok {
		return float32(math.NaN())
	}
	return v
}

// GetComponents batches GetComponent across multiple component ids.
func (s *Store) GetComponents(entityID uint64, componentIDs []uint64) map[uint64]float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]float32, len(componentIDs))
	for _, id := range componentIDs {
		if col, ok := s.columns[id]; ok {
			if v, ok := col[entityID]; ok {
				out[id] = v
				continue
			}
		}
		out[id] = float32(math.NaN())
	}
	return out
}

// HasComponent reports whether entityID carries componentID.
func (s *Store) HasComponent(entityID, componentID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.columns[componentID]
	if !ok {
		return false
	}
	_, ok = col[entityID]
	return ok
}

// GetEntitiesWithComponents returns, in ascending entity-id order, every
// entity slot carrying ALL of componentIDs. This is the hot-path scan:
// results are cached keyed on the sorted component id multiset and
// invalidated on any attach/remove touching one of the listed columns.
//
// The cache lookup, any cache miss compute, and the resulting cache
// populate all run under the same s.mu.RLock() acquisition. Writers only
// invalidate the cache while holding s.mu.Lock(), so holding the read lock
// across the whole sequence rules out a writer's invalidate landing between
// this call's compute and its cache.put — which would otherwise let a
// pre-write result be cached after the invalidation it should have
// respected already ran. Concurrent readers are unaffected: RLock still
// admits any number of them at once.
func (s *Store) GetEntitiesWithComponents(componentIDs ...uint64) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cached, ok := s.cache.get(componentIDs); ok {
		return append([]uint64(nil), cached...)
	}

	result := s.computeEntitiesWithComponents(componentIDs)
	s.cache.put(componentIDs, result)
	return append([]uint64(nil), result...)
}

func (s *Store) computeEntitiesWithComponents(componentIDs []uint64) []uint64 {
	if len(componentIDs) == 0 {
		return nil
	}
	// Start from the smallest column to minimize intersection work.
	smallest := componentIDs[0]
	for _, id := range componentIDs[1:] {
		if len(s.columns[id]) < len(s.columns[smallest]) {
			smallest = id
		}
	}

	var result []uint64
	for entityID := range s.columns[smallest] {
		matches := true
		for _, id := range componentIDs {
			if _, ok := s.columns[id][entityID]; !ok {
				matches = false
				break
			}
		}
		if matches {
			result = append(result, entityID)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// EntityCount returns the number of live entity slots.
func (s *Store) EntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alive)
}
