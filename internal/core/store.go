// Package core wires the domain schema, the maintained-field engine, and the
// hierarchical cache into an in-memory transactional store and the service
// layer built on top of it.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tracebase/internal/cache"
	"tracebase/internal/maintained"
	"tracebase/pkg/domain"
)

type memoryState map[domain.Kind]map[string]domain.Entity

func newMemoryState(kinds []domain.Kind) memoryState {
	state := make(memoryState, len(kinds))
	for _, kind := range kinds {
		state[kind] = make(map[string]domain.Entity)
	}
	return state
}

func (s memoryState) clone() memoryState {
	cloned := make(memoryState, len(s))
	for kind, bucket := range s {
		cb := make(map[string]domain.Entity, len(bucket))
		for id, ent := range bucket {
			cb[id] = ent.CloneEntity()
		}
		cloned[kind] = cb
	}
	return cloned
}

// MemoryStore provides the in-memory transactional store for the tracebase
// schema. Every save and delete inside a transaction runs the maintained-field
// pipeline; commits invalidate the cache hierarchies of all changed records.
type MemoryStore struct {
	mu      sync.RWMutex
	state   memoryState
	schemas *domain.SchemaSet
	engine  *maintained.Engine
	caches  *cache.Layer
	nowFn   func() time.Time
}

// NewMemoryStore constructs a store backed by the provided engine and cache
// layer. The engine's automatic drain scope is wired to the store so released
// deferred coordinators can run their mass update transactionally.
func NewMemoryStore(engine *maintained.Engine, caches *cache.Layer) *MemoryStore {
	s := &MemoryStore{
		state:   newMemoryState(engine.Schemas().Kinds()),
		schemas: engine.Schemas(),
		engine:  engine,
		caches:  caches,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	engine.SetDrainFunc(func(ctx context.Context, fn func(tx domain.Mutator) error) error {
		return s.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return fn(tx)
		})
	})
	return s
}

// Engine returns the maintained-field engine bound to the store.
func (s *MemoryStore) Engine() *maintained.Engine { return s.engine }

// Caches returns the cache layer bound to the store, or nil.
func (s *MemoryStore) Caches() *cache.Layer { return s.caches }

func (s *MemoryStore) newID() string { return uuid.NewString() }

// Tx represents a mutation set applied to a transactional copy of the state.
type Tx struct {
	store   *MemoryStore
	state   memoryState
	changes []domain.Change
	now     time.Time
}

var _ domain.Transaction = (*Tx)(nil)

// Get implements domain.View against the transactional state.
func (tx *Tx) Get(kind domain.Kind, id string) (domain.Entity, bool) {
	bucket, ok := tx.state[kind]
	if !ok {
		return nil, false
	}
	ent, ok := bucket[id]
	if !ok {
		return nil, false
	}
	return ent.CloneEntity(), true
}

// List implements domain.View against the transactional state.
func (tx *Tx) List(kind domain.Kind) []domain.Entity {
	bucket := tx.state[kind]
	out := make([]domain.Entity, 0, len(bucket))
	for _, ent := range bucket {
		out = append(out, ent.CloneEntity())
	}
	return out
}

// Put persists a record without running the maintained-field pipeline. It is
// the raw primitive used by the propagation engine and by snapshot restores;
// natural-key uniqueness is still enforced and surfaces as a conflict error.
func (tx *Tx) Put(ent domain.Entity) error {
	kind := ent.EntityKind()
	bucket, ok := tx.state[kind]
	if !ok {
		return domain.StoreError{Kind: domain.ErrKindNotFound, Entity: kind, Msg: "kind not registered"}
	}
	if err := tx.checkNaturalKeys(ent); err != nil {
		return err
	}
	bucket[ent.EntityID()] = ent.CloneEntity()
	return nil
}

// Remove drops a record without running the maintained-field pipeline.
func (tx *Tx) Remove(kind domain.Kind, id string) error {
	bucket, ok := tx.state[kind]
	if !ok {
		return domain.StoreError{Kind: domain.ErrKindNotFound, Entity: kind, ID: id, Msg: "kind not registered"}
	}
	if _, ok := bucket[id]; !ok {
		return domain.StoreError{Kind: domain.ErrKindNotFound, Entity: kind, ID: id, Msg: "not found"}
	}
	delete(bucket, id)
	return nil
}

// Save runs the full save pipeline: maintained-field settability checks, ID
// assignment and stamping, raw persistence, change recording, and the
// propagation hook under the context's active coordinator.
func (tx *Tx) Save(ctx context.Context, ent domain.Entity) error {
	kind := ent.EntityKind()
	var before domain.Entity
	action := domain.ActionCreate
	if ent.EntityID() != "" {
		if existing, ok := tx.Get(kind, ent.EntityID()); ok {
			before = existing
			action = domain.ActionUpdate
		}
	}
	if err := tx.store.engine.CheckSettable(before, ent); err != nil {
		return err
	}
	if ent.EntityID() == "" {
		ent.SetEntityID(tx.store.newID())
	}
	ent.Stamp(tx.now)
	if err := tx.Put(ent); err != nil {
		return err
	}
	tx.changes = append(tx.changes, domain.Change{
		Entity: kind, Action: action, ID: ent.EntityID(), Before: before, After: ent.CloneEntity(),
	})
	return tx.store.engine.OnSave(ctx, tx, ent)
}

// Delete runs the full delete pipeline: removal, change recording, and
// parent-ward propagation under the context's active coordinator.
func (tx *Tx) Delete(ctx context.Context, kind domain.Kind, id string) error {
	existing, ok := tx.Get(kind, id)
	if !ok {
		return domain.StoreError{Kind: domain.ErrKindNotFound, Entity: kind, ID: id, Msg: "not found"}
	}
	if err := tx.Remove(kind, id); err != nil {
		return err
	}
	tx.changes = append(tx.changes, domain.Change{
		Entity: kind, Action: domain.ActionDelete, ID: id, Before: existing,
	})
	return tx.store.engine.OnDelete(ctx, tx, existing)
}

// checkNaturalKeys enforces per-kind natural-key uniqueness inside the
// transactional state. Violations surface as conflict errors so mass updates
// over a stale buffer fail with actionable context.
func (tx *Tx) checkNaturalKeys(ent domain.Entity) error {
	conflict := func(msg string) error {
		return domain.StoreError{Kind: domain.ErrKindConflict, Entity: ent.EntityKind(), ID: ent.EntityID(), Msg: msg}
	}
	switch e := ent.(type) {
	case *domain.Compound:
		for _, other := range tx.state[domain.KindCompound] {
			if other.EntityID() != e.ID && other.(*domain.Compound).Name == e.Name {
				return conflict(fmt.Sprintf("compound name %q already exists", e.Name))
			}
		}
	case *domain.Animal:
		for _, other := range tx.state[domain.KindAnimal] {
			if other.EntityID() != e.ID && other.(*domain.Animal).Name == e.Name {
				return conflict(fmt.Sprintf("animal name %q already exists", e.Name))
			}
		}
	case *domain.Tracer:
		if e.Name == "" {
			return nil
		}
		for _, other := range tx.state[domain.KindTracer] {
			if other.EntityID() != e.ID && other.(*domain.Tracer).Name == e.Name {
				return conflict(fmt.Sprintf("tracer name %q already exists", e.Name))
			}
		}
	case *domain.InfusateTracer:
		for _, other := range tx.state[domain.KindInfusateTracer] {
			o := other.(*domain.InfusateTracer)
			if o.ID != e.ID && o.InfusateID == e.InfusateID && o.TracerID == e.TracerID {
				return conflict("infusate already links this tracer")
			}
		}
	}
	return nil
}

// RunInTransaction executes fn within a transactional copy of the store
// state. On success the copy is committed and the cache hierarchies of every
// changed record are invalidated.
func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Invalidation runs against the transactional state before it is
	// published: a strict-mode invalidation failure aborts the commit instead
	// of reporting an error for a transaction that went through. Entries
	// already swept on the failure path stay gone, which only over-invalidates.
	if s.caches != nil {
		view := &storeView{state: tx.state}
		for _, change := range tx.changes {
			target := change.After
			if target == nil {
				target = change.Before
			}
			if target == nil {
				continue
			}
			sc, ok := s.schemas.Lookup(change.Entity)
			if !ok || !sc.Caching {
				continue
			}
			if _, err := s.caches.InvalidateHierarchy(view, target); err != nil {
				return err
			}
		}
	}
	s.state = tx.state
	return nil
}

// ViewState executes fn against a read-only snapshot of committed state.
func (s *MemoryStore) ViewState(_ context.Context, fn func(domain.View) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(&storeView{state: snapshot})
}

// Close releases store resources. The in-memory store has none.
func (s *MemoryStore) Close() error { return nil }

type storeView struct {
	state memoryState
}

func (v *storeView) Get(kind domain.Kind, id string) (domain.Entity, bool) {
	ent, ok := v.state[kind][id]
	if !ok {
		return nil, false
	}
	return ent.CloneEntity(), true
}

func (v *storeView) List(kind domain.Kind) []domain.Entity {
	bucket := v.state[kind]
	out := make([]domain.Entity, 0, len(bucket))
	for _, ent := range bucket {
		out = append(out, ent.CloneEntity())
	}
	return out
}

// ExportState snapshots the committed state bucketed by kind, for durable
// backends.
func (s *MemoryStore) ExportState() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(domain.Snapshot, len(s.state))
	for kind, bucket := range s.state {
		entities := make([]domain.Entity, 0, len(bucket))
		for _, ent := range bucket {
			entities = append(entities, ent.CloneEntity())
		}
		snapshot[kind] = entities
	}
	return snapshot
}

// ImportState replaces the committed state with a snapshot, bypassing the
// maintained-field pipeline. Used by durable backends during hydration.
func (s *MemoryStore) ImportState(snapshot domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := newMemoryState(s.schemas.Kinds())
	for kind, entities := range snapshot {
		bucket, ok := state[kind]
		if !ok {
			bucket = make(map[string]domain.Entity)
			state[kind] = bucket
		}
		for _, ent := range entities {
			bucket[ent.EntityID()] = ent.CloneEntity()
		}
	}
	s.state = state
}
