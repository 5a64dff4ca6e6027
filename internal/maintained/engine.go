package maintained

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"tracebase/pkg/domain"
)

// DrainFunc opens a transactional scope for an automatic buffer drain when a
// deferred coordinator is released. It is wired in by the store at startup.
type DrainFunc func(ctx context.Context, fn func(tx domain.Mutator) error) error

// Engine is the propagation engine plus its runtime context: the schema set,
// the dependency registry, the shared default coordinator, and the metrics
// recorder. One Engine is constructed at startup and injected everywhere;
// there is no package-level mutable state.
type Engine struct {
	schemas  *domain.SchemaSet
	registry *Registry
	def      *Coordinator
	logger   *slog.Logger
	metrics  *Recorder
	drain    DrainFunc

	massActive atomic.Bool
}

// EngineOption configures an engine at construction.
type EngineOption func(*Engine)

// WithLogger overrides the engine's structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics overrides the engine's metrics recorder.
func WithMetrics(rec *Recorder) EngineOption {
	return func(e *Engine) { e.metrics = rec }
}

// NewEngine constructs the propagation engine. The shared default coordinator
// runs in always mode; contexts that never push a coordinator fall back to it.
func NewEngine(schemas *domain.SchemaSet, registry *Registry, opts ...EngineOption) *Engine {
	def, err := NewCoordinator(ModeAlways)
	if err != nil {
		panic(err) // ModeAlways is always valid
	}
	e := &Engine{
		schemas:  schemas,
		registry: registry,
		def:      def,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewRecorder("")
	}
	return e
}

// Registry returns the engine's dependency registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Schemas returns the engine's schema set.
func (e *Engine) Schemas() *domain.SchemaSet { return e.schemas }

// SetDrainFunc wires the transactional scope used for automatic drains on
// coordinator release. Called once by the store during startup.
func (e *Engine) SetDrainFunc(drain DrainFunc) { e.drain = drain }

// --- coordinator stack -------------------------------------------------

type stackKey struct{}

type stackNode struct {
	c      *Coordinator
	parent *stackNode
}

// Current returns the coordinator at the top of the context's stack, falling
// back to the shared always-mode default. The context handle is the only
// accessor; no bypass path exists.
func (e *Engine) Current(ctx context.Context) *Coordinator {
	if node, ok := ctx.Value(stackKey{}).(*stackNode); ok && node != nil {
		return node.c
	}
	return e.def
}

// Release finalizes a pushed coordinator. It must be called on every exit
// path, normal or not; callers defer it immediately after Push.
type Release func(ctx context.Context) error

// Push stacks a coordinator onto the context for one logical unit of work and
// returns the derived context plus a release function. Releasing a deferred
// coordinator with no deferred ancestor on its stack drains its buffer as a
// mass update; with a deferred ancestor, the buffer is handed upward instead.
func (e *Engine) Push(ctx context.Context, c *Coordinator) (context.Context, Release) {
	var parent *stackNode
	if node, ok := ctx.Value(stackKey{}).(*stackNode); ok {
		parent = node
	}
	node := &stackNode{c: c, parent: parent}
	derived := context.WithValue(ctx, stackKey{}, node)

	release := func(ctx context.Context) error {
		if c.Mode() != ModeDeferred {
			return nil
		}
		for anc := parent; anc != nil; anc = anc.parent {
			if anc.c.Mode() == ModeDeferred {
				for _, entry := range c.buffer {
					anc.c.BufferUpdate(entry.entity, entry.labels, entry.filterIn)
				}
				return nil
			}
		}
		if len(c.buffer) == 0 {
			return nil
		}
		if e.drain == nil {
			return fmt.Errorf("deferred coordinator released with %d buffered updates and no drain scope wired", len(c.buffer))
		}
		return e.drain(ctx, func(tx domain.Mutator) error {
			return e.PerformBufferedUpdates(ctx, tx, c, nil)
		})
	}
	return derived, release
}

// --- save/delete hooks ---------------------------------------------------

// OnSave reacts to a record save according to the active coordinator's mode.
// In always mode the record's maintained fields are recomputed and persisted
// before any propagation to related records begins.
func (e *Engine) OnSave(ctx context.Context, tx domain.Mutator, ent domain.Entity) error {
	kind := ent.EntityKind()
	if err := e.registry.EnsureValidated(kind); err != nil {
		return err
	}
	c := e.Current(ctx)
	switch c.Mode() {
	case ModeAlways:
		started := time.Now()
		visited := make(map[string]struct{})
		err := e.updateAndPropagate(tx, ent, nil, true, visited)
		e.metrics.Observe("save_propagation", time.Since(started), statusOf(err))
		return err
	case ModeDeferred:
		c.bufferDefaults(ent)
		return nil
	case ModeLazy, ModeDisabled:
		return nil
	default:
		return InvalidModeError{Mode: c.Mode()}
	}
}

// OnDelete reacts to a record deletion. Children are gone with the record, so
// propagation runs toward parents only.
func (e *Engine) OnDelete(ctx context.Context, tx domain.Mutator, ent domain.Entity) error {
	kind := ent.EntityKind()
	if err := e.registry.EnsureValidated(kind); err != nil {
		return err
	}
	c := e.Current(ctx)
	switch c.Mode() {
	case ModeAlways:
		started := time.Now()
		visited := map[string]struct{}{visitKey(ent): {}}
		err := e.propagateParents(tx, ent, nil, true, visited)
		e.metrics.Observe("delete_propagation", time.Since(started), statusOf(err))
		return err
	case ModeDeferred:
		parents, err := e.relatedParents(tx, ent, e.registry.Updaters(kind))
		if err != nil {
			return err
		}
		for _, parent := range parents {
			c.bufferDefaults(parent)
		}
		return nil
	case ModeLazy, ModeDisabled:
		return nil
	default:
		return InvalidModeError{Mode: c.Mode()}
	}
}

// RecomputeOwn recomputes and persists a single record's maintained fields
// without propagating. It backs lazy-mode reads and the mass rebuild.
func (e *Engine) RecomputeOwn(tx domain.Mutator, ent domain.Entity, labels []string, filterIn bool) error {
	if err := e.registry.EnsureValidated(ent.EntityKind()); err != nil {
		return err
	}
	updaters := selectUpdaters(e.registry.Updaters(ent.EntityKind()), labels, filterIn)
	return e.recomputeAndPut(tx, ent, updaters)
}

// CheckSettable rejects caller-supplied values for maintained fields. On
// create, every maintained field must hold its zero value; on update, it must
// match the stored value.
func (e *Engine) CheckSettable(existing, incoming domain.Entity) error {
	sc, ok := e.schemas.Lookup(incoming.EntityKind())
	if !ok {
		return fmt.Errorf("no schema registered for kind %s", incoming.EntityKind())
	}
	baseline := existing
	if baseline == nil {
		baseline = sc.New()
	}
	for name, f := range sc.Fields {
		if !f.Maintained {
			continue
		}
		if !reflect.DeepEqual(f.Get(incoming), f.Get(baseline)) {
			return NotSettableError{Kind: incoming.EntityKind(), Field: name}
		}
	}
	return nil
}

// --- propagation ----------------------------------------------------------

func visitKey(ent domain.Entity) string {
	return string(ent.EntityKind()) + "." + ent.EntityID()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// recomputeAndPut applies each field-producing updater and persists the
// record. A transaction-state failure from the store is downgraded to a
// warning and the auto-update skipped; the triggering operation proceeds.
func (e *Engine) recomputeAndPut(tx domain.Mutator, ent domain.Entity, updaters []Updater) error {
	sc, ok := e.schemas.Lookup(ent.EntityKind())
	if !ok {
		return fmt.Errorf("no schema registered for kind %s", ent.EntityKind())
	}
	changed := false
	for _, u := range updaters {
		if u.Compute == nil || u.Field == "" {
			continue
		}
		value, err := u.Compute(tx, ent)
		if err != nil {
			return fmt.Errorf("compute %s.%s (%s): %w", ent.EntityKind(), u.Field, u.Name, err)
		}
		field, _ := sc.Field(u.Field)
		if err := field.Set(ent, value); err != nil {
			return fmt.Errorf("set %s.%s (%s): %w", ent.EntityKind(), u.Field, u.Name, err)
		}
		changed = true
	}
	if !changed {
		return nil
	}
	if err := tx.Put(ent); err != nil {
		if domain.IsTxInvalid(err) {
			e.logger.Warn("skipping auto-update: transaction state invalid",
				"kind", ent.EntityKind(), "id", ent.EntityID(), "error", err)
			return nil
		}
		return err
	}
	return nil
}

// updateAndPropagate recomputes the record's own maintained fields, persists
// it, then walks depth-first through declared child relations and finally
// parent relations. The visited set guarantees each record is handled at most
// once per pass, terminating cycles introduced by back-references.
func (e *Engine) updateAndPropagate(tx domain.Mutator, ent domain.Entity, labels []string, filterIn bool, visited map[string]struct{}) error {
	key := visitKey(ent)
	if _, seen := visited[key]; seen {
		return nil
	}
	visited[key] = struct{}{}

	if err := e.registry.EnsureValidated(ent.EntityKind()); err != nil {
		return err
	}
	updaters := selectUpdaters(e.registry.Updaters(ent.EntityKind()), labels, filterIn)
	if err := e.recomputeAndPut(tx, ent, updaters); err != nil {
		return err
	}
	if err := e.propagateChildren(tx, ent, labels, filterIn, visited); err != nil {
		return err
	}
	return e.propagateParents(tx, ent, labels, filterIn, visited)
}

func (e *Engine) propagateChildren(tx domain.Mutator, ent domain.Entity, labels []string, filterIn bool, visited map[string]struct{}) error {
	updaters := e.registry.Updaters(ent.EntityKind())
	for _, relation := range childRelations(updaters) {
		children, err := e.schemas.Related(tx, ent, relation)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := e.updateAndPropagate(tx, child, labels, filterIn, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) propagateParents(tx domain.Mutator, ent domain.Entity, labels []string, filterIn bool, visited map[string]struct{}) error {
	parents, err := e.relatedParents(tx, ent, e.registry.Updaters(ent.EntityKind()))
	if err != nil {
		return err
	}
	for _, parent := range parents {
		if err := e.updateAndPropagate(tx, parent, labels, filterIn, visited); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) relatedParents(view domain.View, ent domain.Entity, updaters []Updater) ([]domain.Entity, error) {
	var out []domain.Entity
	for _, relation := range parentRelations(updaters) {
		parents, err := e.schemas.Related(view, ent, relation)
		if err != nil {
			return nil, err
		}
		out = append(out, parents...)
	}
	return out, nil
}

func parentRelations(updaters []Updater) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range updaters {
		if u.ParentRelation == "" {
			continue
		}
		if _, ok := seen[u.ParentRelation]; ok {
			continue
		}
		seen[u.ParentRelation] = struct{}{}
		out = append(out, u.ParentRelation)
	}
	return out
}

func childRelations(updaters []Updater) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range updaters {
		for _, child := range u.ChildRelations {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
		}
	}
	return out
}

// --- buffered mass updates --------------------------------------------

// PerformBufferedUpdates drains a deferred coordinator's buffer in insertion
// order. Propagation during one entry's turn may update other buffered
// records early; those are skipped when their own turn comes. Any failure
// aborts the whole pass: the remaining buffer state is suspect and should be
// cleared before a retry.
func (e *Engine) PerformBufferedUpdates(ctx context.Context, tx domain.Mutator, c *Coordinator, labelFilters []string) error {
	if !e.massActive.CompareAndSwap(false, true) {
		return StaleModeError{Operation: "buffered mass update"}
	}
	defer e.massActive.Store(false)

	started := time.Now()
	err := e.performBuffered(tx, c, labelFilters)
	e.metrics.Observe("buffered_mass_update", time.Since(started), statusOf(err))
	return err
}

func (e *Engine) performBuffered(tx domain.Mutator, c *Coordinator, labelFilters []string) error {
	visited := make(map[string]struct{})
	var remaining []bufferEntry

	for i, entry := range c.buffer {
		if !entryMatchesLabels(e.registry, entry, labelFilters) {
			remaining = append(remaining, entry)
			continue
		}
		if _, done := visited[visitKey(entry.entity)]; done {
			continue
		}
		// Re-read committed state: the buffered instance may be stale, and the
		// record may have been deleted since it was buffered.
		current, ok := tx.Get(entry.entity.EntityKind(), entry.entity.EntityID())
		if !ok {
			continue
		}
		if err := e.updateAndPropagate(tx, current, entry.labels, entry.filterIn, visited); err != nil {
			// Keep the failing entry and everything after it: the partially
			// drained buffer is suspect but must not be silently discarded.
			c.buffer = restoreBuffer(c, append(remaining, c.buffer[i:]...))
			if domain.IsConflict(err) {
				return LikelyStaleBufferError{Kind: entry.entity.EntityKind(), ID: entry.entity.EntityID(), Err: err}
			}
			return AutoUpdateFailedError{
				Kind:     entry.entity.EntityKind(),
				ID:       entry.entity.EntityID(),
				Updaters: updaterNames(e.registry.Updaters(entry.entity.EntityKind())),
				Err:      err,
			}
		}
	}
	c.buffer = restoreBuffer(c, remaining)
	return nil
}

func restoreBuffer(c *Coordinator, remaining []bufferEntry) []bufferEntry {
	keys := make(map[string]struct{}, len(remaining))
	for _, entry := range remaining {
		keys[entry.key()] = struct{}{}
	}
	c.buffered = keys
	return remaining
}

func updaterNames(updaters []Updater) []string {
	out := make([]string, len(updaters))
	for i, u := range updaters {
		out[i] = u.Name
	}
	return out
}
