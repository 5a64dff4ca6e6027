// Package cache implements the hierarchical computation-result cache: cached
// function results keyed by (kind, id, function), invalidated as whole
// hierarchies whenever any record under a hierarchy root changes.
package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"tracebase/pkg/domain"
)

// Function describes one cacheable computed property of an entity kind.
type Function struct {
	Kind    domain.Kind
	Name    string
	Compute func(view domain.View, e domain.Entity) (any, error)
}

// repFunction is the reserved name of the representative entry written at
// each hierarchy root. Its presence flags "some cache exists under this
// root", letting invalidation skip the recursive sweep in the common case of
// an untouched hierarchy. It is only ever reset by deleting the whole
// hierarchy's cache.
const repFunction = "__rep__"

// Layer is the process-wide cache. Retrievals and updates toggle
// independently so bulk loads can run with invalidation off without losing
// the ability to rebuild caches afterwards. Store-access errors degrade to
// cache misses unless strict mode is enabled (diagnostics only).
type Layer struct {
	schemas *domain.SchemaSet
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	entries map[string]any
	funcs   map[domain.Kind][]Function

	retrievals atomic.Bool
	updates    atomic.Bool
	strict     atomic.Bool
}

// Option configures a cache layer at construction.
type Option func(*Layer)

// WithLogger overrides the layer's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) { l.logger = logger }
}

// WithMetrics overrides the layer's prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(l *Layer) { l.metrics = m }
}

// New constructs a cache layer with retrievals and updates enabled.
func New(schemas *domain.SchemaSet, opts ...Option) *Layer {
	l := &Layer{
		schemas: schemas,
		logger:  slog.Default(),
		entries: make(map[string]any),
		funcs:   make(map[domain.Kind][]Function),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	l.retrievals.Store(true)
	l.updates.Store(true)
	return l
}

// SetRetrievalsEnabled toggles cache reads. Disabled reads always miss.
func (l *Layer) SetRetrievalsEnabled(on bool) { l.retrievals.Store(on) }

// SetUpdatesEnabled toggles cache writes and invalidation.
func (l *Layer) SetUpdatesEnabled(on bool) { l.updates.Store(on) }

// SetStrict promotes store-access errors from logged misses to returned
// failures. Intended for diagnostics and tests, never production.
func (l *Layer) SetStrict(on bool) { l.strict.Store(on) }

// RegisterFunction registers a cacheable computed property. Registration
// happens once during startup; duplicate names are a configuration error.
func (l *Layer) RegisterFunction(f Function) error {
	if f.Name == "" || f.Name == repFunction {
		return fmt.Errorf("invalid cached function name %q", f.Name)
	}
	if f.Compute == nil {
		return fmt.Errorf("cached function %s.%s requires a compute closure", f.Kind, f.Name)
	}
	if _, ok := l.schemas.Lookup(f.Kind); !ok {
		return fmt.Errorf("cached function %s.%s: kind not registered", f.Kind, f.Name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.funcs[f.Kind] {
		if existing.Name == f.Name {
			return fmt.Errorf("cached function %s.%s already registered", f.Kind, f.Name)
		}
	}
	l.funcs[f.Kind] = append(l.funcs[f.Kind], f)
	return nil
}

// Functions returns the cached functions registered for a kind.
func (l *Layer) Functions(kind domain.Kind) []Function {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Function(nil), l.funcs[kind]...)
}

// FunctionNames returns the registered cached function names for a kind.
func (l *Layer) FunctionNames(kind domain.Kind) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.funcs[kind]))
	for _, f := range l.funcs[kind] {
		out = append(out, f.Name)
	}
	sort.Strings(out)
	return out
}

// Kinds returns every kind with at least one registered cached function.
func (l *Layer) Kinds() []domain.Kind {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Kind, 0, len(l.funcs))
	for k := range l.funcs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func entryKey(kind domain.Kind, id, function string) string {
	return string(kind) + "|" + id + "|" + function
}

// Get returns the cached result of a function for an entity and whether it
// was a hit. Disabled retrievals always miss.
func (l *Layer) Get(e domain.Entity, function string) (any, bool) {
	if !l.retrievals.Load() {
		l.metrics.misses.Inc()
		return nil, false
	}
	l.mu.RLock()
	value, ok := l.entries[entryKey(e.EntityKind(), e.EntityID(), function)]
	l.mu.RUnlock()
	if ok {
		l.metrics.hits.Inc()
	} else {
		l.metrics.misses.Inc()
	}
	return value, ok
}

// Set stores a function result permanently (no expiry) and flags the entity's
// hierarchy root as holding caches. Disabled updates make Set a no-op.
func (l *Layer) Set(view domain.View, e domain.Entity, function string, value any) error {
	if !l.updates.Load() {
		return nil
	}
	root, err := l.schemas.HierarchyRoot(view, e)
	if err != nil {
		return l.degrade("cache set", e, function, err)
	}
	l.mu.Lock()
	l.entries[entryKey(e.EntityKind(), e.EntityID(), function)] = value
	l.entries[entryKey(root.EntityKind(), root.EntityID(), repFunction)] = true
	l.mu.Unlock()
	l.metrics.sets.Inc()
	return nil
}

// Value returns the cached result of a function, computing and opportunistically
// storing it on a miss.
func (l *Layer) Value(view domain.View, e domain.Entity, f Function) (any, error) {
	if value, ok := l.Get(e, f.Name); ok {
		return value, nil
	}
	value, err := f.Compute(view, e)
	if err != nil {
		return nil, err
	}
	if err := l.Set(view, e, f.Name, value); err != nil {
		return nil, err
	}
	return value, nil
}

// InvalidateHierarchy deletes every cached entry for every registered
// function on every record in the changed entity's hierarchy: walk to the
// root, then sweep recursively through declared child relations. The sweep
// over-invalidates siblings by design, trading precision for correctness.
// Returns the number of entries removed.
func (l *Layer) InvalidateHierarchy(view domain.View, e domain.Entity) (int, error) {
	if !l.updates.Load() {
		return 0, nil
	}
	root, err := l.schemas.HierarchyRoot(view, e)
	if err != nil {
		if derr := l.degrade("cache invalidation", e, "", err); derr != nil {
			return 0, derr
		}
		return 0, nil
	}

	l.mu.RLock()
	_, any := l.entries[entryKey(root.EntityKind(), root.EntityID(), repFunction)]
	l.mu.RUnlock()
	if !any {
		return 0, nil
	}

	removed := 0
	visited := make(map[string]struct{})
	if err := l.sweep(view, root, visited, &removed); err != nil {
		if derr := l.degrade("cache invalidation", e, "", err); derr != nil {
			return removed, derr
		}
		return removed, nil
	}
	l.mu.Lock()
	if _, ok := l.entries[entryKey(root.EntityKind(), root.EntityID(), repFunction)]; ok {
		delete(l.entries, entryKey(root.EntityKind(), root.EntityID(), repFunction))
		removed++
	}
	l.mu.Unlock()
	l.metrics.invalidations.Inc()
	l.metrics.invalidatedEntries.Add(float64(removed))
	return removed, nil
}

func (l *Layer) sweep(view domain.View, e domain.Entity, visited map[string]struct{}, removed *int) error {
	key := string(e.EntityKind()) + "." + e.EntityID()
	if _, seen := visited[key]; seen {
		return nil
	}
	visited[key] = struct{}{}

	l.mu.Lock()
	for _, f := range l.funcs[e.EntityKind()] {
		k := entryKey(e.EntityKind(), e.EntityID(), f.Name)
		if _, ok := l.entries[k]; ok {
			delete(l.entries, k)
			*removed++
		}
	}
	l.mu.Unlock()

	sc, ok := l.schemas.Lookup(e.EntityKind())
	if !ok {
		return nil
	}
	for _, relation := range sc.Children {
		children, err := l.schemas.Related(view, e, relation)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := l.sweep(view, child, visited, removed); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clear drops every cached entry, including representative flags.
func (l *Layer) Clear() {
	l.mu.Lock()
	l.entries = make(map[string]any)
	l.mu.Unlock()
}

// Size returns the number of stored entries, representative flags included.
func (l *Layer) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Layer) degrade(op string, e domain.Entity, function string, err error) error {
	l.metrics.errors.Inc()
	if l.strict.Load() {
		return fmt.Errorf("%s for %s %s: %w", op, e.EntityKind(), e.EntityID(), err)
	}
	l.logger.Warn("cache degraded to miss",
		"op", op, "kind", e.EntityKind(), "id", e.EntityID(), "function", function, "error", err)
	return nil
}
